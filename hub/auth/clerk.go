package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// ClerkProvider validates Clerk-issued JWTs using JWKS. The project and role
// come from the "project_id" and "client_type" claims; a token without them
// is rejected.
type ClerkProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
	cancel context.CancelFunc
}

// NewClerkProvider creates a ClerkProvider that fetches JWKS from the Clerk issuer.
func NewClerkProvider(issuer string) (*ClerkProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("clerk issuer URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return newClerkProvider(issuer, jwks, cancel), nil
}

func newClerkProvider(issuer string, jwks keyfunc.Keyfunc, cancel context.CancelFunc) *ClerkProvider {
	return &ClerkProvider{issuer: issuer, jwks: jwks, cancel: cancel}
}

// ValidateToken parses a Clerk JWT and returns an Identity.
func (c *ClerkProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, c.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub := claimStr(claims, "sub")
	projectID := claimStr(claims, "project_id")
	ct := protocol.ClientType(claimStr(claims, "client_type"))
	if sub == "" || projectID == "" || !ct.Valid() {
		return nil, ErrUnauthorized
	}

	return &Identity{
		ProjectID:  projectID,
		ClientType: ct,
		Subject:    sub,
	}, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}

// Name returns the provider name.
func (c *ClerkProvider) Name() string { return "clerk" }

// Close stops the JWKS background refresh goroutine.
func (c *ClerkProvider) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
