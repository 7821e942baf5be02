// Package auth resolves the project and role of a connecting peer.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/relay/hub/config"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSecret     = errors.New("auth: no jwt secret configured")
)

// Claims represents the JWT token claims.
type Claims struct {
	ProjectID  string `json:"pid"`
	ClientType string `json:"ctyp"`
	jwt.RegisteredClaims
}

type staticKey struct {
	projectID  string
	clientType protocol.ClientType
	hash       []byte
}

// Service is the builtin provider. It accepts HS256 JWTs signed with the
// configured secret and long-lived static keys of the form "<id>.<secret>".
type Service struct {
	jwtSecret  []byte
	jwtExpiry  time.Duration
	staticKeys map[string]staticKey // key id -> key
	now        func() time.Time
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig) *Service {
	keys := make(map[string]staticKey, len(cfg.StaticKeys))
	for _, k := range cfg.StaticKeys {
		keys[k.ID] = staticKey{
			projectID:  k.ProjectID,
			clientType: protocol.ClientType(k.ClientType),
			hash:       []byte(k.Hash),
		}
	}
	expiry := cfg.JWTExpiry.Duration
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		jwtSecret:  []byte(cfg.JWTSecret),
		jwtExpiry:  expiry,
		staticKeys: keys,
		now:        time.Now,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// ValidateToken validates a bearer token and returns an Identity.
// A token with exactly one dot is treated as a static key, anything else as a JWT.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	if strings.Count(tokenStr, ".") == 1 {
		return s.validateStaticKey(tokenStr)
	}

	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	ct := protocol.ClientType(claims.ClientType)
	if claims.ProjectID == "" || !ct.Valid() {
		return nil, ErrUnauthorized
	}
	return &Identity{
		ProjectID:  claims.ProjectID,
		ClientType: ct,
		Subject:    claims.Subject,
	}, nil
}

// IssueToken signs a connection token for projectID and role.
func (s *Service) IssueToken(projectID string, role protocol.ClientType, subject string) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", ErrNoSecret
	}
	if projectID == "" || !role.Valid() {
		return "", fmt.Errorf("issue token: project id and a valid role are required")
	}
	now := s.now()
	claims := &Claims{
		ProjectID:  projectID,
		ClientType: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) validateStaticKey(tokenStr string) (*Identity, error) {
	id, secret, _ := strings.Cut(tokenStr, ".")
	k, ok := s.staticKeys[id]
	if !ok || secret == "" {
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(k.hash, []byte(secret)); err != nil {
		return nil, ErrUnauthorized
	}
	return &Identity{
		ProjectID:  k.projectID,
		ClientType: k.clientType,
		Subject:    "key:" + id,
	}, nil
}

// NewStaticKey generates a key id and secret and returns the config entry
// (holding only the bcrypt hash) together with the token to hand to the peer.
func NewStaticKey(projectID string, role protocol.ClientType, name string) (config.StaticKey, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return config.StaticKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	id := "k" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	hash, err := HashKey(secret)
	if err != nil {
		return config.StaticKey{}, "", err
	}
	return config.StaticKey{
		ID:         id,
		ProjectID:  projectID,
		ClientType: string(role),
		Hash:       hash,
		Name:       name,
	}, id + "." + secret, nil
}

// HashKey returns the bcrypt hash of a static key secret.
func HashKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(hash), nil
}

// noneProvider trusts the token as "<projectId>:<role>". Development only.
type noneProvider struct{}

func (noneProvider) Name() string { return "none" }

func (noneProvider) ValidateToken(_ context.Context, token string) (*Identity, error) {
	projectID, role, ok := strings.Cut(token, ":")
	ct := protocol.ClientType(role)
	if !ok || projectID == "" || !ct.Valid() {
		return nil, ErrUnauthorized
	}
	return &Identity{ProjectID: projectID, ClientType: ct, Subject: "anonymous"}, nil
}
