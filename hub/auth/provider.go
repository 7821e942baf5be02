package auth

import (
	"context"

	"github.com/amurg-ai/relay/pkg/protocol"
)

// Identity is what the hub learns about a connecting peer. The hub trusts it
// as-is: a connection belongs to exactly one project and one role.
type Identity struct {
	ProjectID  string
	ClientType protocol.ClientType
	Subject    string // token subject or static key id, for logs and audit
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// TokenIssuer is implemented by providers that can mint connection tokens.
type TokenIssuer interface {
	IssueToken(projectID string, role protocol.ClientType, subject string) (string, error)
}
