package auth

import (
	"fmt"

	"github.com/amurg-ai/relay/hub/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "clerk":
		return NewClerkProvider(cfg.ClerkIssuer)
	case "builtin", "":
		return NewService(cfg), nil
	case "none":
		return noneProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
