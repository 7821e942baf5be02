package store

import (
	"fmt"

	"github.com/amurg-ai/relay/hub/config"
)

// New creates a Store based on the configured storage driver. The "none"
// driver returns a nil Store; callers treat that as auditing disabled.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
