// Package store records connection lifecycle events for the hub and provides
// SQLite and PostgreSQL implementations. Message bodies are never stored.
package store

import (
	"context"
	"time"
)

// Connection event actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionEvict      = "evict"
)

// Store is the persistence interface for the hub.
type Store interface {
	LogConnectionEvent(ctx context.Context, event *ConnectionEvent) error
	// ListConnectionEvents returns the newest events for a project first.
	ListConnectionEvents(ctx context.Context, projectID string, limit int) ([]ConnectionEvent, error)
	PurgeOldEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// ConnectionEvent is one audit record.
type ConnectionEvent struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	ConnectionID string    `json:"connectionId"`
	ClientType   string    `json:"clientType"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
