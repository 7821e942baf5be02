package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS connection_events (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			project_id TEXT NOT NULL,
			connection_id TEXT NOT NULL,
			client_type TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_events_project ON connection_events(project_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_connection_events_created ON connection_events(created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) LogConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, project_id, connection_id, client_type, action, reason, subject, remote_addr, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProjectID, e.ConnectionID, e.ClientType, e.Action, e.Reason, e.Subject, e.RemoteAddr, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListConnectionEvents(ctx context.Context, projectID string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, connection_id, client_type, action, reason, subject, remote_addr, created_at
		 FROM connection_events WHERE project_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ConnectionID, &e.ClientType, &e.Action, &e.Reason, &e.Subject, &e.RemoteAddr, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM connection_events WHERE created_at < $1`, before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
