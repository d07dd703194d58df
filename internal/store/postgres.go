// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions, dedup records, the outbox and the delivery ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// SaveSession upserts the session for a contact.
func (s *PostgresStore) SaveSession(ctx context.Context, sess models.Session) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (contact_id, route, stage, payload, last_activity_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (contact_id) DO UPDATE SET
		   route = EXCLUDED.route,
		   stage = EXCLUDED.stage,
		   payload = EXCLUDED.payload,
		   last_activity_at = EXCLUDED.last_activity_at,
		   updated_at = EXCLUDED.updated_at`,
		sess.ContactID, string(sess.Route), string(sess.Stage), payload, sess.LastActivityAt, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "contactID", sess.ContactID)
		return fmt.Errorf("save session %s: %w", sess.ContactID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "contactID", sess.ContactID, "route", sess.Route, "stage", sess.Stage)
	return nil
}

// GetSession retrieves the session for a contact, or nil when none is stored.
func (s *PostgresStore) GetSession(ctx context.Context, contactID string) (*models.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE contact_id = $1`, contactID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("get session %s: %w", contactID, err)
	}
	return decodeSession(payload)
}

// DeleteSession removes the session for a contact.
func (s *PostgresStore) DeleteSession(ctx context.Context, contactID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE contact_id = $1`, contactID); err != nil {
		slog.Error("PostgresStore DeleteSession failed", "error", err, "contactID", contactID)
		return fmt.Errorf("delete session %s: %w", contactID, err)
	}
	return nil
}
