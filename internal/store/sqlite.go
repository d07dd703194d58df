// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions, dedup records, the outbox and the delivery ledger in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One writer at a time keeps SQLite from returning SQLITE_BUSY under concurrent contacts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveSession stores or replaces the session for a contact.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess models.Session) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (contact_id, route, stage, payload, last_activity_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ContactID, string(sess.Route), string(sess.Stage), payload, sess.LastActivityAt, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "contactID", sess.ContactID)
		return fmt.Errorf("save session %s: %w", sess.ContactID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "contactID", sess.ContactID, "route", sess.Route, "stage", sess.Stage)
	return nil
}

// GetSession retrieves the session for a contact, or nil when none is stored.
func (s *SQLiteStore) GetSession(ctx context.Context, contactID string) (*models.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE contact_id = ?`, contactID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("get session %s: %w", contactID, err)
	}
	return decodeSession(payload)
}

// DeleteSession removes the session for a contact.
func (s *SQLiteStore) DeleteSession(ctx context.Context, contactID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE contact_id = ?`, contactID); err != nil {
		slog.Error("SQLiteStore DeleteSession failed", "error", err, "contactID", contactID)
		return fmt.Errorf("delete session %s: %w", contactID, err)
	}
	return nil
}
