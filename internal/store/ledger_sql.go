package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var (
	_ RecordLedger = (*SQLiteStore)(nil)
	_ RecordLedger = (*PostgresStore)(nil)
)

func (s *SQLiteStore) IsDelivered(ctx context.Context, idempotencyKey string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM delivered_records WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delivered check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, idempotencyKey, recordID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivered_records (idempotency_key, record_id, contact_id, delivered_at) VALUES (?, ?, ?, ?)`,
		idempotencyKey, recordID, contactID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark delivered failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsDelivered(ctx context.Context, idempotencyKey string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id FROM delivered_records WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delivered check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, idempotencyKey, recordID, contactID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivered_records (idempotency_key, record_id, contact_id, delivered_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, recordID, contactID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark delivered failed: %w", err)
	}
	return nil
}
