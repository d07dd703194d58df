// Package recorder delivers finalized intake records downstream.
//
// Writers are layered: Idempotent skips records the ledger already knows about,
// Reconciler parks failed writes in the outbox for the background sender, and
// SheetsRecorder (or LogRecorder) performs the actual write.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// OutboxKindRecord tags outbox messages that carry an intake record.
const OutboxKindRecord = "intake_record"

// ErrQueuedForRetry reports that a write failed and the record was parked for redelivery.
var ErrQueuedForRetry = errors.New("record queued for retry")

// Writer persists one intake record.
type Writer interface {
	Record(ctx context.Context, rec models.IntakeRecord) error
}

// LogRecorder only logs records. Used when no spreadsheet is configured.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, rec models.IntakeRecord) error {
	slog.Info("LogRecorder.Record: intake record", "id", rec.ID, "contactID", rec.ContactID,
		"kind", rec.Kind, "serviceType", rec.ServiceType, "data", rec.Data)
	return nil
}

// Idempotent wraps a writer with the delivered-record ledger so a record key is written once.
type Idempotent struct {
	next   Writer
	ledger store.RecordLedger
}

// NewIdempotent creates the ledger-backed wrapper.
func NewIdempotent(next Writer, ledger store.RecordLedger) *Idempotent {
	return &Idempotent{next: next, ledger: ledger}
}

func (w *Idempotent) Record(ctx context.Context, rec models.IntakeRecord) error {
	if rec.IdempotencyKey != "" {
		delivered, err := w.ledger.IsDelivered(ctx, rec.IdempotencyKey)
		if err != nil {
			slog.Warn("Idempotent.Record: ledger check failed, writing anyway", "id", rec.ID, "error", err)
		} else if delivered {
			slog.Info("Idempotent.Record: record already delivered, skipping", "id", rec.ID, "idempotencyKey", rec.IdempotencyKey)
			return nil
		}
	}

	if err := w.next.Record(ctx, rec); err != nil {
		return err
	}

	if rec.IdempotencyKey != "" {
		if err := w.ledger.MarkDelivered(ctx, rec.IdempotencyKey, rec.ID, rec.ContactID); err != nil {
			slog.Error("Idempotent.Record: mark delivered failed", "id", rec.ID, "idempotencyKey", rec.IdempotencyKey, "error", err)
		}
	}
	return nil
}

// Reconciler writes through next and parks failed records in the outbox.
type Reconciler struct {
	next   Writer
	outbox store.OutboxRepo
}

// NewReconciler creates a Reconciler.
func NewReconciler(next Writer, outbox store.OutboxRepo) *Reconciler {
	return &Reconciler{next: next, outbox: outbox}
}

// Record tries the write once. On failure the record is enqueued and the returned error
// wraps ErrQueuedForRetry; it wraps the enqueue error instead when parking also failed.
func (r *Reconciler) Record(ctx context.Context, rec models.IntakeRecord) error {
	writeErr := r.next.Record(ctx, rec)
	if writeErr == nil {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("write failed (%v) and record could not be encoded: %w", writeErr, err)
	}
	id, err := r.outbox.EnqueueOutboxMessage(rec.ContactID, OutboxKindRecord, string(payload), rec.IdempotencyKey)
	if err != nil {
		slog.Error("Reconciler.Record: enqueue failed", "id", rec.ID, "contactID", rec.ContactID, "writeError", writeErr, "error", err)
		return fmt.Errorf("write failed (%v) and enqueue failed: %w", writeErr, err)
	}
	slog.Warn("Reconciler.Record: write failed, queued for retry", "id", rec.ID, "contactID", rec.ContactID, "outboxID", id, "error", writeErr)
	return fmt.Errorf("%w as %s: %v", ErrQueuedForRetry, id, writeErr)
}

// Deliver is the store.OutboxSendFunc that replays a parked record.
func (r *Reconciler) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != OutboxKindRecord {
		return fmt.Errorf("unexpected outbox kind %q", msg.Kind)
	}
	var rec models.IntakeRecord
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &rec); err != nil {
		return fmt.Errorf("decode outbox record %s: %w", msg.ID, err)
	}
	return r.next.Record(ctx, rec)
}
