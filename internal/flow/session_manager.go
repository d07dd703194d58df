package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// SessionManager loads, expires and saves per-contact sessions on top of a SessionStore.
type SessionManager struct {
	store store.SessionStore
	locks *keyedMutex
}

// NewSessionManager creates a SessionManager backed by st.
func NewSessionManager(st store.SessionStore) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{store: st, locks: newKeyedMutex()}
}

// Lock serializes processing for one contact. Call the returned function to release.
func (m *SessionManager) Lock(contactID string) func() {
	return m.locks.Lock(contactID)
}

// GetOrCreate returns the stored session or a fresh root session when none exists.
// The second value reports whether the session was newly created.
func (m *SessionManager) GetOrCreate(ctx context.Context, contactID string, now time.Time) (*models.Session, bool, error) {
	s, err := m.store.GetSession(ctx, contactID)
	if err != nil {
		slog.Error("SessionManager.GetOrCreate: load failed", "contactID", contactID, "error", err)
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		slog.Debug("SessionManager.GetOrCreate: new session", "contactID", contactID)
		return models.NewSession(contactID, now), true, nil
	}
	if s.Data == nil {
		s.Data = make(map[models.FieldKey]string)
	}
	return s, false, nil
}

// Save persists the session, stamping its activity time.
func (m *SessionManager) Save(ctx context.Context, s *models.Session, now time.Time) error {
	s.LastActivityAt = now
	if err := m.store.SaveSession(ctx, *s); err != nil {
		slog.Error("SessionManager.Save: save failed", "contactID", s.ContactID, "route", s.Route, "stage", s.Stage, "error", err)
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Reset removes the stored session for a contact.
func (m *SessionManager) Reset(ctx context.Context, contactID string) error {
	if err := m.store.DeleteSession(ctx, contactID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	slog.Info("SessionManager.Reset: session removed", "contactID", contactID)
	return nil
}

// Get returns the stored session without creating one.
func (m *SessionManager) Get(ctx context.Context, contactID string) (*models.Session, error) {
	return m.store.GetSession(ctx, contactID)
}

// ExpireIfStale replaces a session idle for longer than ttl with a fresh root session.
// The boolean reports whether the discarded session had a form in progress.
func ExpireIfStale(s *models.Session, now time.Time, ttl time.Duration) (*models.Session, bool) {
	if ttl <= 0 || s.LastActivityAt.IsZero() || now.Sub(s.LastActivityAt) <= ttl {
		return s, false
	}
	inProgress := !s.Route.IsMenu() || s.Stage != models.StageNone
	fresh := models.NewSession(s.ContactID, now)
	fresh.ProfileName = s.ProfileName
	fresh.CreatedAt = s.CreatedAt
	slog.Info("SessionManager: session expired", "contactID", s.ContactID, "route", s.Route, "stage", s.Stage, "idle", now.Sub(s.LastActivityAt))
	return fresh, inProgress
}
