package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc is the callback that performs the actual delivery.
// It receives the outbox message and should return an error if delivery failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Defaults for OutboxSender.
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 8
)

// OutboxSender periodically claims due outbox messages and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	baseBackoff    time.Duration
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
		baseBackoff:    10 * time.Second,
	}
}

// WithMaxAttempts overrides how many deliveries are tried before a message is moved to failed.
func (s *OutboxSender) WithMaxAttempts(n int) *OutboxSender {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx, time.Now())
		}
	}
}

// Poll claims and delivers every message due at now. It returns the number delivered.
func (s *OutboxSender) Poll(ctx context.Context, now time.Time) int {
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	delivered := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: delivering message", "id", msg.ID, "contactID", msg.ContactID, "kind", msg.Kind, "attempts", msg.Attempts)
		if err := s.sendFunc(ctx, msg); err != nil {
			s.fail(msg, now, err)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		delivered++
		slog.Info("OutboxSender.Poll: message delivered", "id", msg.ID, "contactID", msg.ContactID, "kind", msg.Kind)
	}
	return delivered
}

func (s *OutboxSender) fail(msg OutboxMessage, now time.Time, sendErr error) {
	if msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.fail: giving up on message", "id", msg.ID, "contactID", msg.ContactID, "attempts", msg.Attempts+1, "error", sendErr)
		if err := s.repo.GiveUpOutboxMessage(msg.ID, sendErr.Error()); err != nil {
			slog.Error("OutboxSender.fail: give up error", "id", msg.ID, "error", err)
		}
		return
	}
	// Exponential backoff: 10s, 20s, 40s, ...
	backoff := s.baseBackoff * time.Duration(1<<msg.Attempts)
	slog.Warn("OutboxSender.fail: delivery failed, retrying later", "id", msg.ID, "retryIn", backoff, "error", sendErr)
	if err := s.repo.FailOutboxMessage(msg.ID, sendErr.Error(), now.Add(backoff)); err != nil {
		slog.Error("OutboxSender.fail: fail message error", "id", msg.ID, "error", err)
	}
}
