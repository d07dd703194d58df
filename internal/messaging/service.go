// Package messaging connects chat channels to the intake engine: channel services that send
// replies and emit inbound events, and the Dispatcher that feeds those events to the engine in
// per-contact order.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of each service's event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// DefaultRegion is used to parse numbers written without a country code.
	DefaultRegion = "BR"
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var nonDigits = regexp.MustCompile(`\D`)

// Service defines a pluggable chat channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical contact id.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to, text string) error

	// SendChoice sends a prompt with tap options. Channels without buttons render a numbered list.
	SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error

	// Start begins any background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channel.
	Stop() error

	// Events returns the channel of inbound events.
	Events() <-chan models.InboundEvent
}

// CanonicalizeContact turns a phone number in any common notation ("whatsapp:+55 11 ...",
// "+5511...", "5511...") into the digits-only international form used as contact id.
func CanonicalizeContact(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:"))
	if trimmed == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := nonDigits.ReplaceAllString(trimmed, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", raw)
	}

	candidate := trimmed
	if !strings.HasPrefix(trimmed, "+") && len(digits) >= 12 {
		candidate = "+" + digits
	}
	if num, err := phonenumbers.Parse(candidate, DefaultRegion); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), nil
	}

	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number: %q must have between 8 and 15 digits", digits)
	}
	slog.Debug("messaging.CanonicalizeContact: number not recognized, keeping digits", "original", raw, "canonical", digits)
	return digits, nil
}

// eventQueue is the inbound half shared by every service.
type eventQueue struct {
	name    string
	events  chan models.InboundEvent
	mu      sync.RWMutex
	stopped bool
}

func newEventQueue(name string) *eventQueue {
	return &eventQueue{name: name, events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

// Events returns the channel of inbound events.
func (q *eventQueue) Events() <-chan models.InboundEvent {
	return q.events
}

func (q *eventQueue) isStopped() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stopped
}

// emit pushes ev into the channel, dropping it if the service is stopped or the channel stays full.
func (q *eventQueue) emit(ev models.InboundEvent) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		slog.Warn(q.name+": dropping inbound event (service stopped)", "contactID", ev.ContactID, "messageID", ev.MessageID)
		return false
	}
	select {
	case q.events <- ev:
		slog.Debug(q.name+": inbound event emitted", "contactID", ev.ContactID, "kind", ev.Kind)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(q.name+": events channel blocked, dropping message", "contactID", ev.ContactID, "messageID", ev.MessageID)
		return false
	}
}

// stop marks the queue stopped and closes the channel. Safe to call twice.
func (q *eventQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.events)
}
