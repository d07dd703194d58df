package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/cloudapi"
	"github.com/BTreeMap/IntakePipe/internal/models"
)

// maxWebhookBody caps the size of a webhook request body.
const maxWebhookBody = 1 << 20

// CloudAPIService implements Service over the WhatsApp Cloud API.
type CloudAPIService struct {
	*eventQueue
	client      cloudapi.Sender
	verifyToken string
	appSecret   string
}

var _ Service = (*CloudAPIService)(nil)

// CloudAPIOption configures a CloudAPIService.
type CloudAPIOption func(*CloudAPIService)

// WithVerifyToken sets the token Meta echoes during the webhook handshake.
func WithVerifyToken(token string) CloudAPIOption {
	return func(s *CloudAPIService) { s.verifyToken = token }
}

// WithAppSecret enables X-Hub-Signature-256 verification of webhook bodies.
func WithAppSecret(secret string) CloudAPIOption {
	return func(s *CloudAPIService) { s.appSecret = secret }
}

// NewCloudAPIService creates a CloudAPIService sending through client.
func NewCloudAPIService(client cloudapi.Sender, opts ...CloudAPIOption) *CloudAPIService {
	s := &CloudAPIService{eventQueue: newEventQueue("CloudAPIService"), client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeContact(recipient)
}

func (s *CloudAPIService) SendText(ctx context.Context, to, text string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, canonicalTo, text)
}

func (s *CloudAPIService) SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if len(options) > models.MaxChoices {
		return s.client.SendText(ctx, canonicalTo, models.NumberedMenu(prompt, options))
	}
	return s.client.SendButtons(ctx, canonicalTo, prompt, options)
}

// Start is a no-op; events arrive through the webhook handlers.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

func (s *CloudAPIService) Stop() error {
	s.stop()
	slog.Info("CloudAPIService stopped")
	return nil
}

// VerifyHandler answers Meta's GET subscription handshake.
func (s *CloudAPIService) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := cloudapi.VerifyChallenge(s.verifyToken, q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
	if !ok {
		slog.Warn("CloudAPIService.VerifyHandler: verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// WebhookHandler receives message deliveries. It always answers quickly; events are emitted
// to the Events channel for the dispatcher.
func (s *CloudAPIService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if s.appSecret != "" && !cloudapi.VerifySignature(s.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("CloudAPIService.WebhookHandler: signature mismatch")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	payload, err := cloudapi.DecodeWebhook(body)
	if err != nil {
		slog.Warn("CloudAPIService.WebhookHandler: bad payload", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	for _, ev := range payload.Events(time.Now()) {
		contact, err := CanonicalizeContact(ev.ContactID)
		if err != nil {
			slog.Warn("CloudAPIService.WebhookHandler: dropping event with bad contact", "contactID", ev.ContactID, "error", err)
			continue
		}
		ev.ContactID = contact
		s.emit(ev)
	}
}
