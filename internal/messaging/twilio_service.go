package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Twilio messages carry no reply
// buttons here, so choices are sent as numbered lists.
type TwilioService struct {
	*eventQueue
	client twiliowhatsapp.Sender // real Twilio client or MockClient
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{eventQueue: newEventQueue("TwilioService"), client: client}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeContact(recipient)
}

// Start is a no-op for Twilio; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.stop()
	slog.Info("TwilioService stopped")
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, to, text string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendText: invalid recipient", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, "+"+canonicalTo, text)
}

func (s *TwilioService) SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error {
	return s.SendText(ctx, to, models.NumberedMenu(prompt, options))
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them as events.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	payload := strings.TrimSpace(r.FormValue("ButtonPayload"))
	if from == "" || (body == "" && payload == "" && r.FormValue("NumMedia") == "") {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	contact, err := CanonicalizeContact(from)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: bad sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	ev := models.InboundEvent{
		ContactID:   contact,
		ProfileName: r.FormValue("ProfileName"),
		MessageID:   r.FormValue("MessageSid"),
		Kind:        models.EventText,
		Body:        body,
		ReceivedAt:  time.Now(),
	}
	if payload != "" {
		ev.Kind = models.EventButton
		ev.ButtonID = payload
		ev.Body = ""
	}
	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "contactID", contact, "kind", ev.Kind)
	s.emit(ev)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
