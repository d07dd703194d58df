package messaging

import (
	"context"
	"log/slog"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/whatsapp"
)

// WhatsAppService implements Service on a linked whatsmeow device. Linked devices cannot send
// reply buttons, so choices are sent as numbered lists.
type WhatsAppService struct {
	*eventQueue
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when the sender is a real client, for event handling
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{eventQueue: newEventQueue("WhatsAppService"), client: client}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeContact(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client available, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService: disconnected from whatsapp")
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

func (s *WhatsAppService) Stop() error {
	s.stop()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) SendText(ctx context.Context, to, text string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, text); err != nil {
		slog.Error("WhatsAppService.SendText: send failed", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

func (s *WhatsAppService) SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error {
	return s.SendText(ctx, to, models.NumberedMenu(prompt, options))
}

// handleIncomingMessage converts a direct message into an inbound event. Group chats and our own
// messages are ignored; non-text messages become empty text events.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	}

	contact, err := CanonicalizeContact(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService: dropping message with bad sender", "sender", evt.Info.Sender.String(), "error", err)
		return
	}
	s.emit(models.InboundEvent{
		ContactID:   contact,
		ProfileName: evt.Info.PushName,
		MessageID:   string(evt.Info.ID),
		Kind:        models.EventText,
		Body:        text,
		ReceivedAt:  evt.Info.Timestamp,
	})
}
