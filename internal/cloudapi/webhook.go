package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// WebhookPayload is the body Meta posts for WhatsApp Business events.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *Reply `json:"button_reply,omitempty"`
		ListReply   *Reply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

// Reply is a tapped reply button or list row.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// DecodeWebhook parses a raw webhook body.
func DecodeWebhook(body []byte) (WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("decode webhook payload: %w", err)
	}
	return p, nil
}

// Events converts a payload into inbound events. Interactive replies become button events;
// text and any other message type become text events (media carries an empty body).
// Status callbacks carry no messages and yield nothing.
func (p WebhookPayload) Events(now time.Time) []models.InboundEvent {
	var out []models.InboundEvent
	for _, entry := range p.Entry {
		for _, ch := range entry.Changes {
			names := make(map[string]string, len(ch.Value.Contacts))
			var firstName, firstWaID string
			for i, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
				if i == 0 {
					firstName, firstWaID = c.Profile.Name, c.WaID
				}
			}
			for _, m := range ch.Value.Messages {
				contact := m.From
				if contact == "" {
					contact = firstWaID
				}
				name, ok := names[contact]
				if !ok {
					name = firstName
				}
				ev := models.InboundEvent{
					ContactID:   contact,
					ProfileName: name,
					MessageID:   m.ID,
					Kind:        models.EventText,
					ReceivedAt:  messageTime(m.Timestamp, now),
				}
				switch {
				case m.Interactive != nil && replyID(m.Interactive.ButtonReply, m.Interactive.ListReply) != "":
					ev.Kind = models.EventButton
					ev.ButtonID = replyID(m.Interactive.ButtonReply, m.Interactive.ListReply)
				case m.Interactive != nil:
					// No id to route on; the title goes through keyword matching as text.
					ev.Body = replyTitle(m.Interactive.ButtonReply, m.Interactive.ListReply)
				case m.Button != nil && m.Button.Payload != "":
					ev.Kind = models.EventButton
					ev.ButtonID = m.Button.Payload
				case m.Text != nil:
					ev.Body = m.Text.Body
				}
				out = append(out, ev)
			}
		}
	}
	return out
}

func replyID(replies ...*Reply) string {
	for _, r := range replies {
		if r == nil {
			continue
		}
		if id := strings.TrimSpace(r.ID); id != "" {
			return id
		}
	}
	return ""
}

// replyTitle returns the first non-empty reply title.
func replyTitle(replies ...*Reply) string {
	for _, r := range replies {
		if r != nil && strings.TrimSpace(r.Title) != "" {
			return strings.TrimSpace(r.Title)
		}
	}
	return ""
}

func messageTime(ts string, now time.Time) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return now
	}
	return time.Unix(sec, 0)
}

// VerifySignature checks the X-Hub-Signature-256 header against the app secret.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if appSecret == "" || !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix)))
}

// VerifyChallenge answers Meta's subscription handshake. It returns the challenge to echo
// and whether the request is valid.
func VerifyChallenge(verifyToken, mode, token, challenge string) (string, bool) {
	if verifyToken == "" || mode != "subscribe" || token != verifyToken {
		return "", false
	}
	return challenge, true
}
