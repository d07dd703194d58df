package models

import (
	"fmt"
	"strings"
	"time"
)

// EventKind distinguishes free text from a tapped button or list row.
type EventKind string

const (
	EventText   EventKind = "text"
	EventButton EventKind = "button"
)

// InboundEvent is one message received from a contact, already de-duplicated by the transport.
type InboundEvent struct {
	ContactID   string    `json:"contact_id"`
	ProfileName string    `json:"profile_name,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	Kind        EventKind `json:"kind"`
	Body        string    `json:"body,omitempty"`
	ButtonID    string    `json:"button_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// TextEvent builds a free-text inbound event.
func TextEvent(contactID, body string) InboundEvent {
	return InboundEvent{ContactID: contactID, Kind: EventText, Body: body, ReceivedAt: time.Now()}
}

// ButtonEvent builds a button-selection inbound event.
func ButtonEvent(contactID, buttonID string) InboundEvent {
	return InboundEvent{ContactID: contactID, Kind: EventButton, ButtonID: buttonID, ReceivedAt: time.Now()}
}

// Choice is one selectable option in an interactive message.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// MaxChoices is the channel limit on buttons per interactive message.
const MaxChoices = 3

// NumberedMenu renders options as "1) label" lines under the prompt, for lists longer than
// MaxChoices and for channels without reply buttons.
func NumberedMenu(prompt string, options []Choice) string {
	var b strings.Builder
	b.WriteString(prompt)
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d) %s", i+1, o.Label)
	}
	return b.String()
}
