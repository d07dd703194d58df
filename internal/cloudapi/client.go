// Package cloudapi talks to the WhatsApp Cloud API on Meta's Graph endpoint: it sends text and
// reply-button messages and decodes webhook deliveries into inbound events.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	DefaultGraphBase   = "https://graph.facebook.com/v20.0"
	DefaultHTTPTimeout = 10 * time.Second

	// Channel limits.
	MaxTextLength        = models.MaxTextBodyLength
	MaxButtonBodyLength  = models.MaxChoiceBodyLength
	MaxButtonTitleLength = models.MaxChoiceLabelLength
)

// Sender is the outbound surface used by the messaging layer.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
	SendButtons(ctx context.Context, to, body string, buttons []models.Choice) error
}

// Opts configures the Client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	GraphBase     string
	HTTPClient    *http.Client
}

// Option configures the Client.
type Option func(*Opts)

// WithAccessToken sets the Graph access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithGraphBase overrides the Graph API base URL.
func WithGraphBase(base string) Option {
	return func(o *Opts) { o.GraphBase = base }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends messages through the Graph API. Without credentials it runs in mock mode and
// only logs what it would have sent.
type Client struct {
	token      string
	url        string
	httpClient *http.Client
	mock       bool
}

var _ Sender = (*Client)(nil)

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{GraphBase: DefaultGraphBase}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	c := &Client{
		token:      cfg.AccessToken,
		httpClient: cfg.HTTPClient,
		mock:       cfg.AccessToken == "" || cfg.PhoneNumberID == "",
	}
	if !c.mock {
		c.url = fmt.Sprintf("%s/%s/messages", strings.TrimRight(cfg.GraphBase, "/"), cfg.PhoneNumberID)
	} else {
		slog.Warn("cloudapi.NewClient: no access token or phone number id, running in mock-send mode")
	}
	return c
}

// MockMode reports whether the client only logs outbound messages.
func (c *Client) MockMode() bool {
	return c.mock
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactive struct {
	Type string `json:"type"`
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
}

type sendError struct {
	Error *struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error,omitempty"`
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: models.Truncate(text, MaxTextLength)},
	}
	return c.send(ctx, req)
}

// SendButtons sends a reply-button message. Only the first three buttons are kept.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []models.Choice) error {
	if len(buttons) == 0 {
		return c.SendText(ctx, to, body)
	}
	if len(buttons) > models.MaxChoices {
		slog.Warn("cloudapi.SendButtons: too many buttons, truncating", "to", to, "count", len(buttons))
		buttons = buttons[:models.MaxChoices]
	}
	in := &interactive{Type: "button"}
	in.Body.Text = models.Truncate(body, MaxButtonBodyLength)
	for _, b := range buttons {
		var rb replyButton
		rb.Type = "reply"
		rb.Reply.ID = b.ID
		rb.Reply.Title = models.Truncate(b.Label, MaxButtonTitleLength)
		in.Action.Buttons = append(in.Action.Buttons, rb)
	}
	req := sendRequest{MessagingProduct: "whatsapp", To: to, Type: "interactive", Interactive: in}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req sendRequest) error {
	if req.To == "" {
		return models.ErrEmptyRecipient
	}
	if (req.Text != nil && strings.TrimSpace(req.Text.Body) == "") ||
		(req.Interactive != nil && strings.TrimSpace(req.Interactive.Body.Text) == "") {
		return models.ErrEmptyBody
	}
	if c.mock {
		slog.Info("cloudapi.send: mock send", "to", req.To, "type", req.Type)
		return nil
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cloudapi: marshal send request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloudapi: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cloudapi: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var se sendError
		if json.Unmarshal(data, &se) == nil && se.Error != nil {
			return fmt.Errorf("cloudapi: API error %d: %s", se.Error.Code, se.Error.Message)
		}
		return fmt.Errorf("cloudapi: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	slog.Debug("cloudapi.send: sent", "to", req.To, "type", req.Type)
	return nil
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To      string
	Body    string
	Buttons []models.Choice
}

// MockClient records outbound messages.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to, text string) error {
	return m.add(SentMessage{To: to, Body: text})
}

func (m *MockClient) SendButtons(ctx context.Context, to, body string, buttons []models.Choice) error {
	return m.add(SentMessage{To: to, Body: body, Buttons: buttons})
}

func (m *MockClient) add(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
