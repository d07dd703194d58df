package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/cloudapi"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/IntakePipe/internal/whatsapp"
)

// Every channel service can be handed to the engine as its messenger.
var (
	_ flow.Messenger = (*CloudAPIService)(nil)
	_ flow.Messenger = (*TwilioService)(nil)
	_ flow.Messenger = (*WhatsAppService)(nil)
)

func TestCanonicalizeContact(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "5511999990000", false},
		{"whatsapp:+5511999990000", "5511999990000", false},
		{"5511999990000", "5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizeContact(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CanonicalizeContact(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalizeContact(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func receive(t *testing.T, ch <-chan models.InboundEvent) models.InboundEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.InboundEvent{}
}

func TestCloudAPIService_SendChoice(t *testing.T) {
	mock := cloudapi.NewMockClient()
	svc := NewCloudAPIService(mock)
	ctx := context.Background()

	three := []models.Choice{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}, {ID: "c", Label: "C"}}
	if err := svc.SendChoice(ctx, "+5511999990000", "Pick", three); err != nil {
		t.Fatalf("SendChoice error: %v", err)
	}
	four := append(three, models.Choice{ID: "d", Label: "D"})
	if err := svc.SendChoice(ctx, "5511999990000", "Pick", four); err != nil {
		t.Fatalf("SendChoice error: %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].To != "5511999990000" || len(sent[0].Buttons) != 3 {
		t.Fatalf("expected a button message, got %+v", sent[0])
	}
	if len(sent[1].Buttons) != 0 || !strings.Contains(sent[1].Body, "4) D") {
		t.Fatalf("expected numbered text for four options, got %+v", sent[1])
	}
}

func TestCloudAPIService_Webhook(t *testing.T) {
	svc := NewCloudAPIService(cloudapi.NewMockClient(), WithVerifyToken("vt"))

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=123", nil)
	rr := httptest.NewRecorder()
	svc.VerifyHandler(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "123" {
		t.Fatalf("verify: code=%d body=%q", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=123", nil)
	rr = httptest.NewRecorder()
	svc.VerifyHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bad token: code=%d", rr.Code)
	}

	body := `{"entry":[{"changes":[{"value":{
		"contacts":[{"wa_id":"5511999990000","profile":{"name":"Maria"}}],
		"messages":[{"id":"wamid.1","from":"5511999990000","type":"interactive",
			"interactive":{"type":"button_reply","button_reply":{"id":"op_exam","title":"Exam"}}}]}}]}]}`
	rr = httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook: code=%d", rr.Code)
	}
	ev := receive(t, svc.Events())
	if ev.ContactID != "5511999990000" || ev.Kind != models.EventButton || ev.ButtonID != "op_exam" || ev.ProfileName != "Maria" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	rr = httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: code=%d", rr.Code)
	}
}

func TestCloudAPIService_RejectsUnsignedWhenSecretSet(t *testing.T) {
	svc := NewCloudAPIService(cloudapi.NewMockClient(), WithAppSecret("s3cret"))
	rr := httptest.NewRecorder()
	svc.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d, want 401", rr.Code)
	}
}

func TestServiceStop(t *testing.T) {
	svc := NewCloudAPIService(cloudapi.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop error: %v", err)
	}
	if err := svc.SendText(context.Background(), "5511999990000", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Fatalf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

func TestTwilioService(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	opts := []models.Choice{{ID: "yes", Label: "Yes"}, {ID: "no", Label: "No"}}
	if err := svc.SendChoice(context.Background(), "5511999990000", "Confirm?", opts); err != nil {
		t.Fatalf("SendChoice error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "+5511999990000" || !strings.Contains(sent[0].Body, "1) Yes") {
		t.Fatalf("unexpected sent: %+v", sent)
	}

	form := url.Values{"From": {"whatsapp:+5511999990000"}, "Body": {"hello"}, "MessageSid": {"SM1"}, "ProfileName": {"Maria"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("webhook code=%d", rr.Code)
	}
	ev := receive(t, svc.Events())
	if ev.ContactID != "5511999990000" || ev.Body != "hello" || ev.MessageID != "SM1" || ev.ProfileName != "Maria" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	req = httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader("Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing From: code=%d", rr.Code)
	}
}

func TestWhatsAppService_SendChoiceAsText(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	opts := []models.Choice{{ID: "a", Label: "Alpha"}}
	if err := svc.SendChoice(context.Background(), "+5511999990000", "Pick", opts); err != nil {
		t.Fatalf("SendChoice error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "5511999990000" || sent[0].Body != "Pick\n1) Alpha" {
		t.Fatalf("unexpected sent: %+v", sent)
	}
}

type recordingHandler struct {
	mu      sync.Mutex
	seen    map[string][]string
	active  map[string]bool
	overlap bool
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: map[string][]string{}, active: map[string]bool{}}
}

func (h *recordingHandler) handle(ctx context.Context, ev models.InboundEvent) error {
	h.mu.Lock()
	if h.active[ev.ContactID] {
		h.overlap = true
	}
	h.active[ev.ContactID] = true
	h.mu.Unlock()

	time.Sleep(time.Millisecond)

	h.mu.Lock()
	h.seen[ev.ContactID] = append(h.seen[ev.ContactID], ev.Body)
	h.active[ev.ContactID] = false
	h.mu.Unlock()
	return nil
}

func TestDispatcher_OrdersPerContact(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h.handle)
	ctx := context.Background()

	contacts := []string{"5511000000001", "5511000000002", "5511000000003"}
	for i := 0; i < 20; i++ {
		for _, c := range contacts {
			ev := models.TextEvent(c, string(rune('a'+i)))
			d.Submit(ctx, ev)
		}
	}
	d.Wait()

	if h.overlap {
		t.Fatal("events of one contact were handled concurrently")
	}
	for _, c := range contacts {
		got := h.seen[c]
		if len(got) != 20 {
			t.Fatalf("contact %s handled %d events, want 20", c, len(got))
		}
		for i, body := range got {
			if body != string(rune('a'+i)) {
				t.Fatalf("contact %s out of order at %d: %v", c, i, got)
			}
		}
	}
	if d.Active() != 0 {
		t.Fatalf("active contacts = %d after drain", d.Active())
	}
}

func TestDispatcher_DropsDuplicates(t *testing.T) {
	h := newRecordingHandler()
	dedup := store.NewInMemoryStore()
	d := NewDispatcher(h.handle, WithDedup(dedup))
	ctx := context.Background()

	ev := models.TextEvent("5511999990000", "hello")
	ev.MessageID = "wamid.1"
	if !d.Submit(ctx, ev) {
		t.Fatal("first delivery should be accepted")
	}
	if d.Submit(ctx, ev) {
		t.Fatal("redelivery should be dropped")
	}
	d.Wait()

	if n := len(h.seen["5511999990000"]); n != 1 {
		t.Fatalf("handled %d times, want 1", n)
	}
}

func TestDispatcher_RunStopsOnClose(t *testing.T) {
	h := newRecordingHandler()
	d := NewDispatcher(h.handle)
	events := make(chan models.InboundEvent, 2)
	events <- models.TextEvent("5511999990000", "one")
	events <- models.TextEvent("5511999990000", "two")
	close(events)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	if got := h.seen["5511999990000"]; len(got) != 2 {
		t.Fatalf("handled %v", got)
	}
}
