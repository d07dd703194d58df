package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

type stubCloud struct{ posts int }

func (c *stubCloud) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))
}

func (c *stubCloud) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	c.posts++
	w.WriteHeader(http.StatusOK)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *flow.SessionManager, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	sm := flow.NewSessionManager(st)
	base := []Option{WithSessions(sm), WithOutbox(st)}
	return NewServer(append(base, opts...)...), sm, st
}

func do(t *testing.T, s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rr := do(t, s, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health code=%d", rr.Code)
	}

	s, _, _ = newTestServer(t, WithHealthCheck(func(ctx context.Context) error { return errors.New("db down") }))
	if rr := do(t, s, http.MethodGet, "/health", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health code=%d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rr := do(t, s, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", rr.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s, sm, _ := newTestServer(t)
	ctx := context.Background()
	const id = "5511999990000"

	if rr := do(t, s, http.MethodGet, "/sessions/"+id, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing session code=%d", rr.Code)
	}

	sess := models.NewSession(id, time.Now())
	sess.Restart(models.RouteAppointment, time.Now())
	if err := sm.Save(ctx, sess, time.Now()); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	rr := do(t, s, http.MethodGet, "/sessions/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get session code=%d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decode(t, rr); resp.Status != string(models.APIStatusOK) || resp.Result == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if rr := do(t, s, http.MethodDelete, "/sessions/"+id, nil); rr.Code != http.StatusOK {
		t.Fatalf("reset code=%d", rr.Code)
	}
	if got, _ := sm.Get(ctx, id); got != nil {
		t.Fatalf("session should be gone, got %+v", got)
	}

	if rr := do(t, s, http.MethodGet, "/sessions/not-a-number", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid id code=%d", rr.Code)
	}
}

func TestAdminToken(t *testing.T) {
	s, _, _ := newTestServer(t, WithAdminToken("secret"))
	if rr := do(t, s, http.MethodGet, "/outbox", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", rr.Code)
	}
	rr := do(t, s, http.MethodGet, "/outbox", map[string]string{"Authorization": "Bearer secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("with token code=%d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, code=%d", rr.Code)
	}
}

func TestOutboxEndpoint(t *testing.T) {
	s, _, st := newTestServer(t)
	if _, err := st.EnqueueOutboxMessage("5511999990000", "intake_record", `{}`, "k1"); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	rr := do(t, s, http.MethodGet, "/outbox?status=queued&limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("outbox code=%d", rr.Code)
	}
	var resp struct {
		Result []store.OutboxMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].DedupeKey != "k1" {
		t.Fatalf("unexpected outbox: %+v", resp.Result)
	}

	if rr := do(t, s, http.MethodGet, "/outbox?status=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status code=%d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/outbox?limit=-1", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit code=%d", rr.Code)
	}
}

func TestWebhookRoutes(t *testing.T) {
	cloud := &stubCloud{}
	s, _, _ := newTestServer(t, WithCloudWebhook(cloud))

	rr := do(t, s, http.MethodGet, "/webhook?hub.challenge=abc", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "abc" {
		t.Fatalf("verify route: code=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPost, "/webhook", nil); rr.Code != http.StatusOK || cloud.posts != 1 {
		t.Fatalf("post route: code=%d posts=%d", rr.Code, cloud.posts)
	}
	if rr := do(t, s, http.MethodPost, "/twilio/webhook", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unconfigured twilio route should 404, code=%d", rr.Code)
	}
}
