package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

type sentMessage struct {
	to      string
	text    string
	choices []models.Choice
}

// fakeMessenger records every outbound message.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *fakeMessenger) SendText(ctx context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to: to, text: text})
	return m.err
}

func (m *fakeMessenger) SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to: to, text: prompt, choices: options})
	return m.err
}

func (m *fakeMessenger) all() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *fakeMessenger) last() sentMessage {
	msgs := m.all()
	if len(msgs) == 0 {
		return sentMessage{}
	}
	return msgs[len(msgs)-1]
}

// count reports how many messages contain substr.
func (m *fakeMessenger) count(substr string) int {
	n := 0
	for _, s := range m.all() {
		if strings.Contains(s.text, substr) {
			n++
		}
	}
	return n
}

func (m *fakeMessenger) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

func hasChoice(msg sentMessage, id string) bool {
	for _, c := range msg.choices {
		if c.ID == id {
			return true
		}
	}
	return false
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []models.IntakeRecord
	err     error
}

func (r *fakeRecorder) Record(ctx context.Context, rec models.IntakeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *fakeRecorder) all() []models.IntakeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.IntakeRecord(nil), r.records...)
}

type fakeLookup struct {
	addrs map[string]models.Address
	err   error
	calls int
}

func (l *fakeLookup) Lookup(ctx context.Context, code string) (models.Address, error) {
	l.calls++
	if l.err != nil {
		return models.Address{}, l.err
	}
	a, ok := l.addrs[code]
	if !ok {
		return models.Address{}, fmt.Errorf("lookup %s: %w", code, ErrPostalCodeNotFound)
	}
	return a, nil
}

var sePraca = models.Address{Street: "Praça da Sé", Neighborhood: "Sé", City: "São Paulo", State: "SP"}

// failingStore fails loads or saves on demand.
type failingStore struct {
	*store.InMemoryStore
	failGet  bool
	failSave bool
}

var errStoreDown = errors.New("store down")

func (f *failingStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if f.failGet {
		return nil, errStoreDown
	}
	return f.InMemoryStore.GetSession(ctx, id)
}

func (f *failingStore) SaveSession(ctx context.Context, s models.Session) error {
	if f.failSave {
		return errStoreDown
	}
	return f.InMemoryStore.SaveSession(ctx, s)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	store    *store.InMemoryStore
	msgs     *fakeMessenger
	recorder *fakeRecorder
	lookup   *fakeLookup
	clock    *testClock
	engine   *Engine
	contact  string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    store.NewInMemoryStore(),
		msgs:     &fakeMessenger{},
		recorder: &fakeRecorder{},
		lookup:   &fakeLookup{addrs: map[string]models.Address{"01001000": sePraca}},
		clock:    newTestClock(),
		contact:  "5511999990000",
	}
	base := []Option{
		WithRecorder(h.recorder),
		WithAddressLookup(h.lookup),
		WithClock(h.clock.Now),
	}
	h.engine = NewEngine(h.store, h.msgs, append(base, opts...)...)
	return h
}

func (h *harness) text(body string) {
	h.t.Helper()
	h.handle(models.TextEvent(h.contact, body))
}

func (h *harness) tap(id string) {
	h.t.Helper()
	h.handle(models.ButtonEvent(h.contact, id))
}

func (h *harness) handle(ev models.InboundEvent) {
	h.t.Helper()
	if err := h.engine.Handle(context.Background(), ev); err != nil {
		h.t.Fatalf("Handle(%+v) error: %v", ev, err)
	}
	h.assertConsistent()
}

func (h *harness) session() *models.Session {
	h.t.Helper()
	s, err := h.store.GetSession(context.Background(), h.contact)
	if err != nil {
		h.t.Fatalf("GetSession error: %v", err)
	}
	if s == nil {
		h.t.Fatalf("no session stored for %s", h.contact)
	}
	return s
}

// assertConsistent checks that a pending stage is always the resolver's first pending field.
func (h *harness) assertConsistent() {
	h.t.Helper()
	s := h.session()
	if s.Stage == models.StageNone {
		return
	}
	pending := PendingFields(s.Route, s)
	if len(pending) == 0 {
		h.t.Fatalf("stage %q set but nothing pending on route %s", s.Stage, s.Route)
	}
	if pending[0].Key != s.Stage {
		h.t.Fatalf("stage = %q, resolver says %q (route %s)", s.Stage, pending[0].Key, s.Route)
	}
}

func (h *harness) expectStage(want models.FieldKey) {
	h.t.Helper()
	if got := h.session().Stage; got != want {
		h.t.Fatalf("stage = %q, want %q", got, want)
	}
}
