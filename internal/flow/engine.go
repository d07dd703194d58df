// Package flow implements the conversational intake engine: per-contact sessions, the
// declarative field schemas, validation, the address orchestrator and the confirmation
// workflow, driven one inbound event at a time by Engine.Handle.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// ErrInvalidEvent is returned by Handle for events without a contact or payload.
var ErrInvalidEvent = errors.New("invalid inbound event")

// Messenger delivers outbound messages to a contact.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	// SendChoice sends a prompt with at most models.MaxChoices tap options.
	SendChoice(ctx context.Context, to, prompt string, options []models.Choice) error
}

// Recorder persists a finalized intake record.
type Recorder interface {
	Record(ctx context.Context, rec models.IntakeRecord) error
}

// AddressLookup resolves a postal code to address components.
// It returns an error wrapping ErrPostalCodeNotFound for unknown codes.
type AddressLookup interface {
	Lookup(ctx context.Context, postalCode string) (models.Address, error)
}

// Defaults for engine options.
const (
	DefaultSessionTTL  = 30 * time.Minute
	DefaultCallTimeout = 30 * time.Second
)

// Opts holds configuration for the Engine.
type Opts struct {
	TTL         time.Duration
	CallTimeout time.Duration
	Clock       func() time.Time
	Recorder    Recorder
	Lookup      AddressLookup
	Clinic      ClinicInfo
	Metrics     *metrics.Metrics
}

// Option configures the Engine.
type Option func(*Opts)

// WithTTL sets how long a session may idle before it is replaced.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithCallTimeout bounds the time spent on one event, collaborator calls included.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CallTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithRecorder sets the persistence collaborator.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// WithAddressLookup sets the postal-code lookup collaborator.
func WithAddressLookup(l AddressLookup) Option {
	return func(o *Opts) { o.Lookup = l }
}

// WithClinicInfo sets the contact card and the clinic name used in greetings.
func WithClinicInfo(c ClinicInfo) Option {
	return func(o *Opts) { o.Clinic = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Engine routes inbound events through the intake state machine.
type Engine struct {
	sessions    *SessionManager
	messenger   Messenger
	recorder    Recorder
	lookup      AddressLookup
	clinic      ClinicInfo
	metrics     *metrics.Metrics
	ttl         time.Duration
	callTimeout time.Duration
	clock       func() time.Time
}

// NewEngine creates an Engine over the session store and messenger.
func NewEngine(sessions store.SessionStore, messenger Messenger, opts ...Option) *Engine {
	cfg := Opts{
		TTL:         DefaultSessionTTL,
		CallTimeout: DefaultCallTimeout,
		Clock:       time.Now,
		Clinic:      DefaultClinicInfo,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating Engine", "ttl", cfg.TTL, "callTimeout", cfg.CallTimeout,
		"recorder", cfg.Recorder != nil, "lookup", cfg.Lookup != nil)
	return &Engine{
		sessions:    NewSessionManager(sessions),
		messenger:   messenger,
		recorder:    cfg.Recorder,
		lookup:      cfg.Lookup,
		clinic:      cfg.Clinic,
		metrics:     cfg.Metrics,
		ttl:         cfg.TTL,
		callTimeout: cfg.CallTimeout,
		clock:       cfg.Clock,
	}
}

// Sessions exposes the session manager for operator endpoints.
func (e *Engine) Sessions() *SessionManager {
	return e.sessions
}

// Handle applies one inbound event to the contact's session. Events for the same contact are
// serialized. The session is saved before any reply is sent; a store failure aborts the event
// without sending anything.
func (e *Engine) Handle(ctx context.Context, ev models.InboundEvent) error {
	if err := checkEvent(ev); err != nil {
		return err
	}
	start := time.Now()

	unlock := e.sessions.Lock(ev.ContactID)
	defer unlock()

	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	now := e.clock()
	s, created, err := e.sessions.GetOrCreate(ctx, ev.ContactID, now)
	if err != nil {
		e.metrics.ObserveEvent(string(ev.Kind), "store_error", time.Since(start).Seconds())
		return err
	}

	t := &turn{e: e, ev: ev, now: now}
	if !created {
		fresh, inProgress := ExpireIfStale(s, now, e.ttl)
		if fresh != s {
			e.metrics.ObserveExpiry()
			s = fresh
		}
		if inProgress {
			t.say(msgSessionExpired)
		}
	}
	if ev.ProfileName != "" {
		s.ProfileName = ev.ProfileName
	}
	t.s = s

	slog.Debug("Engine.Handle: dispatching", "contactID", s.ContactID, "kind", ev.Kind, "route", s.Route, "stage", s.Stage)
	t.dispatch(ctx)

	if err := e.sessions.Save(ctx, s, now); err != nil {
		e.metrics.ObserveEvent(string(ev.Kind), "store_error", time.Since(start).Seconds())
		return err
	}
	t.flush(ctx)
	e.metrics.ObserveEvent(string(ev.Kind), "ok", time.Since(start).Seconds())
	return nil
}

func checkEvent(ev models.InboundEvent) error {
	if strings.TrimSpace(ev.ContactID) == "" {
		return fmt.Errorf("%w: missing contact id", ErrInvalidEvent)
	}
	switch ev.Kind {
	case models.EventText:
		return nil
	case models.EventButton:
		if ev.ButtonID == "" {
			return fmt.Errorf("%w: button event without id", ErrInvalidEvent)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
}

func (e *Engine) lookupAddress(ctx context.Context, code string) (models.Address, error) {
	if e.lookup == nil {
		return models.Address{}, errors.New("no address lookup configured")
	}
	return e.lookup.Lookup(ctx, code)
}

// outbound is one queued reply.
type outbound struct {
	text    string
	choices []models.Choice
}

// turn carries the state of one Handle call. Replies are queued and flushed after the save.
type turn struct {
	e   *Engine
	s   *models.Session
	ev  models.InboundEvent
	now time.Time
	out []outbound
}

func (t *turn) say(text string) {
	t.out = append(t.out, outbound{text: text})
}

func (t *turn) offer(prompt string, choices []models.Choice) {
	if len(choices) > models.MaxChoices {
		t.say(models.NumberedMenu(prompt, choices))
		return
	}
	t.out = append(t.out, outbound{text: prompt, choices: choices})
}

// ask renders the question for f.
func (t *turn) ask(f Field) {
	switch f.Ask {
	case AskChoice:
		t.offer(f.Prompt, f.Options)
	case AskNumbered:
		t.say(models.NumberedMenu(f.Prompt, f.Options))
	default:
		t.say(f.Prompt)
	}
}

// reject repeats the question with the validation message. The stage does not move.
func (t *turn) reject(f Field, err error) {
	t.e.metrics.ObserveValidationFailure(string(f.Key))
	slog.Debug("Engine: answer rejected", "contactID", t.s.ContactID, "stage", f.Key, "error", err)
	t.say(err.Error())
	t.ask(f)
}

func (t *turn) flush(ctx context.Context) {
	to := t.s.ContactID
	for _, m := range t.out {
		var err error
		kind := "text"
		if len(m.choices) > 0 {
			kind = "choice"
			err = t.e.messenger.SendChoice(ctx, to, m.text, m.choices)
		} else {
			err = t.e.messenger.SendText(ctx, to, m.text)
		}
		if err != nil {
			slog.Error("Engine.flush: send failed", "contactID", to, "kind", kind, "route", t.s.Route, "stage", t.s.Stage, "error", err)
			t.e.metrics.ObserveSend(kind, "failed")
			continue
		}
		t.e.metrics.ObserveSend(kind, "sent")
	}
}

var resetKeywords = map[string]bool{
	"menu":       true,
	"reset":      true,
	"restart":    true,
	"start over": true,
	"cancel":     true,
}

// textShortcuts map keywords typed at a menu to the button they stand for. Order matters.
var textShortcuts = []struct {
	keyword string
	button  string
}{
	{"appointment", ButtonAppointment},
	{"consult", ButtonAppointment},
	{"result", ButtonExamResult},
	{"exam", ButtonExam},
	{"return", ButtonReturnVisit},
	{"suggest", ButtonSuggestion},
	{"update", ButtonEditAddress},
	{"my address", ButtonEditAddress},
	{"address", ButtonClinicInfo},
	{"location", ButtonClinicInfo},
}

func (t *turn) dispatch(ctx context.Context) {
	ev := t.ev
	if ev.Kind == models.EventText && resetKeywords[strings.ToLower(strings.TrimSpace(ev.Body))] {
		slog.Info("Engine.dispatch: reset keyword", "contactID", t.s.ContactID, "route", t.s.Route)
		t.openRoute(ctx, models.RouteRoot)
		return
	}
	if ev.Kind == models.EventButton {
		if ev.ButtonID == ButtonClinicInfo {
			t.sendClinicInfo()
			return
		}
		if r, ok := routeButtons[ev.ButtonID]; ok {
			t.openRoute(ctx, r)
			return
		}
	}

	if t.s.Stage == models.StageNone {
		t.selectRoute(ctx)
		return
	}

	f, ok := fieldFor(t.s.Route, t.s.Stage)
	if !ok {
		slog.Warn("Engine.dispatch: stage not in route schema, recomputing", "contactID", t.s.ContactID, "route", t.s.Route, "stage", t.s.Stage)
		t.s.Stage = models.StageNone
		if t.s.Route.IsMenu() {
			t.showMenu(models.RouteRoot, t.welcome())
			return
		}
		t.advance(ctx)
		return
	}
	handler, ok := stageHandlers[f.Key]
	if !ok {
		handler = (*turn).handleField
	}
	handler(t, ctx, f)
}

// selectRoute interprets an event received while nothing is pending.
func (t *turn) selectRoute(ctx context.Context) {
	if t.ev.Kind == models.EventText {
		body := strings.ToLower(strings.TrimSpace(t.ev.Body))
		if opts, ok := menus[t.s.Route]; ok && body != "" {
			if c, ok := matchOption(opts, body); ok {
				t.press(ctx, c.ID)
				return
			}
		}
		for _, sc := range textShortcuts {
			if strings.Contains(body, sc.keyword) {
				t.press(ctx, sc.button)
				return
			}
		}
	}
	slog.Debug("Engine.selectRoute: unrecognized selection, showing root menu", "contactID", t.s.ContactID, "kind", t.ev.Kind)
	t.s.Restart(models.RouteRoot, t.now)
	t.showMenu(models.RouteRoot, t.welcome())
}

func (t *turn) press(ctx context.Context, buttonID string) {
	if buttonID == ButtonClinicInfo {
		t.sendClinicInfo()
		return
	}
	if r, ok := routeButtons[buttonID]; ok {
		t.openRoute(ctx, r)
	}
}

// openRoute restarts the session on r and asks its first question.
func (t *turn) openRoute(ctx context.Context, r models.Route) {
	slog.Info("Engine.openRoute: route selected", "contactID", t.s.ContactID, "from", t.s.Route, "to", r)
	t.s.Restart(r, t.now)
	t.e.metrics.ObserveRoute(string(r))
	if r.IsMenu() {
		prompt := msgMoreOptions
		if r == models.RouteRoot {
			prompt = t.welcome()
		}
		t.showMenu(r, prompt)
		return
	}
	if r == models.RouteSuggestion {
		t.say(msgSuggestionIntro)
	}
	t.advance(ctx)
}

func (t *turn) showMenu(r models.Route, prompt string) {
	t.offer(prompt, menus[r])
}

func (t *turn) sendClinicInfo() {
	t.s.Restart(models.RouteRoot, t.now)
	t.say(t.e.clinic.Text())
	t.showMenu(models.RouteRoot, msgAnythingElse)
}

func (t *turn) welcome() string {
	return welcome(t.s.ProfileName, t.e.clinic.Name)
}
