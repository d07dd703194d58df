// Package api provides the HTTP surface of IntakePipe: channel webhooks, health, metrics and
// operator endpoints for inspecting sessions and the outbox.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
)

// CloudWebhook is the Meta Cloud API webhook surface.
type CloudWebhook interface {
	VerifyHandler(w http.ResponseWriter, r *http.Request)
	WebhookHandler(w http.ResponseWriter, r *http.Request)
}

// TwilioWebhook is the Twilio webhook surface.
type TwilioWebhook interface {
	TwilioWebhookHandler(w http.ResponseWriter, r *http.Request)
}

// Opts holds configuration for the Server.
type Opts struct {
	Addr           string
	AdminToken     string
	Sessions       *flow.SessionManager
	Outbox         store.OutboxRepo
	Cloud          CloudWebhook
	Twilio         TwilioWebhook
	MetricsHandler http.Handler
	HealthCheck    func(ctx context.Context) error
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken requires "Authorization: Bearer <token>" on operator endpoints.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithSessions enables the session inspection endpoints.
func WithSessions(m *flow.SessionManager) Option {
	return func(o *Opts) { o.Sessions = m }
}

// WithOutbox enables the outbox listing endpoint.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithCloudWebhook mounts the Meta webhook on /webhook.
func WithCloudWebhook(h CloudWebhook) Option {
	return func(o *Opts) { o.Cloud = h }
}

// WithTwilioWebhook mounts the Twilio webhook on /twilio/webhook.
func WithTwilioWebhook(h TwilioWebhook) Option {
	return func(o *Opts) { o.Twilio = h }
}

// WithMetricsHandler overrides the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.MetricsHandler = h }
}

// WithHealthCheck adds a dependency probe to /health.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(o *Opts) { o.HealthCheck = fn }
}

// Server serves the IntakePipe HTTP API.
type Server struct {
	opts     Opts
	router   chi.Router
	validate *validator.Validate
}

// NewServer builds the router for the configured components.
func NewServer(opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	s := &Server{opts: cfg, validate: validator.New()}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultRequestTimeout))

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", s.opts.MetricsHandler)

	if s.opts.Cloud != nil {
		r.Get("/webhook", s.opts.Cloud.VerifyHandler)
		r.Post("/webhook", s.opts.Cloud.WebhookHandler)
	}
	if s.opts.Twilio != nil {
		r.Post("/twilio/webhook", s.opts.Twilio.TwilioWebhookHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		if s.opts.Sessions != nil {
			r.Get("/sessions/{contactID}", s.getSessionHandler)
			r.Delete("/sessions/{contactID}", s.resetSessionHandler)
		}
		if s.opts.Outbox != nil {
			r.Get("/outbox", s.listOutboxHandler)
		}
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * DefaultRequestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
