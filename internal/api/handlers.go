package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

const (
	defaultOutboxLimit = 50
	maxOutboxLimit     = 500
)

// contactIDRule matches the digits-only contact ids produced by the messaging layer.
const contactIDRule = "required,numeric,min=8,max=15"

// healthHandler reports liveness, and dependency health when a probe is configured.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.HealthCheck(ctx); err != nil {
			slog.Warn("Server.healthHandler: dependency check failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "dependency check failed"
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) contactID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "contactID")
	if err := s.validate.Var(id, contactIDRule); err != nil {
		slog.Warn("Server.contactID: invalid contact id", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid contact id"))
		return "", false
	}
	return id, true
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.contactID(w, r)
	if !ok {
		return
	}
	sess, err := s.opts.Sessions.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getSessionHandler: load failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// resetSessionHandler discards a contact's session. The next message starts at the root menu.
func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.contactID(w, r)
	if !ok {
		return
	}
	unlock := s.opts.Sessions.Lock(id)
	err := s.opts.Sessions.Reset(r.Context(), id)
	unlock()
	if err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	slog.Info("Server.resetSessionHandler: session reset by operator", "contactID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) listOutboxHandler(w http.ResponseWriter, r *http.Request) {
	status := store.OutboxStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.OutboxStatusQueued
	}
	switch status {
	case store.OutboxStatusQueued, store.OutboxStatusSending, store.OutboxStatusSent,
		store.OutboxStatusFailed, store.OutboxStatusCanceled:
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid status"))
		return
	}

	limit := defaultOutboxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = min(n, maxOutboxLimit)
	}

	msgs, err := s.opts.Outbox.ListOutboxMessages(status, limit)
	if err != nil {
		slog.Error("Server.listOutboxHandler: list failed", "status", status, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list outbox"))
		return
	}
	if msgs == nil {
		msgs = []store.OutboxMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
