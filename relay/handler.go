// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/reviewrelay/lib/ref"
	"github.com/bureau-foundation/reviewrelay/lib/schema"
)

// maxRequestBody bounds POST /message bodies.
const maxRequestBody = 64 << 10

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = 30

// handlers serves the HTTP API.
type handlers struct {
	sessions *SessionManager
	hub      *Hub
	logger   *slog.Logger
}

// NewRouter builds the relay's HTTP handler. The push channel shares the
// root path with a plain GET so tenants need only one address.
func NewRouter(sessions *SessionManager, hub *Hub, logger *slog.Logger) http.Handler {
	h := &handlers{sessions: sessions, hub: hub, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(instrument(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", hub.ServeHTTP)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(middleware.RequestSize(maxRequestBody)).Post("/message", h.handleSend)
	r.Get("/messages/{vm_user}", h.handleFetch)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, schema.ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, schema.ErrorResponse{Error: "method not allowed"})
	})
	return r
}

// handleSend handles POST /message.
func (h *handlers) handleSend(w http.ResponseWriter, r *http.Request) {
	var request schema.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, newError(KindBadRequest, ref.Tenant{}, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.writeError(w, r, newError(KindBadRequest, ref.Tenant{}, "invalid JSON body: %v", err))
		return
	}
	if err := request.Validate(); err != nil {
		h.writeError(w, r, &Error{Kind: KindBadRequest, Err: err})
		return
	}
	tenant, err := ref.ParseTenant(request.VMUser)
	if err != nil {
		h.writeError(w, r, &Error{Kind: KindBadRequest, Err: err})
		return
	}

	destination, err := h.sessions.Send(r.Context(), tenant, request.Target, request.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SendResponse{
		Success: true,
		Message: "Message sent to " + destination.String(),
	})
}

// handleFetch handles GET /messages/{vm_user}.
func (h *handlers) handleFetch(w http.ResponseWriter, r *http.Request) {
	tenant, err := ref.ParseTenant(chi.URLParam(r, "vm_user"))
	if err != nil {
		h.writeError(w, r, &Error{Kind: KindBadRequest, Err: err})
		return
	}
	messages, err := h.sessions.Fetch(r.Context(), tenant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schema.HealthResponse{
		Status:   "ok",
		Sessions: h.sessions.LiveSessions(),
		Channels: h.hub.Channels(),
	})
}

// writeError renders err with the status and hint of its kind.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := kind.HTTPStatus()
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	level := slog.LevelWarn
	if kind == KindBadRequest {
		level = slog.LevelDebug
	}
	h.logger.Log(r.Context(), level, "request failed", "kind", kind, "status", status, "error", err)
	writeJSON(w, status, schema.ErrorResponse{Error: err.Error(), Hint: kind.Hint()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// instrument logs each request and records its metrics under the
// matched route pattern, so path parameters never become labels.
func instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			status := wrapped.Status()
			if status == 0 && websocket.IsWebSocketUpgrade(r) {
				// The connection was hijacked after the 101.
				status = http.StatusSwitchingProtocols
			}
			route := "unmatched"
			if routeContext := chi.RouteContext(r.Context()); routeContext != nil && routeContext.RoutePattern() != "" {
				route = routeContext.RoutePattern()
			}

			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration", duration,
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}
