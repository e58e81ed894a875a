// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook serves the relay's HTTP endpoints: gateway webhooks per
// tenant, inbox events, queue introspection and health.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wazwoot/bridge/internal/normalize"
	"github.com/wazwoot/bridge/internal/queue"
	"github.com/wazwoot/bridge/internal/relay"
	"github.com/wazwoot/bridge/internal/restclient"
)

// MaxBodyBytes caps webhook bodies; gateway payloads may carry inline media.
const MaxBodyBytes = 50 << 20

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Relay is the pipeline behind the endpoints.
type Relay interface {
	HandleGatewayWebhook(ctx context.Context, tenantKey string, body []byte) (relay.Result, error)
	HandleInboxEvent(ctx context.Context, body []byte) (relay.Result, error)
	QueueStatus() queue.Status
}

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names a health dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler serves the relay endpoints.
type Handler struct {
	relay   Relay
	checks  []Check
	started time.Time
}

// NewHandler creates a handler. checks run on every /health request.
func NewHandler(r Relay, checks ...Check) *Handler {
	return &Handler{relay: r, checks: checks, started: time.Now()}
}

type response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	relay.Result
}

type errorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Routes returns the endpoint mux wrapped in request-id and logging
// middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{tenantKey}", h.ServeGateway)
	mux.HandleFunc("POST /events", h.ServeInbox)
	mux.HandleFunc("POST /chatwoot/events", h.ServeInbox)
	mux.HandleFunc("GET /queue/status", h.ServeQueueStatus)
	mux.HandleFunc("GET /chatwoot/queue/status", h.ServeQueueStatus)
	mux.HandleFunc("GET /health", h.ServeHealth)
	return withRequestID(mux)
}

// ServeGateway relays a gateway webhook for the tenant named in the path.
func (h *Handler) ServeGateway(w http.ResponseWriter, r *http.Request) {
	tenantKey := r.PathValue("tenantKey")
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := h.relay.HandleGatewayWebhook(r.Context(), tenantKey, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: requestID(r.Context()), Result: res})
}

// ServeInbox queues an inbox event for delivery to the gateway.
func (h *Handler) ServeInbox(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := h.relay.HandleInboxEvent(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, RequestID: requestID(r.Context()), Result: res})
}

// ServeQueueStatus reports the dispatch queue.
func (h *Handler) ServeQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.QueueStatus())
}

// ServeHealth pings the configured dependencies.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Pinger.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			results[c.Name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}

	label := "ok"
	if status != http.StatusOK {
		label = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":    label,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Seconds(),
		"checks":    results,
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:     "request body too large",
				RequestID: requestID(r.Context()),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			return nil, false
		}
		slog.Error("failed to read request body", "request_id", requestID(r.Context()), "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "unreadable request body",
			RequestID: requestID(r.Context()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return nil, false
	}
	return body, true
}

// statusFor maps relay errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, normalize.ErrInvalidPayload),
		errors.Is(err, normalize.ErrIncompletePayload),
		errors.Is(err, normalize.ErrMissingPhone),
		errors.Is(err, normalize.ErrInvalidPhone):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrUnknownTenant):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var ue *restclient.UpstreamError
	if errors.As(err, &ue) {
		resp.Details = ue.Body
	}

	if status >= 500 {
		slog.Error("request failed",
			"request_id", resp.RequestID,
			"path", r.URL.Path,
			"error", err,
		)
	} else {
		slog.Info("request rejected",
			"request_id", resp.RequestID,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestID assigns every request an id (honouring one sent by the
// caller) and logs its outcome.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

		slog.Debug("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// Serve starts the HTTP server on port. It binds immediately, signals
// readiness on the returned channel, and shuts down gracefully when ctx is
// cancelled. done is closed once the server has stopped.
func Serve(ctx context.Context, port int, handler *Handler) (ready <-chan struct{}, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
