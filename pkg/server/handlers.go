// Package server exposes the detectors over HTTP for a UI collaborator:
// samples and key presses are posted in, status updates stream out over a
// websocket, and Prometheus scrapes /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hed1ad/seqguard/pkg/cache"
)

const writeWait = 10 * time.Second

// ReadingRequest is the body of POST /v1/readings.
type ReadingRequest struct {
	Values []float64 `json:"values"`
}

// KeystrokeRequest is the body of POST /v1/keystrokes. A zero PressedAt
// means now.
type KeystrokeRequest struct {
	PressedAt time.Time `json:"pressed_at"`
}

// UpdateResponse reports whether a post completed a scored sequence.
type UpdateResponse struct {
	Scored bool         `json:"scored"`
	Status cache.Status `json:"status"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Session   string            `json:"session"`
	Detectors map[string]string `json:"detectors"`
	Uptime    string            `json:"uptime"`
}

// Pinger reports store connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	monitor   *Monitor
	logger    *slog.Logger
	pinger    Pinger
	upgrader  websocket.Upgrader
	startTime time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithPinger reports store connectivity in /health.
func WithPinger(p Pinger) HandlerOption {
	return func(h *Handler) {
		h.pinger = p
	}
}

// NewHandler creates a Handler over m.
func NewHandler(m *Monitor, opts ...HandlerOption) *Handler {
	h := &Handler{
		monitor: m,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/readings", h.ReadingHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/keystrokes", h.KeystrokeHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", h.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/status/{channel}", h.ChannelStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/stream", h.StreamHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Use(h.loggingMiddleware)
	return r
}

// HealthHandler handles GET /health.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Session:   h.monitor.Session(),
		Detectors: make(map[string]string),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, s := range h.monitor.Status() {
		resp.Detectors[s.Channel] = s.State
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		resp.Detectors["store"] = "connected"
		if err := h.pinger.Ping(ctx); err != nil {
			resp.Detectors["store"] = "disconnected"
		}
	}
	h.respondJSON(w, resp, http.StatusOK)
}

// ReadingHandler handles POST /v1/readings.
func (h *Handler) ReadingHandler(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Values) == 0 {
		h.respondError(w, "values must not be empty", http.StatusBadRequest)
		return
	}

	s, ok := h.monitor.Reading(r.Context(), req.Values)
	h.respondJSON(w, UpdateResponse{Scored: ok, Status: s}, http.StatusOK)
}

// KeystrokeHandler handles POST /v1/keystrokes.
func (h *Handler) KeystrokeHandler(w http.ResponseWriter, r *http.Request) {
	var req KeystrokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.PressedAt.IsZero() {
		req.PressedAt = time.Now()
	}

	s, ok := h.monitor.KeyPress(r.Context(), req.PressedAt)
	h.respondJSON(w, UpdateResponse{Scored: ok, Status: s}, http.StatusOK)
}

// StatusHandler handles GET /v1/status.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, map[string]any{
		"text":     h.monitor.Text(),
		"channels": h.monitor.Status(),
	}, http.StatusOK)
}

// ChannelStatusHandler handles GET /v1/status/{channel}.
func (h *Handler) ChannelStatusHandler(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	s, ok := h.monitor.Lookup(r.Context(), channel)
	if !ok {
		h.respondError(w, "unknown channel "+channel, http.StatusNotFound)
		return
	}
	h.respondJSON(w, s, http.StatusOK)
}

// StreamHandler handles GET /v1/stream. The current status of every
// channel is sent first, then every update.
func (h *Handler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.monitor.Hub().Subscribe()
	defer unsubscribe()

	for _, s := range h.monitor.Status() {
		if err := h.write(conn, s); err != nil {
			return
		}
	}

	// The client sends nothing; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(conn, s); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, s cache.Status) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(s)
}

// respondJSON sends a JSON response.
func (h *Handler) respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error as JSON.
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	h.respondJSON(w, map[string]string{"error": message}, status)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
