// Package httpapi exposes the session coordination surface: handshake
// issuance, session start and end, session listing, and the operational
// endpoints.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"foundryvtt/relay/internal/auth"
	"foundryvtt/relay/internal/clients"
	"foundryvtt/relay/internal/handoff"
	"foundryvtt/relay/internal/handshake"
	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/session"
	"foundryvtt/relay/internal/store"
)

// Request headers carrying handshake parameters.
const (
	foundryURLHeader = "x-foundry-url"
	worldNameHeader  = "x-world-name"
	usernameHeader   = "x-username"
)

// Counters accumulates request totals exposed on /metrics.
type Counters struct {
	HandshakesIssued  atomic.Int64
	HandshakesDenied  atomic.Int64
	SessionsStarted   atomic.Int64
	SessionsHandedOff atomic.Int64
	SessionsEnded     atomic.Int64
}

// Options configures the HandlerSet.
type Options struct {
	Logger     *logging.Logger
	Handshakes *handshake.Service
	Controller *session.Controller
	Handoff    *handoff.Coordinator
	Clients    *clients.Registry
	Store      store.Store
	InstanceID string
	Limiter    *HandshakeLimiter
	Counters   *Counters
	TimeSource func() time.Time
}

// HandlerSet bundles the relay coordination handlers.
type HandlerSet struct {
	logger     *logging.Logger
	handshakes *handshake.Service
	controller *session.Controller
	handoff    *handoff.Coordinator
	clients    *clients.Registry
	store      store.Store
	instanceID string
	limiter    *HandshakeLimiter
	counters   *Counters
	now        func() time.Time
	startedAt  time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	counters := opts.Counters
	if counters == nil {
		counters = &Counters{}
	}
	return &HandlerSet{
		logger:     logger,
		handshakes: opts.Handshakes,
		controller: opts.Controller,
		handoff:    opts.Handoff,
		clients:    opts.Clients,
		store:      opts.Store,
		instanceID: strings.TrimSpace(opts.InstanceID),
		limiter:    opts.Limiter,
		counters:   counters,
		now:        now,
		startedAt:  now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/session-handshake", h.HandshakeHandler())
	mux.HandleFunc("/start-session", h.StartSessionHandler())
	mux.HandleFunc("/end-session", h.EndSessionHandler())
	mux.HandleFunc("/session", h.SessionListHandler())
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
}

// HandshakeHandler issues a single-use handshake token bound to the caller's
// API key and target world.
func (h *HandlerSet) HandshakeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		apiKey := auth.APIKey(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		}
		foundryURL := strings.TrimSpace(r.Header.Get(foundryURLHeader))
		worldName := strings.TrimSpace(r.Header.Get(worldNameHeader))
		username := strings.TrimSpace(r.Header.Get(usernameHeader))
		if foundryURL == "" || username == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "x-foundry-url and x-username headers are required",
			})
			return
		}
		if !h.limiter.Allow(apiKey) {
			h.counters.HandshakesDenied.Add(1)
			h.logger.Warn("handshake rate limited", logging.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "Too many handshake requests, try again later",
			})
			return
		}
		issued, err := h.handshakes.Create(r.Context(), apiKey, foundryURL, worldName, username)
		if err != nil {
			h.logger.Error("handshake issuance failed", logging.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "Failed to create handshake",
			})
			return
		}
		h.counters.HandshakesIssued.Add(1)
		writeJSON(w, http.StatusOK, issued)
	}
}

// StartSessionHandler resolves a handshake and drives the start flow, either
// locally or handed off to the instance that issued the token.
func (h *HandlerSet) StartSessionHandler() http.HandlerFunc {
	type request struct {
		HandshakeToken    string `json:"handshakeToken"`
		EncryptedPassword string `json:"encryptedPassword"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		apiKey := auth.APIKey(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
			return
		}
		req.HandshakeToken = strings.TrimSpace(req.HandshakeToken)
		if req.HandshakeToken == "" || req.EncryptedPassword == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "handshakeToken and encryptedPassword are required",
			})
			return
		}

		result := h.dispatchStart(r, apiKey, req.HandshakeToken, req.EncryptedPassword)
		if result.Status == http.StatusOK {
			h.counters.SessionsStarted.Add(1)
		}
		writeJSON(w, result.Status, result.Body)
	}
}

// dispatchStart decides whether this instance can resolve the token itself.
// Peek does not consume the token, so routing the request elsewhere leaves it
// intact for the owner.
func (h *HandlerSet) dispatchStart(r *http.Request, apiKey, token, encryptedPassword string) session.Result {
	//1.- An already-connected session answers immediately, no matter which
	// instance issued the token or holds the browser.
	if result, ok := h.controller.ExistingSession(r.Context(), apiKey); ok {
		return result
	}
	//2.- Tokens issued elsewhere ride the hand-off exchange so the private
	// key never has to leave its instance.
	if h.handoff != nil && h.store.Shared() {
		record, err := h.handshakes.Peek(r.Context(), token)
		if err == nil && record.InstanceID != "" && record.InstanceID != h.instanceID {
			h.counters.SessionsHandedOff.Add(1)
			h.logger.Info("handing off session start",
				logging.String("owner_instance", record.InstanceID))
			return h.handoff.Submit(r.Context(), token, apiKey, encryptedPassword, record.InstanceID)
		}
	}
	return h.controller.StartSession(r.Context(), token, apiKey, encryptedPassword)
}

// EndSessionHandler tears down the identified session.
func (h *HandlerSet) EndSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", http.MethodDelete)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		apiKey := auth.APIKey(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
		if sessionID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sessionId is required"})
			return
		}
		result := h.controller.EndSession(r.Context(), sessionID, apiKey)
		if result.Status == http.StatusOK {
			h.counters.SessionsEnded.Add(1)
		}
		writeJSON(w, result.Status, result.Body)
	}
}

// SessionListHandler reports the caller's active and pending sessions.
func (h *HandlerSet) SessionListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		apiKey := auth.APIKey(r)
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		}
		result := h.controller.Snapshot(r.Context(), apiKey)
		writeJSON(w, result.Status, result.Body)
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness, including store reachability and
// session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status          string  `json:"status"`
		Message         string  `json:"message,omitempty"`
		UptimeSeconds   float64 `json:"uptime_seconds"`
		Clients         int     `json:"clients"`
		ActiveSessions  int     `json:"active_sessions"`
		PendingSessions int     `json:"pending_sessions"`
		SharedStore     bool    `json:"shared_store"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		active, pending := h.controller.Counts()
		resp := response{
			Status:          "ok",
			UptimeSeconds:   h.now().Sub(h.startedAt).Seconds(),
			Clients:         h.clients.Count(),
			ActiveSessions:  active,
			PendingSessions: pending,
			SharedStore:     h.store.Shared(),
		}
		if err := h.store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			resp.Status = "error"
			resp.Message = err.Error()
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, pending := h.controller.Counts()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP relay_uptime_seconds Relay uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE relay_uptime_seconds gauge\n")
		fmt.Fprintf(w, "relay_uptime_seconds %.0f\n", h.now().Sub(h.startedAt).Seconds())

		fmt.Fprintf(w, "# HELP relay_clients Currently attached Foundry client connections.\n")
		fmt.Fprintf(w, "# TYPE relay_clients gauge\n")
		fmt.Fprintf(w, "relay_clients %d\n", h.clients.Count())

		fmt.Fprintf(w, "# HELP relay_active_sessions Sessions with an attached client on this instance.\n")
		fmt.Fprintf(w, "# TYPE relay_active_sessions gauge\n")
		fmt.Fprintf(w, "relay_active_sessions %d\n", active)

		fmt.Fprintf(w, "# HELP relay_pending_sessions Sessions awaiting their client connection.\n")
		fmt.Fprintf(w, "# TYPE relay_pending_sessions gauge\n")
		fmt.Fprintf(w, "relay_pending_sessions %d\n", pending)

		fmt.Fprintf(w, "# HELP relay_handshakes_issued_total Handshake tokens issued.\n")
		fmt.Fprintf(w, "# TYPE relay_handshakes_issued_total counter\n")
		fmt.Fprintf(w, "relay_handshakes_issued_total %d\n", h.counters.HandshakesIssued.Load())

		fmt.Fprintf(w, "# HELP relay_handshakes_denied_total Handshake requests rejected by rate limiting.\n")
		fmt.Fprintf(w, "# TYPE relay_handshakes_denied_total counter\n")
		fmt.Fprintf(w, "relay_handshakes_denied_total %d\n", h.counters.HandshakesDenied.Load())

		fmt.Fprintf(w, "# HELP relay_sessions_started_total Sessions started successfully.\n")
		fmt.Fprintf(w, "# TYPE relay_sessions_started_total counter\n")
		fmt.Fprintf(w, "relay_sessions_started_total %d\n", h.counters.SessionsStarted.Load())

		fmt.Fprintf(w, "# HELP relay_sessions_handed_off_total Session starts relayed to their owning instance.\n")
		fmt.Fprintf(w, "# TYPE relay_sessions_handed_off_total counter\n")
		fmt.Fprintf(w, "relay_sessions_handed_off_total %d\n", h.counters.SessionsHandedOff.Load())

		fmt.Fprintf(w, "# HELP relay_sessions_ended_total Sessions ended by request.\n")
		fmt.Fprintf(w, "# TYPE relay_sessions_ended_total counter\n")
		fmt.Fprintf(w, "relay_sessions_ended_total %d\n", h.counters.SessionsEnded.Load())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
