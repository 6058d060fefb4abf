// Package server exposes the control plane over HTTP: channel webhooks,
// reload/rollback controls, the capability catalogue, status, the event
// feed, the session flash store, and outbox dead-letter operations.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mu-ops/mu/pkg/adapters"
	"github.com/mu-ops/mu/pkg/contracts"
	"github.com/mu-ops/mu/pkg/events"
	"github.com/mu-ops/mu/pkg/flash"
	"github.com/mu-ops/mu/pkg/generation"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/observability"
	"github.com/mu-ops/mu/pkg/outbox"
)

// Options carries the server's dependencies.
type Options struct {
	Adapters   []adapters.Adapter
	Supervisor *generation.Supervisor
	Counters   *observability.Counters
	Events     *events.Log
	Flash      *flash.Store
	Outbox     *outbox.Store
	Identity   *identity.Store
	Limiter    LimiterStore
	Log        *slog.Logger
}

// Server serves the control plane API.
type Server struct {
	adapters   []adapters.Adapter
	supervisor *generation.Supervisor
	counters   *observability.Counters
	events     *events.Log
	flash      *flash.Store
	outbox     *outbox.Store
	identity   *identity.Store
	limiter    LimiterStore
	log        *slog.Logger
	startedAt  time.Time
}

// New builds a server from its dependencies.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		adapters:   opts.Adapters,
		supervisor: opts.Supervisor,
		counters:   opts.Counters,
		events:     opts.Events,
		flash:      opts.Flash,
		outbox:     opts.Outbox,
		identity:   opts.Identity,
		limiter:    opts.Limiter,
		log:        log.With("component", "server"),
		startedAt:  time.Now(),
	}
}

// Handler builds the route table wrapped in logging and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, a := range s.adapters {
		mux.HandleFunc(a.Descriptor().Route, a.HandleWebhook)
	}
	mux.HandleFunc("/api/status", s.handleStatusAPI)
	mux.HandleFunc("/api/control-plane/reload", s.handleReloadAPI)
	mux.HandleFunc("/api/control-plane/rollback", s.handleRollbackAPI)
	mux.HandleFunc("/api/control-plane/channels", s.handleChannelsAPI)
	mux.HandleFunc("/api/events", s.handleEventsAPI)
	mux.HandleFunc("/api/events/tail", s.handleEventsTailAPI)
	mux.HandleFunc("/api/session-flash", s.handleFlashAPI)
	mux.HandleFunc("/api/session-flash/", s.handleFlashAckAPI)
	mux.HandleFunc("/api/dlq", s.handleDLQAPI)
	mux.HandleFunc("/api/dlq/", s.handleDLQReplayAPI)
	mux.HandleFunc("/api/identity", s.handleIdentityAPI)
	mux.HandleFunc("/api/identity/", s.handleIdentityOpAPI)
	return s.withLogging(s.withRateLimit(mux))
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ok, err := s.limiter.Allow(r.Context(), host, 1)
		if err != nil {
			s.log.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !ok {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]interface{}{
		"ok":        true,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.supervisor != nil {
		id, _ := s.supervisor.Active()
		resp["generation"] = id
	}
	if s.counters != nil {
		resp["observability"] = map[string]interface{}{"counters": s.counters.Snapshot()}
	}
	if s.events != nil {
		resp["events_total"] = s.events.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

type reloadRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReloadAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "reload unavailable")
		return
	}
	var req reloadRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := generation.ReasonAPIReload
	if req.Reason != "" {
		reason = generation.ReloadReason(req.Reason)
	}
	attempt, err := s.supervisor.Reload(r.Context(), reason)
	if errors.Is(err, generation.ErrCoalesced) {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "coalesced": true})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.attemptResponse(attempt))
}

// attemptResponse shapes a reload attempt for the API: the previous and new
// control-plane identities, the generation now active, and the raw attempt.
func (s *Server) attemptResponse(attempt *generation.ReloadAttempt) map[string]interface{} {
	active, _ := s.supervisor.Active()
	resp := map[string]interface{}{
		"ok":                     attempt.State == generation.AttemptCompleted,
		"reason":                 attempt.Reason,
		"previous_control_plane": attempt.FromGeneration,
		"control_plane":          attempt.ToGeneration,
		"generation":             active,
		"attempt":                attempt,
	}
	if attempt.Error != "" {
		resp["error"] = attempt.Error
	}
	return resp
}

func (s *Server) handleRollbackAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "rollback unavailable")
		return
	}
	attempt, err := s.supervisor.Rollback(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.attemptResponse(attempt))
}

func (s *Server) handleChannelsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": adapters.Capabilities(s.adapters)})
}

func (s *Server) handleEventsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	f := events.Filter{
		Type:     q.Get("type"),
		Source:   q.Get("source"),
		IssueID:  q.Get("issue_id"),
		RunID:    q.Get("run_id"),
		Contains: q.Get("contains"),
	}
	since := q.Get("since")
	if since == "" {
		since = q.Get("since_ms")
	}
	if since != "" {
		ms, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		f.SinceMs = ms
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.Query(f)})
}

func (s *Server) handleEventsTailAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.Tail(n)})
}

type flashCreateRequest struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
}

func (s *Server) handleFlashAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := flash.Filter{
			SessionID: r.URL.Query().Get("session_id"),
			Kind:      r.URL.Query().Get("kind"),
			Contains:  r.URL.Query().Get("contains"),
		}
		var list []*flash.Record
		if r.URL.Query().Get("pending") == "true" {
			list = s.flash.Pending(f)
		} else {
			list = s.flash.All(f)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"flashes": list})
	case http.MethodPost:
		var req flashCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Text == "" {
			writeError(w, http.StatusBadRequest, "session_id and text are required")
			return
		}
		rec, err := s.flash.Create(req.SessionID, req.Kind, req.Text)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleFlashAckAPI serves POST /api/session-flash/<id>/ack.
func (s *Server) handleFlashAckAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/session-flash/")
	id, ok := strings.CutSuffix(rest, "/ack")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	d, err := s.flash.Ack(id)
	if errors.Is(err, flash.ErrNotFound) {
		writeError(w, http.StatusNotFound, "flash not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDLQAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": s.outbox.DeadLetters()})
}

type dlqReplayRequest struct {
	CommandID string `json:"command_id"`
}

// handleDLQReplayAPI serves POST /api/dlq/<id>/replay.
func (s *Server) handleDLQReplayAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/dlq/")
	id, ok := strings.CutSuffix(rest, "/replay")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req dlqReplayRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	rec, err := s.outbox.ReplayDeadLetter(id, req.CommandID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type identityLinkRequest struct {
	OperatorID string   `json:"operator_id"`
	Channel    string   `json:"channel"`
	Tenant     string   `json:"tenant"`
	Actor      string   `json:"actor"`
	Tier       string   `json:"tier"`
	Scopes     []string `json:"scopes"`
}

func (s *Server) handleIdentityAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": s.identity.List()})
	case http.MethodPost:
		var req identityLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.OperatorID == "" || req.Channel == "" || req.Tenant == "" || req.Actor == "" {
			writeError(w, http.StatusBadRequest, "operator_id, channel, tenant and actor are required")
			return
		}
		b, err := s.identity.Link(req.OperatorID, contracts.Channel(req.Channel),
			req.Tenant, req.Actor, contracts.Tier(req.Tier), req.Scopes)
		if errors.Is(err, identity.ErrAlreadyLinked) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, b)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type identityRevokeRequest struct {
	RevokedBy string `json:"revoked_by"`
	Reason    string `json:"reason"`
}

// handleIdentityOpAPI serves POST /api/identity/<id>/unlink and
// /api/identity/<id>/revoke.
func (s *Server) handleIdentityOpAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/identity/")
	var err error
	switch {
	case strings.HasSuffix(rest, "/unlink"):
		id := strings.TrimSuffix(rest, "/unlink")
		if id == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		err = s.identity.Unlink(id)
		rest = id
	case strings.HasSuffix(rest, "/revoke"):
		id := strings.TrimSuffix(rest, "/revoke")
		if id == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		var req identityRevokeRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		err = s.identity.Revoke(id, req.RevokedBy, req.Reason)
		rest = id
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if errors.Is(err, identity.ErrBindingNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, identity.ErrNotActive) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	b, _ := s.identity.Get(rest)
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
