package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/attendsync/attendsync/internal/attendsync"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// CachePane is the slice of a cache the admin surface needs: stats and purge.
type CachePane interface {
	Stats() attendsync.CacheStats
	Purge()
}

type Server struct {
	store         attendsync.Store
	controller    *attendsync.Controller
	broadcaster   *attendsync.Broadcaster
	caches        map[string]CachePane
	cfg           ServerConfig
	rateLimiter   *rateLimiter
	triggerSchema *jsonschema.Schema
	logger        attendsync.Logger
}

type ServerOptions struct {
	Store       attendsync.Store
	Controller  *attendsync.Controller
	Broadcaster *attendsync.Broadcaster
	Caches      map[string]CachePane
	Logger      attendsync.Logger
	Config      ServerConfig
}

const triggerRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"syncType": {
			"type": "string",
			"enum": ["full", "delta", "manual", "single-resource"]
		},
		"webinarId": {"type": "string"},
		"forceFullSync": {"type": "boolean"},
		"lastSyncTime": {"type": "string"}
	},
	"additionalProperties": false
}`

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil || opts.Controller == nil {
		return nil, attendsync.ErrInvalidInput
	}
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schema, err := compileTriggerSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		store:         opts.Store,
		controller:    opts.Controller,
		broadcaster:   opts.Broadcaster,
		caches:        opts.Caches,
		cfg:           cfg,
		rateLimiter:   limiter,
		triggerSchema: schema,
		logger:        opts.Logger,
	}, nil
}

func compileTriggerSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(triggerRequestSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("trigger.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("trigger.schema.json")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.URL.Path == "/v1/admin/runs" && r.Method == http.MethodGet {
		s.handleAdminRuns(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/cache" && r.Method == http.MethodGet {
		s.handleAdminCache(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/cache/purge" && r.Method == http.MethodPost {
		s.handleAdminCachePurge(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "connections" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	connectionID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "trigger"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "runs" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "runs"
	case len(parts) == 6 && parts[3] == "sync" && parts[4] == "runs" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "run"
	case len(parts) == 7 && parts[3] == "sync" && parts[4] == "runs" && parts[6] == "cancel" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "cancel"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "stream"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	case len(parts) == 6 && parts[3] == "events" && parts[5] == "participants" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "participants"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := s.authorize(r, connectionID, requiredScope)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := connectionID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "trigger":
		s.handleTrigger(w, r, connectionID, correlationID)
	case "runs":
		s.handleRuns(w, r, connectionID, correlationID)
	case "run":
		s.handleRun(w, r, parts[5], correlationID)
	case "cancel":
		s.handleCancel(w, r, parts[5], correlationID)
	case "stream":
		s.handleStream(w, r, connectionID, correlationID)
	case "events":
		s.handleEvents(w, r, connectionID, correlationID)
	case "participants":
		s.handleParticipants(w, r, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authorize exists so the stream handler can reuse the bearer check for
// query-parameter tokens, which browsers need for websocket upgrades.
func (s *Server) authorize(r *http.Request, connectionID, requiredScope string) (tokenClaims, *authError) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			authHeader = "Bearer " + token
		}
	}
	return authorizeBearer(authHeader, s.cfg.JWTSecret, connectionID, requiredScope, time.Now().UTC())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.triggerSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid trigger request: %v", err), correlationID)
		return
	}
	var req struct {
		SyncType      string     `json:"syncType"`
		WebinarID     string     `json:"webinarId"`
		ForceFullSync bool       `json:"forceFullSync"`
		LastSyncTime  *time.Time `json:"lastSyncTime"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if req.SyncType == "" {
		req.SyncType = string(attendsync.SyncTypeManual)
	}
	syncType, err := attendsync.ParseSyncType(req.SyncType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown syncType", correlationID)
		return
	}

	run, err := s.controller.StartRun(r.Context(), connectionID, syncType, attendsync.SyncOptions{
		ForceFullSync: req.ForceFullSync,
		LastSyncTime:  req.LastSyncTime,
	}, req.WebinarID)
	if err != nil {
		s.writeRunError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"syncId":  run.ID,
		"status":  run.Status,
		"message": "sync run queued",
		"run":     run,
	})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *attendsync.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "sync_in_progress",
			"message":       err.Error(),
			"correlationId": correlationID,
			"activeRunId":   conflict.ActiveRunID,
		})
	case errors.Is(err, attendsync.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "provider_budget_low", err.Error(), correlationID)
	case errors.Is(err, attendsync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, attendsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, attendsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, attendsync.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	runs, err := s.store.ListRuns(r.Context(), connectionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request, runID, correlationID string) {
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, attendsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, runID, correlationID string) {
	run, err := s.controller.Cancel(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, connectionID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	events, err := s.store.ListEvents(r.Context(), connectionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request, eventID, correlationID string) {
	attendees, err := s.store.ListAttendees(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, attendsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": attendees})
}

func (s *Server) handleAdminRuns(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.authorize(r, "", "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read", "admin:write") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	runs, err := s.store.ListUnfinishedRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"count":       len(runs),
		"runs":        runs,
	})
}

func (s *Server) handleAdminCache(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.authorize(r, "", "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read", "admin:write") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	stats := make(map[string]attendsync.CacheStats, len(s.caches))
	for name, cache := range s.caches {
		stats[name] = cache.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"caches":      stats,
	})
}

func (s *Server) handleAdminCachePurge(w http.ResponseWriter, r *http.Request) {
	claims, authErr := s.authorize(r, "", "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:write") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:write", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	purged := make([]string, 0, len(s.caches))
	for cacheName, cache := range s.caches {
		if name != "" && cacheName != name {
			continue
		}
		cache.Purge()
		purged = append(purged, cacheName)
	}
	if name != "" && len(purged) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "unknown cache: "+name, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// getCorrelationID reads the correlation header, falling back to a query
// parameter for websocket upgrades, where browsers cannot set headers.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("correlation_id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
