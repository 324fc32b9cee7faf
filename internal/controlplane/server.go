package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/liveness"
	"github.com/arbiterhq/arbiter/internal/locks"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Server provides the HTTP API for Arbiter.
type Server struct {
	service  *Service
	addr     string
	apiToken string
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new HTTP server. An empty apiToken disables
// authentication, which is only sensible on a loopback listener.
func NewServer(service *Service, addr, apiToken string, logger *slog.Logger) *Server {
	return &Server{
		service:  service,
		addr:     addr,
		apiToken: apiToken,
		logger:   logger,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting arbiter daemon", "addr", s.addr, "auth", s.apiToken != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler builds the routed handler. Exposed so tests can drive the
// API through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/locks", s.handleLocks)
	mux.HandleFunc("/locks/acquire", s.acquireLock)
	mux.HandleFunc("/locks/release", s.releaseLock)
	mux.HandleFunc("/locks/", s.getLock)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/claim", s.claimTask)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	mux.HandleFunc("/guardrails/check", s.checkGuardrails)
	mux.HandleFunc("/guardrails/violations", s.listViolations)

	mux.HandleFunc("/policy/check", s.checkPolicy)
	mux.HandleFunc("/network/check", s.checkNetwork)
	mux.HandleFunc("/network/policies", s.handleNetworkPolicies)

	mux.HandleFunc("/profiles", s.handleProfiles)
	mux.HandleFunc("/profiles/", s.getProfile)

	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/reap", s.reapSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)

	mux.HandleFunc("/audit", s.queryAudit)
	mux.HandleFunc("/audit/sweep", s.sweepAudit)

	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/stats", s.stats)

	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.apiToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			writeError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, liveness.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotClaimant),
		errors.Is(err, store.ErrTaskNotClaimed),
		errors.Is(err, store.ErrTaskTerminal),
		errors.Is(err, queue.ErrGuardrailBlocked):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnknownDependency),
		errors.Is(err, queue.ErrMissingType),
		errors.Is(err, queue.ErrMissingRequester),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, locks.ErrMissingKey),
		errors.Is(err, locks.ErrMissingHolder),
		errors.Is(err, liveness.ErrMissingAgent),
		errors.Is(err, policy.ErrMissingAgentID),
		errors.Is(err, policy.ErrInvalidTrustLevel),
		errors.Is(err, policy.ErrMissingDomainPattern),
		errors.Is(err, policy.ErrInvalidNetworkAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"ok":    false,
			"error": "invalid json",
		})
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// --- Lock Handlers ---

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	locksHeld, err := s.service.ListLocks(r.URL.Query().Get("prefix"), r.URL.Query().Get("holder"))
	if err != nil {
		writeError(w, err)
		return
	}
	if locksHeld == nil {
		locksHeld = []models.Lock{}
	}
	writeJSON(w, http.StatusOK, locksHeld)
}

// getLock looks up one lock by resource key. Keys contain slashes, so
// the whole remaining path is the key.
func (s *Server) getLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/locks/")
	lock, err := s.service.GetLock(key)
	if err != nil {
		writeError(w, err)
		return
	}
	if lock == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":    false,
			"error": "lock not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req locks.AcquireRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.service.AcquireLock(req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == store.AcquireDenied {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":      result.Outcome != store.AcquireDenied,
		"outcome": result.Outcome,
		"lock":    result.Lock,
		"holder":  result.Holder,
	})
}

type releaseLockRequest struct {
	ResourceKey string `json:"resource_key"`
	HolderID    string `json:"holder_id"`
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req releaseLockRequest
	if !decodeBody(w, r, &req) {
		return
	}

	released, err := s.service.ReleaseLock(req.ResourceKey, req.HolderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"released": released,
	})
}

// --- Task Handlers ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	task, err := s.service.SubmitTask(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("status"), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type claimTaskRequest struct {
	Requester     string   `json:"requester"`
	AcceptedTypes []string `json:"accepted_types,omitempty"`
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req claimTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	task, err := s.service.ClaimTask(req.Requester, req.AcceptedTypes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"task": task,
	})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "complete" && r.Method == http.MethodPost:
		s.completeTask(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":    false,
			"error": "task not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req queue.CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TaskID = taskID

	result, err := s.service.CompleteTask(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"task":       result.Task,
		"requeued":   result.Requeued,
		"violations": result.Violations,
	})
}

type cancelTaskRequest struct {
	Requester string `json:"requester"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req cancelTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cancelled, err := s.service.CancelTask(taskID, req.Requester)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"cancelled": cancelled,
	})
}

// --- Guardrail Handlers ---

type guardrailCheckRequest struct {
	OperationText string `json:"operation_text"`
	AgentID       string `json:"agent_id"`
}

func (s *Server) checkGuardrails(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req guardrailCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}

	verdict, err := s.service.CheckGuardrails(req.OperationText, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	violations, err := s.service.ListViolations(r.URL.Query().Get("agent"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if violations == nil {
		violations = []models.GuardrailViolation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

// --- Policy Handlers ---

func (s *Server) checkPolicy(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req policy.Request
	if !decodeBody(w, r, &req) {
		return
	}

	decision, err := s.service.CheckPolicy(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type networkCheckRequest struct {
	AgentID string `json:"agent_id"`
	Domain  string `json:"domain"`
}

func (s *Server) checkNetwork(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req networkCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}

	decision, err := s.service.CheckNetwork(req.AgentID, req.Domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// --- Admin Handlers ---

type setProfileRequest struct {
	Requester string              `json:"requester"`
	Profile   models.AgentProfile `json:"profile"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req setProfileRequest
		if !decodeBody(w, r, &req) {
			return
		}
		profile, err := s.service.SetAgentProfile(req.Requester, req.Profile)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodGet:
		profiles, err := s.service.ListAgentProfiles()
		if err != nil {
			writeError(w, err)
			return
		}
		if profiles == nil {
			profiles = []models.AgentProfile{}
		}
		writeJSON(w, http.StatusOK, profiles)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentID := strings.TrimPrefix(r.URL.Path, "/profiles/")
	profile, err := s.service.GetAgentProfile(agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if profile == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok":    false,
			"error": "profile not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type addNetworkPolicyRequest struct {
	Requester string                     `json:"requester"`
	Policy    models.NetworkAccessPolicy `json:"policy"`
}

func (s *Server) handleNetworkPolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req addNetworkPolicyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		stored, err := s.service.AddNetworkPolicy(req.Requester, req.Policy)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	case http.MethodGet:
		policies, err := s.service.ListNetworkPolicies()
		if err != nil {
			writeError(w, err)
			return
		}
		if policies == nil {
			policies = []models.NetworkAccessPolicy{}
		}
		writeJSON(w, http.StatusOK, policies)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- Session Handlers ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerSession(w, r)
	case http.MethodGet:
		s.discoverSessions(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type registerSessionRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := s.service.RegisterSession(req.AgentID, req.AgentType, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) discoverSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.DiscoverSessions(r.URL.Query().Get("capability"), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []models.AgentSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")

	if len(parts) < 2 || parts[0] == "" || parts[1] != "heartbeat" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req struct {
		CurrentTask string `json:"current_task,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.service.Heartbeat(parts[0], req.CurrentTask); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type reapRequest struct {
	Requester     string `json:"requester"`
	StaleAfterSec int    `json:"stale_after_sec,omitempty"`
}

func (s *Server) reapSessions(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req reapRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.service.ReapSessions(req.Requester, time.Duration(req.StaleAfterSec)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Audit Handlers ---

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := store.AuditFilter{
		AgentID:   r.URL.Query().Get("agent"),
		Operation: r.URL.Query().Get("operation"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}

	entries, err := s.service.QueryAudit(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type sweepRequest struct {
	Requester     string `json:"requester"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

func (s *Server) sweepAudit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req sweepRequest
	if !decodeBody(w, r, &req) {
		return
	}

	retention := time.Duration(req.RetentionDays) * 24 * time.Hour
	removed, err := s.service.SweepAudit(req.Requester, retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"removed": removed,
	})
}

// --- Introspection Handlers ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Health(r.Context()))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
