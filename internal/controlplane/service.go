// Package controlplane provides the HTTP API and service layer for
// Arbiter. Every mutating operation passes through the policy engine
// before it touches the store, and everything that changes state is
// recorded on the audit trail.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/guardrails"
	"github.com/arbiterhq/arbiter/internal/liveness"
	"github.com/arbiterhq/arbiter/internal/locks"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/queue"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Service wires the coordination engines behind one policy-gated
// facade.
type Service struct {
	store    *store.Store
	locks    *locks.Manager
	queue    *queue.Scheduler
	guard    *guardrails.Engine
	policy   policy.Engine
	network  *policy.NetworkChecker
	recorder *audit.Recorder
	sessions *liveness.Registry
	logger   *slog.Logger
	started  time.Time
}

// NewService creates the control plane service.
func NewService(
	s *store.Store,
	lockMgr *locks.Manager,
	scheduler *queue.Scheduler,
	guard *guardrails.Engine,
	policyEngine policy.Engine,
	network *policy.NetworkChecker,
	recorder *audit.Recorder,
	sessions *liveness.Registry,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    s,
		locks:    lockMgr,
		queue:    scheduler,
		guard:    guard,
		policy:   policyEngine,
		network:  network,
		recorder: recorder,
		sessions: sessions,
		logger:   logger,
		started:  time.Now(),
	}
}

// authorize asks the policy engine whether principal may perform
// action. Denials are audited here so callers do not have to.
func (s *Service) authorize(principal, action, resource string) error {
	decision, err := s.policy.Evaluate(policy.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		s.recorder.Record(principal, action,
			map[string]string{"resource": resource, "matched": decision.MatchedPolicyID},
			"denied: "+decision.Reason, 0, false)
		return fmt.Errorf("%w: %s", ErrForbidden, decision.Reason)
	}
	return nil
}

// --- Lock Operations ---

func (s *Service) AcquireLock(req locks.AcquireRequest) (*store.AcquireResult, error) {
	if err := s.authorize(req.HolderID, "lock.acquire", req.ResourceKey); err != nil {
		return nil, err
	}
	return s.locks.Acquire(req)
}

func (s *Service) ReleaseLock(resourceKey, holderID string) (bool, error) {
	if err := s.authorize(holderID, "lock.release", resourceKey); err != nil {
		return false, err
	}
	return s.locks.Release(resourceKey, holderID)
}

func (s *Service) ListLocks(keyPrefix, holderID string) ([]models.Lock, error) {
	return s.locks.List(keyPrefix, holderID)
}

func (s *Service) GetLock(resourceKey string) (*models.Lock, error) {
	return s.locks.Get(resourceKey)
}

// --- Task Operations ---

func (s *Service) SubmitTask(req queue.SubmitRequest) (*models.Task, error) {
	if err := s.authorize(req.Submitter, "task.submit", req.Type); err != nil {
		return nil, err
	}
	return s.queue.Submit(req)
}

func (s *Service) ClaimTask(requester string, acceptedTypes []string) (*models.Task, error) {
	if err := s.authorize(requester, "task.claim", ""); err != nil {
		return nil, err
	}
	return s.queue.Claim(requester, acceptedTypes)
}

func (s *Service) CompleteTask(req queue.CompleteRequest) (*queue.CompleteResult, error) {
	if err := s.authorize(req.Claimant, "task.complete", req.TaskID); err != nil {
		return nil, err
	}
	return s.queue.Complete(req)
}

func (s *Service) CancelTask(taskID, requester string) (bool, error) {
	if err := s.authorize(requester, "task.cancel", taskID); err != nil {
		return false, err
	}
	return s.queue.Cancel(taskID, requester)
}

func (s *Service) GetTask(taskID string) (*models.Task, error) {
	return s.queue.Get(taskID)
}

func (s *Service) ListTasks(status, taskType string) ([]models.Task, error) {
	return s.queue.List(status, taskType)
}

// --- Guardrail Operations ---

// CheckGuardrails evaluates operation text for the given agent using
// the agent's stored trust level.
func (s *Service) CheckGuardrails(operationText, agentID string) (*guardrails.Verdict, error) {
	trust := policy.DefaultTrustLevel
	if profile, err := s.store.GetAgentProfile(agentID); err == nil && profile != nil {
		trust = profile.TrustLevel
	}
	verdict := s.guard.Check(operationText, agentID, trust)
	s.recorder.Record(agentID, "guard.check",
		map[string]interface{}{"text_len": len(operationText), "trust": trust},
		fmt.Sprintf("safe=%t violations=%d", verdict.Safe, len(verdict.Violations)), 0, verdict.Safe)
	return verdict, nil
}

func (s *Service) ListViolations(agentID string, limit int) ([]models.GuardrailViolation, error) {
	return s.store.ListViolations(agentID, limit)
}

// --- Policy Operations ---

// CheckPolicy evaluates an authorization question without performing
// the operation. The check itself is always permitted.
func (s *Service) CheckPolicy(req policy.Request) (models.PolicyDecision, error) {
	decision, err := s.policy.Evaluate(req)
	if err != nil {
		return decision, err
	}
	s.recorder.Record(req.Principal, "policy.check", req, decision.Reason, 0, decision.Allowed)
	return decision, nil
}

func (s *Service) CheckNetwork(agentID, domain string) (models.PolicyDecision, error) {
	decision, err := s.network.Check(agentID, domain)
	if err != nil {
		return decision, err
	}
	s.recorder.Record(agentID, "network.check",
		map[string]string{"domain": domain}, decision.Reason, 0, decision.Allowed)
	return decision, nil
}

// --- Session Operations ---

func (s *Service) RegisterSession(agentID, agentType string, capabilities []string) (*models.AgentSession, error) {
	if err := s.authorize(agentID, "session.register", ""); err != nil {
		return nil, err
	}
	return s.sessions.Register(agentID, agentType, capabilities)
}

func (s *Service) Heartbeat(sessionID, currentTask string) error {
	return s.sessions.Heartbeat(sessionID, currentTask)
}

func (s *Service) DiscoverSessions(capability, status string) ([]models.AgentSession, error) {
	return s.sessions.Discover(capability, status)
}

func (s *Service) ReapSessions(requester string, staleThreshold time.Duration) (*liveness.ReapResult, error) {
	if err := s.authorize(requester, "session.reap", ""); err != nil {
		return nil, err
	}
	return s.sessions.Reap(staleThreshold)
}

// --- Audit Operations ---

func (s *Service) QueryAudit(f store.AuditFilter) ([]models.AuditEntry, error) {
	return s.recorder.Query(f)
}

func (s *Service) SweepAudit(requester string, retention time.Duration) (int64, error) {
	if err := s.authorize(requester, "audit.sweep", ""); err != nil {
		return 0, err
	}
	return s.recorder.Sweep(retention)
}

// --- Admin Operations ---

// SetAgentProfile writes an agent's trust profile. Gated at the
// destructive tier: only an already trusted operator can change who is
// trusted, so a fresh deployment bootstraps through the policy file
// seeding path instead.
func (s *Service) SetAgentProfile(requester string, p models.AgentProfile) (*models.AgentProfile, error) {
	if err := policy.ValidateProfile(p); err != nil {
		return nil, err
	}
	if err := s.authorize(requester, "profile.set", p.AgentID); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.store.UpsertAgentProfile(p); err != nil {
		s.recorder.Record(requester, "profile.set", p, "error", time.Since(start), false)
		return nil, err
	}
	s.recorder.Record(requester, "profile.set", p, p.AgentID, time.Since(start), true)

	stored, err := s.store.GetAgentProfile(p.AgentID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Service) GetAgentProfile(agentID string) (*models.AgentProfile, error) {
	return s.store.GetAgentProfile(agentID)
}

func (s *Service) ListAgentProfiles() ([]models.AgentProfile, error) {
	return s.store.ListAgentProfiles()
}

// AddNetworkPolicy appends one domain rule. Same trust tier as
// SetAgentProfile; the rule takes effect on the next network check.
func (s *Service) AddNetworkPolicy(requester string, p models.NetworkAccessPolicy) (*models.NetworkAccessPolicy, error) {
	if err := policy.ValidateNetworkPolicy(p); err != nil {
		return nil, err
	}
	if err := s.authorize(requester, "network.set", p.DomainPattern); err != nil {
		return nil, err
	}

	start := time.Now()
	stored, err := s.store.AddNetworkPolicy(p)
	if err != nil {
		s.recorder.Record(requester, "network.set", p, "error", time.Since(start), false)
		return nil, err
	}
	s.recorder.Record(requester, "network.set", p, stored.ID, time.Since(start), true)
	return stored, nil
}

func (s *Service) ListNetworkPolicies() ([]models.NetworkAccessPolicy, error) {
	return s.store.ListNetworkPolicies()
}

// --- Introspection ---

// Health reports whether the store answers and how the audit pipeline
// is holding up.
func (s *Service) Health(ctx context.Context) map[string]interface{} {
	status := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":         status,
		"policy_backend": s.policy.Name(),
		"uptime_sec":     int(time.Since(s.started).Seconds()),
		"audit_pending":  s.recorder.Pending(),
		"audit_dropped":  s.recorder.Dropped(),
	}
}

// Stats aggregates counters across the coordination surfaces.
func (s *Service) Stats() (map[string]interface{}, error) {
	tasks, err := s.store.CountTasksByStatus()
	if err != nil {
		return nil, err
	}
	activeLocks, err := s.locks.List("", "")
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.Discover("", "")
	if err != nil {
		return nil, err
	}
	violations, err := s.store.CountViolations()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"tasks_by_status": tasks,
		"active_locks":    len(activeLocks),
		"active_sessions": len(sessions),
		"violations":      violations,
		"audit_dropped":   s.recorder.Dropped(),
	}, nil
}
