// Package liveness tracks agent sessions by heartbeat recency and
// reclaims the resources of agents that stop reporting.
package liveness

import (
	"errors"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/locks"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Sentinel errors for session operations.
var (
	ErrMissingAgent     = errors.New("agent id is required")
	ErrSessionNotFound  = errors.New("session not found")
)

// DefaultStaleThreshold declares an agent dead after this much
// heartbeat silence.
const DefaultStaleThreshold = 2 * time.Minute

// Registry provides session registration, heartbeat, discovery, and
// reaping. Reaping is the one place two components are wired together
// by necessity: a dead agent must not hold locks forever, so every
// reaped session triggers lock cleanup for its agent.
type Registry struct {
	store          *store.Store
	locks          *locks.Manager
	recorder       *audit.Recorder
	logger         *slog.Logger
	staleThreshold time.Duration
}

// NewRegistry creates a session registry.
func NewRegistry(s *store.Store, lm *locks.Manager, recorder *audit.Recorder, logger *slog.Logger, staleThreshold time.Duration) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, locks: lm, recorder: recorder, logger: logger, staleThreshold: staleThreshold}
}

// Register creates a new active session for an agent.
func (r *Registry) Register(agentID, agentType string, capabilities []string) (*models.AgentSession, error) {
	if agentID == "" {
		return nil, ErrMissingAgent
	}

	start := time.Now()
	session, err := r.store.RegisterSession(agentID, agentType, capabilities)
	if err != nil {
		r.recorder.Record(agentID, "session.register", map[string]string{"agent_type": agentType}, "error", time.Since(start), false)
		return nil, err
	}
	r.recorder.Record(agentID, "session.register", map[string]interface{}{"agent_type": agentType, "capabilities": capabilities}, session.ID, time.Since(start), true)
	return session, nil
}

// Heartbeat refreshes a session's last_heartbeat and marks it active.
func (r *Registry) Heartbeat(sessionID, currentTask string) error {
	if sessionID == "" {
		return ErrSessionNotFound
	}
	found, err := r.store.TouchSession(sessionID, currentTask)
	if err != nil {
		return err
	}
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// Discover lists sessions, optionally narrowed to a capability and
// status. Disconnected sessions are excluded unless asked for.
func (r *Registry) Discover(capability, status string) ([]models.AgentSession, error) {
	includeDisconnected := status == string(models.SessionStatusDisconnected)
	sessions, err := r.store.ListSessions(status, includeDisconnected)
	if err != nil {
		return nil, err
	}
	if capability == "" {
		return sessions, nil
	}

	filtered := sessions[:0]
	for _, session := range sessions {
		for _, c := range session.Capabilities {
			if c == capability {
				filtered = append(filtered, session)
				break
			}
		}
	}
	return filtered, nil
}

// ReapResult reports one reaping pass.
type ReapResult struct {
	Reaped        []models.AgentSession `json:"reaped"`
	ReleasedLocks map[string][]string   `json:"released_locks,omitempty"`
}

// Reap marks every session with a heartbeat older than the threshold
// disconnected and releases each dead agent's locks.
func (r *Registry) Reap(staleThreshold time.Duration) (*ReapResult, error) {
	if staleThreshold <= 0 {
		staleThreshold = r.staleThreshold
	}

	start := time.Now()
	staleBefore := time.Now().UTC().Add(-staleThreshold)
	reaped, err := r.store.MarkStaleSessionsDisconnected(staleBefore)
	if err != nil {
		return nil, err
	}

	result := &ReapResult{Reaped: reaped, ReleasedLocks: map[string][]string{}}
	for _, session := range reaped {
		keys, err := r.locks.CleanupForAgent(session.AgentID)
		if err != nil {
			r.logger.Error("lock cleanup for reaped agent failed", "agent_id", session.AgentID, "error", err)
			continue
		}
		if len(keys) > 0 {
			result.ReleasedLocks[session.AgentID] = keys
		}
	}

	if len(reaped) > 0 {
		r.recorder.Record("", "session.reap", map[string]interface{}{"stale_threshold": staleThreshold.String()},
			"reaped", time.Since(start), true)
		r.logger.Info("reaped stale sessions", "count", len(reaped))
	}
	return result, nil
}
