// Package models defines the core domain types for Arbiter.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of work in the shared backlog. Priority 1 is the most
// urgent; 10 the least. A task is claimable only while pending and only
// once every dependency has completed.
type Task struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	Input         string     `json:"input,omitempty"`
	Priority      int        `json:"priority"`
	DependencyIDs []string   `json:"dependency_ids,omitempty"`
	Status        TaskStatus `json:"status"`
	Claimant      string     `json:"claimant,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Lock is a leased mutual-exclusion lock over an arbitrary resource key.
// At most one live lock (expires_at in the future) exists per key.
type Lock struct {
	ID          string    `json:"id"`
	ResourceKey string    `json:"resource_key"`
	HolderID    string    `json:"holder_id"`
	HolderType  string    `json:"holder_type,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionStatus represents agent session liveness.
type SessionStatus string

const (
	SessionStatusActive       SessionStatus = "active"
	SessionStatusIdle         SessionStatus = "idle"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// AgentSession tracks one running agent process. Liveness is heartbeat
// recency; a stale session is reaped to disconnected and its locks released.
type AgentSession struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	AgentType     string        `json:"agent_type,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Status        SessionStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	CurrentTask   string        `json:"current_task,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Severity controls what a guardrail match does to the overall verdict.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// GuardrailPattern is one entry in the destructive-operation registry.
// A requester with trust at or above MinTrustToBypass passes the pattern
// without a violation.
type GuardrailPattern struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	Category         string   `json:"category"`
	Pattern          string   `json:"pattern"`
	Severity         Severity `json:"severity"`
	MinTrustToBypass int      `json:"min_trust_to_bypass"`
	Enabled          bool     `json:"enabled"`
}

// GuardrailViolation records a pattern match, whether or not it blocked.
type GuardrailViolation struct {
	ID          string    `json:"id"`
	PatternName string    `json:"pattern_name"`
	Category    string    `json:"category"`
	Severity    Severity  `json:"severity"`
	AgentID     string    `json:"agent_id,omitempty"`
	TrustLevel  int       `json:"trust_level"`
	Excerpt     string    `json:"excerpt,omitempty"`
	Blocked     bool      `json:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentProfile carries the trust and authorization attributes for one agent.
// TrustLevel is an integer in [0,4]; it gates both guardrail bypass and
// policy permissions.
type AgentProfile struct {
	AgentID          string         `json:"agent_id"`
	TrustLevel       int            `json:"trust_level"`
	AllowedOps       []string       `json:"allowed_ops,omitempty"`
	BlockedOps       []string       `json:"blocked_ops,omitempty"`
	ResourceLimits   map[string]int `json:"resource_limits,omitempty"`
	NetworkOverrides []string       `json:"network_overrides,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PolicyDecision is the result of one authorization evaluation.
type PolicyDecision struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason"`
	MatchedPolicyID string `json:"matched_policy_id,omitempty"`
}

// AuditEntry is one append-only record of a coordination operation.
type AuditEntry struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Operation  string    `json:"operation"`
	Parameters string    `json:"parameters,omitempty"`
	Result     string    `json:"result,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// NetworkAction is the effect of a matching network access policy.
type NetworkAction string

const (
	NetworkAllow NetworkAction = "allow"
	NetworkDeny  NetworkAction = "deny"
)

// NetworkAccessPolicy is one wildcard domain rule. Evaluation is
// default-deny: a domain is reachable only when an enabled allow
// policy matches and no higher-priority deny does.
type NetworkAccessPolicy struct {
	ID            string        `json:"id"`
	DomainPattern string        `json:"domain_pattern"`
	Action        NetworkAction `json:"action"`
	Priority      int           `json:"priority"`
	Enabled       bool          `json:"enabled"`
}
