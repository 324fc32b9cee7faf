// Package queue implements the dependency-aware priority work queue.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/guardrails"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Sentinel errors for queue operations.
var (
	ErrMissingType      = errors.New("task type is required")
	ErrMissingRequester = errors.New("requester id is required")
	ErrInvalidPriority  = errors.New("priority must be between 1 and 10")
	ErrGuardrailBlocked = errors.New("completion rejected by guardrails")
)

// DefaultMaxAttempts bounds automatic requeue on failure.
const DefaultMaxAttempts = 3

// Scheduler provides the work queue operations. Completion of a
// successful task passes its result payload through the guardrail
// engine before it is finalized; a blocking violation rejects the
// completion instead of recording a success.
type Scheduler struct {
	store       *store.Store
	recorder    *audit.Recorder
	guard       *guardrails.Engine
	logger      *slog.Logger
	maxAttempts int
}

// NewScheduler creates a work queue scheduler.
func NewScheduler(s *store.Store, recorder *audit.Recorder, guard *guardrails.Engine, logger *slog.Logger, maxAttempts int) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: s, recorder: recorder, guard: guard, logger: logger, maxAttempts: maxAttempts}
}

// SubmitRequest carries the submit_task inputs.
type SubmitRequest struct {
	Type          string     `json:"type"`
	Description   string     `json:"description,omitempty"`
	Input         string     `json:"input,omitempty"`
	Priority      int        `json:"priority,omitempty"`
	DependencyIDs []string   `json:"dependency_ids,omitempty"`
	MaxAttempts   int        `json:"max_attempts,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	Submitter     string     `json:"submitter,omitempty"`
}

// Submit enqueues a new pending task. Priority defaults to 5 (the
// middle of the 1..10 band, 1 being most urgent).
func (q *Scheduler) Submit(req SubmitRequest) (*models.Task, error) {
	if req.Type == "" {
		return nil, ErrMissingType
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.Priority < 1 || req.Priority > 10 {
		return nil, ErrInvalidPriority
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.maxAttempts
	}

	start := time.Now()
	task, err := q.store.CreateTask(req.Type, req.Description, req.Input, req.Priority, req.DependencyIDs, req.MaxAttempts, req.Deadline)
	if err != nil {
		q.recorder.Record(req.Submitter, "task.submit", req, "error", time.Since(start), false)
		return nil, err
	}
	q.recorder.Record(req.Submitter, "task.submit", req, task.ID, time.Since(start), true)
	return task, nil
}

// Claim atomically takes ownership of the most urgent eligible pending
// task for the requester, or returns nil when none is eligible. There
// is no wake-up notification: callers poll and retry.
func (q *Scheduler) Claim(requester string, acceptedTypes []string) (*models.Task, error) {
	if requester == "" {
		return nil, ErrMissingRequester
	}

	start := time.Now()
	task, err := q.store.ClaimNextTask(requester, acceptedTypes)
	if err != nil {
		q.recorder.Record(requester, "task.claim", map[string]interface{}{"accepted_types": acceptedTypes}, "error", time.Since(start), false)
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	q.recorder.Record(requester, "task.claim", map[string]interface{}{"accepted_types": acceptedTypes}, task.ID, time.Since(start), true)
	return task, nil
}

// CompleteRequest carries the complete_task inputs.
type CompleteRequest struct {
	TaskID   string `json:"task_id"`
	Claimant string `json:"claimant"`
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CompleteResult is the structured outcome of a completion.
type CompleteResult struct {
	Task       *models.Task                `json:"task"`
	Requeued   bool                        `json:"requeued"`
	Violations []models.GuardrailViolation `json:"violations,omitempty"`
}

// Complete finishes a claimed task. Only the current claimant may
// complete. On success the result payload is guardrail-checked first;
// a blocking violation returns ErrGuardrailBlocked and leaves the task
// claimed. On failure the task requeues automatically while attempts
// remain and lands in failed once they are exhausted.
func (q *Scheduler) Complete(req CompleteRequest) (*CompleteResult, error) {
	if req.TaskID == "" {
		return nil, store.ErrTaskNotFound
	}
	if req.Claimant == "" {
		return nil, ErrMissingRequester
	}

	start := time.Now()

	if req.Success && req.Result != "" {
		trust := q.claimantTrust(req.Claimant)
		verdict := q.guard.Check(req.Result, req.Claimant, trust)
		if !verdict.Safe {
			q.recorder.Record(req.Claimant, "task.complete", req, "guardrail_blocked", time.Since(start), false)
			return &CompleteResult{Violations: verdict.Violations}, ErrGuardrailBlocked
		}
	}

	outcome, task, err := q.store.CompleteTask(req.TaskID, req.Claimant, req.Success, req.Result, req.Error)
	if err != nil {
		q.recorder.Record(req.Claimant, "task.complete", req, "error", time.Since(start), false)
		return nil, err
	}

	q.recorder.Record(req.Claimant, "task.complete", req, string(outcome), time.Since(start), true)
	return &CompleteResult{Task: task, Requeued: outcome == store.CompleteRequeued}, nil
}

// Cancel marks a task cancelled. Cancellation is advisory: it only
// prevents future claim and complete; in-flight work is not preempted.
func (q *Scheduler) Cancel(taskID, requester string) (bool, error) {
	if taskID == "" {
		return false, store.ErrTaskNotFound
	}

	start := time.Now()
	cancelled, err := q.store.CancelTask(taskID)
	if err != nil {
		q.recorder.Record(requester, "task.cancel", map[string]string{"task_id": taskID}, "error", time.Since(start), false)
		return false, err
	}
	result := "cancelled"
	if !cancelled {
		result = "not cancellable"
	}
	q.recorder.Record(requester, "task.cancel", map[string]string{"task_id": taskID}, result, time.Since(start), cancelled)
	return cancelled, nil
}

// Get returns one task, or nil when absent.
func (q *Scheduler) Get(taskID string) (*models.Task, error) {
	return q.store.GetTask(taskID)
}

// List returns tasks filtered by status and type.
func (q *Scheduler) List(status, taskType string) ([]models.Task, error) {
	return q.store.ListTasks(status, taskType)
}

// claimantTrust resolves the claimant's trust level for the guardrail
// gate, defaulting when no profile exists.
func (q *Scheduler) claimantTrust(claimant string) int {
	profile, err := q.store.GetAgentProfile(claimant)
	if err != nil {
		q.logger.Warn("profile lookup failed, using default trust", "agent_id", claimant, "error", err)
		return policy.DefaultTrustLevel
	}
	if profile == nil {
		return policy.DefaultTrustLevel
	}
	return profile.TrustLevel
}

// DescribeConflict maps store sentinels onto reason codes for the API.
func DescribeConflict(err error) string {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return "task not found"
	case errors.Is(err, store.ErrTaskTerminal):
		return "task is in a terminal state"
	case errors.Is(err, store.ErrTaskNotClaimed):
		return "task is not claimed"
	case errors.Is(err, store.ErrNotClaimant):
		return "caller is not the current claimant"
	case errors.Is(err, ErrGuardrailBlocked):
		return "completion rejected by guardrails"
	default:
		return fmt.Sprintf("error: %v", err)
	}
}
