package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/audit"
	"github.com/arbiterhq/arbiter/internal/guardrails"
	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	recorder := audit.NewRecorder(s, nil, 64, time.Hour)
	t.Cleanup(recorder.Close)

	guard := guardrails.NewEngine(s, nil, time.Minute)
	if err := guard.SeedFromFile(""); err != nil {
		t.Fatalf("SeedFromFile failed: %v", err)
	}

	q := NewScheduler(s, recorder, guard, nil, 3)
	return q, s
}

func TestSubmitValidation(t *testing.T) {
	q, _ := newTestScheduler(t)

	if _, err := q.Submit(SubmitRequest{Type: ""}); !errors.Is(err, ErrMissingType) {
		t.Fatalf("Expected ErrMissingType, got %v", err)
	}
	if _, err := q.Submit(SubmitRequest{Type: "review", Priority: 11}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("Expected ErrInvalidPriority, got %v", err)
	}

	task, err := q.Submit(SubmitRequest{Type: "review", Submitter: "agent-1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Priority != 5 {
		t.Errorf("Expected default priority 5, got %d", task.Priority)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("Expected default max attempts 3, got %d", task.MaxAttempts)
	}
}

func TestClaimRequiresRequester(t *testing.T) {
	q, _ := newTestScheduler(t)

	if _, err := q.Claim("", nil); !errors.Is(err, ErrMissingRequester) {
		t.Fatalf("Expected ErrMissingRequester, got %v", err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _ := newTestScheduler(t)

	task, err := q.Claim("agent-1", nil)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if task != nil {
		t.Errorf("Empty queue should yield nil, got %+v", task)
	}
}

func TestCompleteRoundTrip(t *testing.T) {
	q, _ := newTestScheduler(t)

	submitted, err := q.Submit(SubmitRequest{Type: "review", Input: `{"pr":7}`, Submitter: "agent-1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	claimed, err := q.Claim("agent-2", nil)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ID != submitted.ID {
		t.Fatalf("Claimed wrong task")
	}

	result, err := q.Complete(CompleteRequest{
		TaskID:   claimed.ID,
		Claimant: "agent-2",
		Success:  true,
		Result:   `{"verdict":"approved"}`,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Requeued {
		t.Error("Successful completion must not requeue")
	}
	if result.Task.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", result.Task.Status)
	}
	if result.Task.Result != `{"verdict":"approved"}` {
		t.Errorf("Result payload not preserved")
	}
}

func TestCompleteGuardrailBlocked(t *testing.T) {
	q, s := newTestScheduler(t)

	task, _ := q.Submit(SubmitRequest{Type: "ops", Submitter: "agent-1"})
	q.Claim("agent-2", nil)

	result, err := q.Complete(CompleteRequest{
		TaskID:   task.ID,
		Claimant: "agent-2",
		Success:  true,
		Result:   "next step: DROP TABLE users; to reset state",
	})
	if !errors.Is(err, ErrGuardrailBlocked) {
		t.Fatalf("Expected ErrGuardrailBlocked, got %v", err)
	}
	if len(result.Violations) == 0 {
		t.Error("Blocked completion should surface its violations")
	}

	// The task stays claimed so the claimant can retry with a clean result.
	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusClaimed {
		t.Errorf("Blocked task should stay claimed, got %s", got.Status)
	}

	if _, err := q.Complete(CompleteRequest{
		TaskID:   task.ID,
		Claimant: "agent-2",
		Success:  true,
		Result:   "reset state via the migration tool",
	}); err != nil {
		t.Fatalf("Clean retry failed: %v", err)
	}
}

func TestCompleteGuardrailBypassForTrusted(t *testing.T) {
	q, s := newTestScheduler(t)

	if err := s.UpsertAgentProfile(models.AgentProfile{AgentID: "agent-root", TrustLevel: 4}); err != nil {
		t.Fatalf("UpsertAgentProfile failed: %v", err)
	}

	task, _ := q.Submit(SubmitRequest{Type: "ops", Submitter: "agent-1"})
	q.Claim("agent-root", nil)

	if _, err := q.Complete(CompleteRequest{
		TaskID:   task.ID,
		Claimant: "agent-root",
		Success:  true,
		Result:   "ran DROP TABLE scratch as part of the cleanup",
	}); err != nil {
		t.Fatalf("Trusted claimant should bypass the guardrail, got %v", err)
	}
}

func TestCompleteFailureRequeues(t *testing.T) {
	q, _ := newTestScheduler(t)

	task, _ := q.Submit(SubmitRequest{Type: "review", MaxAttempts: 2, Submitter: "agent-1"})
	q.Claim("agent-2", nil)

	result, err := q.Complete(CompleteRequest{TaskID: task.ID, Claimant: "agent-2", Error: "tool crashed"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !result.Requeued {
		t.Fatal("First failure should requeue")
	}

	q.Claim("agent-2", nil)
	result, err = q.Complete(CompleteRequest{TaskID: task.ID, Claimant: "agent-2", Error: "tool crashed again"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Requeued {
		t.Fatal("Exhausted attempts should not requeue")
	}
	if result.Task.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", result.Task.Status)
	}
}

func TestCancelAdvisory(t *testing.T) {
	q, _ := newTestScheduler(t)

	task, _ := q.Submit(SubmitRequest{Type: "review", Submitter: "agent-1"})

	cancelled, err := q.Cancel(task.ID, "agent-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !cancelled {
		t.Fatal("Pending task should cancel")
	}

	// Cancelled tasks are not claimable.
	claimed, err := q.Claim("agent-2", nil)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed != nil {
		t.Error("Cancelled task must not be claimable")
	}
}

func TestDescribeConflict(t *testing.T) {
	cases := map[error]string{
		store.ErrTaskNotFound:   "task not found",
		store.ErrTaskTerminal:   "task is in a terminal state",
		store.ErrNotClaimant:    "caller is not the current claimant",
		ErrGuardrailBlocked:     "completion rejected by guardrails",
		store.ErrTaskNotClaimed: "task is not claimed",
	}
	for err, want := range cases {
		if got := DescribeConflict(err); got != want {
			t.Errorf("DescribeConflict(%v) = %q, want %q", err, got, want)
		}
	}
}
