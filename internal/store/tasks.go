package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// Sentinel errors for task mutations.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotClaimed    = errors.New("task is not claimed")
	ErrNotClaimant       = errors.New("caller is not the current claimant")
	ErrTaskTerminal      = errors.New("task is in a terminal state")
	ErrUnknownDependency = errors.New("unknown dependency task id")
)

// CreateTask inserts a new pending task.
func (s *Store) CreateTask(taskType, description, input string, priority int, dependencyIDs []string, maxAttempts int, deadline *time.Time) (*models.Task, error) {
	now := time.Now().UTC()
	if dependencyIDs == nil {
		dependencyIDs = []string{}
	}

	// Dependencies must exist up front; a dangling id would make the
	// task permanently unclaimable with no signal to the submitter.
	for _, dep := range dependencyIDs {
		var one int
		err := s.db.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
		if err != nil {
			return nil, fmt.Errorf("check dependency: %w", err)
		}
	}

	depsJSON, err := json.Marshal(dependencyIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}

	task := &models.Task{
		ID:            uuid.New().String(),
		Type:          taskType,
		Description:   description,
		Input:         input,
		Priority:      priority,
		DependencyIDs: dependencyIDs,
		Status:        models.TaskStatusPending,
		MaxAttempts:   maxAttempts,
		Deadline:      deadline,
		CreatedAt:     now,
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, type, description, input, priority, dependency_ids, status, max_attempts, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, task.Description, task.Input, task.Priority, string(depsJSON), task.Status, task.MaxAttempts, task.Deadline, task.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// ClaimNextTask atomically selects and claims the most urgent eligible
// pending task: lowest priority value first, earliest created_at as the
// tie-break, dependencies all completed, restricted to acceptedTypes
// when non-empty. The select and the conditional claim run in one
// immediate transaction so exactly one concurrent claimant wins; a
// rows-affected check guards the update and the selection loops when
// the row was taken underneath us.
func (s *Store) ClaimNextTask(requester string, acceptedTypes []string) (*models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	query := `
		SELECT id, type, description, input, priority, dependency_ids, status, claimant, claimed_at,
		       attempt_count, max_attempts, result, error, deadline, created_at, completed_at
		FROM tasks t
		WHERE t.status = 'pending'
		  AND (t.deadline IS NULL OR t.deadline > ?)
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(t.dependency_ids) je
			LEFT JOIN tasks dep ON dep.id = je.value
			WHERE dep.id IS NULL OR dep.status != 'completed'
		  )`
	args := []interface{}{now}

	if len(acceptedTypes) > 0 {
		placeholders := strings.Repeat("?,", len(acceptedTypes))
		query += ` AND t.type IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, typ := range acceptedTypes {
			args = append(args, typ)
		}
	}
	query += ` ORDER BY t.priority ASC, t.created_at ASC LIMIT 1`

	// Bounded retry inside the transaction is defensive only: with the
	// single-writer pool the select and update cannot interleave with
	// another claimant, but the rows-affected check keeps the claim
	// correct on any store that relaxes that.
	for attempt := 0; attempt < 3; attempt++ {
		task, err := scanTask(tx.QueryRow(query, args...))
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable task: %w", err)
		}

		res, err := tx.Exec(
			`UPDATE tasks SET status = ?, claimant = ?, claimed_at = ?, attempt_count = attempt_count + 1
			 WHERE id = ? AND status = 'pending'`,
			models.TaskStatusClaimed, requester, now, task.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			continue // lost the row, select again
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}

		task.Status = models.TaskStatusClaimed
		task.Claimant = requester
		task.ClaimedAt = &now
		task.AttemptCount++
		return task, nil
	}
	return nil, nil
}

// CompleteOutcome reports what CompleteTask did with a failure.
type CompleteOutcome string

const (
	CompleteRecorded CompleteOutcome = "recorded" // terminal completed/failed
	CompleteRequeued CompleteOutcome = "requeued" // failure with attempts left
)

// CompleteTask finishes a claimed task. Only the current claimant may
// complete it. On success the task becomes completed. On failure the
// task automatically returns to pending while attempts remain, and
// becomes failed once attempt_count reaches max_attempts.
func (s *Store) CompleteTask(taskID, claimant string, success bool, result, taskErr string) (CompleteOutcome, *models.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	task, err := scanTask(tx.QueryRow(
		`SELECT id, type, description, input, priority, dependency_ids, status, claimant, claimed_at,
		        attempt_count, max_attempts, result, error, deadline, created_at, completed_at
		 FROM tasks WHERE id = ?`, taskID,
	))
	if err == sql.ErrNoRows {
		return "", nil, ErrTaskNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("query task: %w", err)
	}

	if task.Status.Terminal() {
		return "", nil, ErrTaskTerminal
	}
	if task.Status != models.TaskStatusClaimed {
		return "", nil, ErrTaskNotClaimed
	}
	if task.Claimant != claimant {
		return "", nil, ErrNotClaimant
	}

	outcome := CompleteRecorded
	var res sql.Result
	switch {
	case success:
		res, err = tx.Exec(
			`UPDATE tasks SET status = ?, result = ?, error = NULL, completed_at = ?
			 WHERE id = ? AND status = 'claimed' AND claimant = ?`,
			models.TaskStatusCompleted, result, now, taskID, claimant,
		)
		task.Status = models.TaskStatusCompleted
		task.Result = result
		task.CompletedAt = &now
	case task.AttemptCount < task.MaxAttempts:
		// Automatic requeue while attempts remain.
		res, err = tx.Exec(
			`UPDATE tasks SET status = ?, claimant = NULL, claimed_at = NULL, error = ?
			 WHERE id = ? AND status = 'claimed' AND claimant = ?`,
			models.TaskStatusPending, taskErr, taskID, claimant,
		)
		outcome = CompleteRequeued
		task.Status = models.TaskStatusPending
		task.Claimant = ""
		task.ClaimedAt = nil
		task.Error = taskErr
	default:
		res, err = tx.Exec(
			`UPDATE tasks SET status = ?, error = ?, completed_at = ?
			 WHERE id = ? AND status = 'claimed' AND claimant = ?`,
			models.TaskStatusFailed, taskErr, now, taskID, claimant,
		)
		task.Status = models.TaskStatusFailed
		task.Error = taskErr
		task.CompletedAt = &now
	}
	if err != nil {
		return "", nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// Something mutated the row between our read and the guarded
		// update; treat it as a stale-claimant conflict.
		return "", nil, ErrNotClaimant
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit transaction: %w", err)
	}
	return outcome, task, nil
}

// CancelTask marks a pending or claimed task cancelled. Cancellation is
// advisory: it only prevents future claim and complete; in-flight work
// must observe the state itself.
func (s *Store) CancelTask(taskID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'claimed')`,
		models.TaskStatusCancelled, time.Now().UTC(), taskID,
	)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// GetTask retrieves a task by ID, or nil when absent.
func (s *Store) GetTask(id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(
		`SELECT id, type, description, input, priority, dependency_ids, status, claimant, claimed_at,
		        attempt_count, max_attempts, result, error, deadline, created_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by status and type.
func (s *Store) ListTasks(status, taskType string) ([]models.Task, error) {
	query := `SELECT id, type, description, input, priority, dependency_ids, status, claimant, claimed_at,
	                 attempt_count, max_attempts, result, error, deadline, created_at, completed_at
	          FROM tasks`
	var conds []string
	var args []interface{}
	if status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, status)
	}
	if taskType != "" {
		conds = append(conds, `type = ?`)
		args = append(args, taskType)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var description, input, claimant, result, taskErr sql.NullString
	var depsJSON string
	var claimedAt, deadline, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Type, &description, &input, &task.Priority, &depsJSON, &task.Status,
		&claimant, &claimedAt, &task.AttemptCount, &task.MaxAttempts, &result, &taskErr, &deadline,
		&task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.Input = input.String
	task.Claimant = claimant.String
	task.Result = result.String
	task.Error = taskErr.String
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if deadline.Valid {
		t := deadline.Time
		task.Deadline = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(depsJSON), &task.DependencyIDs); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	return task, nil
}
