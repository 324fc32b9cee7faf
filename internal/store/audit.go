package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// AppendAuditEntry inserts one audit record. There is deliberately no
// update path for audit rows; the retention sweep is the only delete.
func (s *Store) AppendAuditEntry(e models.AuditEntry) (*models.AuditEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, agent_id, operation, parameters, result, duration_ms, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullableString(e.AgentID), e.Operation, e.Parameters, e.Result, e.DurationMS, boolToInt(e.Success), e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return &e, nil
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	AgentID   string
	Operation string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// QueryAudit returns matching entries in time order, newest first.
func (s *Store) QueryAudit(f AuditFilter) ([]models.AuditEntry, error) {
	query := `SELECT id, agent_id, operation, parameters, result, duration_ms, success, created_at
	          FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var agent, params, result sql.NullString
		var success int
		if err := rows.Scan(&e.ID, &agent, &e.Operation, &params, &result, &e.DurationMS, &success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.AgentID = agent.String
		e.Parameters = params.String
		e.Result = result.String
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteAuditBefore is the privileged retention sweep: it removes
// entries older than the horizon and returns how many were deleted.
func (s *Store) DeleteAuditBefore(horizon time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM audit_log WHERE created_at < ?`, horizon.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit entries: %w", err)
	}
	return res.RowsAffected()
}
