package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// RegisterSession inserts a new active session for an agent.
func (s *Store) RegisterSession(agentID, agentType string, capabilities []string) (*models.AgentSession, error) {
	now := time.Now().UTC()
	if capabilities == nil {
		capabilities = []string{}
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	session := &models.AgentSession{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		AgentType:     agentType,
		Capabilities:  capabilities,
		Status:        models.SessionStatusActive,
		LastHeartbeat: now,
		CreatedAt:     now,
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, agent_id, agent_type, capabilities, status, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.AgentType, string(capsJSON), session.Status, session.LastHeartbeat, session.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// TouchSession refreshes a session's heartbeat and marks it active.
// Returns false when the session does not exist.
func (s *Store) TouchSession(sessionID, currentTask string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET last_heartbeat = ?, status = ?, current_task = ? WHERE id = ?`,
		time.Now().UTC(), models.SessionStatusActive, nullableString(currentTask), sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSession retrieves a session by ID, or nil when absent.
func (s *Store) GetSession(id string) (*models.AgentSession, error) {
	session, err := scanSession(s.db.QueryRow(
		`SELECT id, agent_id, agent_type, capabilities, status, last_heartbeat, current_task, created_at
		 FROM sessions WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions filtered by status; disconnected
// sessions are excluded unless includeDisconnected is set or the filter
// names them explicitly.
func (s *Store) ListSessions(status string, includeDisconnected bool) ([]models.AgentSession, error) {
	query := `SELECT id, agent_id, agent_type, capabilities, status, last_heartbeat, current_task, created_at FROM sessions`
	var args []interface{}

	switch {
	case status != "":
		query += ` WHERE status = ?`
		args = append(args, status)
	case !includeDisconnected:
		query += ` WHERE status != ?`
		args = append(args, models.SessionStatusDisconnected)
	}
	query += ` ORDER BY last_heartbeat DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.AgentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// MarkStaleSessionsDisconnected transitions every session whose
// heartbeat is older than the threshold to disconnected and returns the
// sessions it reaped.
func (s *Store) MarkStaleSessionsDisconnected(staleBefore time.Time) ([]models.AgentSession, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, agent_type, capabilities, status, last_heartbeat, current_task, created_at
		 FROM sessions WHERE status != ? AND last_heartbeat < ?`,
		models.SessionStatusDisconnected, staleBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer rows.Close()

	var stale []models.AgentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		stale = append(stale, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Guarded per-row update so a heartbeat racing the reaper wins.
	var reaped []models.AgentSession
	for _, session := range stale {
		res, err := s.db.Exec(
			`UPDATE sessions SET status = ? WHERE id = ? AND last_heartbeat < ?`,
			models.SessionStatusDisconnected, session.ID, staleBefore,
		)
		if err != nil {
			return nil, fmt.Errorf("disconnect session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if n > 0 {
			session.Status = models.SessionStatusDisconnected
			reaped = append(reaped, session)
		}
	}
	return reaped, nil
}

func scanSession(row rowScanner) (*models.AgentSession, error) {
	session := &models.AgentSession{}
	var agentType, currentTask sql.NullString
	var capsJSON string
	err := row.Scan(&session.ID, &session.AgentID, &agentType, &capsJSON, &session.Status,
		&session.LastHeartbeat, &currentTask, &session.CreatedAt)
	if err != nil {
		return nil, err
	}
	session.AgentType = agentType.String
	session.CurrentTask = currentTask.String
	if err := json.Unmarshal([]byte(capsJSON), &session.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return session, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
