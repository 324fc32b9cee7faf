package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// UpsertGuardrailPattern inserts or replaces a pattern by name.
func (s *Store) UpsertGuardrailPattern(p models.GuardrailPattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO guardrail_patterns (id, name, category, pattern, severity, min_trust_to_bypass, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   category = excluded.category,
		   pattern = excluded.pattern,
		   severity = excluded.severity,
		   min_trust_to_bypass = excluded.min_trust_to_bypass,
		   enabled = excluded.enabled`,
		p.ID, p.Name, p.Category, p.Pattern, p.Severity, p.MinTrustToBypass, boolToInt(p.Enabled),
	)
	if err != nil {
		return fmt.Errorf("upsert guardrail pattern: %w", err)
	}
	return nil
}

// ListGuardrailPatterns returns all enabled patterns.
func (s *Store) ListGuardrailPatterns() ([]models.GuardrailPattern, error) {
	rows, err := s.db.Query(
		`SELECT id, name, category, pattern, severity, min_trust_to_bypass, enabled
		 FROM guardrail_patterns WHERE enabled = 1 ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query guardrail patterns: %w", err)
	}
	defer rows.Close()

	var patterns []models.GuardrailPattern
	for rows.Next() {
		var p models.GuardrailPattern
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Pattern, &p.Severity, &p.MinTrustToBypass, &enabled); err != nil {
			return nil, fmt.Errorf("scan guardrail pattern: %w", err)
		}
		p.Enabled = enabled != 0
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// RecordViolation appends a guardrail violation for forensics. Every
// match is recorded, blocked or not.
func (s *Store) RecordViolation(v models.GuardrailViolation) (*models.GuardrailViolation, error) {
	v.ID = uuid.New().String()
	v.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO guardrail_violations (id, pattern_name, category, severity, agent_id, trust_level, excerpt, blocked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PatternName, v.Category, v.Severity, nullableString(v.AgentID), v.TrustLevel, v.Excerpt, boolToInt(v.Blocked), v.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}
	return &v, nil
}

// ListViolations returns violations newest first, optionally filtered
// by agent, capped at limit.
func (s *Store) ListViolations(agentID string, limit int) ([]models.GuardrailViolation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, pattern_name, category, severity, agent_id, trust_level, excerpt, blocked, created_at
	          FROM guardrail_violations`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var violations []models.GuardrailViolation
	for rows.Next() {
		var v models.GuardrailViolation
		var agent sql.NullString
		var blocked int
		if err := rows.Scan(&v.ID, &v.PatternName, &v.Category, &v.Severity, &agent, &v.TrustLevel, &v.Excerpt, &blocked, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.AgentID = agent.String
		v.Blocked = blocked != 0
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// CountViolations returns the total violation count.
func (s *Store) CountViolations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM guardrail_violations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
