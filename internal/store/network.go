package store

import (
	"fmt"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/google/uuid"
)

// AddNetworkPolicy inserts one domain rule.
func (s *Store) AddNetworkPolicy(p models.NetworkAccessPolicy) (*models.NetworkAccessPolicy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO network_policies (id, domain_pattern, action, priority, enabled) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.DomainPattern, p.Action, p.Priority, boolToInt(p.Enabled),
	)
	if err != nil {
		return nil, fmt.Errorf("insert network policy: %w", err)
	}
	return &p, nil
}

// ReplaceNetworkPolicies swaps the whole rule set atomically. The
// seeding path uses this so reloading a policy file never accumulates
// duplicate rows.
func (s *Store) ReplaceNetworkPolicies(policies []models.NetworkAccessPolicy) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace network policies: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM network_policies`); err != nil {
		return fmt.Errorf("clear network policies: %w", err)
	}
	for _, p := range policies {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, err := tx.Exec(
			`INSERT INTO network_policies (id, domain_pattern, action, priority, enabled) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.DomainPattern, p.Action, p.Priority, boolToInt(p.Enabled),
		); err != nil {
			return fmt.Errorf("insert network policy: %w", err)
		}
	}
	return tx.Commit()
}

// ListNetworkPolicies returns enabled rules, highest priority first.
func (s *Store) ListNetworkPolicies() ([]models.NetworkAccessPolicy, error) {
	rows, err := s.db.Query(
		`SELECT id, domain_pattern, action, priority, enabled
		 FROM network_policies WHERE enabled = 1 ORDER BY priority DESC, domain_pattern`,
	)
	if err != nil {
		return nil, fmt.Errorf("query network policies: %w", err)
	}
	defer rows.Close()

	var policies []models.NetworkAccessPolicy
	for rows.Next() {
		var p models.NetworkAccessPolicy
		var enabled int
		if err := rows.Scan(&p.ID, &p.DomainPattern, &p.Action, &p.Priority, &enabled); err != nil {
			return nil, fmt.Errorf("scan network policy: %w", err)
		}
		p.Enabled = enabled != 0
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
