package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/models"
)

// UpsertAgentProfile inserts or replaces an agent's trust profile.
func (s *Store) UpsertAgentProfile(p models.AgentProfile) error {
	if p.AllowedOps == nil {
		p.AllowedOps = []string{}
	}
	if p.BlockedOps == nil {
		p.BlockedOps = []string{}
	}
	if p.ResourceLimits == nil {
		p.ResourceLimits = map[string]int{}
	}
	if p.NetworkOverrides == nil {
		p.NetworkOverrides = []string{}
	}

	allowed, err := json.Marshal(p.AllowedOps)
	if err != nil {
		return fmt.Errorf("marshal allowed ops: %w", err)
	}
	blocked, err := json.Marshal(p.BlockedOps)
	if err != nil {
		return fmt.Errorf("marshal blocked ops: %w", err)
	}
	limits, err := json.Marshal(p.ResourceLimits)
	if err != nil {
		return fmt.Errorf("marshal resource limits: %w", err)
	}
	overrides, err := json.Marshal(p.NetworkOverrides)
	if err != nil {
		return fmt.Errorf("marshal network overrides: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO agent_profiles (agent_id, trust_level, allowed_ops, blocked_ops, resource_limits, network_overrides, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   trust_level = excluded.trust_level,
		   allowed_ops = excluded.allowed_ops,
		   blocked_ops = excluded.blocked_ops,
		   resource_limits = excluded.resource_limits,
		   network_overrides = excluded.network_overrides,
		   updated_at = excluded.updated_at`,
		p.AgentID, p.TrustLevel, string(allowed), string(blocked), string(limits), string(overrides), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent profile: %w", err)
	}
	return nil
}

// GetAgentProfile retrieves an agent's profile, or nil when none exists.
func (s *Store) GetAgentProfile(agentID string) (*models.AgentProfile, error) {
	p := &models.AgentProfile{}
	var allowed, blocked, limits, overrides string
	err := s.db.QueryRow(
		`SELECT agent_id, trust_level, allowed_ops, blocked_ops, resource_limits, network_overrides, updated_at
		 FROM agent_profiles WHERE agent_id = ?`, agentID,
	).Scan(&p.AgentID, &p.TrustLevel, &allowed, &blocked, &limits, &overrides, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent profile: %w", err)
	}

	if err := json.Unmarshal([]byte(allowed), &p.AllowedOps); err != nil {
		return nil, fmt.Errorf("unmarshal allowed ops: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &p.BlockedOps); err != nil {
		return nil, fmt.Errorf("unmarshal blocked ops: %w", err)
	}
	if err := json.Unmarshal([]byte(limits), &p.ResourceLimits); err != nil {
		return nil, fmt.Errorf("unmarshal resource limits: %w", err)
	}
	if err := json.Unmarshal([]byte(overrides), &p.NetworkOverrides); err != nil {
		return nil, fmt.Errorf("unmarshal network overrides: %w", err)
	}
	return p, nil
}

// ListAgentProfiles returns every stored profile ordered by agent id.
func (s *Store) ListAgentProfiles() ([]models.AgentProfile, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, trust_level, allowed_ops, blocked_ops, resource_limits, network_overrides, updated_at
		 FROM agent_profiles ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.AgentProfile
	for rows.Next() {
		var p models.AgentProfile
		var allowed, blocked, limits, overrides string
		if err := rows.Scan(&p.AgentID, &p.TrustLevel, &allowed, &blocked, &limits, &overrides, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent profile: %w", err)
		}
		if err := json.Unmarshal([]byte(allowed), &p.AllowedOps); err != nil {
			return nil, fmt.Errorf("unmarshal allowed ops: %w", err)
		}
		if err := json.Unmarshal([]byte(blocked), &p.BlockedOps); err != nil {
			return nil, fmt.Errorf("unmarshal blocked ops: %w", err)
		}
		if err := json.Unmarshal([]byte(limits), &p.ResourceLimits); err != nil {
			return nil, fmt.Errorf("unmarshal resource limits: %w", err)
		}
		if err := json.Unmarshal([]byte(overrides), &p.NetworkOverrides); err != nil {
			return nil, fmt.Errorf("unmarshal network overrides: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
