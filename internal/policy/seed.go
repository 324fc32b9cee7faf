package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Validation sentinels for profile and network rule writes.
var (
	ErrMissingAgentID       = errors.New("agent id is required")
	ErrInvalidTrustLevel    = errors.New("trust level must be between 0 and 4")
	ErrMissingDomainPattern = errors.New("domain pattern is required")
	ErrInvalidNetworkAction = errors.New("network action must be allow or deny")
)

// ValidateProfile checks a profile before it is written.
func ValidateProfile(p models.AgentProfile) error {
	if p.AgentID == "" {
		return ErrMissingAgentID
	}
	if p.TrustLevel < 0 || p.TrustLevel > trustFullAccess {
		return ErrInvalidTrustLevel
	}
	return nil
}

// ValidateNetworkPolicy checks a domain rule before it is written.
func ValidateNetworkPolicy(p models.NetworkAccessPolicy) error {
	if p.DomainPattern == "" {
		return ErrMissingDomainPattern
	}
	if p.Action != models.NetworkAllow && p.Action != models.NetworkDeny {
		return ErrInvalidNetworkAction
	}
	return nil
}

type profileEntry struct {
	AgentID          string   `yaml:"agent_id"`
	TrustLevel       int      `yaml:"trust_level"`
	AllowedOps       []string `yaml:"allowed_ops"`
	BlockedOps       []string `yaml:"blocked_ops"`
	NetworkOverrides []string `yaml:"network_overrides"`
}

type networkEntry struct {
	DomainPattern string `yaml:"domain_pattern"`
	Action        string `yaml:"action"`
	Priority      int    `yaml:"priority"`
	Enabled       *bool  `yaml:"enabled"`
}

// seedFile shares the rules file: the declarative backend reads its
// "rules" section, seeding reads "profiles" and "network".
type seedFile struct {
	Profiles []profileEntry `yaml:"profiles"`
	Network  []networkEntry `yaml:"network"`
}

// SeedFromFile loads agent profiles and network rules from the policy
// file into the store. This is the operator's bootstrap surface: the
// profile and network admin API requires destructive-tier trust, which
// on a fresh deployment only a seeded profile can grant. Profiles
// upsert by agent id; the network rule set is replaced wholesale so a
// reload never accumulates duplicates. A missing file is not an error.
func SeedFromFile(s *store.Store, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy file: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	for _, entry := range sf.Profiles {
		profile := models.AgentProfile{
			AgentID:          entry.AgentID,
			TrustLevel:       entry.TrustLevel,
			AllowedOps:       entry.AllowedOps,
			BlockedOps:       entry.BlockedOps,
			NetworkOverrides: entry.NetworkOverrides,
		}
		if err := ValidateProfile(profile); err != nil {
			return fmt.Errorf("profile %q: %w", entry.AgentID, err)
		}
		if err := s.UpsertAgentProfile(profile); err != nil {
			return err
		}
	}

	if len(sf.Network) == 0 {
		return nil
	}
	policies := make([]models.NetworkAccessPolicy, 0, len(sf.Network))
	for _, entry := range sf.Network {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		policy := models.NetworkAccessPolicy{
			DomainPattern: entry.DomainPattern,
			Action:        models.NetworkAction(entry.Action),
			Priority:      entry.Priority,
			Enabled:       enabled,
		}
		if err := ValidateNetworkPolicy(policy); err != nil {
			return fmt.Errorf("network rule %q: %w", entry.DomainPattern, err)
		}
		policies = append(policies, policy)
	}
	return s.ReplaceNetworkPolicies(policies)
}
