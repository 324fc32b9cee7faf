package policy

import (
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// NetworkChecker evaluates domain access against the
// NetworkAccessPolicy table: default-deny, highest-priority matching
// rule wins, with per-agent profile overrides honored first.
type NetworkChecker struct {
	store *store.Store
}

// NewNetworkChecker creates a network access evaluator.
func NewNetworkChecker(s *store.Store) *NetworkChecker {
	return &NetworkChecker{store: s}
}

// Check decides whether agentID may reach domain.
func (n *NetworkChecker) Check(agentID, domain string) (models.PolicyDecision, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return models.PolicyDecision{Allowed: false, Reason: "domain is required"}, nil
	}

	if agentID != "" {
		profile, err := n.store.GetAgentProfile(agentID)
		if err != nil {
			return models.PolicyDecision{}, fmt.Errorf("load profile: %w", err)
		}
		if profile != nil {
			for _, override := range profile.NetworkOverrides {
				if matchDomain(override, domain) {
					return models.PolicyDecision{
						Allowed:         true,
						Reason:          "domain allowed by agent network override",
						MatchedPolicyID: "profile-network-override",
					}, nil
				}
			}
		}
	}

	policies, err := n.store.ListNetworkPolicies()
	if err != nil {
		return models.PolicyDecision{}, fmt.Errorf("load network policies: %w", err)
	}

	// Policies arrive highest priority first; the first match decides.
	for _, p := range policies {
		if !matchDomain(p.DomainPattern, domain) {
			continue
		}
		allowed := p.Action == models.NetworkAllow
		return models.PolicyDecision{
			Allowed:         allowed,
			Reason:          fmt.Sprintf("domain matched %s policy %s", p.Action, p.DomainPattern),
			MatchedPolicyID: p.ID,
		}, nil
	}

	return models.PolicyDecision{Allowed: false, Reason: "no policy allows this domain"}, nil
}

// matchDomain matches wildcard domain patterns. "*.example.com"
// matches any subdomain of example.com; a bare pattern matches the
// domain and its subdomains.
func matchDomain(pattern, domain string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain == base || strings.HasSuffix(domain, "."+base)
	}
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}
