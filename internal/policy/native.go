package policy

import (
	"fmt"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Native evaluates requests directly against AgentProfile attributes:
// explicit block list, explicit allow list, then the trust tiers of
// the default rule set, defaulting to deny.
type Native struct {
	store *store.Store
}

// NewNative creates the attribute-based backend.
func NewNative(s *store.Store) *Native {
	return &Native{store: s}
}

func (n *Native) Name() string { return "native" }

// Evaluate applies, in order: profile blocked_ops (a forbid that
// overrides everything), profile allowed_ops, then trust thresholds.
func (n *Native) Evaluate(req Request) (models.PolicyDecision, error) {
	if req.Principal == "" || req.Action == "" {
		return models.PolicyDecision{Allowed: false, Reason: "principal and action are required"}, nil
	}

	profile, err := n.store.GetAgentProfile(req.Principal)
	if err != nil {
		return models.PolicyDecision{}, fmt.Errorf("load profile: %w", err)
	}

	if profile != nil {
		for _, blocked := range profile.BlockedOps {
			if matchGlob(blocked, req.Action) {
				return models.PolicyDecision{
					Allowed:         false,
					Reason:          fmt.Sprintf("operation %s is blocked for agent %s", req.Action, req.Principal),
					MatchedPolicyID: "profile-blocked",
				}, nil
			}
		}
		for _, allowed := range profile.AllowedOps {
			if matchGlob(allowed, req.Action) {
				return models.PolicyDecision{
					Allowed:         true,
					Reason:          "operation explicitly allowed by agent profile",
					MatchedPolicyID: "profile-allowed",
				}, nil
			}
		}
	}

	trust := profileTrust(profile)

	switch {
	case trust >= trustFullAccess:
		return models.PolicyDecision{
			Allowed:         true,
			Reason:          "trust level grants full access",
			MatchedPolicyID: "trusted-operators",
		}, nil
	case isDestructive(req.Action):
		if trust >= trustDestructive {
			return models.PolicyDecision{
				Allowed:         true,
				Reason:          "trust level permits destructive operations",
				MatchedPolicyID: "destructive-ops",
			}, nil
		}
		return models.PolicyDecision{
			Allowed:         false,
			Reason:          fmt.Sprintf("destructive operation %s requires trust level %d", req.Action, trustDestructive),
			MatchedPolicyID: "forbid-low-trust-destructive",
		}, nil
	case isRead(req.Action):
		return models.PolicyDecision{
			Allowed:         true,
			Reason:          "read operations are permitted at any trust level",
			MatchedPolicyID: "read-ops",
		}, nil
	case inWriteNamespace(req.Action):
		if trust >= trustWrite {
			return models.PolicyDecision{
				Allowed:         true,
				Reason:          "trust level permits coordination writes",
				MatchedPolicyID: "write-ops",
			}, nil
		}
		return models.PolicyDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("operation %s requires trust level %d", req.Action, trustWrite),
		}, nil
	}

	return models.PolicyDecision{
		Allowed: false,
		Reason:  fmt.Sprintf("no policy permits %s", req.Action),
	}, nil
}
