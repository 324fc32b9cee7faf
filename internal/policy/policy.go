// Package policy provides authorization decisions for coordination
// operations. Two interchangeable backends implement one contract: the
// native engine checks AgentProfile attributes directly; the
// declarative engine evaluates a priority-ordered rule set with
// default-deny semantics. Both must produce identical decisions for
// the default rule set; the shared conformance suite enforces that.
package policy

import (
	"path"
	"strings"

	"github.com/arbiterhq/arbiter/internal/models"
)

// DefaultTrustLevel applies to principals with no stored profile.
const DefaultTrustLevel = 1

// Request is one authorization question.
type Request struct {
	Principal string            `json:"principal"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Engine is the contract both backends share.
type Engine interface {
	Name() string
	Evaluate(req Request) (models.PolicyDecision, error)
}

// The default rule set's action tiers. Both backends derive their
// behavior from these tables so the conformance property holds by
// construction rather than by luck.
var (
	// destructiveActions require trust level 2 or higher. The admin
	// writes (profile.set, network.set) live here so only an already
	// trusted operator can change who is trusted.
	destructiveActions = []string{"task.cancel", "audit.sweep", "session.reap", "profile.set", "network.set"}

	// readActions are permitted at any trust level.
	readActions = []string{
		"lock.check", "task.get", "task.list", "audit.query",
		"agent.discover", "guard.check", "policy.check", "network.check",
	}

	// writeNamespaces cover the mutating coordination surface; actions
	// here require trust level 1 or higher.
	writeNamespaces = []string{"lock.*", "task.*", "session.*", "guard.*"}
)

// Trust thresholds of the default rule set.
const (
	trustFullAccess  = 4
	trustDestructive = 2
	trustWrite       = 1
)

func isDestructive(action string) bool {
	return containsAction(destructiveActions, action)
}

func isRead(action string) bool {
	return containsAction(readActions, action)
}

func inWriteNamespace(action string) bool {
	for _, pattern := range writeNamespaces {
		if matchGlob(pattern, action) {
			return true
		}
	}
	return false
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// matchGlob matches an action or resource against a pattern. "*"
// matches everything; otherwise path.Match semantics apply (a "*"
// segment does not cross separators, which dotted action names never
// contain anyway).
func matchGlob(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// profileTrust normalizes a possibly-absent profile.
func profileTrust(p *models.AgentProfile) int {
	if p == nil {
		return DefaultTrustLevel
	}
	return p.TrustLevel
}
