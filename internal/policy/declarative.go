package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Effect is a rule's outcome when it matches.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectForbid Effect = "forbid"
)

// Rule is one entry in the declarative rule set. A rule matches when
// the principal, action, resource, and trust window all match. An
// explicit forbid always overrides any permit regardless of priority;
// otherwise the highest-priority matching permit wins; no match means
// deny.
type Rule struct {
	ID         string   `yaml:"id"`
	Effect     Effect   `yaml:"effect"`
	Priority   int      `yaml:"priority"`
	Principals []string `yaml:"principals,omitempty"`
	Actions    []string `yaml:"actions,omitempty"`
	Resources  []string `yaml:"resources,omitempty"`
	MinTrust   int      `yaml:"min_trust"`
	MaxTrust   *int     `yaml:"max_trust,omitempty"`
}

func (r Rule) matches(req Request, trust int) bool {
	if trust < r.MinTrust {
		return false
	}
	if r.MaxTrust != nil && trust > *r.MaxTrust {
		return false
	}
	if !matchAny(r.Principals, req.Principal) {
		return false
	}
	if !matchAny(r.Actions, req.Action) {
		return false
	}
	return matchAny(r.Resources, req.Resource)
}

func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchGlob(p, value) {
			return true
		}
	}
	return false
}

// DefaultRules expresses the default rule set declaratively. It is the
// rule-set counterpart of the native engine's trust tiers; the
// conformance suite holds the two to identical decisions.
func DefaultRules() []Rule {
	maxUntrusted := 1
	return []Rule{
		{ID: "trusted-operators", Effect: EffectPermit, Priority: 100, Actions: []string{"*"}, MinTrust: trustFullAccess},
		{ID: "forbid-low-trust-destructive", Effect: EffectForbid, Priority: 90, Actions: append([]string(nil), destructiveActions...), MaxTrust: &maxUntrusted},
		{ID: "destructive-ops", Effect: EffectPermit, Priority: 60, Actions: append([]string(nil), destructiveActions...), MinTrust: trustDestructive},
		{ID: "write-ops", Effect: EffectPermit, Priority: 50, Actions: append([]string(nil), writeNamespaces...), MinTrust: trustWrite},
		{ID: "read-ops", Effect: EffectPermit, Priority: 40, Actions: append([]string(nil), readActions...)},
	}
}

// Declarative evaluates the cached rule set with default-deny
// semantics. Rules load from a YAML file with a cache TTL and fall
// back to DefaultRules when the file is absent or unreadable.
type Declarative struct {
	store    *store.Store
	logger   *slog.Logger
	path     string
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   []Rule
	cachedAt time.Time
}

// NewDeclarative creates the rule-set backend. path may be empty, in
// which case the default rule set applies.
func NewDeclarative(s *store.Store, logger *slog.Logger, path string, cacheTTL time.Duration) *Declarative {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Declarative{store: s, logger: logger, path: path, cacheTTL: cacheTTL}
}

func (d *Declarative) Name() string { return "declarative" }

// Invalidate discards the cached rule set so the next evaluation
// reloads it. The config watcher calls this on rule-file changes.
func (d *Declarative) Invalidate() {
	d.mu.Lock()
	d.cachedAt = time.Time{}
	d.mu.Unlock()
}

// Evaluate resolves profile attributes first (matching the native
// backend), then the rule set: any matching forbid denies; otherwise
// the highest-priority matching permit allows; otherwise default deny.
func (d *Declarative) Evaluate(req Request) (models.PolicyDecision, error) {
	if req.Principal == "" || req.Action == "" {
		return models.PolicyDecision{Allowed: false, Reason: "principal and action are required"}, nil
	}

	profile, err := d.store.GetAgentProfile(req.Principal)
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

	var permits []Rule
	for _, rule := range d.rules() {
		if !rule.matches(req, trust) {
			continue
		}
		if rule.Effect == EffectForbid {
			return models.PolicyDecision{
				Allowed:         false,
				Reason:          fmt.Sprintf("rule %s forbids %s", rule.ID, req.Action),
				MatchedPolicyID: rule.ID,
			}, nil
		}
		permits = append(permits, rule)
	}

	if len(permits) > 0 {
		sort.SliceStable(permits, func(i, j int) bool { return permits[i].Priority > permits[j].Priority })
		winner := permits[0]
		return models.PolicyDecision{
			Allowed:         true,
			Reason:          fmt.Sprintf("rule %s permits %s", winner.ID, req.Action),
			MatchedPolicyID: winner.ID,
		}, nil
	}

	return models.PolicyDecision{
		Allowed: false,
		Reason:  fmt.Sprintf("no policy permits %s", req.Action),
	}, nil
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

func (d *Declarative) rules() []Rule {
	d.mu.RLock()
	if time.Since(d.cachedAt) < d.cacheTTL && d.cached != nil {
		cached := d.cached
		d.mu.RUnlock()
		return cached
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.cachedAt) < d.cacheTTL && d.cached != nil {
		return d.cached
	}

	rules := DefaultRules()
	if d.path != "" {
		data, err := os.ReadFile(d.path)
		switch {
		case err == nil:
			var rf ruleFile
			if err := yaml.Unmarshal(data, &rf); err != nil {
				d.logger.Warn("rule file unparsable, keeping default rule set", "path", d.path, "error", err)
			} else if len(rf.Rules) > 0 {
				rules = rf.Rules
			}
		case !os.IsNotExist(err):
			d.logger.Warn("rule file unreadable, keeping default rule set", "path", d.path, "error", err)
		}
	}

	d.cached = rules
	d.cachedAt = time.Now()
	return rules
}
