package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/models"
	"github.com/arbiterhq/arbiter/internal/store"
)

func newPolicyStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setTrust(t *testing.T, s *store.Store, agentID string, trust int) {
	t.Helper()
	require.NoError(t, s.UpsertAgentProfile(models.AgentProfile{
		AgentID:    agentID,
		TrustLevel: trust,
	}))
}

// conformanceCases is the scenario matrix both backends must decide
// identically. It spans every trust tier crossed with read, write,
// destructive, and unknown actions.
var conformanceCases = []struct {
	name    string
	trust   int
	action  string
	allowed bool
}{
	{"untrusted read", 0, "task.list", true},
	{"untrusted write", 0, "lock.acquire", false},
	{"untrusted destructive", 0, "task.cancel", false},
	{"untrusted unknown", 0, "deploy.production", false},
	{"default-trust read", 1, "audit.query", true},
	{"default-trust write", 1, "task.submit", true},
	{"default-trust destructive", 1, "session.reap", false},
	{"default-trust unknown", 1, "deploy.production", false},
	{"operator destructive", 2, "task.cancel", true},
	{"operator sweep", 2, "audit.sweep", true},
	{"operator write", 2, "lock.release", true},
	{"operator unknown", 2, "deploy.production", false},
	{"elevated destructive", 3, "session.reap", true},
	{"elevated unknown", 3, "deploy.production", false},
	{"full access anything", 4, "deploy.production", true},
	{"full access destructive", 4, "audit.sweep", true},
	{"default-trust profile admin", 1, "profile.set", false},
	{"operator profile admin", 2, "profile.set", true},
	{"default-trust network admin", 1, "network.set", false},
	{"operator network admin", 2, "network.set", true},
}

func TestBackendConformance(t *testing.T) {
	s := newPolicyStore(t)
	native := NewNative(s)
	declarative := NewDeclarative(s, nil, "", time.Minute)

	for _, tc := range conformanceCases {
		t.Run(tc.name, func(t *testing.T) {
			agentID := "conformance-agent"
			setTrust(t, s, agentID, tc.trust)

			req := Request{Principal: agentID, Action: tc.action}

			nd, err := native.Evaluate(req)
			require.NoError(t, err)
			dd, err := declarative.Evaluate(req)
			require.NoError(t, err)

			assert.Equal(t, tc.allowed, nd.Allowed, "native verdict")
			assert.Equal(t, nd.Allowed, dd.Allowed, "backends disagree: native=%v (%s) declarative=%v (%s)",
				nd.Allowed, nd.Reason, dd.Allowed, dd.Reason)
		})
	}
}

func TestMissingProfileGetsDefaultTrust(t *testing.T) {
	s := newPolicyStore(t)

	for _, engine := range []Engine{NewNative(s), NewDeclarative(s, nil, "", time.Minute)} {
		// DefaultTrustLevel is 1: writes allowed, destructive denied.
		d, err := engine.Evaluate(Request{Principal: "unknown-agent", Action: "lock.acquire"})
		require.NoError(t, err)
		assert.True(t, d.Allowed, "%s: write at default trust", engine.Name())

		d, err = engine.Evaluate(Request{Principal: "unknown-agent", Action: "task.cancel"})
		require.NoError(t, err)
		assert.False(t, d.Allowed, "%s: destructive at default trust", engine.Name())
	}
}

func TestEmptyRequestDenied(t *testing.T) {
	s := newPolicyStore(t)

	for _, engine := range []Engine{NewNative(s), NewDeclarative(s, nil, "", time.Minute)} {
		d, err := engine.Evaluate(Request{Principal: "", Action: "task.list"})
		require.NoError(t, err)
		assert.False(t, d.Allowed, "%s: empty principal", engine.Name())

		d, err = engine.Evaluate(Request{Principal: "agent-1", Action: ""})
		require.NoError(t, err)
		assert.False(t, d.Allowed, "%s: empty action", engine.Name())
	}
}

func TestProfileBlockedOverridesEverything(t *testing.T) {
	s := newPolicyStore(t)
	require.NoError(t, s.UpsertAgentProfile(models.AgentProfile{
		AgentID:    "restricted",
		TrustLevel: 4,
		AllowedOps: []string{"task.*"},
		BlockedOps: []string{"task.cancel"},
	}))

	for _, engine := range []Engine{NewNative(s), NewDeclarative(s, nil, "", time.Minute)} {
		// Blocked beats the allow list and beats full-access trust.
		d, err := engine.Evaluate(Request{Principal: "restricted", Action: "task.cancel"})
		require.NoError(t, err)
		assert.False(t, d.Allowed, "%s: blocked op", engine.Name())
		assert.Equal(t, "profile-blocked", d.MatchedPolicyID)

		d, err = engine.Evaluate(Request{Principal: "restricted", Action: "task.submit"})
		require.NoError(t, err)
		assert.True(t, d.Allowed, "%s: allowed op", engine.Name())
	}
}

func TestProfileAllowedGrantsBeyondTrust(t *testing.T) {
	s := newPolicyStore(t)
	require.NoError(t, s.UpsertAgentProfile(models.AgentProfile{
		AgentID:    "janitor",
		TrustLevel: 0,
		AllowedOps: []string{"audit.sweep"},
	}))

	for _, engine := range []Engine{NewNative(s), NewDeclarative(s, nil, "", time.Minute)} {
		d, err := engine.Evaluate(Request{Principal: "janitor", Action: "audit.sweep"})
		require.NoError(t, err)
		assert.True(t, d.Allowed, "%s: explicit allow beats trust tier", engine.Name())
		assert.Equal(t, "profile-allowed", d.MatchedPolicyID)
	}
}

func TestDeclarativeForbidOverridesPermit(t *testing.T) {
	s := newPolicyStore(t)
	setTrust(t, s, "agent-1", 1)

	d := NewDeclarative(s, nil, "", time.Minute)
	low := 10
	d.cached = []Rule{
		{ID: "permit-everything", Effect: EffectPermit, Priority: 100, Actions: []string{"*"}},
		{ID: "forbid-locks", Effect: EffectForbid, Priority: 1, Actions: []string{"lock.*"}, MaxTrust: &low},
	}
	d.cachedAt = time.Now()

	decision, err := d.Evaluate(Request{Principal: "agent-1", Action: "lock.acquire"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "a low-priority forbid still overrides a permit")
	assert.Equal(t, "forbid-locks", decision.MatchedPolicyID)

	decision, err = d.Evaluate(Request{Principal: "agent-1", Action: "task.submit"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "permit-everything", decision.MatchedPolicyID)
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"lock.*", "lock.acquire", true},
		{"lock.*", "task.submit", false},
		{"task.cancel", "task.cancel", true},
		{"task.cancel", "task.submit", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchGlob(tc.pattern, tc.value), "%s vs %s", tc.pattern, tc.value)
	}
}
