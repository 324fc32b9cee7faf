package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/models"
)

func TestNetworkCheckDefaultDeny(t *testing.T) {
	s := newPolicyStore(t)
	n := NewNetworkChecker(s)

	d, err := n.Check("agent-1", "evil.example.net")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNetworkCheckPriorityOrder(t *testing.T) {
	s := newPolicyStore(t)
	n := NewNetworkChecker(s)

	_, err := s.AddNetworkPolicy(models.NetworkAccessPolicy{
		DomainPattern: "*.github.com", Action: models.NetworkAllow, Priority: 10, Enabled: true,
	})
	require.NoError(t, err)
	_, err = s.AddNetworkPolicy(models.NetworkAccessPolicy{
		DomainPattern: "uploads.github.com", Action: models.NetworkDeny, Priority: 50, Enabled: true,
	})
	require.NoError(t, err)

	d, err := n.Check("agent-1", "api.github.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// The higher-priority deny wins over the wildcard allow.
	d, err = n.Check("agent-1", "uploads.github.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNetworkCheckProfileOverride(t *testing.T) {
	s := newPolicyStore(t)
	n := NewNetworkChecker(s)

	require.NoError(t, s.UpsertAgentProfile(models.AgentProfile{
		AgentID:          "agent-1",
		TrustLevel:       1,
		NetworkOverrides: []string{"internal.corp"},
	}))

	d, err := n.Check("agent-1", "builds.internal.corp")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "profile-network-override", d.MatchedPolicyID)

	// The override is per-agent.
	d, err = n.Check("agent-2", "builds.internal.corp")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNetworkCheckDisabledPolicyIgnored(t *testing.T) {
	s := newPolicyStore(t)
	n := NewNetworkChecker(s)

	_, err := s.AddNetworkPolicy(models.NetworkAccessPolicy{
		DomainPattern: "example.com", Action: models.NetworkAllow, Priority: 10, Enabled: false,
	})
	require.NoError(t, err)

	d, err := n.Check("agent-1", "example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMatchDomain(t *testing.T) {
	cases := []struct {
		pattern string
		domain  string
		want    bool
	}{
		{"*", "anything.example.com", true},
		{"*.example.com", "api.example.com", true},
		{"*.example.com", "example.com", true},
		{"*.example.com", "example.org", false},
		{"example.com", "example.com", true},
		{"example.com", "api.example.com", true},
		{"example.com", "notexample.com", false},
		{"", "example.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchDomain(tc.pattern, tc.domain), "%s vs %s", tc.pattern, tc.domain)
	}
}
