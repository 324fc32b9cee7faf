package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/models"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSeedFromFileWritesProfilesAndNetwork(t *testing.T) {
	s := newPolicyStore(t)
	path := writePolicyFile(t, `
profiles:
  - agent_id: operator-1
    trust_level: 3
    allowed_ops: [audit.sweep]
  - agent_id: ci-bot
    trust_level: 1
    blocked_ops: ["lock.*"]
network:
  - domain_pattern: "*.github.com"
    action: allow
    priority: 10
  - domain_pattern: uploads.github.com
    action: deny
    priority: 50
`)

	require.NoError(t, SeedFromFile(s, path))

	operator, err := s.GetAgentProfile("operator-1")
	require.NoError(t, err)
	require.NotNil(t, operator)
	assert.Equal(t, 3, operator.TrustLevel)
	assert.Equal(t, []string{"audit.sweep"}, operator.AllowedOps)

	bot, err := s.GetAgentProfile("ci-bot")
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.Equal(t, []string{"lock.*"}, bot.BlockedOps)

	policies, err := s.ListNetworkPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "uploads.github.com", policies[0].DomainPattern)
	assert.Equal(t, models.NetworkDeny, policies[0].Action)
}

func TestSeedFromFileReplacesNetworkRules(t *testing.T) {
	s := newPolicyStore(t)
	first := writePolicyFile(t, `
network:
  - domain_pattern: "*.github.com"
    action: allow
    priority: 10
`)
	require.NoError(t, SeedFromFile(s, first))
	require.NoError(t, SeedFromFile(s, first))

	policies, err := s.ListNetworkPolicies()
	require.NoError(t, err)
	assert.Len(t, policies, 1, "reloading the same file must not duplicate rules")

	second := writePolicyFile(t, `
network:
  - domain_pattern: "*.internal.corp"
    action: allow
    priority: 5
`)
	require.NoError(t, SeedFromFile(s, second))

	policies, err = s.ListNetworkPolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "*.internal.corp", policies[0].DomainPattern)
}

func TestSeedFromFileRejectsInvalidEntries(t *testing.T) {
	s := newPolicyStore(t)

	err := SeedFromFile(s, writePolicyFile(t, "profiles:\n  - agent_id: a\n    trust_level: 9\n"))
	assert.ErrorIs(t, err, ErrInvalidTrustLevel)

	err = SeedFromFile(s, writePolicyFile(t, "network:\n  - domain_pattern: x.com\n    action: maybe\n"))
	assert.ErrorIs(t, err, ErrInvalidNetworkAction)

	err = SeedFromFile(s, writePolicyFile(t, "profiles:\n  - trust_level: 2\n"))
	assert.ErrorIs(t, err, ErrMissingAgentID)
}

func TestSeedFromFileMissingFileIsFine(t *testing.T) {
	s := newPolicyStore(t)
	assert.NoError(t, SeedFromFile(s, filepath.Join(t.TempDir(), "absent.yaml")))
	assert.NoError(t, SeedFromFile(s, ""))
}

func TestValidateProfile(t *testing.T) {
	assert.NoError(t, ValidateProfile(models.AgentProfile{AgentID: "a", TrustLevel: 0}))
	assert.NoError(t, ValidateProfile(models.AgentProfile{AgentID: "a", TrustLevel: 4}))
	assert.ErrorIs(t, ValidateProfile(models.AgentProfile{AgentID: "a", TrustLevel: -1}), ErrInvalidTrustLevel)
	assert.ErrorIs(t, ValidateProfile(models.AgentProfile{AgentID: "a", TrustLevel: 5}), ErrInvalidTrustLevel)
	assert.ErrorIs(t, ValidateProfile(models.AgentProfile{TrustLevel: 2}), ErrMissingAgentID)
}

func TestValidateNetworkPolicy(t *testing.T) {
	assert.NoError(t, ValidateNetworkPolicy(models.NetworkAccessPolicy{DomainPattern: "*.x.com", Action: models.NetworkAllow}))
	assert.NoError(t, ValidateNetworkPolicy(models.NetworkAccessPolicy{DomainPattern: "x.com", Action: models.NetworkDeny}))
	assert.ErrorIs(t, ValidateNetworkPolicy(models.NetworkAccessPolicy{Action: models.NetworkAllow}), ErrMissingDomainPattern)
	assert.ErrorIs(t, ValidateNetworkPolicy(models.NetworkAccessPolicy{DomainPattern: "x.com", Action: "maybe"}), ErrInvalidNetworkAction)
}
