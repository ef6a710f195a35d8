package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MaxAgents: 3, AllowReregistration: true, TokenTTL: time.Hour}
}

func testIdentity(id string) AgentIdentity {
	return AgentIdentity{ID: id, Hostname: "mac-" + id, OSVersion: "14.5", AppVersion: "1.2.0", Tags: []string{"prod"}}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(testConfig())
	rec, token, err := r.Register(testIdentity("a1"), []string{"cleanup"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, StatePending, rec.ConnectionState)

	got, err := r.LookupByID("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Identity.ID)
}

func TestLookupUntilUnregister(t *testing.T) {
	r := NewRegistry(testConfig())
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	_, err = r.LookupByID("a1")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("a1"))
	_, err = r.LookupByID("a1")
	require.Error(t, err)
}

func TestMaxAgentsReached(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAgents = 1
	r := NewRegistry(cfg)
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	_, _, err = r.Register(testIdentity("a2"), nil)
	require.Error(t, err)
}

func TestReregistrationYieldsSameIDFreshToken(t *testing.T) {
	r := NewRegistry(testConfig())
	_, token1, err := r.Register(testIdentity("a1"), []string{"cleanup"})
	require.NoError(t, err)

	rec2, token2, err := r.Register(testIdentity("a1"), []string{"cleanup"})
	require.NoError(t, err)
	assert.Equal(t, "a1", rec2.Identity.ID)
	assert.NotEqual(t, token1, token2)
	assert.Equal(t, StateActive, rec2.ConnectionState)

	_, err = r.ValidateToken(token1)
	assert.Error(t, err, "old token should no longer validate")

	id, err := r.ValidateToken(token2)
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
}

func TestReregistrationRejectedWhenDisallowed(t *testing.T) {
	cfg := testConfig()
	cfg.AllowReregistration = false
	r := NewRegistry(cfg)
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	_, _, err = r.Register(testIdentity("a1"), nil)
	require.Error(t, err)
}

func TestUpdateStatusSetsActiveAndHeartbeat(t *testing.T) {
	r := NewRegistry(testConfig())
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	err = r.UpdateStatus("a1", AgentStatus{HealthStatus: HealthHealthy})
	require.NoError(t, err)

	rec, err := r.LookupByID("a1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.ConnectionState)
	require.NotNil(t, rec.LastHeartbeat)
	require.NotNil(t, rec.LatestStatus)
	assert.Equal(t, HealthHealthy, rec.LatestStatus.HealthStatus)
}

func TestUpdateStatusUnknownAgentFails(t *testing.T) {
	r := NewRegistry(testConfig())
	err := r.UpdateStatus("nope", AgentStatus{})
	require.Error(t, err)
}

func TestRemoveStaleAgentsTimeoutZero(t *testing.T) {
	r := NewRegistry(testConfig())
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed := r.RemoveStaleAgents(0)
	assert.Equal(t, []string{"a1"}, removed)

	_, err = r.LookupByID("a1")
	assert.Error(t, err)
}

func TestRemoveStaleAgentsRespectsRecentHeartbeat(t *testing.T) {
	r := NewRegistry(testConfig())
	_, _, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus("a1", AgentStatus{}))

	removed := r.RemoveStaleAgents(time.Hour)
	assert.Empty(t, removed)
}

func TestLookupByTagAndCapability(t *testing.T) {
	r := NewRegistry(testConfig())
	id := testIdentity("a1")
	id.Tags = []string{"prod", "east"}
	_, _, err := r.Register(id, []string{"cleanup", "policy-execution"})
	require.NoError(t, err)

	assert.Len(t, r.LookupByTag("east"), 1)
	assert.Len(t, r.LookupByTag("west"), 0)
	assert.Len(t, r.LookupByCapability("cleanup"), 1)
}

func TestStatistics(t *testing.T) {
	r := NewRegistry(testConfig())
	_, _, _ = r.Register(testIdentity("a1"), nil)
	_, _, _ = r.Register(testIdentity("a2"), nil)
	require.NoError(t, r.UpdateStatus("a1", AgentStatus{HealthStatus: HealthHealthy}))

	stats := r.Statistics()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 1, stats.ByState[StateActive])
	assert.Equal(t, 1, stats.ByState[StatePending])
}

func TestRefreshToken(t *testing.T) {
	r := NewRegistry(testConfig())
	_, oldToken, err := r.Register(testIdentity("a1"), nil)
	require.NoError(t, err)

	newToken, err := r.RefreshToken("a1")
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	_, err = r.ValidateToken(oldToken)
	assert.Error(t, err)
	id, err := r.ValidateToken(newToken)
	require.NoError(t, err)
	assert.Equal(t, "a1", id)
}
