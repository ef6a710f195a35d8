package distribution

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/registry"
)

func newActiveAgent(t *testing.T, reg *registry.Registry, tags, caps []string) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := reg.Register(registry.AgentIdentity{ID: id, Hostname: "h", Tags: tags}, caps)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(id, registry.AgentStatus{HealthStatus: registry.HealthHealthy}))
	return id
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AcknowledgementTimeout = 50 * time.Millisecond
	cfg.MaxConcurrentDistributions = 2
	return cfg
}

func TestDistributeNoTargetAgents(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	d := NewDistributor(testConfig(), reg, nil, nil)

	_, err := d.Distribute(Policy{Name: "cleanup-1"}, Target{Kind: TargetAll}, "admin")
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNoTargetAgents, appErr.Kind)
}

func TestDistributeAllAndAcknowledgeCompletes(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)
	a2 := newActiveAgent(t, reg, nil, nil)

	bus := events.NewInMemoryBus(16)
	d := NewDistributor(testConfig(), reg, bus, nil)
	ch, unsub := bus.Subscribe()
	defer unsub()

	dist, err := d.Distribute(Policy{Name: "cleanup-1"}, Target{Kind: TargetAll}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, dist.PolicyVersion)
	assert.Len(t, dist.AgentStatuses, 2)

	evt := <-ch
	assert.Equal(t, events.TypeDistributionStarted, evt.Type)

	require.NoError(t, d.Acknowledge(a1, dist.ID))
	require.NoError(t, d.Acknowledge(a2, dist.ID))

	var finalized bool
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if evt.Type == events.TypeDistributionFinalized {
				finalized = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.True(t, finalized)

	final, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
}

func TestPolicyVersionMonotone(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	newActiveAgent(t, reg, nil, nil)
	d := NewDistributor(testConfig(), reg, nil, nil)

	d1, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAll}, "admin")
	require.NoError(t, err)
	d2, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAll}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, d1.PolicyVersion)
	assert.Equal(t, 2, d2.PolicyVersion)
}

func TestAcknowledgementTimeoutMarksFailed(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)

	cfg := testConfig()
	cfg.AcknowledgementTimeout = 20 * time.Millisecond
	cfg.MinimumSuccessRate = 0.8
	d := NewDistributor(cfg, reg, nil, nil)

	dist, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	final, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, AgentStateFailed, final.AgentStatuses[a1].State)
	assert.Equal(t, "Acknowledgement timeout", final.AgentStatuses[a1].ErrorMessage)
}

func TestCancelFromInProgress(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)

	cfg := testConfig()
	cfg.AcknowledgementTimeout = time.Hour
	d := NewDistributor(cfg, reg, nil, nil)

	dist, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)

	require.NoError(t, d.Cancel(dist.ID))

	final, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, final.State)
	assert.Equal(t, AgentStateCancelled, final.AgentStatuses[a1].State)
}

func TestRollbackRequiresCompletedOrPartial(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)

	cfg := testConfig()
	cfg.AcknowledgementTimeout = time.Hour
	d := NewDistributor(cfg, reg, nil, nil)

	dist, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)

	err = d.Rollback(dist.ID)
	require.Error(t, err)

	require.NoError(t, d.Acknowledge(a1, dist.ID))
	require.NoError(t, d.Rollback(dist.ID))

	final, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, final.State)
}

func TestRetryFailedBoundedByMaxAttempts(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)

	cfg := testConfig()
	cfg.AcknowledgementTimeout = 10 * time.Millisecond
	cfg.MaxRetryAttempts = 1
	cfg.MinimumSuccessRate = 2 // force failed finalize (unreachable rate)
	d := NewDistributor(cfg, reg, nil, nil)

	require.NoError(t, reg.UpdateConnectionState(a1, registry.StateOffline))

	dist, err := d.Distribute(Policy{Name: "p"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	final, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentStateFailed, final.AgentStatuses[a1].State)

	require.NoError(t, d.RetryFailed(dist.ID))
	time.Sleep(30 * time.Millisecond)

	err = d.RetryFailed(dist.ID)
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindMaxRetriesExceeded, appErr.Kind)
}

func TestFilterTargetResolution(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, []string{"lab"}, []string{"cleanup"})
	newActiveAgent(t, reg, []string{"prod"}, []string{"cleanup"})

	cfg := testConfig()
	cfg.AcknowledgementTimeout = time.Hour
	d := NewDistributor(cfg, reg, nil, nil)

	dist, err := d.Distribute(Policy{Name: "p"}, Target{
		Kind: TargetFilter,
		Filter: &FilterSpec{
			RequiredTags: []string{"lab"},
		},
	}, "admin")
	require.NoError(t, err)
	assert.Len(t, dist.AgentStatuses, 1)
	_, ok := dist.AgentStatuses[a1]
	assert.True(t, ok)
}

func TestHistoryNewestFirst(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newActiveAgent(t, reg, nil, nil)

	cfg := testConfig()
	cfg.AcknowledgementTimeout = time.Hour
	d := NewDistributor(cfg, reg, nil, nil)

	d1, err := d.Distribute(Policy{Name: "p1"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)
	require.NoError(t, d.Cancel(d1.ID))

	d2, err := d.Distribute(Policy{Name: "p2"}, Target{Kind: TargetAgents, AgentIDs: []string{a1}}, "admin")
	require.NoError(t, err)
	require.NoError(t, d.Cancel(d2.ID))

	hist := d.History(10)
	require.Len(t, hist, 2)
	assert.Equal(t, d2.ID, hist[0].ID)
	assert.Equal(t, d1.ID, hist[1].ID)
}
