package registration

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/registry"
)

func newIdentity(hostname string) registry.AgentIdentity {
	return registry.AgentIdentity{
		ID:            uuid.NewString(),
		Hostname:      hostname,
		OSVersion:     "14.5",
		AppVersion:    "2.3.0",
		HardwareModel: "MacBookPro18,1",
		SerialHash:    "abc123",
		Username:      "alice",
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("2.3.0", "2.3"))
	assert.Equal(t, -1, compareVersions("2.2.9", "2.3.0"))
	assert.Equal(t, 1, compareVersions("2.3.1", "2.3.0"))
	assert.Equal(t, -1, compareVersions("1.9", "1.10"))
}

func TestAutoApproveSuccess(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10, AllowReregistration: true, TokenTTL: 0})
	bus := events.NewInMemoryBus(16)
	svc, err := NewService(Config{
		Policy:               PolicyAutoApprove,
		RequiredCapabilities: []string{"cleanup"},
		MinimumAppVersion:    "2.0.0",
		HeartbeatInterval:    30,
		ServerVersion:        "1.0.0",
	}, reg, bus)
	require.NoError(t, err)

	ch, unsub := bus.Subscribe()
	defer unsub()

	res, err := svc.Register(Request{Identity: newIdentity("mbp-01"), Capabilities: []string{"cleanup", "reporting"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.AuthToken)

	evt := <-ch
	assert.Equal(t, events.TypeAgentRegistered, evt.Type)
}

func TestMissingCapabilitiesRejected(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{
		Policy:               PolicyAutoApprove,
		RequiredCapabilities: []string{"cleanup", "quarantine"},
	}, reg, nil)
	require.NoError(t, err)

	_, err = svc.Register(Request{Identity: newIdentity("mbp-02"), Capabilities: []string{"cleanup"}})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindMissingCapabilities, appErr.Kind)
}

func TestVersionTooOldRejected(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{
		Policy:            PolicyAutoApprove,
		MinimumAppVersion: "3.0.0",
	}, reg, nil)
	require.NoError(t, err)

	_, err = svc.Register(Request{Identity: newIdentity("mbp-03"), Capabilities: nil})
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindVersionTooOld, appErr.Kind)
}

func TestManualApproveFlow(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	bus := events.NewInMemoryBus(16)
	svc, err := NewService(Config{Policy: PolicyManualApprove}, reg, bus)
	require.NoError(t, err)

	ch, unsub := bus.Subscribe()
	defer unsub()

	identity := newIdentity("mbp-04")
	res, err := svc.Register(Request{Identity: identity, Capabilities: nil})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "pending", res.Message)

	evt := <-ch
	assert.Equal(t, events.TypeRegistrationPending, evt.Type)
	assert.Equal(t, identity.ID, evt.AgentID)

	assert.Len(t, svc.Pending(), 1)

	approved, err := svc.ApproveManual(identity.ID)
	require.NoError(t, err)
	assert.True(t, approved.Success)
	assert.Empty(t, svc.Pending())

	evt2 := <-ch
	assert.Equal(t, events.TypeAgentRegistered, evt2.Type)
}

func TestManualRejectFlow(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	bus := events.NewInMemoryBus(16)
	svc, err := NewService(Config{Policy: PolicyManualApprove}, reg, bus)
	require.NoError(t, err)

	ch, unsub := bus.Subscribe()
	defer unsub()

	identity := newIdentity("mbp-05")
	_, err = svc.Register(Request{Identity: identity})
	require.NoError(t, err)
	<-ch // registrationPending

	err = svc.RejectManual(identity.ID, "not authorized")
	require.NoError(t, err)
	assert.Empty(t, svc.Pending())

	evt := <-ch
	assert.Equal(t, events.TypeRegistrationRejected, evt.Type)

	_, err = svc.ApproveManual(identity.ID)
	require.Error(t, err)
}

func TestWhitelistOnlyPolicy(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{
		Policy:    PolicyWhitelistOnly,
		Whitelist: []string{"abc123"},
	}, reg, nil)
	require.NoError(t, err)

	allowed := newIdentity("mbp-06")
	allowed.SerialHash = "abc123"
	res, err := svc.Register(Request{Identity: allowed})
	require.NoError(t, err)
	assert.True(t, res.Success)

	denied := newIdentity("mbp-07")
	denied.SerialHash = "zzz999"
	res2, err := svc.Register(Request{Identity: denied})
	require.NoError(t, err)
	assert.False(t, res2.Success)
}

func TestHostnamePatternPolicy(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{
		Policy:          PolicyHostnamePattern,
		HostnamePattern: `^corp-mbp-\d+$`,
	}, reg, nil)
	require.NoError(t, err)

	match := newIdentity("CORP-MBP-42")
	res, err := svc.Register(Request{Identity: match})
	require.NoError(t, err)
	assert.True(t, res.Success)

	noMatch := newIdentity("randomlaptop")
	res2, err := svc.Register(Request{Identity: noMatch})
	require.NoError(t, err)
	assert.False(t, res2.Success)
}

func TestBulkApproveAndReject(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{Policy: PolicyManualApprove}, reg, nil)
	require.NoError(t, err)

	a := newIdentity("bulk-a")
	b := newIdentity("bulk-b")
	_, _ = svc.Register(Request{Identity: a})
	_, _ = svc.Register(Request{Identity: b})

	results := svc.BulkApprove([]string{a.ID, b.ID})
	assert.True(t, results[a.ID].Success)
	assert.True(t, results[b.ID].Success)
	assert.Empty(t, svc.Pending())
}

func TestSanitizesFreeTextFields(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	svc, err := NewService(Config{Policy: PolicyAutoApprove}, reg, nil)
	require.NoError(t, err)

	identity := newIdentity("<script>alert(1)</script>mbp-08")
	res, err := svc.Register(Request{Identity: identity})
	require.NoError(t, err)
	assert.True(t, res.Success)

	agent, err := reg.LookupByID(res.AgentID)
	require.NoError(t, err)
	assert.NotContains(t, agent.Identity.Hostname, "<script>")
}
