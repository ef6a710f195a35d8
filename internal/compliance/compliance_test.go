package compliance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/audit"
	"github.com/kcenon/osxfleet/internal/registry"
)

func newAgent(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	id := uuid.NewString()
	_, _, err := reg.Register(registry.AgentIdentity{ID: id, Hostname: "h"}, nil)
	require.NoError(t, err)
	return id
}

func TestLevelForBands(t *testing.T) {
	assert.Equal(t, LevelCompliant, LevelFor(95))
	assert.Equal(t, LevelCompliant, LevelFor(90))
	assert.Equal(t, LevelPartially, LevelFor(89.9))
	assert.Equal(t, LevelNonCompliant, LevelFor(69.9))
	assert.Equal(t, LevelCritical, LevelFor(49.9))
}

func TestScoreNoStatusDefaults(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	id := newAgent(t, reg)
	r := NewReporter(DefaultConfig(), reg, nil, audit.NewLog(100))

	s, err := r.Score(id)
	require.NoError(t, err)
	assert.Equal(t, 50.0, s.PolicyScore)
	assert.Equal(t, 50.0, s.HealthScore)
	// pending connection state with no heartbeat -> state != active -> 0
	assert.Equal(t, 0.0, s.ConnectivityScore)
}

func TestScoreHealthyActiveRecent(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	id := newAgent(t, reg)
	require.NoError(t, reg.UpdateStatus(id, registry.AgentStatus{HealthStatus: registry.HealthHealthy}))

	r := NewReporter(DefaultConfig(), reg, nil, audit.NewLog(100))
	s, err := r.Score(id)
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.PolicyScore)
	assert.Equal(t, 100.0, s.HealthScore)
	assert.Equal(t, 100.0, s.ConnectivityScore)
	assert.InDelta(t, 100.0, s.Overall, 0.01)
	assert.Equal(t, LevelCompliant, LevelFor(s.Overall))
}

func TestScoreOfflineAgent(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	id := newAgent(t, reg)
	require.NoError(t, reg.UpdateConnectionState(id, registry.StateOffline))

	r := NewReporter(DefaultConfig(), reg, nil, audit.NewLog(100))
	s, err := r.Score(id)
	require.NoError(t, err)
	assert.Equal(t, 30.0, s.ConnectivityScore)
}

func TestFleetOverviewAggregates(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	a1 := newAgent(t, reg)
	a2 := newAgent(t, reg)
	require.NoError(t, reg.UpdateStatus(a1, registry.AgentStatus{HealthStatus: registry.HealthHealthy, FreedBytes: 1000, CleanupCount: 2}))
	require.NoError(t, reg.UpdateStatus(a2, registry.AgentStatus{HealthStatus: registry.HealthCritical, FreedBytes: 500, CleanupCount: 1}))

	r := NewReporter(DefaultConfig(), reg, nil, audit.NewLog(100))
	overview := r.FleetOverview()

	assert.Equal(t, 2, overview.TotalAgents)
	assert.Equal(t, int64(1500), overview.TotalBytesFreed)
	assert.Equal(t, 3, overview.TotalOperations)
}

func TestAuditLogSummaryInvalidDateRange(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	r := NewReporter(DefaultConfig(), reg, nil, audit.NewLog(100))

	_, err := r.AuditLogSummary(time.Now(), time.Now().Add(-time.Hour), 10)
	require.Error(t, err)
}

func TestAuditLogSummaryBucketsAndRanks(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{MaxAgents: 10})
	log := audit.NewLog(100)
	now := time.Now()

	log.Record(audit.Entry{AgentID: "a1", Severity: audit.SeverityCritical, Category: "disk", Message: "full", Timestamp: now})
	log.Record(audit.Entry{AgentID: "a1", Severity: audit.SeverityInfo, Category: "cleanup", Message: "ok", Timestamp: now})
	log.Record(audit.Entry{AgentID: "a2", Severity: audit.SeverityWarning, Category: "disk", Message: "low", Timestamp: now})

	r := NewReporter(DefaultConfig(), reg, nil, log)
	summary, err := r.AuditLogSummary(now.Add(-time.Hour), now.Add(time.Hour), 5)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalEntries)
	assert.Equal(t, 1, summary.BySeverity[audit.SeverityCritical])
	assert.Equal(t, 2, summary.ByCategory["disk"])
	require.Len(t, summary.TopAgents, 2)
	assert.Equal(t, "a1", summary.TopAgents[0].AgentID)
	require.Len(t, summary.LatestCritical, 1)
}

func TestExportJSONCanonical(t *testing.T) {
	overview := FleetOverview{TotalAgents: 3, AverageScore: 88.5}
	data, err := ExportJSON(overview)
	require.NoError(t, err)

	var roundTrip map[string]any
	require.NoError(t, json.Unmarshal(data, &roundTrip))
	assert.Equal(t, float64(3), roundTrip["TotalAgents"])
}

func TestExportAuditSummaryCSVQuotesMessages(t *testing.T) {
	summary := AuditLogSummary{
		LatestCritical: []audit.Entry{
			{AgentID: "a1", Severity: audit.SeverityCritical, Category: "disk", Message: `disk "full", retry`, Timestamp: time.Now()},
		},
	}
	data, err := ExportAuditSummaryCSV(summary)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"disk ""full"", retry"`)
}
