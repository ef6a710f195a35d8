// Package compliance implements the Compliance Reporter (spec §4.H): the
// only component that computes a derived view over the rest of the
// system. It owns nothing but a cache of ComplianceScores — every source
// value is read through another component's read API, per §3's ownership
// note and §9's "interfaces downward" design.
package compliance

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/audit"
	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/registry"
)

// Weights controls how the three per-agent scores combine into overall.
// The specification requires them to sum to 1.
type Weights struct {
	Policy       float64
	Health       float64
	Connectivity float64
}

// DefaultWeights matches the specification's stated default.
func DefaultWeights() Weights {
	return Weights{Policy: 0.4, Health: 0.3, Connectivity: 0.3}
}

// Level is the compliance band a score falls into.
type Level string

const (
	LevelCompliant    Level = "compliant"
	LevelPartially    Level = "partially"
	LevelNonCompliant Level = "non-compliant"
	LevelCritical     Level = "critical"
)

// LevelFor buckets an overall score into its compliance band.
func LevelFor(overall float64) Level {
	switch {
	case overall >= 90:
		return LevelCompliant
	case overall >= 70:
		return LevelPartially
	case overall >= 50:
		return LevelNonCompliant
	default:
		return LevelCritical
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Score is a per-agent ComplianceScore.
type Score struct {
	AgentID            string
	PolicyScore        float64
	HealthScore        float64
	ConnectivityScore  float64
	Overall            float64
	ActivePolicies     int
	PoliciesWithIssues int
	TimeSinceHeartbeat time.Duration
	CalculatedAt        time.Time
}

// Config parameterizes the Reporter.
type Config struct {
	Weights          Weights
	HeartbeatTimeout time.Duration
}

// DefaultConfig applies DefaultWeights and a 15-minute heartbeat timeout.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), HeartbeatTimeout: 15 * time.Minute}
}

// distributionSource is the narrow read surface over distribution history
// the Reporter needs.
type distributionSource interface {
	History(limit int) []*distribution.DistributionStatus
}

// Reporter computes and caches ComplianceScores.
type Reporter struct {
	cfg      Config
	reg      registry.ReadFacade
	dist     distributionSource
	auditLog *audit.Log

	mu    sync.Mutex
	cache map[string]Score
}

// Config returns the Reporter's scoring configuration, for the admin-only
// config:view surface.
func (r *Reporter) Config() Config { return r.cfg }

// NewReporter constructs a Reporter.
func NewReporter(cfg Config, reg registry.ReadFacade, dist distributionSource, auditLog *audit.Log) *Reporter {
	return &Reporter{
		cfg:      cfg,
		reg:      reg,
		dist:     dist,
		auditLog: auditLog,
		cache:    make(map[string]Score),
	}
}

func connectivityScore(state registry.ConnectionState, lastHeartbeat *time.Time, heartbeatTimeout time.Duration) float64 {
	if state != registry.StateActive {
		if state == registry.StateOffline {
			return 30
		}
		return 0
	}
	if lastHeartbeat == nil {
		return 80
	}
	elapsed := time.Since(*lastHeartbeat)
	switch {
	case elapsed < 60*time.Second:
		return 100
	case elapsed < 300*time.Second:
		return 80
	case elapsed < heartbeatTimeout:
		return 60
	default:
		return 30
	}
}

func healthScore(status *registry.AgentStatus) float64 {
	if status == nil {
		return 50
	}
	switch status.HealthStatus {
	case registry.HealthHealthy:
		return 100
	case registry.HealthWarning:
		return 70
	case registry.HealthCritical:
		return 30
	default:
		return 50
	}
}

func policyScore(status *registry.AgentStatus) float64 {
	if status == nil {
		return 50
	}
	return 100
}

// Score computes (and caches) the ComplianceScore for a single agent.
func (r *Reporter) Score(agentID string) (Score, error) {
	agent, err := r.reg.LookupByID(agentID)
	if err != nil {
		return Score{}, err
	}

	ps := clamp(policyScore(agent.LatestStatus))
	hs := clamp(healthScore(agent.LatestStatus))
	cs := clamp(connectivityScore(agent.ConnectionState, agent.LastHeartbeat, r.cfg.HeartbeatTimeout))
	overall := clamp(ps*r.cfg.Weights.Policy + hs*r.cfg.Weights.Health + cs*r.cfg.Weights.Connectivity)

	var sinceHeartbeat time.Duration
	if agent.LastHeartbeat != nil {
		sinceHeartbeat = time.Since(*agent.LastHeartbeat)
	}

	activePolicies := 0
	if agent.LatestStatus != nil {
		activePolicies = agent.LatestStatus.ActivePolicyCount
	}

	score := Score{
		AgentID:            agentID,
		PolicyScore:        ps,
		HealthScore:        hs,
		ConnectivityScore:  cs,
		Overall:            overall,
		ActivePolicies:     activePolicies,
		PoliciesWithIssues: 0,
		TimeSinceHeartbeat: sinceHeartbeat,
		CalculatedAt:       time.Now(),
	}

	r.mu.Lock()
	r.cache[agentID] = score
	r.mu.Unlock()
	return score, nil
}

// CachedScore returns the last computed score for an agent, if any.
func (r *Reporter) CachedScore(agentID string) (Score, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.cache[agentID]
	return s, ok
}

// RecalculateAll recomputes scores for every registered agent.
func (r *Reporter) RecalculateAll() []Score {
	agents := r.reg.All()
	scores := make([]Score, 0, len(agents))
	for _, a := range agents {
		s, err := r.Score(a.Identity.ID)
		if err != nil {
			continue
		}
		scores = append(scores, s)
	}
	return scores
}

// FleetOverview summarizes fleet-wide compliance.
type FleetOverview struct {
	TotalAgents      int
	ByConnectionState map[registry.ConnectionState]int
	ByHealth          map[registry.HealthStatus]int
	ByComplianceLevel map[Level]int
	AverageScore      float64
	CompliantAgents   int
	TotalDistributions int
	CompletedDistributions int
	FailedDistributions    int
	TotalBytesFreed   int64
	TotalOperations   int
	GeneratedAt       time.Time
}

// FleetOverview implements the §4.H fleet-overview report.
func (r *Reporter) FleetOverview() FleetOverview {
	stats := r.reg.Statistics()
	scores := r.RecalculateAll()

	overview := FleetOverview{
		TotalAgents:       stats.TotalAgents,
		ByConnectionState: stats.ByState,
		ByHealth:          stats.ByHealth,
		ByComplianceLevel: make(map[Level]int),
		GeneratedAt:       time.Now(),
	}

	var sum float64
	for _, s := range scores {
		sum += s.Overall
		overview.ByComplianceLevel[LevelFor(s.Overall)]++
		if s.Overall >= 90 {
			overview.CompliantAgents++
		}
	}
	if len(scores) > 0 {
		overview.AverageScore = sum / float64(len(scores))
	}

	if r.dist != nil {
		for _, d := range r.dist.History(0) {
			overview.TotalDistributions++
			switch d.State {
			case distribution.StateCompleted:
				overview.CompletedDistributions++
			case distribution.StateFailed:
				overview.FailedDistributions++
			}
		}
	}

	for _, a := range r.reg.All() {
		if a.LatestStatus == nil {
			continue
		}
		overview.TotalBytesFreed += a.LatestStatus.FreedBytes
		overview.TotalOperations += a.LatestStatus.CleanupCount
	}

	return overview
}

// AgentReport is the §4.H per-agent report.
type AgentReport struct {
	AgentID         string
	Score           Score
	ComplianceLevel Level
	ConnectionState registry.ConnectionState
	HealthStatus    registry.HealthStatus
	CleanupCount    int
	FreedBytes      int64
	DiskUsagePercent float64
	GeneratedAt     time.Time
}

// AgentReport implements the §4.H agent report.
func (r *Reporter) AgentReport(agentID string) (AgentReport, error) {
	agent, err := r.reg.LookupByID(agentID)
	if err != nil {
		return AgentReport{}, err
	}
	score, err := r.Score(agentID)
	if err != nil {
		return AgentReport{}, err
	}

	report := AgentReport{
		AgentID:         agentID,
		Score:           score,
		ComplianceLevel: LevelFor(score.Overall),
		ConnectionState: agent.ConnectionState,
		HealthStatus:    registry.HealthUnknown,
		GeneratedAt:     time.Now(),
	}
	if agent.LatestStatus != nil {
		report.HealthStatus = agent.LatestStatus.HealthStatus
		report.CleanupCount = agent.LatestStatus.CleanupCount
		report.FreedBytes = agent.LatestStatus.FreedBytes
		report.DiskUsagePercent = agent.LatestStatus.DiskUsagePercent()
	}
	return report, nil
}

// PolicyExecutionEntry maps a single agent's distribution state to the
// §4.H execution-report vocabulary.
type PolicyExecutionEntry struct {
	AgentID string
	Status  string
}

// PolicyExecutionReport implements the §4.H policy execution report.
type PolicyExecutionReport struct {
	DistributionID string
	PolicyName     string
	PolicyVersion  int
	Entries        []PolicyExecutionEntry
	GeneratedAt    time.Time
}

func executionStatus(s distribution.AgentState) string {
	switch s {
	case distribution.AgentStatePending:
		return "pending"
	case distribution.AgentStateInProgress:
		return "executing"
	case distribution.AgentStateCompleted:
		return "completed"
	case distribution.AgentStateFailed:
		return "failed"
	case distribution.AgentStateCancelled:
		return "skipped"
	default:
		return "pending"
	}
}

// PolicyExecutionReport builds the report for a single distribution.
func (r *Reporter) PolicyExecutionReport(dist *distribution.DistributionStatus) PolicyExecutionReport {
	ids := make([]string, 0, len(dist.AgentStatuses))
	for id := range dist.AgentStatuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]PolicyExecutionEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, PolicyExecutionEntry{
			AgentID: id,
			Status:  executionStatus(dist.AgentStatuses[id].State),
		})
	}

	return PolicyExecutionReport{
		DistributionID: dist.ID,
		PolicyName:     dist.PolicyName,
		PolicyVersion:  dist.PolicyVersion,
		Entries:        entries,
		GeneratedAt:    time.Now(),
	}
}

// AuditLogSummary is the §4.H audit-log-summary report.
type AuditLogSummary struct {
	Start            time.Time
	End              time.Time
	TotalEntries     int
	BySeverity       map[audit.Severity]int
	ByCategory       map[string]int
	TopAgents        []AgentEntryCount
	LatestCritical   []audit.Entry
	GeneratedAt      time.Time
}

// AgentEntryCount pairs an agent id with its entry count, for the top-10
// ranking.
type AgentEntryCount struct {
	AgentID string
	Count   int
}

// AuditLogSummary implements the §4.H audit log summary, filtering entries
// to the inclusive [start, end] window.
func (r *Reporter) AuditLogSummary(start, end time.Time, latestCriticalLimit int) (AuditLogSummary, error) {
	if start.After(end) {
		return AuditLogSummary{}, apperrors.InvalidDateRange()
	}

	entries := r.auditLog.Range(start, end)

	summary := AuditLogSummary{
		Start:        start,
		End:          end,
		TotalEntries: len(entries),
		BySeverity:   make(map[audit.Severity]int),
		ByCategory:   make(map[string]int),
		GeneratedAt:  time.Now(),
	}

	agentCounts := make(map[string]int)
	var critical []audit.Entry
	for _, e := range entries {
		summary.BySeverity[e.Severity]++
		summary.ByCategory[e.Category]++
		agentCounts[e.AgentID]++
		if e.Severity == audit.SeverityCritical {
			critical = append(critical, e)
		}
	}

	ranked := make([]AgentEntryCount, 0, len(agentCounts))
	for id, count := range agentCounts {
		ranked = append(ranked, AgentEntryCount{AgentID: id, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	summary.TopAgents = ranked

	if latestCriticalLimit > 0 && len(critical) > latestCriticalLimit {
		critical = critical[:latestCriticalLimit]
	}
	summary.LatestCritical = critical

	return summary, nil
}

// ExportJSON marshals v canonically: map keys sorted, ISO-8601 timestamps
// via time.Time's default RFC3339 encoding.
func ExportJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.EncodingFailed(err)
	}
	return data, nil
}

// ExportFleetOverviewCSV renders a FleetOverview as CSV with a documented
// header row.
func ExportFleetOverviewCSV(o FleetOverview) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"totalAgents", "averageScore", "compliantAgents", "totalDistributions", "completedDistributions", "failedDistributions", "totalBytesFreed", "totalOperations"}
	if err := w.Write(header); err != nil {
		return nil, apperrors.ExportFailed(err.Error())
	}

	row := []string{
		itoa(o.TotalAgents),
		ftoa(o.AverageScore),
		itoa(o.CompliantAgents),
		itoa(o.TotalDistributions),
		itoa(o.CompletedDistributions),
		itoa(o.FailedDistributions),
		itoa(int(o.TotalBytesFreed)),
		itoa(o.TotalOperations),
	}
	if err := w.Write(row); err != nil {
		return nil, apperrors.ExportFailed(err.Error())
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.ExportFailed(err.Error())
	}
	return buf.Bytes(), nil
}

// ExportAuditSummaryCSV renders an AuditLogSummary as CSV. Error messages
// from LatestCritical entries are written as quoted fields by
// encoding/csv's standard quoting rule (embedded quotes doubled).
func ExportAuditSummaryCSV(s AuditLogSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"agentId", "severity", "category", "message", "timestamp"}); err != nil {
		return nil, apperrors.ExportFailed(err.Error())
	}
	for _, e := range s.LatestCritical {
		row := []string{e.AgentID, string(e.Severity), e.Category, e.Message, e.Timestamp.Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return nil, apperrors.ExportFailed(err.Error())
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, apperrors.ExportFailed(err.Error())
	}
	return buf.Bytes(), nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
