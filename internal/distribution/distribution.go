// Package distribution implements the Policy Distributor (spec §4.G): the
// component that owns DistributionStatus records and drives a policy
// rollout across a resolved set of agents in bounded, parallel chunks.
//
// The distributor never holds its critical region across the
// acknowledgement wait (§5): distribute() dispatches a chunk, releases the
// lock, and only re-enters to record per-agent transitions or to finalize.
package distribution

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/registry"
)

// State is the DistributionStatus lifecycle domain.
type State string

const (
	StatePending            State = "pending"
	StateInProgress         State = "in_progress"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
	StateRollingBack        State = "rolling_back"
	StateRolledBack         State = "rolled_back"
)

// AgentState is the per-agent entry's lifecycle domain. Cancel additionally
// uses AgentStateCancelled, outside the normal forward progression.
type AgentState string

const (
	AgentStatePending    AgentState = "pending"
	AgentStateInProgress AgentState = "in_progress"
	AgentStateCompleted  AgentState = "completed"
	AgentStateFailed     AgentState = "failed"
	AgentStateCancelled  AgentState = "cancelled"
)

// Policy is the payload being distributed. Payload is stored verbatim so
// retryFailed can re-dispatch without the caller resubmitting it.
type Policy struct {
	Name    string
	Payload json.RawMessage
}

// FilterSpec implements the filter(F) target construct.
type FilterSpec struct {
	ConnectionState      *registry.ConnectionState
	RequiredTags         []string
	RequiredCapabilities []string
	ExcludeIDs           []string
	RegisteredAfter      *time.Time
	MaxCount             int
}

// TargetKind selects which target construct to resolve.
type TargetKind string

const (
	TargetAll          TargetKind = "all"
	TargetAgents       TargetKind = "agents"
	TargetTags         TargetKind = "tags"
	TargetCapabilities TargetKind = "capabilities"
	TargetFilter       TargetKind = "filter"
	TargetCombined     TargetKind = "combined"
)

// Target is the recursive target-resolution grammar from §4.G.
type Target struct {
	Kind         TargetKind
	AgentIDs     []string
	Tags         []string
	Capabilities []string
	Filter       *FilterSpec
	Combined     []Target
}

// AgentDistributionStatus is the per-agent entry of a DistributionStatus.
type AgentDistributionStatus struct {
	AgentID        string
	State          AgentState
	PolicyVersion  int
	StartedAt      time.Time
	CompletedAt    *time.Time
	RetryCount     int
	ErrorMessage   string
	Acknowledged   bool
	AcknowledgedAt *time.Time
}

// DistributionStatus is the distributor's primary record.
type DistributionStatus struct {
	ID             string
	PolicyName     string
	PolicyVersion  int
	PolicyPayload  json.RawMessage
	Target         Target
	State          State
	AgentStatuses  map[string]*AgentDistributionStatus
	InitiatedAt    time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	InitiatedBy    string
	Message        string
	finalized      bool
}

func (d *DistributionStatus) clone() *DistributionStatus {
	cp := *d
	cp.AgentStatuses = make(map[string]*AgentDistributionStatus, len(d.AgentStatuses))
	for id, st := range d.AgentStatuses {
		s := *st
		cp.AgentStatuses[id] = &s
	}
	return &cp
}

// Dispatcher is the external transport the distributor hands outbound
// intent to. It must not block — the distributor only records that
// dispatch was attempted and awaits acknowledge() out of band.
type Dispatcher interface {
	Dispatch(agentID string, policy Policy, version int) error
}

// Config parameterizes the Distributor.
type Config struct {
	MaxConcurrentDistributions int
	AcknowledgementTimeout     time.Duration
	MinimumSuccessRate         float64
	MaxRetryAttempts           int
	HistoryCapacity            int
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDistributions: 10,
		AcknowledgementTimeout:     60 * time.Second,
		MinimumSuccessRate:         0.8,
		MaxRetryAttempts:           3,
		HistoryCapacity:            1000,
	}
}

// Distributor owns every active and archived DistributionStatus.
type Distributor struct {
	cfg Config
	reg registry.ReadFacade
	bus events.Bus
	dsp Dispatcher

	mu       sync.Mutex
	versions map[string]int
	active   map[string]*DistributionStatus
	history  []*DistributionStatus
}

// NewDistributor constructs a Distributor. dsp may be nil (dispatch becomes
// a no-op, useful for unit tests that only exercise state transitions).
func NewDistributor(cfg Config, reg registry.ReadFacade, bus events.Bus, dsp Dispatcher) *Distributor {
	return &Distributor{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		dsp:      dsp,
		versions: make(map[string]int),
		active:   make(map[string]*DistributionStatus),
	}
}

func (d *Distributor) publish(evt events.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}

func (d *Distributor) nextVersion(policyName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versions[policyName]++
	return d.versions[policyName]
}

// resolveTarget implements the recursive target-resolution grammar.
func (d *Distributor) resolveTarget(t Target) []string {
	seen := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	switch t.Kind {
	case TargetAll:
		for _, a := range d.reg.All() {
			seen[a.Identity.ID] = struct{}{}
		}
	case TargetAgents:
		for _, id := range t.AgentIDs {
			if _, err := d.reg.LookupByID(id); err == nil {
				seen[id] = struct{}{}
			}
		}
	case TargetTags:
		for _, tag := range t.Tags {
			for _, a := range d.reg.LookupByTag(tag) {
				seen[a.Identity.ID] = struct{}{}
			}
		}
	case TargetCapabilities:
		for _, c := range t.Capabilities {
			for _, a := range d.reg.LookupByCapability(c) {
				seen[a.Identity.ID] = struct{}{}
			}
		}
	case TargetFilter:
		if t.Filter != nil {
			add(d.resolveFilter(*t.Filter))
		}
	case TargetCombined:
		for _, sub := range t.Combined {
			add(d.resolveTarget(sub))
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Distributor) resolveFilter(f FilterSpec) []string {
	exclude := make(map[string]struct{}, len(f.ExcludeIDs))
	for _, id := range f.ExcludeIDs {
		exclude[id] = struct{}{}
	}

	matches := d.reg.Filter(func(a *registry.RegisteredAgent) bool {
		if f.ConnectionState != nil && a.ConnectionState != *f.ConnectionState {
			return false
		}
		for _, tag := range f.RequiredTags {
			if !a.HasTag(tag) {
				return false
			}
		}
		for _, c := range f.RequiredCapabilities {
			if !a.HasCapability(c) {
				return false
			}
		}
		if _, excluded := exclude[a.Identity.ID]; excluded {
			return false
		}
		if f.RegisteredAfter != nil && !a.RegisteredAt.After(*f.RegisteredAfter) {
			return false
		}
		return true
	})

	ids := make([]string, 0, len(matches))
	for _, a := range matches {
		ids = append(ids, a.Identity.ID)
	}
	if f.MaxCount > 0 && len(ids) > f.MaxCount {
		ids = ids[:f.MaxCount]
	}
	return ids
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 10
	}
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// Distribute implements the full §4.G distribute() sequence.
func (d *Distributor) Distribute(policy Policy, target Target, initiatedBy string) (*DistributionStatus, error) {
	version := d.nextVersion(policy.Name)

	agentIDs := d.resolveTarget(target)
	if len(agentIDs) == 0 {
		return nil, apperrors.NoTargetAgents()
	}

	now := time.Now()
	dist := &DistributionStatus{
		ID:            uuid.NewString(),
		PolicyName:    policy.Name,
		PolicyVersion: version,
		PolicyPayload: policy.Payload,
		Target:        target,
		State:         StatePending,
		AgentStatuses: make(map[string]*AgentDistributionStatus, len(agentIDs)),
		InitiatedAt:   now,
		InitiatedBy:   initiatedBy,
	}
	for _, id := range agentIDs {
		dist.AgentStatuses[id] = &AgentDistributionStatus{AgentID: id, State: AgentStatePending}
	}

	d.mu.Lock()
	dist.State = StateInProgress
	started := time.Now()
	dist.StartedAt = &started
	d.active[dist.ID] = dist
	d.mu.Unlock()

	d.publish(events.Event{Type: events.TypeDistributionStarted, Payload: dist.ID})

	d.dispatchChunks(dist, policy, version, agentIDs)

	go d.awaitAcknowledgementTimeout(dist.ID)

	d.mu.Lock()
	snapshot := dist.clone()
	d.mu.Unlock()
	return snapshot, nil
}

// dispatchChunks runs each chunk as a parallel task. The distributor's lock
// is held only for the instant each per-agent transition is recorded, never
// across the (stubbed) network call.
func (d *Distributor) dispatchChunks(dist *DistributionStatus, policy Policy, version int, agentIDs []string) {
	for _, batch := range chunk(agentIDs, d.cfg.MaxConcurrentDistributions) {
		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func(agentID string) {
				defer wg.Done()
				d.dispatchOne(dist, policy, version, agentID)
			}(id)
		}
		wg.Wait()
	}
}

func (d *Distributor) dispatchOne(dist *DistributionStatus, policy Policy, version int, agentID string) {
	agent, err := d.reg.LookupByID(agentID)
	if err != nil || agent.ConnectionState != registry.StateActive {
		d.mu.Lock()
		if entry := dist.AgentStatuses[agentID]; entry != nil {
			entry.State = AgentStateFailed
			entry.ErrorMessage = "agent is not active"
		}
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	if entry := dist.AgentStatuses[agentID]; entry != nil {
		entry.State = AgentStateInProgress
		entry.StartedAt = time.Now()
		entry.PolicyVersion = version
	}
	d.mu.Unlock()

	if d.dsp != nil {
		_ = d.dsp.Dispatch(agentID, policy, version)
	}
}

func (d *Distributor) awaitAcknowledgementTimeout(distID string) {
	timeout := d.cfg.AcknowledgementTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	time.Sleep(timeout)

	d.mu.Lock()
	dist, ok := d.active[distID]
	if !ok {
		d.mu.Unlock()
		return
	}
	for _, entry := range dist.AgentStatuses {
		if entry.State == AgentStateInProgress {
			entry.State = AgentStateFailed
			entry.ErrorMessage = "Acknowledgement timeout"
		}
	}
	d.mu.Unlock()

	d.checkDistributionCompletion(distID)
}

func successRate(dist *DistributionStatus) float64 {
	if len(dist.AgentStatuses) == 0 {
		return 0
	}
	succeeded := 0
	for _, e := range dist.AgentStatuses {
		if e.State == AgentStateCompleted {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(dist.AgentStatuses))
}

// checkDistributionCompletion recomputes and, if resolved, archives dist.
func (d *Distributor) checkDistributionCompletion(distID string) {
	d.mu.Lock()
	dist, ok := d.active[distID]
	if !ok || dist.finalized {
		d.mu.Unlock()
		return
	}

	for _, e := range dist.AgentStatuses {
		if e.State == AgentStatePending || e.State == AgentStateInProgress {
			d.mu.Unlock()
			return
		}
	}

	rate := successRate(dist)
	switch {
	case rate == 1:
		dist.State = StateCompleted
	case rate >= d.cfg.MinimumSuccessRate:
		dist.State = StatePartiallyCompleted
	default:
		dist.State = StateFailed
	}
	now := time.Now()
	dist.CompletedAt = &now
	dist.finalized = true
	d.archiveLocked(dist)
	snapshot := dist.clone()
	d.mu.Unlock()

	d.publish(events.Event{Type: events.TypeDistributionFinalized, Payload: snapshot.ID})
	logging.Distributor().Info().Str("distribution_id", dist.ID).Str("state", string(dist.State)).Msg("distribution finalized")
}

// archiveLocked moves dist from active to history. Caller must hold d.mu.
func (d *Distributor) archiveLocked(dist *DistributionStatus) {
	delete(d.active, dist.ID)
	capacity := d.cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	d.history = append([]*DistributionStatus{dist}, d.history...)
	if len(d.history) > capacity {
		d.history = d.history[:capacity]
	}
}

// Acknowledge implements §4.G acknowledge().
func (d *Distributor) Acknowledge(agentID, distributionID string) error {
	d.mu.Lock()
	dist, ok := d.active[distributionID]
	if !ok {
		d.mu.Unlock()
		return apperrors.DistributionNotFound(distributionID)
	}
	entry, ok := dist.AgentStatuses[agentID]
	if !ok {
		d.mu.Unlock()
		return apperrors.AgentNotFound(agentID)
	}
	now := time.Now()
	entry.Acknowledged = true
	entry.AcknowledgedAt = &now
	entry.State = AgentStateCompleted
	entry.CompletedAt = &now
	d.mu.Unlock()

	d.checkDistributionCompletion(distributionID)
	return nil
}

// Cancel implements §4.G cancel(): cancelling an already-cancelled
// distribution is a no-op, not an error, since by the time cancel()
// archives it into history, a second call can no longer find it in
// active.
func (d *Distributor) Cancel(id string) error {
	d.mu.Lock()
	dist, ok := d.active[id]
	if !ok {
		if archived := d.findArchivedLocked(id); archived != nil {
			d.mu.Unlock()
			if archived.State == StateCancelled {
				return nil
			}
			return apperrors.InvalidTarget("distribution is not cancellable from its current state")
		}
		d.mu.Unlock()
		return apperrors.DistributionNotFound(id)
	}
	if dist.State != StatePending && dist.State != StateInProgress {
		d.mu.Unlock()
		return apperrors.InvalidTarget("distribution is not cancellable from its current state")
	}

	for _, e := range dist.AgentStatuses {
		if e.State == AgentStatePending || e.State == AgentStateInProgress {
			e.State = AgentStateCancelled
		}
	}
	dist.State = StateCancelled
	now := time.Now()
	dist.CompletedAt = &now
	dist.finalized = true
	d.archiveLocked(dist)
	d.mu.Unlock()
	return nil
}

// Rollback implements §4.G rollback().
func (d *Distributor) Rollback(id string) error {
	dist := d.findArchived(id)
	if dist == nil {
		return apperrors.DistributionNotFound(id)
	}
	if dist.State != StateCompleted && dist.State != StatePartiallyCompleted {
		return apperrors.InvalidTarget("distribution is not eligible for rollback from its current state")
	}

	d.mu.Lock()
	dist.State = StateRollingBack
	d.mu.Unlock()

	d.publish(events.Event{Type: events.TypePolicyRollback, Payload: id})

	d.mu.Lock()
	dist.State = StateRolledBack
	d.mu.Unlock()
	return nil
}

// RetryFailed implements §4.G retryFailed(): every failed per-agent entry
// moves back to pending with retryCount+=1, bounded by MaxRetryAttempts,
// and dispatch is re-invoked for the retried agents.
func (d *Distributor) RetryFailed(id string) error {
	d.mu.Lock()
	dist, ok := d.active[id]
	archived := false
	if !ok {
		dist = d.findArchivedLocked(id)
		archived = dist != nil
	}
	if dist == nil {
		d.mu.Unlock()
		return apperrors.DistributionNotFound(id)
	}

	for agentID, e := range dist.AgentStatuses {
		if e.State == AgentStateFailed && e.RetryCount+1 > d.cfg.MaxRetryAttempts {
			d.mu.Unlock()
			return apperrors.MaxRetriesExceeded(agentID)
		}
	}

	var retryIDs []string
	for agentID, e := range dist.AgentStatuses {
		if e.State != AgentStateFailed {
			continue
		}
		e.RetryCount++
		e.State = AgentStatePending
		e.ErrorMessage = ""
		retryIDs = append(retryIDs, agentID)
	}

	if archived {
		for i, h := range d.history {
			if h.ID == dist.ID {
				d.history = append(d.history[:i], d.history[i+1:]...)
				break
			}
		}
		dist.finalized = false
		dist.State = StateInProgress
		d.active[dist.ID] = dist
	}
	policy := Policy{Name: dist.PolicyName, Payload: dist.PolicyPayload}
	version := dist.PolicyVersion
	d.mu.Unlock()

	if len(retryIDs) > 0 {
		d.dispatchChunks(dist, policy, version, retryIDs)
		go d.awaitAcknowledgementTimeout(dist.ID)
	}
	return nil
}

func (d *Distributor) findArchived(id string) *DistributionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findArchivedLocked(id)
}

func (d *Distributor) findArchivedLocked(id string) *DistributionStatus {
	for _, dist := range d.history {
		if dist.ID == id {
			return dist
		}
	}
	return nil
}

// PendingWork is the slice of a DistributionStatus relevant to one agent,
// used to answer "what should this agent still acknowledge" without
// handing out the whole record.
type PendingWork struct {
	DistributionID string
	PolicyName     string
	PolicyVersion  int
}

// PendingForAgent returns every active distribution in which agentID's
// entry is still pending or in_progress (i.e. not yet acknowledged), for
// the heartbeat response's pendingPolicies field — with no push channel,
// this is how an agent learns what to pull and acknowledge.
func (d *Distributor) PendingForAgent(agentID string) []PendingWork {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []PendingWork
	for _, dist := range d.active {
		entry, ok := dist.AgentStatuses[agentID]
		if !ok {
			continue
		}
		if entry.State != AgentStatePending && entry.State != AgentStateInProgress {
			continue
		}
		out = append(out, PendingWork{
			DistributionID: dist.ID,
			PolicyName:     dist.PolicyName,
			PolicyVersion:  dist.PolicyVersion,
		})
	}
	return out
}

// History returns up to limit most recent archived distributions, newest
// first.
func (d *Distributor) History(limit int) []*DistributionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]*DistributionStatus, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.history[i].clone()
	}
	return out
}

// Get returns the current status of an in-flight or archived distribution.
func (d *Distributor) Get(id string) (*DistributionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dist, ok := d.active[id]; ok {
		return dist.clone(), nil
	}
	if dist := d.findArchivedLocked(id); dist != nil {
		return dist.clone(), nil
	}
	return nil, apperrors.DistributionNotFound(id)
}
