// Package heartbeat implements the Heartbeat Monitor (spec §4.F): the
// component that turns raw agent status reports into connection-state
// transitions and health-change notifications, and periodically sweeps the
// registry for agents that have gone silent.
//
// The background sweep loop follows the ticker/stopCh pattern the teacher
// uses for its connection tracker: a single goroutine, started with
// Start(), torn down with Stop(), safe to call Stop() before Start()
// returns.
package heartbeat

import (
	"sync"
	"time"

	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/registry"
)

// ringCapacity bounds the per-agent heartbeat history kept in memory.
const ringCapacity = 100

// Config parameterizes the Heartbeat Monitor.
type Config struct {
	// ExpectedInterval is how often a healthy agent should report in.
	ExpectedInterval time.Duration
	// MissedThreshold is how many consecutive missed intervals mark an
	// agent offline.
	MissedThreshold int
	// CheckInterval is how often the background sweep runs.
	CheckInterval time.Duration
	// AutoRemoveStale, when true, unregisters agents whose last heartbeat
	// (or, with none yet, their registration) is older than StaleTimeout.
	AutoRemoveStale bool
	StaleTimeout    time.Duration
}

// offlineThreshold is the derived duration after which a missing agent is
// considered offline: ExpectedInterval * MissedThreshold.
func (c Config) offlineThreshold() time.Duration {
	if c.MissedThreshold <= 0 {
		return c.ExpectedInterval
	}
	return c.ExpectedInterval * time.Duration(c.MissedThreshold)
}

// registryPort is the narrow write surface the monitor needs from the
// Registry.
type registryPort interface {
	registry.ReadFacade
	UpdateStatus(id string, status registry.AgentStatus) error
	UpdateConnectionState(id string, state registry.ConnectionState) error
	RemoveStaleAgents(timeout time.Duration) []string
}

// distributionPort is the narrow read surface the monitor needs from the
// Policy Distributor to answer "what is this agent still waiting to
// acknowledge" — the only in-band pull signal available, since there is no
// push channel (§1 Non-goal: distribution is acknowledge-by-pull).
type distributionPort interface {
	PendingForAgent(agentID string) []distribution.PendingWork
}

// Response is returned to the agent after a heartbeat is processed.
type Response struct {
	Acknowledged      bool
	HeartbeatInterval time.Duration
	ServerTime        time.Time
	// PendingPolicies lists distributions this agent has not yet
	// acknowledged, so it knows what to pull and Acknowledge next.
	PendingPolicies []distribution.PendingWork
	// PendingCommands is always empty: this implementation dispatches the
	// "/agents/{id}/command" route through the same Distributor/
	// DistributionStatus construct as a named policy (see
	// httpapi.handleAgentCommand), so there is no separate ad-hoc command
	// queue distinct from PendingPolicies to report. The field exists for
	// protocol completeness with the specification's documented response
	// shape.
	PendingCommands []string
}

// Monitor owns the per-agent heartbeat ring buffers and the background
// sweep loop. It never writes to the Registry except through
// UpdateStatus/UpdateConnectionState/RemoveStaleAgents.
type Monitor struct {
	cfg  Config
	reg  registryPort
	bus  events.Bus
	dist distributionPort

	mu      sync.Mutex
	history map[string][]registry.AgentStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor constructs a Heartbeat Monitor. bus may be nil to drop events.
func NewMonitor(cfg Config, reg registryPort, bus events.Bus) *Monitor {
	return &Monitor{
		cfg:     cfg,
		reg:     reg,
		bus:     bus,
		history: make(map[string][]registry.AgentStatus),
	}
}

// SetDistributor wires the Policy Distributor into the monitor so
// ProcessHeartbeat can populate PendingPolicies. Optional: a Monitor with no
// distributor set simply reports no pending policies.
func (m *Monitor) SetDistributor(dist distributionPort) {
	m.dist = dist
}

func (m *Monitor) publish(evt events.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}

func (m *Monitor) appendHistory(id string, status registry.AgentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[id], status)
	if len(h) > ringCapacity {
		h = h[len(h)-ringCapacity:]
	}
	m.history[id] = h
}

// History returns a snapshot of the recent status reports for an agent.
func (m *Monitor) History(id string) []registry.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[id]
	out := make([]registry.AgentStatus, len(h))
	copy(out, h)
	return out
}

// ProcessHeartbeat implements the §4.F sequence: lookup, snapshot previous
// health/state, persist the new status, append to history, and emit the
// events the transition warrants.
func (m *Monitor) ProcessHeartbeat(agentID string, status registry.AgentStatus) (*Response, error) {
	prev, err := m.reg.LookupByID(agentID)
	if err != nil {
		return nil, err
	}

	prevHealth := registry.HealthUnknown
	if prev.LatestStatus != nil {
		prevHealth = prev.LatestStatus.HealthStatus
	}
	prevState := prev.ConnectionState
	wasOffline := prevState == registry.StateOffline || prevState == registry.StateDisconnected

	if err := m.reg.UpdateStatus(agentID, status); err != nil {
		return nil, err
	}
	m.appendHistory(agentID, status)

	if status.HealthStatus != "" && status.HealthStatus != prevHealth {
		m.publish(events.Event{
			Type:    events.TypeHealthStatusChanged,
			AgentID: agentID,
			Payload: map[string]registry.HealthStatus{"from": prevHealth, "to": status.HealthStatus},
		})
	}

	m.publish(events.Event{Type: events.TypeHeartbeatReceived, AgentID: agentID})

	if wasOffline {
		m.publish(events.Event{Type: events.TypeAgentCameOnline, AgentID: agentID})
		logging.Heartbeat().Info().Str("agent_id", agentID).Msg("agent came back online")
	}

	var pending []distribution.PendingWork
	if m.dist != nil {
		pending = m.dist.PendingForAgent(agentID)
	}

	return &Response{
		Acknowledged:      true,
		HeartbeatInterval: m.cfg.ExpectedInterval,
		ServerTime:        time.Now(),
		PendingPolicies:   pending,
	}, nil
}

// AgentsAtRisk returns active agents whose last heartbeat is older than
// ExpectedInterval*(MissedThreshold-1) but younger than the offline
// threshold: they have missed beats but have not yet crossed the point at
// which the sweep loop marks them offline.
func (m *Monitor) AgentsAtRisk() []*registry.RegisteredAgent {
	threshold := m.cfg.offlineThreshold()
	var lower time.Duration
	if m.cfg.MissedThreshold > 1 {
		lower = m.cfg.ExpectedInterval * time.Duration(m.cfg.MissedThreshold-1)
	}
	now := time.Now()
	return m.reg.Filter(func(a *registry.RegisteredAgent) bool {
		if a.LastHeartbeat == nil {
			return false
		}
		age := now.Sub(*a.LastHeartbeat)
		return age > lower && age < threshold && a.ConnectionState == registry.StateActive
	})
}

// sweep marks agents offline once they exceed the offline threshold, and
// optionally removes agents that exceed StaleTimeout entirely.
func (m *Monitor) sweep() {
	threshold := m.cfg.offlineThreshold()
	now := time.Now()

	for _, a := range m.reg.LookupByState(registry.StateActive) {
		if a.LastHeartbeat == nil {
			continue
		}
		if now.Sub(*a.LastHeartbeat) > threshold {
			if err := m.reg.UpdateConnectionState(a.Identity.ID, registry.StateOffline); err != nil {
				continue
			}
			m.publish(events.Event{Type: events.TypeAgentWentOffline, AgentID: a.Identity.ID})
			logging.Heartbeat().Warn().Str("agent_id", a.Identity.ID).Msg("agent marked offline: missed heartbeats")
		}
	}

	if m.cfg.AutoRemoveStale && m.cfg.StaleTimeout > 0 {
		removed := m.reg.RemoveStaleAgents(m.cfg.StaleTimeout)
		for _, id := range removed {
			m.mu.Lock()
			delete(m.history, id)
			m.mu.Unlock()
		}
	}
}

// Start runs the background sweep loop until Stop is called. It is safe to
// call Start at most once per Monitor; calling it again after Stop creates
// a fresh loop.
func (m *Monitor) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep loop and waits for it to exit, making
// Stop idempotent-safe to call from a deferred shutdown hook.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	select {
	case <-m.stopCh:
		// already stopped
	default:
		close(m.stopCh)
	}
	if m.doneCh != nil {
		<-m.doneCh
	}
}
