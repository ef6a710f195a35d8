// Package registry implements the Agent Registry (spec §4.C): the
// authoritative, single-writer map of RegisteredAgent records and their
// associated sessions/status.
//
// The Registry never calls into any other component (§9): Distributor and
// Reporter consume it only through the narrow ReadFacade interface.
package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/logging"
)

// ConnectionState is the domain for RegisteredAgent.connectionState.
type ConnectionState string

const (
	StatePending      ConnectionState = "pending"
	StateActive       ConnectionState = "active"
	StateOffline      ConnectionState = "offline"
	StateDisconnected ConnectionState = "disconnected"
	StateRejected     ConnectionState = "rejected"
)

// HealthStatus is the domain for AgentStatus.healthStatus.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// AgentIdentity is immutable once registered.
type AgentIdentity struct {
	ID            string
	Hostname      string
	OSVersion     string
	AppVersion    string
	HardwareModel string
	SerialHash    string
	Username      string
	RegisteredAt  time.Time
	Tags          []string
}

// AgentStatus is a point-in-time status report from an agent.
type AgentStatus struct {
	AgentID           string
	ConnectionState   ConnectionState
	HealthStatus      HealthStatus
	LastHeartbeat     time.Time
	LastPolicySync    time.Time
	ActivePolicyCount int
	DiskTotalBytes    int64
	DiskUsedBytes     int64
	FreedBytes        int64
	CleanupCount      int
	CPUPercent        float64
	MemPercent        float64
	CapturedAt        time.Time
}

// DiskUsagePercent is derived from DiskUsedBytes/DiskTotalBytes.
func (s AgentStatus) DiskUsagePercent() float64 {
	if s.DiskTotalBytes <= 0 {
		return 0
	}
	return (float64(s.DiskUsedBytes) / float64(s.DiskTotalBytes)) * 100
}

// RegisteredAgent is the Registry's primary record. AuthTokenHash, not the
// plaintext opaque token, is retained: the plaintext is returned once to
// the caller at registration/refresh time and never stored, mirroring the
// teacher's APIKeyHash pattern. The hash is SHA-256 rather than bcrypt
// because agents present this token on every heartbeat - a high-frequency
// path where bcrypt's deliberate slowness would throttle the fleet.
type RegisteredAgent struct {
	Identity        AgentIdentity
	AuthTokenHash   string `json:"-"`
	TokenExpiresAt  time.Time
	Capabilities    []string
	ConnectionState ConnectionState
	LatestStatus    *AgentStatus
	LastHeartbeat   *time.Time
	RegisteredAt    time.Time
}

// HasTag reports whether the agent's identity carries tag.
func (a *RegisteredAgent) HasTag(tag string) bool {
	for _, t := range a.Identity.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasCapability reports whether the agent advertises capability c.
func (a *RegisteredAgent) HasCapability(c string) bool {
	for _, cap := range a.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// clone returns a shallow copy safe to hand to callers outside the lock.
func (a *RegisteredAgent) clone() *RegisteredAgent {
	cp := *a
	cp.Identity.Tags = append([]string(nil), a.Identity.Tags...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.LatestStatus != nil {
		st := *a.LatestStatus
		cp.LatestStatus = &st
	}
	if a.LastHeartbeat != nil {
		t := *a.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	return &cp
}

// Config parameterizes the Registry.
type Config struct {
	MaxAgents           int
	AllowReregistration bool
	TokenTTL            time.Duration
}

// Registry is the single-writer domain over RegisteredAgent records.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*RegisteredAgent
	byTokenHash map[string]string // sha256(token) -> agent id
	cfg         Config
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		byID:        make(map[string]*RegisteredAgent),
		byTokenHash: make(map[string]string),
		cfg:         cfg,
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.URLEncoding.EncodeToString(sum[:])
}

func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// Register implements §4.C register and invariant I1: rejects when
// count >= maxAgents unless the identity re-registers and
// AllowReregistration is true, in which case the old record is atomically
// replaced. Returns the record and the plaintext opaque token (shown once).
func (r *Registry) Register(identity AgentIdentity, capabilities []string) (*RegisteredAgent, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, reregistering := r.byID[identity.ID]

	if !reregistering && r.cfg.MaxAgents > 0 && len(r.byID) >= r.cfg.MaxAgents {
		return nil, "", apperrors.MaxAgentsReached()
	}
	if reregistering && !r.cfg.AllowReregistration {
		return nil, "", apperrors.AgentAlreadyRegistered(identity.ID)
	}

	plainToken, err := generateOpaqueToken()
	if err != nil {
		return nil, "", apperrors.Internal(err)
	}
	hash := hashToken(plainToken)

	if existing != nil {
		delete(r.byTokenHash, existing.AuthTokenHash)
	}

	identity.RegisteredAt = now
	rec := &RegisteredAgent{
		Identity:        identity,
		AuthTokenHash:   hash,
		TokenExpiresAt:  now.Add(r.cfg.TokenTTL),
		Capabilities:    append([]string(nil), capabilities...),
		ConnectionState: StatePending,
		RegisteredAt:    now,
	}
	if reregistering {
		rec.ConnectionState = StateActive
		hb := now
		rec.LastHeartbeat = &hb
	}

	r.byID[identity.ID] = rec
	r.byTokenHash[hash] = identity.ID

	logging.Registry().Info().Str("agent_id", identity.ID).Bool("reregistered", reregistering).Msg("agent registered")
	return rec.clone(), plainToken, nil
}

// Unregister removes an agent record entirely.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return apperrors.AgentNotFound(id)
	}
	delete(r.byTokenHash, rec.AuthTokenHash)
	delete(r.byID, id)
	logging.Registry().Info().Str("agent_id", id).Msg("agent unregistered")
	return nil
}

// LookupByID returns the agent with the given id.
func (r *Registry) LookupByID(id string) (*RegisteredAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, apperrors.AgentNotFound(id)
	}
	return rec.clone(), nil
}

// ValidateToken resolves an opaque token to the owning agent's id.
func (r *Registry) ValidateToken(opaqueToken string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTokenHash[hashToken(opaqueToken)]
	if !ok {
		return "", apperrors.InvalidToken()
	}
	return id, nil
}

// RefreshToken issues a fresh opaque token for an existing agent.
func (r *Registry) RefreshToken(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return "", apperrors.AgentNotFound(id)
	}

	plainToken, err := generateOpaqueToken()
	if err != nil {
		return "", apperrors.Internal(err)
	}
	delete(r.byTokenHash, rec.AuthTokenHash)
	hash := hashToken(plainToken)
	rec.AuthTokenHash = hash
	rec.TokenExpiresAt = time.Now().Add(r.cfg.TokenTTL)
	r.byTokenHash[hash] = id

	return plainToken, nil
}

// UpdateStatus implements invariant I2: fails if the agent is not found; on
// success atomically sets latestStatus, stamps lastHeartbeat=now, and marks
// the agent active.
func (r *Registry) UpdateStatus(id string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return apperrors.AgentNotFound(id)
	}

	now := time.Now()
	st := status
	st.AgentID = id
	st.CapturedAt = now
	rec.LatestStatus = &st
	rec.LastHeartbeat = &now
	rec.ConnectionState = StateActive
	return nil
}

// UpdateConnectionState sets the agent's connection state directly, used by
// the Heartbeat Monitor to mark agents offline/online.
func (r *Registry) UpdateConnectionState(id string, state ConnectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return apperrors.AgentNotFound(id)
	}
	rec.ConnectionState = state
	return nil
}

// RemoveStaleAgents implements invariant I4.
func (r *Registry) RemoveStaleAgents(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var removed []string
	for id, rec := range r.byID {
		stale := false
		if rec.LastHeartbeat == nil {
			if now.Sub(rec.RegisteredAt) > timeout {
				stale = true
			}
		} else if now.Sub(*rec.LastHeartbeat) > timeout {
			stale = true
		}
		if stale {
			removed = append(removed, id)
			delete(r.byTokenHash, rec.AuthTokenHash)
			delete(r.byID, id)
		}
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		logging.Registry().Info().Strs("agent_ids", removed).Msg("removed stale agents")
	}
	return removed
}

// LookupByCapability returns all agents advertising capability c.
func (r *Registry) LookupByCapability(c string) []*RegisteredAgent {
	return r.Filter(func(a *RegisteredAgent) bool { return a.HasCapability(c) })
}

// LookupByTag returns all agents tagged t.
func (r *Registry) LookupByTag(t string) []*RegisteredAgent {
	return r.Filter(func(a *RegisteredAgent) bool { return a.HasTag(t) })
}

// LookupByState returns all agents in connection state s.
func (r *Registry) LookupByState(s ConnectionState) []*RegisteredAgent {
	return r.Filter(func(a *RegisteredAgent) bool { return a.ConnectionState == s })
}

// Filter returns clones of every agent for which pred returns true. Agents
// are returned in a stable order (sorted by id) so callers get
// deterministic results for testing and pagination.
func (r *Registry) Filter(pred func(*RegisteredAgent) bool) []*RegisteredAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*RegisteredAgent, 0, len(ids))
	for _, id := range ids {
		rec := r.byID[id]
		if pred(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// All returns clones of every registered agent, sorted by id.
func (r *Registry) All() []*RegisteredAgent {
	return r.Filter(func(*RegisteredAgent) bool { return true })
}

// Statistics summarizes the fleet's current composition.
type Statistics struct {
	TotalAgents int
	ByState     map[ConnectionState]int
	ByHealth    map[HealthStatus]int
}

// Statistics computes aggregate counts over the registry.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		ByState:  make(map[ConnectionState]int),
		ByHealth: make(map[HealthStatus]int),
	}
	for _, rec := range r.byID {
		stats.TotalAgents++
		stats.ByState[rec.ConnectionState]++
		if rec.LatestStatus != nil {
			stats.ByHealth[rec.LatestStatus.HealthStatus]++
		} else {
			stats.ByHealth[HealthUnknown]++
		}
	}
	return stats
}

// ReadFacade is the narrow, read-only view the Distributor and Compliance
// Reporter depend on (§9): neither component may mutate the Registry, and
// the Registry never calls back into them.
type ReadFacade interface {
	LookupByID(id string) (*RegisteredAgent, error)
	LookupByCapability(c string) []*RegisteredAgent
	LookupByTag(t string) []*RegisteredAgent
	LookupByState(s ConnectionState) []*RegisteredAgent
	Filter(pred func(*RegisteredAgent) bool) []*RegisteredAgent
	All() []*RegisteredAgent
	Statistics() Statistics
}

var _ ReadFacade = (*Registry)(nil)
