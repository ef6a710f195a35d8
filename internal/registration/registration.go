// Package registration implements the Registration Service (spec §4.E): an
// approval policy engine sitting in front of the Agent Registry.
package registration

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/events"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/registry"
	"github.com/kcenon/osxfleet/internal/sanitize"
)

// Policy selects the approval workflow.
type Policy string

const (
	PolicyAutoApprove     Policy = "auto-approve"
	PolicyManualApprove   Policy = "manual-approve"
	PolicyWhitelistOnly   Policy = "whitelist-only"
	PolicyHostnamePattern Policy = "hostname-pattern"
)

// Config parameterizes the Registration Service.
type Config struct {
	Policy              Policy
	RequiredCapabilities []string
	MinimumAppVersion   string
	// Whitelist holds allowed serialHash values for PolicyWhitelistOnly.
	Whitelist []string
	// HostnamePattern is a regular expression (matched case-insensitively)
	// for PolicyHostnamePattern.
	HostnamePattern string
	HeartbeatInterval time.Duration
	ServerVersion     string
}

// Request is the registration payload an agent submits.
type Request struct {
	Identity     registry.AgentIdentity
	Capabilities []string
}

// Result mirrors §6's success/failure/pending registration payloads.
type Result struct {
	Success           bool
	AgentID           string
	AuthToken         string
	TokenExpiresAt    time.Time
	HeartbeatInterval time.Duration
	ServerVersion     string
	Message           string
}

// registerer is the narrow write surface the service needs from the
// Registry.
type registerer interface {
	Register(identity registry.AgentIdentity, capabilities []string) (*registry.RegisteredAgent, string, error)
}

// Service is the single-writer domain over the pending-approval map.
type Service struct {
	mu      sync.Mutex
	pending map[string]Request

	cfg       Config
	registry  registerer
	bus       events.Bus
	sanitizer *sanitize.Sanitizer
	hostRe    *regexp.Regexp
}

// NewService constructs a Registration Service. bus may be nil, in which
// case events are dropped (useful for tests that don't care about
// notifications).
func NewService(cfg Config, reg registerer, bus events.Bus) (*Service, error) {
	s := &Service{
		pending:   make(map[string]Request),
		cfg:       cfg,
		registry:  reg,
		bus:       bus,
		sanitizer: sanitize.New(),
	}
	if cfg.Policy == PolicyHostnamePattern && cfg.HostnamePattern != "" {
		re, err := regexp.Compile("(?i)" + cfg.HostnamePattern)
		if err != nil {
			return nil, apperrors.ValidationFailed("invalid hostname pattern: " + err.Error())
		}
		s.hostRe = re
	}
	return s, nil
}

func (s *Service) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

func hasSubset(required, submitted []string) bool {
	have := make(map[string]struct{}, len(submitted))
	for _, c := range submitted {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// compareVersions implements §4.E(b): dotted-numeric comparison, padding the
// shorter side with zeros, lexicographic by integer parts. Returns -1, 0, 1
// as a<b, a==b, a>b.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *Service) validate(cfg Config, req Request) error {
	if !hasSubset(cfg.RequiredCapabilities, req.Capabilities) {
		return apperrors.MissingCapabilities(cfg.RequiredCapabilities)
	}
	if cfg.MinimumAppVersion != "" && compareVersions(req.Identity.AppVersion, cfg.MinimumAppVersion) < 0 {
		return apperrors.VersionTooOld(cfg.MinimumAppVersion, req.Identity.AppVersion)
	}
	return nil
}

func (s *Service) sanitizeIdentity(identity registry.AgentIdentity) registry.AgentIdentity {
	identity.Hostname = s.sanitizer.Text(identity.Hostname)
	identity.HardwareModel = s.sanitizer.Text(identity.HardwareModel)
	identity.Username = s.sanitizer.Text(identity.Username)
	return identity
}

// Register implements the full §4.E decision flow for a fresh submission.
func (s *Service) Register(req Request) (*Result, error) {
	cfg := s.CurrentConfig()

	if err := s.validate(cfg, req); err != nil {
		return nil, err
	}
	req.Identity = s.sanitizeIdentity(req.Identity)

	switch cfg.Policy {
	case PolicyAutoApprove:
		return s.approve(cfg, req)

	case PolicyWhitelistOnly:
		for _, allowed := range cfg.Whitelist {
			if allowed == req.Identity.SerialHash {
				return s.approve(cfg, req)
			}
		}
		logging.Registration().Warn().Str("serial_hash", req.Identity.SerialHash).Msg("registration rejected: not whitelisted")
		return &Result{Success: false, Message: "device is not in the registration whitelist"}, nil

	case PolicyHostnamePattern:
		s.mu.Lock()
		hostRe := s.hostRe
		s.mu.Unlock()
		if hostRe != nil && hostRe.MatchString(req.Identity.Hostname) {
			return s.approve(cfg, req)
		}
		return &Result{Success: false, Message: "hostname does not match the required pattern"}, nil

	case PolicyManualApprove:
		return s.enqueuePending(req)

	default:
		return s.enqueuePending(req)
	}
}

func (s *Service) approve(cfg Config, req Request) (*Result, error) {
	rec, token, err := s.registry.Register(req.Identity, req.Capabilities)
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.TypeAgentRegistered, AgentID: rec.Identity.ID})
	return &Result{
		Success:           true,
		AgentID:           rec.Identity.ID,
		AuthToken:         token,
		TokenExpiresAt:    rec.TokenExpiresAt,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ServerVersion:     cfg.ServerVersion,
	}, nil
}

func (s *Service) enqueuePending(req Request) (*Result, error) {
	s.mu.Lock()
	s.pending[req.Identity.ID] = req
	s.mu.Unlock()

	s.publish(events.Event{Type: events.TypeRegistrationPending, AgentID: req.Identity.ID})
	return &Result{Success: false, AgentID: req.Identity.ID, Message: "pending"}, nil
}

// ApproveManual moves a pending request out of the pending map and
// registers it.
func (s *Service) ApproveManual(agentID string) (*Result, error) {
	s.mu.Lock()
	req, ok := s.pending[agentID]
	if ok {
		delete(s.pending, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, apperrors.AgentNotFound(agentID)
	}
	return s.approve(s.CurrentConfig(), req)
}

// RejectManual moves a pending request out of the pending map and emits
// registrationRejected.
func (s *Service) RejectManual(agentID string, reason string) error {
	s.mu.Lock()
	_, ok := s.pending[agentID]
	if ok {
		delete(s.pending, agentID)
	}
	s.mu.Unlock()

	if !ok {
		return apperrors.AgentNotFound(agentID)
	}
	s.publish(events.Event{Type: events.TypeRegistrationRejected, AgentID: agentID, Payload: reason})
	return nil
}

// BulkApprove approves every listed agent id, collecting a result or error
// per id.
func (s *Service) BulkApprove(agentIDs []string) map[string]*Result {
	out := make(map[string]*Result, len(agentIDs))
	for _, id := range agentIDs {
		res, err := s.ApproveManual(id)
		if err != nil {
			out[id] = &Result{Success: false, AgentID: id, Message: err.Error()}
			continue
		}
		out[id] = res
	}
	return out
}

// BulkReject rejects every listed agent id with the given reason.
func (s *Service) BulkReject(agentIDs []string, reason string) map[string]error {
	out := make(map[string]error, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = s.RejectManual(id, reason)
	}
	return out
}

// Pending returns a snapshot of the requests currently awaiting approval.
func (s *Service) Pending() map[string]Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Request, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// CurrentConfig returns a snapshot of the service's live configuration, for
// the admin-only config:view surface.
func (s *Service) CurrentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetPolicy updates the approval policy in place, for the admin-only
// config:update surface. Switching to hostname-pattern without ever having
// compiled a pattern leaves matching off (enqueuePending behavior unaffected
// since hostRe nil is only consulted under that policy).
func (s *Service) SetPolicy(policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Policy = policy
}

// SetRequiredCapabilities updates the capability floor new registrations
// must satisfy.
func (s *Service) SetRequiredCapabilities(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.RequiredCapabilities = append([]string(nil), caps...)
}
