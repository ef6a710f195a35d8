// Package access implements the Access Controller (spec §4.D): policy
// matched, role-and-permission-gated authorization with audit.
package access

import (
	"strings"
	"sync"
	"time"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/jwtauth"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/rbac"
)

// DefaultPolicyMode controls what happens when no registered AccessPolicy
// matches a (resource, method) pair.
type DefaultPolicyMode string

const (
	DefaultDeny              DefaultPolicyMode = "deny"
	DefaultAllow              DefaultPolicyMode = "allow"
	DefaultAuthenticatedOnly DefaultPolicyMode = "authenticatedOnly"
)

// AccessPolicy declares one authorization rule.
type AccessPolicy struct {
	// ResourcePattern matches by exact equality, a trailing "*" prefix
	// wildcard, or segment-wise with "{name}" matching any single
	// non-empty path segment.
	ResourcePattern string
	Methods         map[string]struct{}
	// RequiredPermissions is an any-of set; empty means no permission is
	// required beyond a valid token.
	RequiredPermissions []rbac.Permission
	// MinimumRole, if non-nil, is the least-privileged role allowed.
	MinimumRole *rbac.Role
	RequiresAuthentication bool
}

// Methods is a convenience constructor for AccessPolicy.Methods.
func Methods(methods ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(methods))
	for _, meth := range methods {
		m[strings.ToUpper(meth)] = struct{}{}
	}
	return m
}

func matchResource(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(resource, prefix)
	}

	patSegs := strings.Split(pattern, "/")
	resSegs := strings.Split(resource, "/")
	if len(patSegs) != len(resSegs) {
		return false
	}
	for i, ps := range patSegs {
		if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
			if resSegs[i] == "" {
				return false
			}
			continue
		}
		if ps != resSegs[i] {
			return false
		}
	}
	return true
}

// AuditEntry records one authorization evaluation.
type AuditEntry struct {
	Timestamp time.Time
	UserID    string
	Resource  string
	Method    string
	Allowed   bool
	Reason    string
}

// AuditMode controls which evaluations are recorded.
type AuditMode string

const (
	AuditAll      AuditMode = "all"
	AuditDenials  AuditMode = "denialsOnly"
)

// Config parameterizes the Access Controller.
type Config struct {
	DefaultPolicy  DefaultPolicyMode
	AuditMode      AuditMode
	MaxAuditEntries int
}

// Result is the outcome of one Authorize call.
type Result struct {
	Allowed bool
	UserID  string
	Claims  *jwtauth.Claims
}

// Controller is the single-writer domain over registered policies, the
// session cache, and the audit deque.
type Controller struct {
	mu       sync.RWMutex
	policies []AccessPolicy
	cfg      Config
	jwt      *jwtauth.Provider
	limiter  *RateLimiter

	sessMu   sync.RWMutex
	sessions map[string]*jwtauth.Claims

	auditMu sync.Mutex
	audit   []AuditEntry
}

// NewController constructs an Access Controller backed by jwt for token
// validation.
func NewController(cfg Config, jwt *jwtauth.Provider) *Controller {
	return &Controller{
		cfg:      cfg,
		jwt:      jwt,
		sessions: make(map[string]*jwtauth.Claims),
	}
}

// SetRateLimiter attaches an optional per-caller rate limiter; Authorize
// consults it, keyed by the bearer token (or "anonymous" pre-auth), before
// evaluating any policy. A nil limiter (the default) disables throttling.
func (c *Controller) SetRateLimiter(rl *RateLimiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = rl
}

// RegisterPolicy appends a policy. Policies are matched in registration
// order - the first whose method set and pattern match wins (§4.D step 1).
func (c *Controller) RegisterPolicy(p AccessPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, p)
}

func (c *Controller) findPolicy(resource, method string) (AccessPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	method = strings.ToUpper(method)
	for _, p := range c.policies {
		if _, ok := p.Methods[method]; !ok {
			continue
		}
		if matchResource(p.ResourcePattern, resource) {
			return p, true
		}
	}
	return AccessPolicy{}, false
}

// rateLimitKey identifies the caller for throttling purposes pre-auth: the
// bearer token itself (cheap, avoids a JWT parse just to rate limit) or
// "anonymous" when absent.
func rateLimitKey(token *string) string {
	if token == nil || *token == "" {
		return "anonymous"
	}
	return *token
}

// Authorize implements the §4.D authorization algorithm exactly.
func (c *Controller) Authorize(token *string, resource, method string) (*Result, error) {
	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	if limiter != nil && !limiter.Allow(rateLimitKey(token)) {
		err := apperrors.Forbidden("rate limit exceeded")
		c.recordAudit("", resource, method, false, "rate limited")
		return nil, err
	}

	policy, matched := c.findPolicy(resource, method)

	if !matched {
		switch c.cfg.DefaultPolicy {
		case DefaultAllow:
			c.recordAudit("", resource, method, true, "default policy allow")
			return &Result{Allowed: true}, nil
		case DefaultAuthenticatedOnly:
			if token == nil || *token == "" {
				err := apperrors.Unauthorized("authentication required")
				c.recordAudit("", resource, method, false, err.Message)
				return nil, err
			}
			claims, err := c.jwt.Validate(*token)
			if err != nil {
				c.recordAudit("", resource, method, false, "invalid token under default authenticatedOnly policy")
				return nil, translateValidationError(err)
			}
			userID, uerr := jwtauth.ExtractUserID(claims)
			if uerr != nil {
				c.recordAudit("", resource, method, false, "unparseable subject")
				return nil, uerr
			}
			c.cacheSession(userID, claims)
			c.recordAudit(userID, resource, method, true, "default policy authenticatedOnly")
			return &Result{Allowed: true, UserID: userID, Claims: claims}, nil
		default: // deny
			if token == nil || *token == "" {
				err := apperrors.Unauthorized("no matching policy and no credentials supplied")
				c.recordAudit("", resource, method, false, err.Message)
				return nil, err
			}
			err := apperrors.Forbidden(string(resource))
			c.recordAudit("", resource, method, false, "no matching policy, default deny")
			return nil, err
		}
	}

	if !policy.RequiresAuthentication && (token == nil || *token == "") {
		c.recordAudit("", resource, method, true, "policy does not require authentication")
		return &Result{Allowed: true}, nil
	}

	if token == nil || *token == "" {
		err := apperrors.Unauthorized("authentication required")
		c.recordAudit("", resource, method, false, err.Message)
		return nil, err
	}

	claims, err := c.jwt.Validate(*token)
	if err != nil {
		terr := translateValidationError(err)
		c.recordAudit("", resource, method, false, "token validation failed: "+terr.Message)
		return nil, terr
	}

	if claims.TokenType != jwtauth.TokenTypeAccess {
		err := apperrors.InvalidToken()
		c.recordAudit("", resource, method, false, "non-access token used for authorization")
		return nil, err
	}

	userID, err := jwtauth.ExtractUserID(claims)
	if err != nil {
		c.recordAudit("", resource, method, false, "unparseable subject claim")
		return nil, err
	}

	if policy.MinimumRole != nil && !claims.Role.HasAtLeastPrivilegesOf(*policy.MinimumRole) {
		aerr := apperrors.InsufficientPrivileges(string(*policy.MinimumRole), string(claims.Role))
		c.recordAudit(userID, resource, method, false, aerr.Message)
		return nil, aerr
	}

	if len(policy.RequiredPermissions) > 0 && !claims.Role.HasAny(policy.RequiredPermissions) {
		missing, _ := claims.Role.FirstMissing(policy.RequiredPermissions)
		aerr := apperrors.Forbidden(string(missing))
		c.recordAudit(userID, resource, method, false, aerr.Message)
		return nil, aerr
	}

	c.cacheSession(userID, claims)
	c.recordAudit(userID, resource, method, true, "granted")
	return &Result{Allowed: true, UserID: userID, Claims: claims}, nil
}

// translateValidationError maps JWT Provider failures onto the Access
// Controller's output contract (§4.D step 3): tokenExpired passes through,
// everything else becomes invalidToken.
func translateValidationError(err error) *apperrors.Error {
	if aerr, ok := apperrors.As(err); ok {
		if aerr.Kind == apperrors.KindTokenExpired {
			return aerr
		}
	}
	return apperrors.InvalidToken()
}

func (c *Controller) cacheSession(userID string, claims *jwtauth.Claims) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	c.sessions[userID] = claims
}

// CachedClaims returns the last cached claims for a user id, if any.
func (c *Controller) CachedClaims(userID string) (*jwtauth.Claims, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	claims, ok := c.sessions[userID]
	return claims, ok
}

func (c *Controller) recordAudit(userID, resource, method string, allowed bool, reason string) {
	if c.cfg.AuditMode == AuditDenials && allowed {
		return
	}
	entry := AuditEntry{
		Timestamp: time.Now(),
		UserID:    userID,
		Resource:  resource,
		Method:    method,
		Allowed:   allowed,
		Reason:    reason,
	}

	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	c.audit = append([]AuditEntry{entry}, c.audit...)
	if c.cfg.MaxAuditEntries > 0 && len(c.audit) > c.cfg.MaxAuditEntries {
		c.audit = c.audit[:c.cfg.MaxAuditEntries]
	}

	if !allowed {
		logging.AccessController().Warn().Str("user_id", userID).Str("resource", resource).Str("method", method).Str("reason", reason).Msg("access denied")
	}
}

// AuditEntries returns up to limit most-recent audit entries, newest first.
func (c *Controller) AuditEntries(limit int) []AuditEntry {
	c.auditMu.Lock()
	defer c.auditMu.Unlock()
	if limit <= 0 || limit > len(c.audit) {
		limit = len(c.audit)
	}
	out := make([]AuditEntry, limit)
	copy(out, c.audit[:limit])
	return out
}
