// Package rbac implements the control plane's role hierarchy, the closed
// permission enumeration each role grants, and the User record model.
//
// Everything here is a pure lookup over immutable constants: no mutation, no
// failure modes, matching §4.A of the specification.
package rbac

import "time"

// Role is one of a strict, three-level hierarchy.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// level returns the role's hierarchy level: admin=100, operator=50, viewer=10.
// An unrecognized role sorts below viewer.
func (r Role) level() int {
	switch r {
	case RoleAdmin:
		return 100
	case RoleOperator:
		return 50
	case RoleViewer:
		return 10
	default:
		return 0
	}
}

// HasAtLeastPrivilegesOf reports whether r's hierarchy level is not lower
// than other's.
func (r Role) HasAtLeastPrivilegesOf(other Role) bool {
	return r.level() >= other.level()
}

// Permission is a string of shape "resource:verb" drawn from a closed set.
type Permission string

// Permission categories: agents, policies, reports, audit, users, system.
const (
	PermAgentsView       Permission = "agents:view"
	PermAgentsRegister   Permission = "agents:register"
	PermAgentsUnregister Permission = "agents:unregister"
	PermAgentsCommand    Permission = "agents:command"

	PermPoliciesView   Permission = "policies:view"
	PermPoliciesCreate Permission = "policies:create"
	PermPoliciesUpdate Permission = "policies:update"
	PermPoliciesDelete Permission = "policies:delete"
	PermPoliciesDeploy Permission = "policies:deploy"

	PermReportsView   Permission = "reports:view"
	PermReportsExport Permission = "reports:export"

	PermAuditView   Permission = "audit:view"
	PermAuditExport Permission = "audit:export"

	PermUsersView   Permission = "users:view"
	PermUsersManage Permission = "users:manage"

	PermSystemConfigView   Permission = "config:view"
	PermSystemConfigUpdate Permission = "config:update"
)

// rolePermissions is the closed mapping from role to granted permissions.
// Invariant: admin ⊇ operator ⊇ viewer.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleViewer: set(
		PermAgentsView,
		PermPoliciesView,
		PermReportsView,
		PermAuditView,
	),
	RoleOperator: set(
		PermAgentsView, PermAgentsRegister, PermAgentsUnregister, PermAgentsCommand,
		PermPoliciesView, PermPoliciesCreate, PermPoliciesUpdate, PermPoliciesDelete, PermPoliciesDeploy,
		PermReportsView, PermReportsExport,
		PermAuditView, PermAuditExport,
	),
	RoleAdmin: set(
		PermAgentsView, PermAgentsRegister, PermAgentsUnregister, PermAgentsCommand,
		PermPoliciesView, PermPoliciesCreate, PermPoliciesUpdate, PermPoliciesDelete, PermPoliciesDeploy,
		PermReportsView, PermReportsExport,
		PermAuditView, PermAuditExport,
		PermUsersView, PermUsersManage,
		PermSystemConfigView, PermSystemConfigUpdate,
	),
}

func set(perms ...Permission) map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

// HasPermission reports whether role grants permission p.
func (r Role) HasPermission(p Permission) bool {
	granted, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, has := granted[p]
	return has
}

// HasAny reports whether role grants at least one of perms. An empty perms
// set is vacuously satisfied (§4.D step 7: "required permissions non-empty").
func (r Role) HasAny(perms []Permission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if r.HasPermission(p) {
			return true
		}
	}
	return false
}

// FirstMissing returns the first permission in perms that role does not
// grant, used to report a specific forbidden(permission) error.
func (r Role) FirstMissing(perms []Permission) (Permission, bool) {
	for _, p := range perms {
		if !r.HasPermission(p) {
			return p, true
		}
	}
	return "", false
}

// User is the RBAC-bearing identity. Users are created and stored by an
// external user store (out of scope); this type is the shape the rest of
// the core reads.
type User struct {
	ID          string
	Username    string
	Email       string
	Role        Role
	Active      bool
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// HasPermission reports whether the user is active and its role grants p.
func (u User) HasPermission(p Permission) bool {
	return u.Active && u.Role.HasPermission(p)
}
