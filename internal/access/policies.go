package access

import "github.com/kcenon/osxfleet/internal/rbac"

func role(r rbac.Role) *rbac.Role { return &r }

// DefaultPolicies builds the AccessPolicy set described by the §6 HTTP API
// table. An external HTTP adapter registers these (in this order) on a
// freshly constructed Controller.
func DefaultPolicies() []AccessPolicy {
	admin := role(rbac.RoleAdmin)
	return []AccessPolicy{
		{ResourcePattern: "/api/v1/health", Methods: Methods("GET"), RequiresAuthentication: false},
		{ResourcePattern: "/api/v1/auth/login", Methods: Methods("POST"), RequiresAuthentication: false},
		{ResourcePattern: "/api/v1/auth/refresh", Methods: Methods("POST"), RequiresAuthentication: false},

		{ResourcePattern: "/api/v1/agents", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermAgentsView}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/agents/register", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermAgentsRegister}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/agents/{id}", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermAgentsView}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/agents/{id}", Methods: Methods("DELETE"), RequiredPermissions: []rbac.Permission{rbac.PermAgentsUnregister}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/agents/{id}/command", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermAgentsCommand}, RequiresAuthentication: true},

		{ResourcePattern: "/api/v1/policies", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesView}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/policies", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesCreate}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/policies/{id}", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesView}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/policies/{id}", Methods: Methods("PUT", "PATCH"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesUpdate}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/policies/{id}", Methods: Methods("DELETE"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesDelete}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/policies/{id}/deploy", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermPoliciesDeploy}, RequiresAuthentication: true},

		{ResourcePattern: "/api/v1/reports/{report}/export", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermReportsExport}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/reports/*", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermReportsView}, RequiresAuthentication: true},

		{ResourcePattern: "/api/v1/audit/logs", Methods: Methods("GET"), RequiredPermissions: []rbac.Permission{rbac.PermAuditView}, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/audit/logs/export", Methods: Methods("POST"), RequiredPermissions: []rbac.Permission{rbac.PermAuditExport}, RequiresAuthentication: true},

		{ResourcePattern: "/api/v1/users", Methods: Methods("GET", "POST"), MinimumRole: admin, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/users/*", Methods: Methods("GET", "POST", "PUT", "PATCH", "DELETE"), MinimumRole: admin, RequiresAuthentication: true},
		{ResourcePattern: "/api/v1/config", Methods: Methods("GET", "PUT"), MinimumRole: admin, RequiresAuthentication: true},
	}
}
