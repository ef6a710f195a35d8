// Package httpapi is the thin HTTP adapter over the Access Controller
// implementing the specification's §6 route table. It is the only package
// in this module that imports gin; every core component (registry,
// registration, heartbeat, distribution, compliance, access, jwtauth,
// rbac) has zero net/http or gin dependency.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/access"
	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/audit"
	"github.com/kcenon/osxfleet/internal/compliance"
	"github.com/kcenon/osxfleet/internal/distribution"
	"github.com/kcenon/osxfleet/internal/heartbeat"
	"github.com/kcenon/osxfleet/internal/jwtauth"
	"github.com/kcenon/osxfleet/internal/logging"
	"github.com/kcenon/osxfleet/internal/policystore"
	"github.com/kcenon/osxfleet/internal/registration"
	"github.com/kcenon/osxfleet/internal/registry"
	"github.com/kcenon/osxfleet/internal/userstore"
)

// Server aggregates every core component the route table dispatches to.
type Server struct {
	Access        *access.Controller
	JWT           *jwtauth.Provider
	Users         *userstore.Store
	Registry      *registry.Registry
	Registration  *registration.Service
	Heartbeat     *heartbeat.Monitor
	Distributor   *distribution.Distributor
	Policies      *policystore.Store
	Compliance    *compliance.Reporter
	AuditLog      *audit.Log
	ServerVersion string
}

// errorJSON maps an apperrors.Error (or any other error) onto the
// specification's ServerResponse.error envelope (§6) and the corresponding
// HTTP status.
func errorJSON(c *gin.Context, err error) {
	if aerr, ok := apperrors.As(err); ok {
		c.JSON(apperrors.StatusFor(aerr.Kind), gin.H{
			"success": false,
			"error": gin.H{
				"code":    string(aerr.Kind),
				"message": aerr.Message,
				"details": aerr.Details,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   gin.H{"code": string(apperrors.KindInternal), "message": err.Error()},
	})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// bearerToken extracts the raw credential from the Authorization header,
// stripping an optional "Bearer " prefix. Returns nil when absent, which
// the Access Controller treats as an unauthenticated call.
func bearerToken(c *gin.Context) *string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return nil
	}
	h = strings.TrimPrefix(h, "Bearer ")
	h = strings.TrimSpace(h)
	if h == "" {
		return nil
	}
	return &h
}

// resourcePath returns the path the Access Controller should match policies
// against: gin's route template with named params substituted isn't what we
// want (we want the literal matched segments so "{id}" patterns line up),
// so callers pass the concrete request path.
func resourcePath(c *gin.Context) string {
	return c.Request.URL.Path
}

// authorize runs the Access Controller for the current request and aborts
// the handler chain with the mapped error on denial. On success it stashes
// the Result in gin's context under "authz" for handlers to read the
// caller's userID/claims.
func authorize(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		result, err := s.Access.Authorize(token, resourcePath(c), c.Request.Method)
		if err != nil {
			errorJSON(c, err)
			c.Abort()
			return
		}
		c.Set("authz", result)
		c.Next()
	}
}

func authzResult(c *gin.Context) *access.Result {
	v, ok := c.Get("authz")
	if !ok {
		return nil
	}
	r, _ := v.(*access.Result)
	return r
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// NewRouter builds the full gin engine implementing the §6 route table,
// mounting every handler group behind the Access Controller.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Header("X-Protocol-Version", "1.0.0")
		c.Next()
	})

	api := r.Group("/api/v1")
	api.Use(authorize(s))

	api.GET("/health", s.handleHealth)

	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/refresh", s.handleRefresh)

	agents := api.Group("/agents")
	agents.GET("", s.handleListAgents)
	agents.POST("/register", s.handleRegisterAgent)
	agents.GET("/:id", s.handleGetAgent)
	agents.DELETE("/:id", s.handleUnregisterAgent)
	agents.POST("/:id/command", s.handleAgentCommand)

	policies := api.Group("/policies")
	policies.GET("", s.handleListPolicies)
	policies.POST("", s.handleCreatePolicy)
	policies.GET("/:id", s.handleGetPolicy)
	policies.PUT("/:id", s.handleUpdatePolicy)
	policies.PATCH("/:id", s.handleUpdatePolicy)
	policies.DELETE("/:id", s.handleDeletePolicy)
	policies.POST("/:id/deploy", s.handleDeployPolicy)

	reports := api.Group("/reports")
	reports.GET("/overview", s.handleFleetOverview)
	reports.GET("/agents/:id", s.handleAgentReport)
	reports.GET("/distributions/:id", s.handlePolicyExecutionReport)
	reports.POST("/overview/export", s.handleExportFleetOverview)

	auditGroup := api.Group("/audit")
	auditGroup.GET("/logs", s.handleAuditLogs)
	auditGroup.POST("/logs/export", s.handleExportAuditLogs)

	users := api.Group("/users")
	users.GET("", s.handleListUsers)
	users.POST("", s.handleCreateUser)
	users.GET("/:id", s.handleGetUser)
	users.PATCH("/:id", s.handleUpdateUser)
	users.DELETE("/:id", s.handleDeleteUser)

	api.GET("/config", s.handleGetConfig)
	api.PUT("/config", s.handleUpdateConfig)

	logging.HTTP().Info().Msg("router configured")
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "healthy", "serverVersion": s.ServerVersion})
}
