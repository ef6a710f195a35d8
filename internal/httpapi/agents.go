package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/registration"
	"github.com/kcenon/osxfleet/internal/registry"
)

func (s *Server) handleListAgents(c *gin.Context) {
	var agents []*registry.RegisteredAgent
	if tag := c.Query("tag"); tag != "" {
		agents = s.Registry.LookupByTag(tag)
	} else if capability := c.Query("capability"); capability != "" {
		agents = s.Registry.LookupByCapability(capability)
	} else if state := c.Query("state"); state != "" {
		agents = s.Registry.LookupByState(registry.ConnectionState(state))
	} else {
		agents = s.Registry.All()
	}
	ok(c, http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.Registry.LookupByID(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, agent)
}

func (s *Server) handleUnregisterAgent(c *gin.Context) {
	if err := s.Registry.Unregister(c.Param("id")); err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"unregistered": c.Param("id")})
}

type registerAgentRequest struct {
	Identity     registry.AgentIdentity `json:"identity"`
	Capabilities []string               `json:"capabilities"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("invalid request body"))
		return
	}
	if req.Identity.ID == "" {
		errorJSON(c, apperrors.ValidationFailed("identity.id is required"))
		return
	}

	result, err := s.Registration.Register(registration.Request{
		Identity:     req.Identity,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		errorJSON(c, err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusAccepted
	}
	ok(c, status, result)
}

type agentCommandRequest struct {
	PolicyName string `json:"policyName" binding:"required"`
}

// handleAgentCommand deploys the policy named in the request body, with no
// stored payload, to a single agent -
// the §6 "/agents/{id}/command" route, distinct from the named-policy
// "/policies/{id}/deploy" flow.
func (s *Server) handleAgentCommand(c *gin.Context) {
	var req agentCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("policyName is required"))
		return
	}

	userID := ""
	if res := authzResult(c); res != nil {
		userID = res.UserID
	}

	dist, err := s.Distributor.Distribute(distributionPolicy(req.PolicyName), agentTarget(c.Param("id")), userID)
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusAccepted, dist)
}
