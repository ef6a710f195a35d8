package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/distribution"
)

func distributionPolicy(name string) distribution.Policy {
	return distribution.Policy{Name: name}
}

func agentTarget(agentID string) distribution.Target {
	return distribution.Target{Kind: distribution.TargetAgents, AgentIDs: []string{agentID}}
}

func (s *Server) handleListPolicies(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"policies": s.Policies.List()})
}

type createPolicyRequest struct {
	Name          string              `json:"name" binding:"required"`
	Payload       json.RawMessage     `json:"payload"`
	DefaultTarget distribution.Target `json:"defaultTarget"`
}

func (s *Server) handleCreatePolicy(c *gin.Context) {
	var req createPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("name is required"))
		return
	}
	if req.DefaultTarget.Kind == "" {
		req.DefaultTarget = distribution.Target{Kind: distribution.TargetAll}
	}
	def := s.Policies.Create(req.Name, req.Payload, req.DefaultTarget)
	ok(c, http.StatusCreated, def)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	def, err := s.Policies.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, def)
}

type updatePolicyRequest struct {
	Payload       json.RawMessage      `json:"payload"`
	DefaultTarget *distribution.Target `json:"defaultTarget"`
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var req updatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("invalid request body"))
		return
	}
	def, err := s.Policies.Update(c.Param("id"), req.Payload, req.DefaultTarget)
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, def)
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	if err := s.Policies.Delete(c.Param("id")); err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

type deployPolicyRequest struct {
	Target *distribution.Target `json:"target"`
}

func (s *Server) handleDeployPolicy(c *gin.Context) {
	def, err := s.Policies.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}

	var req deployPolicyRequest
	_ = c.ShouldBindJSON(&req)
	target := def.DefaultTarget
	if req.Target != nil {
		target = *req.Target
	}

	userID := ""
	if res := authzResult(c); res != nil {
		userID = res.UserID
	}

	dist, err := s.Distributor.Distribute(distribution.Policy{Name: def.Name, Payload: def.Payload}, target, userID)
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusAccepted, dist)
}
