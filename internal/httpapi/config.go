package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/registration"
)

func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.Registration.CurrentConfig()
	ok(c, http.StatusOK, gin.H{
		"registration": cfg,
		"compliance":   s.Compliance.Config(),
	})
}

type updateConfigRequest struct {
	RegistrationPolicy  *string  `json:"registrationPolicy"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req updateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("invalid request body"))
		return
	}
	if req.RegistrationPolicy != nil {
		s.Registration.SetPolicy(registration.Policy(*req.RegistrationPolicy))
	}
	if req.RequiredCapabilities != nil {
		s.Registration.SetRequiredCapabilities(req.RequiredCapabilities)
	}
	ok(c, http.StatusOK, s.Registration.CurrentConfig())
}
