package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("username and password are required"))
		return
	}

	user, err := s.Users.VerifyPassword(req.Username, req.Password)
	if err != nil {
		errorJSON(c, err)
		return
	}

	pair, err := s.JWT.GenerateTokenPair(user)
	if err != nil {
		errorJSON(c, err)
		return
	}

	ok(c, http.StatusOK, gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"email":    user.Email,
			"role":     user.Role,
		},
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("refreshToken is required"))
		return
	}

	claims, err := s.JWT.Validate(req.RefreshToken)
	if err != nil {
		errorJSON(c, err)
		return
	}

	user, err := s.Users.GetByUsername(claims.Username)
	if err != nil {
		errorJSON(c, err)
		return
	}

	pair, err := s.JWT.Refresh(req.RefreshToken, user)
	if err != nil {
		errorJSON(c, err)
		return
	}

	ok(c, http.StatusOK, gin.H{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
	})
}
