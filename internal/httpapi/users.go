package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/rbac"
)

func (s *Server) handleListUsers(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"users": s.Users.List()})
}

func (s *Server) handleGetUser(c *gin.Context) {
	u, err := s.Users.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

type createUserRequest struct {
	Username string     `json:"username" binding:"required"`
	Email    string     `json:"email" binding:"required"`
	Password string     `json:"password" binding:"required"`
	Role     rbac.Role  `json:"role" binding:"required"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("username, email, password and role are required"))
		return
	}
	u, err := s.Users.Create(req.Username, req.Email, req.Password, req.Role)
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusCreated, u)
}

type updateUserRequest struct {
	Active *bool      `json:"active"`
	Role   *rbac.Role `json:"role"`
}

func (s *Server) handleUpdateUser(c *gin.Context) {
	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, apperrors.ValidationFailed("invalid request body"))
		return
	}
	if req.Active != nil {
		if err := s.Users.SetActive(c.Param("id"), *req.Active); err != nil {
			errorJSON(c, err)
			return
		}
	}
	if req.Role != nil {
		if err := s.Users.SetRole(c.Param("id"), *req.Role); err != nil {
			errorJSON(c, err)
			return
		}
	}
	u, err := s.Users.Get(c.Param("id"))
	if err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	if err := s.Users.Delete(c.Param("id")); err != nil {
		errorJSON(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}
