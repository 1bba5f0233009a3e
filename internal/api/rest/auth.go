package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	PIN      string `json:"pin" binding:"required"`
}

// POST /api/v1/auth/login
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "AUTH", "Invalid request body", err)
		return
	}

	token, err := s.authService.Login(c.Request.Context(), req.Username, req.PIN)
	if err != nil {
		respondError(c, "AUTH", "Login failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   token.ExpiresAt,
		"username":     token.Username,
		"role":         token.Role,
	})
}

// GET /api/v1/auth/me
func (s *Server) currentOperator(c *gin.Context) {
	perms, _ := c.Get("permissions")
	c.JSON(http.StatusOK, gin.H{
		"username":     auth.Username(c),
		"permissions":  perms,
		"auth_enabled": s.authService.Enabled(),
	})
}
