package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus(c.Request.Context()))
}

func hasPermission(c *gin.Context, required auth.Permission) bool {
	perms, _ := c.Get("permissions")
	permissions, _ := perms.([]auth.Permission)
	for _, p := range permissions {
		if p == required {
			return true
		}
	}
	return false
}
