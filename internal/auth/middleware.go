package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orharazi/Scratch-Desk-sub002/internal/types"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
)

// AuthMiddleware validates the bearer token. With authentication disabled
// every request gets all permissions.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(permissionsKey, RolePermissions(RoleAdmin))
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "missing or malformed authorization header", nil))
			return
		}

		claims, permissions, err := a.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(usernameKey, claims.Username)
		c.Next()
	}
}

// bearerToken reads "Authorization: Bearer <token>", or the token query
// parameter for browser WebSocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// RequirePermission aborts with 403 unless the caller holds required.
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get(permissionsKey)
		permissions, _ := perms.([]Permission)

		for _, p := range permissions {
			if p == required {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
			types.ErrCodeForbidden, "insufficient permissions", map[string]interface{}{"required": string(required)}))
	}
}

// Username returns the operator behind the request, if any.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
