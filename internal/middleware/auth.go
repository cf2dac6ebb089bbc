// Package middleware contains gin middleware for authentication and
// authorization.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dockhand/composeops/internal/auth"
	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/utils"
)

// Context keys set by the auth middleware.
const (
	ContextKeyUserID = "user_id"
	ContextKeyRole   = "user_role"
)

// TokenValidator validates bearer tokens. The auth service satisfies it.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*auth.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token and stores
// the caller's identity on the gin context.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			utils.Unauthorized(c, "Missing bearer token")
			c.Abort()
			return
		}

		claims, err := validator.ValidateAccessToken(token)
		if err != nil {
			utils.Unauthorized(c, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin allows only callers whose token carries the admin role.
// It must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyRole) != string(models.RoleAdmin) {
			utils.Forbidden(c, "")
			c.Abort()
			return
		}
		c.Next()
	}
}

// extractBearerToken reads the Authorization header. The WebSocket
// transport cannot set headers, so the token query parameter is accepted
// as a fallback.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// CurrentUserID returns the authenticated user's id from the context,
// or nil when the request is unauthenticated (system attribution).
func CurrentUserID(c *gin.Context) *uint {
	value, exists := c.Get(ContextKeyUserID)
	if !exists {
		return nil
	}
	id, ok := value.(uint)
	if !ok {
		return nil
	}
	return &id
}
