package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/partycast/backend/internal/auth"
	"github.com/partycast/backend/pkg/response"
)

const (
	// ContextUserID is the key for the token subject in gin context.
	ContextUserID = "user_id"
	// ContextDisplayName is the key for the participant's display name in gin context.
	ContextDisplayName = "display_name"
)

// JWT validates a bearer token when one is present. With required set, requests without
// a token are rejected; otherwise they continue anonymously.
func JWT(jwtService *auth.JWTService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || jwtService == nil {
			if required {
				response.Unauthorized(c, "missing authorization header")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.Subject)
		c.Set(ContextDisplayName, claims.Name())
		c.Next()
	}
}

// DisplayName returns the authenticated participant's name, or "" for anonymous requests.
func DisplayName(c *gin.Context) string {
	return c.GetString(ContextDisplayName)
}
