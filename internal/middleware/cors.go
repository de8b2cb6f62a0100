package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is a parsed CORS allow-list. Empty or containing "*" allows everything.
type Origins map[string]bool

// ParseOrigins parses "*" or a comma-separated list of origins.
func ParseOrigins(s string) Origins {
	m := make(Origins)
	for _, o := range strings.Split(strings.TrimSpace(s), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			m[o] = true
		}
	}
	return m
}

// Allow reports the value for Access-Control-Allow-Origin, or "" when origin is not allowed.
func (o Origins) Allow(origin string) string {
	if len(o) == 0 || o["*"] {
		return "*"
	}
	if origin != "" && o[origin] {
		return origin
	}
	return ""
}

// CheckOrigin adapts the allow-list for a websocket upgrader. Requests without an
// Origin header (non-browser clients) pass.
func (o Origins) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || o.Allow(origin) != ""
}

// CORS sets CORS headers for the allowed origins and answers preflights.
func CORS(origins Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allow := origins.Allow(c.GetHeader("Origin")); allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
			if allow != "*" {
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
