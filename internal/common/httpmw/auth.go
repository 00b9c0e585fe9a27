package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth enforces a static API key on every request when one is
// configured. Auth providers are pluggable at the deployment boundary;
// the coordinator itself only checks the shared key. With disabled=true
// or an empty key the middleware is a pass-through.
func APIKeyAuth(disabled bool, apiKey string) gin.HandlerFunc {
	if disabled || apiKey == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if provided != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid or missing API key"})
			return
		}
		c.Next()
	}
}
