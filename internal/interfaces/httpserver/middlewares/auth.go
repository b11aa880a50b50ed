package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aperture-server/services/gallery-api/internal/infrastructure/auth"
)

// AuthMiddleware validates bearer tokens when a validator is configured.
// With auth disabled (the default behind a trusted gateway) it is a no-op.
func AuthMiddleware(validator *auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}
		principal, err := validator.Validate(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Set("principal", principal)
		c.Next()
	}
}
