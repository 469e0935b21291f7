package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltagent/moltagent/internal/apperrors"
)

// BearerAuth gates the HTTP management surface behind the shared token.
// Only the Authorization header is accepted here; the query-parameter form
// exists solely on the WS transport (see Server.authorized), so operator
// tokens never end up in request URLs or access logs.
func BearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "Bearer "+token {
			c.Next()
			return
		}

		appErr := apperrors.Unauthorized("Invalid or missing bearer token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, appErr.ToResponse())
	}
}
