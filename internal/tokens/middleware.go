package tokens

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding verified token claims.
const ClaimsKey = "tokenClaims"

// RefreshHeader is set on responses when the token verified under the
// previous secret and the client should re-authenticate.
const RefreshHeader = "X-Token-Refresh"

// Middleware returns a gin middleware that requires a valid bearer token.
// Verified claims are stored in the request context under ClaimsKey.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing bearer token",
			})
			return
		}

		verified, err := svc.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid or expired token",
			})
			return
		}

		if verified.ShouldRefresh {
			c.Header(RefreshHeader, "true")
		}
		c.Set(ClaimsKey, verified.Claims)
		c.Next()
	}
}
