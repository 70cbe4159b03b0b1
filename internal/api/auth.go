package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tez-core/pkg/hostinfo"
)

const operatorContextKey = "Operator"

// AuthMiddleware enforces operator tokens. The token is read from a Bearer
// Authorization header, or from the token query parameter for websocket
// upgrades where browsers cannot set headers. A nil verifier disables auth.
func AuthMiddleware(v *hostinfo.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		token := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":  "INVALID_AUTH_HEADER",
					"error": "invalid Authorization header",
				})
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, hostinfo.ErrMachineMismatch) {
				code = "WRONG_MACHINE"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  code,
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(operatorContextKey, claims.Operator)
		c.Next()
	}
}

// CurrentOperator returns the authenticated operator from context.
func CurrentOperator(c *gin.Context) string {
	if v, ok := c.Get(operatorContextKey); ok {
		if op, okCast := v.(string); okCast {
			return op
		}
	}
	return ""
}
