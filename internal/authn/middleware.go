package authn

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/problem"
)

// Middleware resolves the Authorization bearer token into an AuthContext.
// With required=true, unresolvable tokens abort with 401 problem+json; with
// required=false the request continues anonymously (handlers that can serve
// both authenticated and anonymous callers check FromGin themselves).
func Middleware(v *Validator, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			if required {
				problem.Abort(c, problem.Unauthorized())
				return
			}
			c.Next()
			return
		}

		ac := v.ResolveAuthContext(c.Request.Context(), token)
		if ac == nil {
			if required {
				problem.Abort(c, problem.Unauthorized())
				return
			}
			c.Next()
			return
		}

		setGin(c, ac)
		c.Next()
	}
}
