package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
)

const ctxRequester = "ledger_requester"

// RequireToken returns a Gin middleware that enforces a valid Bearer token.
//
// On success it injects the authz.Requester into the context under the
// "ledger_requester" key.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}
		r, err := claims.Requester()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		SetRequester(c, r)
		c.Next()
	}
}

// SetRequester stores r on the context. Tests and trusted front-ends use it
// in place of RequireToken.
func SetRequester(c *gin.Context, r authz.Requester) {
	c.Set(ctxRequester, r)
}

// RequesterFromCtx retrieves the requester injected by RequireToken.
func RequesterFromCtx(c *gin.Context) (authz.Requester, bool) {
	v, ok := c.Get(ctxRequester)
	if !ok {
		return authz.Requester{}, false
	}
	r, ok := v.(authz.Requester)
	return r, ok
}
