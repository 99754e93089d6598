package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gin returns a gin middleware that aborts requests without a valid token.
// Verified claims are available through c.Get(ClaimsKey) and ClaimsFromContext.
func (a *Authenticator) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.skip(c.FullPath()) || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		claims, err := a.authenticate(c.Request.Context(), c.GetHeader("Authorization"), c.FullPath())
		if err != nil {
			status, body := httpError(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", unauthorizedHeader)
			}
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(status, body)
			return
		}

		c.Set(ClaimsKey, claims)
		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}
