package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Echo returns an echo middleware equivalent to Gin
func (a *Authenticator) Echo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if a.skip(c.Path()) || req.Method == http.MethodOptions {
				return next(c)
			}

			claims, err := a.authenticate(req.Context(), req.Header.Get(echo.HeaderAuthorization), c.Path())
			if err != nil {
				status, body := httpError(err)
				if status == http.StatusUnauthorized {
					c.Response().Header().Set(echo.HeaderWWWAuthenticate, unauthorizedHeader)
				}
				c.Response().Header().Set("Cache-Control", "no-store")
				return c.JSON(status, body)
			}

			c.Set(ClaimsKey, claims)
			c.SetRequest(req.WithContext(WithClaims(req.Context(), claims)))
			return next(c)
		}
	}
}
