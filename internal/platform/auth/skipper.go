package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PublicRoutes returns a skipper that lets the given routes through
// without a token. Matching is on the registered route pattern, so a
// public "/ready" never exempts "/api/v1/sessions/:id".
func PublicRoutes(routes ...string) func(echo.Context) bool {
	open := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		open[r] = struct{}{}
	}
	return func(c echo.Context) bool {
		if m := c.Request().Method; m != http.MethodGet && m != http.MethodHead {
			return false
		}
		_, ok := open[c.Path()]
		return ok
	}
}
