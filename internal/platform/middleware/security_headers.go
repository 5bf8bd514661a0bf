package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SecurityConfig configures SecurityHeaders.
type SecurityConfig struct {
	// APIPrefix marks the routes that carry screening records. Their
	// responses are never cached.
	APIPrefix string
	// HSTSMaxAge defaults to a year. HSTS is only sent on https requests,
	// including those a proxy forwards as https.
	HSTSMaxAge time.Duration
}

func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	if cfg.HSTSMaxAge <= 0 {
		cfg.HSTSMaxAge = 365 * 24 * time.Hour
	}
	hsts := "max-age=" + strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10) + "; includeSubDomains"

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if c.Scheme() == "https" {
				h.Set("Strict-Transport-Security", hsts)
			}
			if cfg.APIPrefix != "" && strings.HasPrefix(c.Request().URL.Path, cfg.APIPrefix) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}
			return next(c)
		}
	}
}
