package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/visionpath/screening/internal/platform/auth"
)

func limited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func send(e *echo.Echo, h echo.HandlerFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.RemoteAddr = ip + ":1234"
	if user != "" {
		req = req.WithContext(auth.WithIdentity(context.Background(), user, "", nil))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := limited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := send(e, h, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := send(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	rec, err := send(e, h, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	e := echo.New()
	h := limited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := send(e, h, "10.0.0.1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := send(e, h, "10.0.0.1", ""); err == nil {
		t.Fatal("second request from the same IP should be limited")
	}
	if _, err := send(e, h, "10.0.0.2", ""); err != nil {
		t.Errorf("another IP should have its own limit: %v", err)
	}
	// Authenticated callers are keyed by user, not address.
	if _, err := send(e, h, "10.0.0.1", "examiner-7"); err != nil {
		t.Errorf("user should have its own limit: %v", err)
	}
	if _, err := send(e, h, "10.0.0.9", "examiner-7"); err == nil {
		t.Error("same user from another IP should share the limit")
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	e := echo.New()
	h := limited(RateLimitConfig{})
	for i := 0; i < 50; i++ {
		if _, err := send(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d limited with limiting disabled", i+1)
		}
	}
}

func TestRateLimit_Skipper(t *testing.T) {
	e := echo.New()
	h := limited(RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		Skipper:           func(echo.Context) bool { return true },
	})
	for i := 0; i < 3; i++ {
		if _, err := send(e, h, "10.0.0.1", ""); err != nil {
			t.Fatalf("skipped request %d was limited", i+1)
		}
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
