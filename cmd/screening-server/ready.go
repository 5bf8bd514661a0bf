package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/visionpath/screening/internal/platform/db"
	"github.com/visionpath/screening/internal/platform/dispatch"
)

// readiness is the body of /ready. The instance is ready when the
// screening store answers and the dispatcher can still take events;
// a session committed while the queue is saturated has its
// notifications dead-lettered.
type readiness struct {
	Status   string              `json:"status"`
	Store    storeStatus         `json:"store"`
	Dispatch dispatch.QueueStats `json:"dispatch"`
	Redis    string              `json:"redis,omitempty"`
}

type storeStatus struct {
	Backend string        `json:"backend"`
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Pool    *db.PoolStats `json:"pool,omitempty"`
}

func (a *app) readiness(ctx context.Context) readiness {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	r := readiness{Status: "ready", Store: storeStatus{Backend: "memory", Status: "up"}}
	if a.pool != nil {
		stats := db.Stats(a.pool)
		r.Store.Backend = "postgres"
		r.Store.Pool = &stats
	}
	if err := a.store.Ping(ctx); err != nil {
		r.Status = "unavailable"
		r.Store.Status = "down"
		r.Store.Error = err.Error()
	}

	r.Dispatch = a.dispatcher.Stats()
	if r.Dispatch.Saturated() {
		r.Status = "unavailable"
	}

	if a.redis != nil {
		r.Redis = "up"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			r.Status = "unavailable"
			r.Redis = "down: " + err.Error()
		}
	}
	return r
}

func (a *app) ready(c echo.Context) error {
	r := a.readiness(c.Request().Context())
	code := http.StatusOK
	if r.Status != "ready" {
		code = http.StatusServiceUnavailable
		a.logger.Warn().
			Str("store", r.Store.Status).
			Int("queue_depth", r.Dispatch.Depth).
			Int("queue_capacity", r.Dispatch.Capacity).
			Bool("dispatch_stopped", r.Dispatch.Stopped).
			Msg("instance not ready")
	}
	return c.JSON(code, r)
}
