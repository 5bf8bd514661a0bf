// Package breaker builds the circuit breakers that guard outbound
// collaborators (notification channels, the insight generator).
package breaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/visionpath/screening/internal/platform/dispatch"
)

// Config is the trip policy shared by every collaborator breaker.
type Config struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open before a trial request.
	Cooldown time.Duration
	// Interval resets the failure counts while closed; zero never resets.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{ConsecutiveFailures: 5, Cooldown: 30 * time.Second}
}

// New returns a breaker that trips after cfg.ConsecutiveFailures failures.
// Errors marked dispatch.Permanent are rejections by the remote side, not
// outages, and do not count against it.
func New[T any](name string, cfg Config, logger zerolog.Logger) *gobreaker.CircuitBreaker[T] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig().ConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	threshold := cfg.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || dispatch.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}
