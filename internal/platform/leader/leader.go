// Package leader provides the lease used to keep a single active worker
// for cluster-wide background jobs such as the follow-up sweep.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Elector grants a renewable lease. Acquire returns true while this
// instance holds the lease; calling it again before expiry renews it.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Local is an Elector for single-instance deployments; it always leads.
type Local struct{}

func (Local) Acquire(context.Context) (bool, error) { return true, nil }
func (Local) Release(context.Context) error         { return nil }

// renewScript extends the lease only when we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds the lease as a key with a TTL. The holder id is compared on
// renew and release so an expired holder cannot steal or drop a lease that
// another instance has since taken.
type Redis struct {
	client redis.Cmdable
	key    string
	id     string
	ttl    time.Duration

	mu      sync.Mutex
	holding bool
}

func NewRedis(client redis.Cmdable, key, id string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, id: id, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.client.SetNX(ctx, r.key, r.id, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", r.key, err)
	}
	if ok {
		r.holding = true
		return true, nil
	}

	n, err := renewScript.Run(ctx, r.client, []string{r.key}, r.id, r.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lease %s: %w", r.key, err)
	}
	r.holding = n == 1
	return r.holding, nil
}

func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.holding {
		return nil
	}
	r.holding = false
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", r.key, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
