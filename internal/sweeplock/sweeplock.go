// Package sweeplock provides a Redis lease that keeps multiple engine
// instances from sweeping at the same time. Losing the lock only costs a
// duplicate sweep, which the job claim path already dedupes, so the lease is
// best-effort by design.
package sweeplock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a single-holder lease keyed in Redis. Each instance gets its own
// token so a slow holder cannot release a lease it no longer owns.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func New(client *redis.Client, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = "sweep:leader"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

// Acquire takes the lease if it is free. Returns false when another instance
// holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release frees the lease, but only if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
