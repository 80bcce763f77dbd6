// Package lock implements the lease-based mutual exclusion protecting the
// render resource. Ownership is proven by value equality on the holder
// token, so a restarted process can still release safely, and every
// mutating operation is a single atomic round trip (SET NX or a Lua
// script). Split check-then-act sequences are not allowed here.
package lock

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Lease is a Redis-backed lease lock.
type Lease struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a lease lock with the given default TTL.
func New(client *redis.Client, ttl time.Duration) *Lease {
	return &Lease{client: client, ttl: ttl}
}

// TTL returns the configured lease duration.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire sets the lock only if absent, tagging it with holderToken.
// It is non-blocking; the caller decides the retry policy.
func (l *Lease) Acquire(ctx context.Context, resourceKey, holderToken string) (bool, error) {
	return l.client.SetNX(ctx, resourceKey, holderToken, l.ttl).Result()
}

// Refresh extends the TTL only if holderToken still owns the lock.
// Returns false with no side effect when ownership has been lost.
func (l *Lease) Refresh(ctx context.Context, resourceKey, holderToken string) (bool, error) {
	res, err := refreshScript.Run(ctx, l.client,
		[]string{resourceKey}, holderToken, strconv.FormatInt(l.ttl.Milliseconds(), 10)).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes the lock only if holderToken still owns it. A lost lease
// therefore can never be reclaimed by mistake.
func (l *Lease) Release(ctx context.Context, resourceKey, holderToken string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{resourceKey}, holderToken).Int64()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return res == 1, nil
}

// IsHeld is a read-only probe.
func (l *Lease) IsHeld(ctx context.Context, resourceKey string) (bool, error) {
	n, err := l.client.Exists(ctx, resourceKey).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
