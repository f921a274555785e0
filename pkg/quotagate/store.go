package quotagate

import (
	"context"
	"time"
)

// CounterStore is the key/value counter contract every limiter check runs
// against. Implementations live under storage/.
//
// Increment is the one correctness-critical primitive: it must be atomic
// with respect to concurrent callers sharing the same backing store. The
// first increment on an absent or expired key starts the window and sets the
// TTL; later increments within the window must not reset it.
type CounterStore interface {
	// Get returns the current count for key, or found=false when the key is
	// absent or past its TTL.
	Get(ctx context.Context, key string) (count int64, found bool, err error)

	// Set overwrites the count for key with the given TTL.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error

	// Increment adds one to key's counter and returns the new count together
	// with the moment the window expires.
	Increment(ctx context.Context, key string, ttl time.Duration) (count int64, expiresAt time.Time, err error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys matching a glob-style pattern. Intended for
	// operator tooling, not the hot path.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
