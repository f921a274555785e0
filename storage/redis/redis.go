// Package redis provides a Redis implementation of the
// quotagate.CounterStore interface. Increments run as a Lua script so the
// count bump and the window TTL are set atomically under concurrency.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "").
	// The limiter already namespaces its keys; set this when several
	// applications share one Redis.
	KeyPrefix string

	// OpTimeout bounds each Redis round trip (default: 500ms). A slow shared
	// store must fail fast so the failover layer can take over.
	OpTimeout time.Duration

	// ScanCount is the COUNT hint for SCAN when listing keys (default: 100).
	ScanCount int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpTimeout: 500 * time.Millisecond,
		ScanCount: 100,
	}
}

// Store implements quotagate.CounterStore using Redis.
type Store struct {
	client redis.UniversalClient
	config Config
	incr   *redis.Script
}

// incrScript bumps the counter, sets the TTL only when the key is created,
// and returns the new count with the remaining TTL in milliseconds. PTTL is
// -1 for keys without expiry, which callers treat as "no window end".
const incrScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`

// New creates a Redis counter store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 500 * time.Millisecond
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	return &Store{
		client: client,
		config: config,
		incr:   redis.NewScript(incrScript),
	}, nil
}

// Get returns the current count for a key.
func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	count, err := s.client.Get(ctx, s.config.KeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}
	return count, true, nil
}

// Set stores a count with a TTL, replacing any existing entry.
func (s *Store) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.config.KeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Increment atomically bumps a key's count. The TTL is applied only when the
// increment creates the key, so the window end is fixed by the first request.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.incr.Run(ctx, s.client, []string{s.config.KeyPrefix + key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment: unexpected reply %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("redis increment: unexpected count %T", values[0])
	}

	var expiresAt time.Time
	if pttl, ok := values[1].(int64); ok && pttl > 0 {
		expiresAt = time.Now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return count, expiresAt, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.config.KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a glob pattern using SCAN, so large
// keyspaces do not block the server the way KEYS would.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	prefix := s.config.KeyPrefix
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+pattern, s.config.ScanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range batch {
			keys = append(keys, k[len(prefix):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping verifies connectivity to the Redis server.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.OpTimeout)
}
