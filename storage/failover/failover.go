// Package failover layers a shared counter store over an in-process fallback.
// While the shared store answers, every instance counts against the same
// windows; when it fails, each instance degrades to local counting so real
// traffic is never blocked by counting infrastructure.
package failover

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/thesisflow/quotagate/pkg/quotagate"
)

// Store implements quotagate.CounterStore with transparent failover.
// Callers never see a primary error: the fallback result is returned instead
// and the degradation is logged and counted.
type Store struct {
	primary  quotagate.CounterStore
	fallback quotagate.CounterStore
	logger   quotagate.Logger
	metrics  quotagate.Metrics

	degraded atomic.Bool
}

// Option configures a failover Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l quotagate.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the store's metrics.
func WithMetrics(m quotagate.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a failover store. Both stores are required; use the in-process
// store directly when there is no shared backend.
func New(primary, fallback quotagate.CounterStore, opts ...Option) (*Store, error) {
	if primary == nil || fallback == nil {
		return nil, quotagate.ErrStoreUnavailable
	}
	s := &Store{
		primary:  primary,
		fallback: fallback,
		logger:   &quotagate.NopLogger{},
		metrics:  &quotagate.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Degraded reports whether the last operation was served by the fallback.
// Counts taken locally are lost once the shared store recovers; that skew is
// accepted in exchange for availability.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) Get(ctx context.Context, key string) (int64, bool, error) {
	count, found, err := s.primary.Get(ctx, key)
	if err == nil {
		s.recover()
		return count, found, nil
	}
	s.degrade("get", err)
	return s.fallback.Get(ctx, key)
}

func (s *Store) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := s.primary.Set(ctx, key, value, ttl); err != nil {
		s.degrade("set", err)
		return s.fallback.Set(ctx, key, value, ttl)
	}
	s.recover()
	return nil
}

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	count, expiresAt, err := s.primary.Increment(ctx, key, ttl)
	if err == nil {
		s.recover()
		return count, expiresAt, nil
	}
	s.degrade("increment", err)
	return s.fallback.Increment(ctx, key, ttl)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.primary.Delete(ctx, key)
	if err != nil {
		s.degrade("delete", err)
	} else {
		s.recover()
	}
	// Best effort on both sides so a recovered primary does not resurrect
	// counters the fallback already dropped.
	if ferr := s.fallback.Delete(ctx, key); ferr != nil {
		return ferr
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.primary.Keys(ctx, pattern)
	if err == nil {
		s.recover()
		return keys, nil
	}
	s.degrade("keys", err)
	return s.fallback.Keys(ctx, pattern)
}

func (s *Store) degrade(operation string, err error) {
	s.metrics.RecordStoreFallback(operation)
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("shared store unavailable, degrading to in-process counters",
			quotagate.Field{Key: "operation", Value: operation},
			quotagate.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Store) recover() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("shared store recovered")
	}
}
