package quotagate

import (
	"context"
	"fmt"
	"math"
	"time"
)

const keyPrefix = "quotagate:"

// Limiter implements the fixed-window counting algorithms. Fixed windows are
// chosen for O(1) state and single-increment semantics; the cost is that up
// to 2x the ceiling can pass across a window boundary.
//
// Both checks increment first and compare after: the request whose increment
// overflows the ceiling is itself denied, and the count is not rolled back.
// The goal is to detect and record, not to perfectly reserve capacity, and
// client-visible remaining semantics depend on this exact behavior.
type Limiter struct {
	store   CounterStore
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the limiter's logger.
func WithLimiterLogger(l Logger) LimiterOption {
	return func(lim *Limiter) { lim.logger = l }
}

// WithLimiterMetrics sets the limiter's metrics.
func WithLimiterMetrics(m Metrics) LimiterOption {
	return func(lim *Limiter) { lim.metrics = m }
}

// WithClock overrides the limiter's time source, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(lim *Limiter) { lim.now = now }
}

// NewLimiter creates a limiter over a counter store.
func NewLimiter(store CounterStore, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	lim := &Limiter{
		store:   store,
		logger:  &NopLogger{},
		metrics: &NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim, nil
}

// CheckQuota evaluates a daily or monthly plan ceiling for one request.
// limit is the plan ceiling before the override grant is applied; the
// effective ceiling is floor(limit * grant.QuotaMultiplier). An unlimited
// grant allows unconditionally and never touches the store.
func (l *Limiter) CheckQuota(
	ctx context.Context, id Identifier, feature Feature, window Window, limit int, grant OverrideGrant,
) (*Result, error) {
	if grant.IsUnlimited {
		return &Result{Allowed: true}, nil
	}

	effective := int(math.Floor(float64(limit) * grant.QuotaMultiplier))
	now := l.now()

	var (
		key     string
		ttl     time.Duration
		resetAt time.Time
	)
	switch window {
	case WindowMonth:
		resetAt = startOfNextMonth(now)
		key = l.key(id, feature, "month:"+now.Format("2006-01"))
		ttl = resetAt.Sub(now)
	default:
		resetAt = startOfNextDay(now)
		key = l.key(id, feature, "day:"+now.Format("2006-01-02"))
		ttl = resetAt.Sub(now)
	}

	count, _, err := l.increment(ctx, key, ttl)
	if err != nil {
		// Counting is unavailable; allow rather than block real traffic.
		l.logger.Warn("quota increment failed, allowing request",
			Field{Key: "key", Value: key}, Field{Key: "error", Value: err.Error()})
		return &Result{Allowed: true, Limit: intPtr(effective), Remaining: effective, ResetAt: resetAt}, nil
	}

	return &Result{
		Allowed:   count <= int64(effective),
		Limit:     intPtr(effective),
		Remaining: remainingOf(effective, count),
		ResetAt:   resetAt,
	}, nil
}

// CheckPerMinute evaluates a 60-second burst ceiling. The window starts at
// the first request and is defined by the counter's TTL.
func (l *Limiter) CheckPerMinute(ctx context.Context, id Identifier, feature Feature, limit int) (*Result, error) {
	key := l.key(id, feature, "minute")
	now := l.now()

	count, expiresAt, err := l.increment(ctx, key, time.Minute)
	if err != nil {
		l.logger.Warn("per-minute increment failed, allowing request",
			Field{Key: "key", Value: key}, Field{Key: "error", Value: err.Error()})
		return &Result{Allowed: true, Limit: intPtr(limit), Remaining: limit, ResetAt: now.Add(time.Minute)}, nil
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Minute)
	}

	return &Result{
		Allowed:   count <= int64(limit),
		Limit:     intPtr(limit),
		Remaining: remainingOf(limit, count),
		ResetAt:   expiresAt,
	}, nil
}

// RecordAuthFailure bumps the caller's auth-failure counter over the given
// window and returns the new count and window end.
func (l *Limiter) RecordAuthFailure(ctx context.Context, id Identifier, window time.Duration) (int64, time.Time, error) {
	key := l.authKey(id)
	count, expiresAt, err := l.increment(ctx, key, window)
	if err != nil {
		return 0, time.Time{}, err
	}
	if expiresAt.IsZero() {
		expiresAt = l.now().Add(window)
	}
	return count, expiresAt, nil
}

// AuthFailureCount reads the caller's current auth-failure count without
// incrementing it. A missing or expired counter reads as zero.
func (l *Limiter) AuthFailureCount(ctx context.Context, id Identifier) int64 {
	count, found, err := l.store.Get(ctx, l.authKey(id))
	if err != nil {
		l.logger.Warn("auth failure lookup failed, treating as zero",
			Field{Key: "identifier", Value: id.Value}, Field{Key: "error", Value: err.Error()})
		return 0
	}
	if !found {
		return 0
	}
	return count
}

// ClearAuthFailures resets the caller's failure counter, e.g. after a
// successful login.
func (l *Limiter) ClearAuthFailures(ctx context.Context, id Identifier) {
	if err := l.store.Delete(ctx, l.authKey(id)); err != nil {
		l.logger.Warn("auth failure reset failed",
			Field{Key: "identifier", Value: id.Value}, Field{Key: "error", Value: err.Error()})
	}
}

func (l *Limiter) increment(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	start := time.Now()
	count, expiresAt, err := l.store.Increment(ctx, key, ttl)
	l.metrics.RecordStoreOperation("increment", time.Since(start), err)
	return count, expiresAt, err
}

func (l *Limiter) key(id Identifier, feature Feature, windowPart string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, feature, id.Type, id.Value, windowPart)
}

func (l *Limiter) authKey(id Identifier) string {
	return fmt.Sprintf("%sauth_failures:%s:%s", keyPrefix, id.Type, id.Value)
}

func remainingOf(limit int, count int64) int {
	remaining := int64(limit) - count
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

func startOfNextDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func startOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
