// Package postgres persists violations, audit events, and daily usage in
// PostgreSQL, and serves plan and whitelist lookups from the same database.
// One pgx pool backs all five collaborator interfaces the orchestrator needs.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thesisflow/quotagate/pkg/quotagate"
)

// Config holds PostgreSQL sink configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// CleanupEnabled runs a background sweep deleting violations and audit
	// rows older than RecordTTL.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	RecordTTL       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		RecordTTL:       7 * 24 * time.Hour,
	}
}

// Sink implements quotagate.ViolationSink, quotagate.AuditSink,
// quotagate.UsageSink, quotagate.PlanSource, and quotagate.OverrideSource
// over one connection pool.
type Sink struct {
	pool        *pgxpool.Pool
	config      Config
	stopCleanup func()
}

// New creates a PostgreSQL sink and verifies connectivity.
func New(ctx context.Context, config Config) (*Sink, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close stops the cleanup worker and closes the pool.
func (s *Sink) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WriteViolation implements quotagate.ViolationSink.
func (s *Sink) WriteViolation(ctx context.Context, v *quotagate.ViolationEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limit_violations
			(id, user_id, identifier_type, identifier_value, feature, endpoint_path,
			 violation_type, threshold, actual_count, window_start, window_end,
			 ip_address, user_agent, action_taken, plan, quota_multiplier, occurred_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		v.ID, v.UserID, string(v.IdentifierType), v.IdentifierValue, string(v.Feature),
		v.EndpointPath, string(v.Type), v.Threshold, v.ActualCount, v.WindowStart,
		v.WindowEnd, v.IPAddress, v.UserAgent, string(v.ActionTaken), v.Plan,
		v.QuotaMultiplier, v.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// WriteAudit implements quotagate.AuditSink.
func (s *Sink) WriteAudit(ctx context.Context, e *quotagate.AuditEvent) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs
			(id, action, user_id, resource, severity, occurred_at,
			 ip_address, user_agent, status_code, duration_ms, error, details)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Action), e.UserID, e.Resource, string(e.Severity), e.OccurredAt,
		e.IPAddress, e.UserAgent, e.StatusCode, e.Duration.Milliseconds(), e.Error, details)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// RecordUsage implements quotagate.UsageSink with an idempotent upsert: the
// same (user, feature, day) row accumulates across instances.
func (s *Sink) RecordUsage(ctx context.Context, userID string, feature quotagate.Feature, day time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_feature_usage_daily (user_id, feature, usage_date, used)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, feature, usage_date)
		DO UPDATE SET used = user_feature_usage_daily.used + 1`,
		userID, string(feature), day)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// PlanFor implements quotagate.PlanSource. A missing profile maps to the free
// tier rather than an error; a query failure is returned so the caller can
// apply its restrictive default.
func (s *Sink) PlanFor(ctx context.Context, userID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx,
		`SELECT subscription_tier FROM profiles WHERE user_id = $1`,
		userID).Scan(&plan)
	if err == pgx.ErrNoRows {
		return quotagate.PlanFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up plan: %w", err)
	}
	return plan, nil
}

// Resolve implements quotagate.OverrideSource from the whitelist table. The
// widest live grant wins: an unlimited row beats any multiplier, and among
// multipliers the largest applies.
func (s *Sink) Resolve(ctx context.Context, userID string, feature quotagate.Feature, organizationID string) (quotagate.OverrideGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT quota_multiplier, is_unlimited
		FROM rate_limit_whitelist
		WHERE (expires_at IS NULL OR expires_at > now())
		  AND (feature IS NULL OR feature = $2)
		  AND (user_id = $1 OR (NULLIF($3, '') IS NOT NULL AND organization_id = $3))`,
		userID, string(feature), organizationID)
	if err != nil {
		return quotagate.OverrideGrant{}, fmt.Errorf("failed to look up overrides: %w", err)
	}
	defer rows.Close()

	grant := quotagate.DefaultGrant()
	found := false
	for rows.Next() {
		var (
			multiplier float64
			unlimited  bool
		)
		if err := rows.Scan(&multiplier, &unlimited); err != nil {
			return quotagate.OverrideGrant{}, fmt.Errorf("failed to scan override: %w", err)
		}
		found = true
		if unlimited {
			return quotagate.OverrideGrant{IsUnlimited: true}, nil
		}
		if multiplier > grant.QuotaMultiplier {
			grant.QuotaMultiplier = multiplier
		}
	}
	if err := rows.Err(); err != nil {
		return quotagate.OverrideGrant{}, fmt.Errorf("failed to read overrides: %w", err)
	}
	if !found {
		return quotagate.DefaultGrant(), nil
	}
	return grant, nil
}

// Violations returns recent violations for a user, newest first.
func (s *Sink) Violations(ctx context.Context, userID string, limit int) ([]*quotagate.ViolationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(user_id, ''), identifier_type, identifier_value, feature,
			endpoint_path, violation_type, threshold, actual_count, window_start,
			window_end, ip_address, user_agent, action_taken, plan, quota_multiplier,
			occurred_at
		FROM rate_limit_violations
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var out []*quotagate.ViolationEvent
	for rows.Next() {
		var v quotagate.ViolationEvent
		var idType, vType, action, feature string
		if err := rows.Scan(&v.ID, &v.UserID, &idType, &v.IdentifierValue, &feature,
			&v.EndpointPath, &vType, &v.Threshold, &v.ActualCount, &v.WindowStart,
			&v.WindowEnd, &v.IPAddress, &v.UserAgent, &action, &v.Plan,
			&v.QuotaMultiplier, &v.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.IdentifierType = quotagate.IdentifierType(idType)
		v.Feature = quotagate.Feature(feature)
		v.Type = quotagate.ViolationType(vType)
		v.ActionTaken = quotagate.ActionTaken(action)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *Sink) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.config.RecordTTL)
			_, _ = s.pool.Exec(ctx, `DELETE FROM rate_limit_violations WHERE occurred_at < $1`, cutoff)
			_, _ = s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE occurred_at < $1`, cutoff)
		}
	}
}
