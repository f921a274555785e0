package quotagate

import "context"

// OverrideSource looks up per-user or per-organization whitelist grants.
// Grants are created by an external admin workflow and read-only here.
type OverrideSource interface {
	// Resolve returns the grant for (userID, feature), considering the
	// organization when organizationID is non-empty.
	Resolve(ctx context.Context, userID string, feature Feature, organizationID string) (OverrideGrant, error)
}

// SafeOverrides wraps an OverrideSource so that lookup failures yield the
// permissive default grant instead of an error. A failing override lookup
// must never tighten access; failures are logged, not thrown.
type SafeOverrides struct {
	src    OverrideSource
	logger Logger
}

// NewSafeOverrides wraps src. A nil src always resolves to the default
// grant, which keeps the orchestrator wiring uniform.
func NewSafeOverrides(src OverrideSource, logger Logger) *SafeOverrides {
	if logger == nil {
		logger = &NopLogger{}
	}
	return &SafeOverrides{src: src, logger: logger}
}

// Resolve returns the caller's grant, or the default grant when there is no
// source, no user, or the lookup fails.
func (s *SafeOverrides) Resolve(ctx context.Context, userID string, feature Feature, organizationID string) OverrideGrant {
	if s.src == nil || userID == "" {
		return DefaultGrant()
	}

	grant, err := s.src.Resolve(ctx, userID, feature, organizationID)
	if err != nil {
		s.logger.Warn("override lookup failed, using default grant",
			Field{Key: "user_id", Value: userID},
			Field{Key: "feature", Value: string(feature)},
			Field{Key: "error", Value: err.Error()})
		return DefaultGrant()
	}
	if grant.QuotaMultiplier < 0 {
		s.logger.Warn("override grant has negative multiplier, using default grant",
			Field{Key: "user_id", Value: userID},
			Field{Key: "feature", Value: string(feature)})
		return DefaultGrant()
	}
	return grant
}
