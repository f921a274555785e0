package quotagate

import (
	"time"
)

// IdentifierType classifies the subject a counter is scoped to.
type IdentifierType string

const (
	// IdentifierUser scopes counters to an authenticated user id.
	IdentifierUser IdentifierType = "user_id"
	// IdentifierIP scopes counters to the caller's network address.
	IdentifierIP IdentifierType = "ip"
	// IdentifierEmail scopes counters to an email address.
	IdentifierEmail IdentifierType = "email"
	// IdentifierIPUserPair scopes counters to an (ip, user) pair.
	IdentifierIPUserPair IdentifierType = "ip_user_pair"
)

// Identifier is the stable rate-limit subject derived from a request.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// UnknownIdentifier is used when neither an identity nor a source address
// could be derived. Requests still go through normal evaluation under it.
func UnknownIdentifier() Identifier {
	return Identifier{Type: IdentifierIP, Value: "unknown"}
}

// Caller is the resolved view of who is making a request.
type Caller struct {
	Identifier Identifier

	// UserID is empty for unauthenticated callers.
	UserID    string
	Email     string
	IP        string
	UserAgent string
}

// Feature names a protected operation category.
type Feature string

const (
	FeatureAICompletions     Feature = "ai_completions"
	FeatureDocumentAnalysis  Feature = "document_analysis"
	FeaturePaperSearch       Feature = "paper_search"
	FeatureOriginalityChecks Feature = "originality_checks"
	FeatureMessages          Feature = "messages"
	FeatureExports           Feature = "exports"
)

// Window is a fixed counting span.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
	WindowMonth  Window = "month"
)

// PlanLimits holds the per-tier ceilings. A nil ceiling means the feature has
// no ceiling on this plan. PlanLimits values are immutable after catalog load.
type PlanLimits struct {
	Plan string

	AICompletionsPerDay       *int
	DocumentAnalysesPerDay    *int
	PaperSearchesPerDay       *int
	OriginalityChecksPerMonth *int

	RequestsPerMinute *int
	MessagesPerMinute *int

	// Unlimited bypasses every ceiling on the plan.
	Unlimited bool
}

// OverrideGrant adjusts a plan's ceilings for a specific user or organization.
type OverrideGrant struct {
	QuotaMultiplier float64
	IsUnlimited     bool
}

// DefaultGrant is what callers get when no override exists or the lookup
// fails. It must never tighten access.
func DefaultGrant() OverrideGrant {
	return OverrideGrant{QuotaMultiplier: 1.0}
}

// Result is the outcome of a single limiter check.
type Result struct {
	Allowed bool

	// Limit is nil when the caller is unlimited; Remaining is meaningless
	// in that case.
	Limit     *int
	Remaining int
	ResetAt   time.Time
}

// ViolationType classifies which limit was breached.
type ViolationType string

const (
	ViolationDailyQuota   ViolationType = "daily_quota"
	ViolationPerMinute    ViolationType = "per_minute"
	ViolationAuthFailures ViolationType = "auth_failures"
)

// ActionTaken records what the orchestrator did about a violation.
type ActionTaken string

const (
	ActionLogged          ActionTaken = "logged"
	ActionBlocked         ActionTaken = "blocked"
	ActionCaptchaRequired ActionTaken = "captcha_required"
)

// ViolationEvent is an immutable record of one deny decision. It embeds the
// plan and multiplier in effect at decision time so later audits do not
// depend on mutable policy state.
type ViolationEvent struct {
	ID              string
	UserID          string
	IdentifierType  IdentifierType
	IdentifierValue string
	Feature         Feature
	EndpointPath    string
	Type            ViolationType
	Threshold       int
	ActualCount     int
	WindowStart     time.Time
	WindowEnd       time.Time
	IPAddress       string
	UserAgent       string
	ActionTaken     ActionTaken
	Plan            string
	QuotaMultiplier float64
	OccurredAt      time.Time
}

// Severity grades audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditAction names a security-relevant occurrence.
type AuditAction string

const (
	AuditAuthFailed         AuditAction = "auth_failed"
	AuditAPICall            AuditAction = "api_call"
	AuditAPIRateLimited     AuditAction = "api_rate_limited"
	AuditRateLimitViolation AuditAction = "rate_limit_violation"
	AuditInjectionAttempt   AuditAction = "security_injection_attempt"
	AuditValidationFailed   AuditAction = "security_validation_failed"
)

// AuditEvent is a security-relevant occurrence kept in the in-process ring
// buffer and mirrored best-effort to the durable sink.
type AuditEvent struct {
	ID         string
	Action     AuditAction
	UserID     string
	Resource   string
	Severity   Severity
	OccurredAt time.Time
	IPAddress  string
	UserAgent  string
	StatusCode int
	Duration   time.Duration
	Error      string
	Details    map[string]any
}

// intPtr is a small helper for building PlanLimits literals.
func intPtr(v int) *int { return &v }
