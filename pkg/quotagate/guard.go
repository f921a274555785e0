package quotagate

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PlanSource is the external profile collaborator: it maps a user id to the
// current plan tier string.
type PlanSource interface {
	PlanFor(ctx context.Context, userID string) (string, error)
}

// UsageSink is the durable usage-tracking collaborator, written best-effort
// on allowed plan-based requests.
type UsageSink interface {
	RecordUsage(ctx context.Context, userID string, feature Feature, day time.Time) error
}

// GuardConfig configures the orchestrator.
type GuardConfig struct {
	Catalog *Catalog
	Policy  PolicySource

	// DefaultPlan is used when the plan lookup fails or the caller is
	// anonymous. Defaults to "free", the most restrictive tier.
	DefaultPlan string

	// Auth-failure gate tuning.
	AuthFailureWindow    time.Duration // default 15m
	AuthCaptchaThreshold int           // default 5
	AuthBlockThreshold   int           // default 10

	// UsageQueueSize bounds the fire-and-forget usage tracking queue
	// (default 256).
	UsageQueueSize int

	// UsageTimeout bounds each durable usage write (default 2s).
	UsageTimeout time.Duration
}

func (c *GuardConfig) withDefaults() {
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}
	if c.Policy == nil {
		c.Policy = StaticPolicy(Policy{Enabled: true})
	}
	if c.DefaultPlan == "" {
		c.DefaultPlan = PlanFree
	}
	if c.AuthFailureWindow <= 0 {
		c.AuthFailureWindow = 15 * time.Minute
	}
	if c.AuthCaptchaThreshold <= 0 {
		c.AuthCaptchaThreshold = 5
	}
	if c.AuthBlockThreshold <= 0 {
		c.AuthBlockThreshold = 10
	}
	if c.UsageQueueSize <= 0 {
		c.UsageQueueSize = 256
	}
	if c.UsageTimeout <= 0 {
		c.UsageTimeout = 2 * time.Second
	}
}

// ApplyEnv overrides the auth-gate thresholds from the environment
// (QUOTAGATE_AUTH_CAPTCHA_THRESHOLD, QUOTAGATE_AUTH_BLOCK_THRESHOLD).
func (c *GuardConfig) ApplyEnv(environ []string) error {
	values := envMap(environ)
	if raw, ok := values["QUOTAGATE_AUTH_CAPTCHA_THRESHOLD"]; ok {
		parsed, err := parseIntEnv("QUOTAGATE_AUTH_CAPTCHA_THRESHOLD", raw)
		if err != nil {
			return err
		}
		c.AuthCaptchaThreshold = parsed
	}
	if raw, ok := values["QUOTAGATE_AUTH_BLOCK_THRESHOLD"]; ok {
		parsed, err := parseIntEnv("QUOTAGATE_AUTH_BLOCK_THRESHOLD", raw)
		if err != nil {
			return err
		}
		c.AuthBlockThreshold = parsed
	}
	return nil
}

// DenyBody is the structured 429 response body.
type DenyBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Feature   string `json:"feature,omitempty"`
	Limit     *int   `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"resetAt"`
}

// Decision is the orchestrator's verdict for one request plus everything
// the HTTP layer needs to express it.
type Decision struct {
	Allowed bool

	// Shadowed marks a decision that would have denied but was let through
	// by shadow mode. The violation is still recorded.
	Shadowed bool

	Feature   Feature
	Plan      string
	Caller    Caller
	Code      string
	Limit     *int
	Remaining int
	ResetAt   time.Time

	// Headers are attached on every path. Denials additionally carry
	// Retry-After, Status 429 and Body.
	Headers    map[string]string
	Status     int
	RetryAfter time.Duration
	Body       *DenyBody
}

// DegradationProbe reports whether the counter store is currently running on
// its in-process fallback. Implemented by storage/failover.
type DegradationProbe interface {
	Degraded() bool
}

// Guard composes identifier resolution, plan and override lookup, the
// limiter and the recorder into a single allow/deny façade that every
// protected operation calls through.
type Guard struct {
	cfg       GuardConfig
	identity  *IdentityResolver
	limiter   *Limiter
	plans     PlanSource
	overrides *SafeOverrides
	recorder  *Recorder
	usage     UsageSink
	probe     DegradationProbe
	logger    Logger
	metrics   Metrics

	planflight singleflight.Group

	usageQueue chan usageJob
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

type usageJob struct {
	userID  string
	feature Feature
	day     time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPlanSource sets the external profile collaborator.
func WithPlanSource(src PlanSource) GuardOption {
	return func(g *Guard) { g.plans = src }
}

// WithOverrideSource sets the whitelist collaborator. It is wrapped so that
// lookup failures resolve to the default grant.
func WithOverrideSource(src OverrideSource) GuardOption {
	return func(g *Guard) { g.overrides = NewSafeOverrides(src, g.logger) }
}

// WithRecorder sets the violation & audit recorder.
func WithRecorder(r *Recorder) GuardOption {
	return func(g *Guard) { g.recorder = r }
}

// WithUsageSink sets the durable usage-tracking collaborator.
func WithUsageSink(s UsageSink) GuardOption {
	return func(g *Guard) { g.usage = s }
}

// WithDegradationProbe lets Status report store fallback state.
func WithDegradationProbe(p DegradationProbe) GuardOption {
	return func(g *Guard) { g.probe = p }
}

// WithGuardLogger sets the guard's logger.
func WithGuardLogger(l Logger) GuardOption {
	return func(g *Guard) {
		g.logger = l
		if g.overrides != nil {
			g.overrides.logger = l
		}
	}
}

// WithGuardMetrics sets the guard's metrics.
func WithGuardMetrics(m Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates the orchestrator and starts its usage-tracking worker.
// Call Close on shutdown.
func NewGuard(cfg GuardConfig, identity *IdentityResolver, limiter *Limiter, opts ...GuardOption) (*Guard, error) {
	if identity == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if limiter == nil {
		return nil, ErrStoreUnavailable
	}
	cfg.withDefaults()

	g := &Guard{
		cfg:      cfg,
		identity: identity,
		limiter:  limiter,
		logger:   &NopLogger{},
		metrics:  &NoopMetrics{},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.overrides == nil {
		g.overrides = NewSafeOverrides(nil, g.logger)
	}

	g.usageQueue = make(chan usageJob, cfg.UsageQueueSize)
	g.wg.Add(1)
	go g.usageWorker()
	return g, nil
}

// Evaluate runs the full decision state machine for one request.
func (g *Guard) Evaluate(req *http.Request, feature Feature) *Decision {
	start := time.Now()
	policy := g.cfg.Policy.Current()

	// Master kill switch: allow with no side effects at all.
	if !policy.Enabled {
		return &Decision{Allowed: true, Feature: feature, Headers: map[string]string{}}
	}

	ctx := req.Context()
	caller := g.identity.Resolve(req)
	plan := g.resolvePlan(ctx, caller.UserID)
	grant := g.overrides.Resolve(ctx, caller.UserID, feature, "")

	if policy.Debug {
		g.logger.Debug("evaluating request",
			Field{Key: "feature", Value: string(feature)},
			Field{Key: "identifier", Value: caller.Identifier.Value},
			Field{Key: "plan", Value: plan},
			Field{Key: "multiplier", Value: grant.QuotaMultiplier})
	}

	if grant.IsUnlimited || g.cfg.Catalog.Limits(plan).Unlimited {
		d := g.unlimitedDecision(feature, plan, caller)
		g.metrics.RecordDecision(string(feature), plan, true, time.Since(start))
		return d
	}

	var (
		result        *Result
		violationType ViolationType
		windowStart   time.Time
	)
	if g.cfg.Catalog.IsPlanBased(feature) {
		window := g.cfg.Catalog.QuotaWindow(feature)
		quota := g.cfg.Catalog.Quota(plan, feature, window)
		if quota == nil {
			d := g.unlimitedDecision(feature, plan, caller)
			g.metrics.RecordDecision(string(feature), plan, true, time.Since(start))
			return d
		}
		result, _ = g.limiter.CheckQuota(ctx, caller.Identifier, feature, window, *quota, grant)
		violationType = ViolationDailyQuota
		windowStart = windowStartFor(window, result.ResetAt)
	} else {
		limit := g.cfg.Catalog.PerMinuteLimit(feature)
		result, _ = g.limiter.CheckPerMinute(ctx, caller.Identifier, feature, limit)
		violationType = ViolationPerMinute
		windowStart = result.ResetAt.Add(-time.Minute)
	}

	d := &Decision{
		Allowed:   result.Allowed,
		Feature:   feature,
		Plan:      plan,
		Caller:    caller,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		ResetAt:   result.ResetAt,
		Headers:   limitHeaders(result),
	}

	if !result.Allowed {
		g.handleDeny(req, d, policy, grant, violationType, windowStart)
	} else if g.usage != nil && caller.UserID != "" && violationType == ViolationDailyQuota {
		g.enqueueUsage(caller.UserID, feature)
	}

	g.metrics.RecordDecision(string(feature), plan, d.Allowed, time.Since(start))
	return d
}

// CheckAuthGate evaluates the caller's recent auth failures against the
// captcha and block thresholds. Intended for login-style endpoints before
// credentials are checked.
func (g *Guard) CheckAuthGate(req *http.Request) *Decision {
	policy := g.cfg.Policy.Current()
	if !policy.Enabled {
		return &Decision{Allowed: true, Headers: map[string]string{}}
	}

	caller := g.identity.Resolve(req)
	id := g.identity.PairIdentifier(caller)
	count := g.limiter.AuthFailureCount(req.Context(), id)

	d := &Decision{Allowed: true, Caller: caller, Headers: map[string]string{}}
	var (
		code      string
		action    ActionTaken
		threshold int
	)
	switch {
	case count >= int64(g.cfg.AuthBlockThreshold):
		code, action, threshold = CodeAuthBlocked, ActionBlocked, g.cfg.AuthBlockThreshold
	case count >= int64(g.cfg.AuthCaptchaThreshold):
		code, action, threshold = CodeAuthCaptchaRequired, ActionCaptchaRequired, g.cfg.AuthCaptchaThreshold
	default:
		return d
	}

	enforce := !policy.ShadowMode && inRollout(policy.RolloutPercent, id)
	now := time.Now().UTC()
	if g.recorder != nil {
		recordedAction := action
		if !enforce {
			recordedAction = ActionLogged
		}
		g.recorder.RecordViolation(&ViolationEvent{
			UserID:          caller.UserID,
			IdentifierType:  id.Type,
			IdentifierValue: id.Value,
			EndpointPath:    req.URL.Path,
			Type:            ViolationAuthFailures,
			Threshold:       threshold,
			ActualCount:     int(count),
			WindowEnd:       now.Add(g.cfg.AuthFailureWindow),
			IPAddress:       caller.IP,
			UserAgent:       caller.UserAgent,
			ActionTaken:     recordedAction,
		})
	}
	if !enforce {
		d.Shadowed = true
		return d
	}

	d.Allowed = false
	d.Code = code
	d.Status = http.StatusTooManyRequests
	d.RetryAfter = g.cfg.AuthFailureWindow
	d.ResetAt = now.Add(g.cfg.AuthFailureWindow)
	d.Headers["Retry-After"] = strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds())))
	d.Body = &DenyBody{
		Error:     "Too many failed authentication attempts. Try again later.",
		Code:      code,
		Remaining: 0,
		ResetAt:   d.ResetAt.Format(time.RFC3339),
	}
	return d
}

// RecordAuthFailure bumps the caller's failure counter and audits it.
func (g *Guard) RecordAuthFailure(req *http.Request, reason string) {
	caller := g.identity.Resolve(req)
	id := g.identity.PairIdentifier(caller)
	if _, _, err := g.limiter.RecordAuthFailure(req.Context(), id, g.cfg.AuthFailureWindow); err != nil {
		g.logger.Warn("auth failure increment failed",
			Field{Key: "identifier", Value: id.Value}, Field{Key: "error", Value: err.Error()})
	}
	if g.recorder != nil {
		g.recorder.RecordAudit(&AuditEvent{
			Action:    AuditAuthFailed,
			UserID:    caller.UserID,
			Severity:  SeverityWarning,
			IPAddress: caller.IP,
			UserAgent: caller.UserAgent,
			Details:   map[string]any{"reason": reason},
		})
	}
}

// ResetAuthFailures clears the caller's failure counter after a successful
// authentication.
func (g *Guard) ResetAuthFailures(req *http.Request) {
	caller := g.identity.Resolve(req)
	g.limiter.ClearAuthFailures(req.Context(), g.identity.PairIdentifier(caller))
}

// Status reports the subsystem's operational state for monitoring.
type Status struct {
	Enabled            bool
	ShadowMode         bool
	Debug              bool
	StoreDegraded      bool
	RecorderQueueDepth int
	UsageQueueDepth    int
}

// Status returns the current operational snapshot.
func (g *Guard) Status() Status {
	policy := g.cfg.Policy.Current()
	s := Status{
		Enabled:         policy.Enabled,
		ShadowMode:      policy.ShadowMode,
		Debug:           policy.Debug,
		UsageQueueDepth: len(g.usageQueue),
	}
	if g.probe != nil {
		s.StoreDegraded = g.probe.Degraded()
	}
	if g.recorder != nil {
		s.RecorderQueueDepth = g.recorder.QueueDepth()
	}
	return s
}

// Close stops the usage worker.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
	})
}

func (g *Guard) handleDeny(
	req *http.Request, d *Decision, policy Policy, grant OverrideGrant,
	violationType ViolationType, windowStart time.Time,
) {
	enforce := !policy.ShadowMode && inRollout(policy.RolloutPercent, d.Caller.Identifier)
	action := ActionBlocked
	if !enforce {
		action = ActionLogged
	}

	threshold := 0
	if d.Limit != nil {
		threshold = *d.Limit
	}
	if g.recorder != nil {
		g.recorder.RecordViolation(&ViolationEvent{
			UserID:          d.Caller.UserID,
			IdentifierType:  d.Caller.Identifier.Type,
			IdentifierValue: d.Caller.Identifier.Value,
			Feature:         d.Feature,
			EndpointPath:    req.URL.Path,
			Type:            violationType,
			Threshold:       threshold,
			ActualCount:     threshold + 1,
			WindowStart:     windowStart,
			WindowEnd:       d.ResetAt,
			IPAddress:       d.Caller.IP,
			UserAgent:       d.Caller.UserAgent,
			ActionTaken:     action,
			Plan:            d.Plan,
			QuotaMultiplier: grant.QuotaMultiplier,
		})
	}

	if !enforce {
		d.Allowed = true
		d.Shadowed = true
		return
	}

	retryAfter := time.Until(d.ResetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	d.Status = http.StatusTooManyRequests
	d.RetryAfter = retryAfter
	d.Headers["Retry-After"] = strconv.Itoa(int(math.Ceil(retryAfter.Seconds())))

	var msg string
	if violationType == ViolationDailyQuota {
		d.Code = CodeDailyQuotaExceeded
		msg = fmt.Sprintf("Daily quota for %s exceeded. Quota resets at %s.",
			d.Feature, d.ResetAt.Format(time.RFC3339))
	} else {
		d.Code = CodePerMinuteExceeded
		msg = fmt.Sprintf("Too many requests. Try again in %d seconds.",
			int(math.Ceil(retryAfter.Seconds())))
	}
	d.Body = &DenyBody{
		Error:     msg,
		Code:      d.Code,
		Feature:   string(d.Feature),
		Limit:     d.Limit,
		Remaining: 0,
		ResetAt:   d.ResetAt.Format(time.RFC3339),
	}
}

// resolvePlan looks up the caller's tier, collapsing concurrent lookups for
// the same user. Lookup failure defaults to the most restrictive tier: a
// broken profile service must not grant elevated access.
func (g *Guard) resolvePlan(ctx context.Context, userID string) string {
	if userID == "" || g.plans == nil {
		return g.cfg.DefaultPlan
	}

	v, err, _ := g.planflight.Do(userID, func() (interface{}, error) {
		return g.plans.PlanFor(ctx, userID)
	})
	if err != nil {
		g.logger.Warn("plan lookup failed, defaulting to restrictive tier",
			Field{Key: "user_id", Value: userID},
			Field{Key: "plan", Value: g.cfg.DefaultPlan},
			Field{Key: "error", Value: err.Error()})
		return g.cfg.DefaultPlan
	}
	plan, ok := v.(string)
	if !ok || plan == "" {
		return g.cfg.DefaultPlan
	}
	return plan
}

func (g *Guard) unlimitedDecision(feature Feature, plan string, caller Caller) *Decision {
	return &Decision{
		Allowed: true,
		Feature: feature,
		Plan:    plan,
		Caller:  caller,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "unlimited",
			"X-RateLimit-Remaining": "unlimited",
		},
	}
}

func (g *Guard) enqueueUsage(userID string, feature Feature) {
	job := usageJob{userID: userID, feature: feature, day: time.Now().UTC().Truncate(24 * time.Hour)}
	select {
	case g.usageQueue <- job:
	default:
		g.metrics.RecordSinkDrop("usage")
		g.logger.Warn("usage queue full, dropping usage record",
			Field{Key: "feature", Value: string(feature)})
	}
}

func (g *Guard) usageWorker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case job := <-g.usageQueue:
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.UsageTimeout)
			if err := g.usage.RecordUsage(ctx, job.userID, job.feature, job.day); err != nil {
				g.logger.Warn("usage tracking write failed",
					Field{Key: "user_id", Value: job.userID},
					Field{Key: "feature", Value: string(job.feature)},
					Field{Key: "error", Value: err.Error()})
			}
			cancel()
		}
	}
}

func limitHeaders(r *Result) map[string]string {
	if r.Limit == nil {
		return map[string]string{
			"X-RateLimit-Limit":     "unlimited",
			"X-RateLimit-Remaining": "unlimited",
		}
	}
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(*r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// inRollout reports whether an identifier falls inside the enforcement
// rollout. Buckets are stable per identifier, so at a given percentage a
// caller is either always enforced or always observed-only.
func inRollout(percent int, id Identifier) bool {
	if percent <= 0 || percent >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(id.Type))
	h.Write([]byte{':'})
	h.Write([]byte(id.Value))
	return int(h.Sum32()%100) < percent
}

func windowStartFor(w Window, resetAt time.Time) time.Time {
	switch w {
	case WindowMonth:
		return resetAt.AddDate(0, -1, 0)
	default:
		return resetAt.Add(-24 * time.Hour)
	}
}
