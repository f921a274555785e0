package quotagate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Plan tier names. Unknown tiers resolve to PlanFree, the most restrictive.
const (
	PlanFree        = "free"
	PlanScholar     = "scholar"
	PlanResearcher  = "researcher"
	PlanInstitution = "institution"
)

// Catalog maps plan tiers to quota ceilings and carries the per-minute
// feature-default table. It is built once at process start; env overrides
// replace compiled-in defaults, they do not add to them.
type Catalog struct {
	plans            map[string]PlanLimits
	perMinuteByFeat  map[Feature]int
	defaultPerMinute int
}

// DefaultCatalog returns the compiled-in plan table.
func DefaultCatalog() *Catalog {
	return &Catalog{
		plans: map[string]PlanLimits{
			PlanFree: {
				Plan:                      PlanFree,
				AICompletionsPerDay:       intPtr(10),
				DocumentAnalysesPerDay:    intPtr(5),
				PaperSearchesPerDay:       intPtr(20),
				OriginalityChecksPerMonth: intPtr(2),
				RequestsPerMinute:         intPtr(60),
				MessagesPerMinute:         intPtr(20),
			},
			PlanScholar: {
				Plan:                      PlanScholar,
				AICompletionsPerDay:       intPtr(100),
				DocumentAnalysesPerDay:    intPtr(50),
				PaperSearchesPerDay:       intPtr(200),
				OriginalityChecksPerMonth: intPtr(10),
				RequestsPerMinute:         intPtr(120),
				MessagesPerMinute:         intPtr(40),
			},
			PlanResearcher: {
				Plan:                      PlanResearcher,
				AICompletionsPerDay:       intPtr(500),
				DocumentAnalysesPerDay:    intPtr(200),
				PaperSearchesPerDay:       intPtr(1000),
				OriginalityChecksPerMonth: intPtr(50),
				RequestsPerMinute:         intPtr(300),
				MessagesPerMinute:         intPtr(60),
			},
			PlanInstitution: {
				Plan:      PlanInstitution,
				Unlimited: true,
			},
		},
		perMinuteByFeat: map[Feature]int{
			FeatureMessages:    30,
			FeatureExports:     10,
			FeaturePaperSearch: 20,
		},
		defaultPerMinute: 100,
	}
}

// Limits returns the ceilings for a plan. Unknown plans get the free tier.
func (c *Catalog) Limits(plan string) PlanLimits {
	if pl, ok := c.plans[plan]; ok {
		return pl
	}
	return c.plans[PlanFree]
}

// Quota returns the plan ceiling for a feature in a window, or nil when the
// plan has no ceiling for it.
func (c *Catalog) Quota(plan string, feature Feature, window Window) *int {
	pl := c.Limits(plan)
	if pl.Unlimited {
		return nil
	}
	switch {
	case feature == FeatureAICompletions && window == WindowDay:
		return pl.AICompletionsPerDay
	case feature == FeatureDocumentAnalysis && window == WindowDay:
		return pl.DocumentAnalysesPerDay
	case feature == FeaturePaperSearch && window == WindowDay:
		return pl.PaperSearchesPerDay
	case feature == FeatureOriginalityChecks && window == WindowMonth:
		return pl.OriginalityChecksPerMonth
	}
	return nil
}

// IsPlanBased reports whether a feature uses daily/monthly plan ceilings.
// Everything else uses the per-minute feature-default table.
func (c *Catalog) IsPlanBased(feature Feature) bool {
	switch feature {
	case FeatureAICompletions, FeatureDocumentAnalysis, FeaturePaperSearch, FeatureOriginalityChecks:
		return true
	}
	return false
}

// QuotaWindow returns the window a plan-based feature counts over.
func (c *Catalog) QuotaWindow(feature Feature) Window {
	if feature == FeatureOriginalityChecks {
		return WindowMonth
	}
	return WindowDay
}

// PerMinuteLimit returns the burst ceiling for a feature from the default
// table, falling back to the generic default.
func (c *Catalog) PerMinuteLimit(feature Feature) int {
	if v, ok := c.perMinuteByFeat[feature]; ok {
		return v
	}
	return c.defaultPerMinute
}

// planQuotaEnvFields maps env suffixes onto PlanLimits fields.
var planQuotaEnvFields = []struct {
	suffix string
	field  func(*PlanLimits) **int
}{
	{"AI_COMPLETIONS_PER_DAY", func(pl *PlanLimits) **int { return &pl.AICompletionsPerDay }},
	{"DOCUMENT_ANALYSES_PER_DAY", func(pl *PlanLimits) **int { return &pl.DocumentAnalysesPerDay }},
	{"PAPER_SEARCHES_PER_DAY", func(pl *PlanLimits) **int { return &pl.PaperSearchesPerDay }},
	{"ORIGINALITY_CHECKS_PER_MONTH", func(pl *PlanLimits) **int { return &pl.OriginalityChecksPerMonth }},
	{"REQUESTS_PER_MINUTE", func(pl *PlanLimits) **int { return &pl.RequestsPerMinute }},
	{"MESSAGES_PER_MINUTE", func(pl *PlanLimits) **int { return &pl.MessagesPerMinute }},
}

// ApplyEnv replaces compiled-in ceilings with values from the environment.
// Variable names follow QUOTAGATE_<PLAN>_<FEATURE_WINDOW>, e.g.
// QUOTAGATE_FREE_AI_COMPLETIONS_PER_DAY=25. Per-minute feature defaults use
// QUOTAGATE_PER_MINUTE_<FEATURE> and QUOTAGATE_PER_MINUTE_DEFAULT.
func (c *Catalog) ApplyEnv(environ []string) error {
	values := envMap(environ)

	for plan, pl := range c.plans {
		prefix := "QUOTAGATE_" + strings.ToUpper(plan) + "_"
		for _, f := range planQuotaEnvFields {
			name := prefix + f.suffix
			raw, ok := values[name]
			if !ok {
				continue
			}
			parsed, err := parseIntEnv(name, raw)
			if err != nil {
				return err
			}
			*f.field(&pl) = intPtr(parsed)
		}
		c.plans[plan] = pl
	}

	for feature := range c.perMinuteByFeat {
		name := "QUOTAGATE_PER_MINUTE_" + strings.ToUpper(string(feature))
		raw, ok := values[name]
		if !ok {
			continue
		}
		parsed, err := parseIntEnv(name, raw)
		if err != nil {
			return err
		}
		c.perMinuteByFeat[feature] = parsed
	}

	if raw, ok := values["QUOTAGATE_PER_MINUTE_DEFAULT"]; ok {
		parsed, err := parseIntEnv("QUOTAGATE_PER_MINUTE_DEFAULT", raw)
		if err != nil {
			return err
		}
		c.defaultPerMinute = parsed
	}

	return nil
}

// Policy holds the three operator switches read at decision time.
type Policy struct {
	// Enabled is the master kill switch. When off, every request is allowed
	// and no state is touched.
	Enabled bool

	// ShadowMode computes and records decisions but never blocks.
	ShadowMode bool

	// Debug enables verbose decision logging.
	Debug bool

	// RolloutPercent limits enforcement to a stable percentage of
	// identifiers; callers outside the rollout are logged, not blocked.
	// Values outside 1..99 mean full enforcement.
	RolloutPercent int
}

// PolicySource supplies the current Policy. Implementations may cache for a
// short interval; they must not require a process restart to change.
type PolicySource interface {
	Current() Policy
}

// StaticPolicy is a fixed PolicySource, mostly for tests and libraries that
// manage their own configuration.
type StaticPolicy Policy

func (p StaticPolicy) Current() Policy { return Policy(p) }

// PolicyFromEnv reads the switches from an environment snapshot. Enabled
// defaults to true; shadow and debug default to false.
func PolicyFromEnv(environ []string) Policy {
	values := envMap(environ)
	p := Policy{Enabled: true}
	if raw, ok := values["QUOTAGATE_ENABLED"]; ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			p.Enabled = parsed
		}
	}
	if raw, ok := values["QUOTAGATE_SHADOW_MODE"]; ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			p.ShadowMode = parsed
		}
	}
	if raw, ok := values["QUOTAGATE_DEBUG"]; ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			p.Debug = parsed
		}
	}
	if raw, ok := values["QUOTAGATE_ROLLOUT_PERCENT"]; ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			p.RolloutPercent = parsed
		}
	}
	return p
}

// EnvPolicy re-reads the process environment on a short interval so
// operators can flip switches without a deploy.
type EnvPolicy struct {
	mu        sync.Mutex
	interval  time.Duration
	environ   func() []string
	cached    Policy
	fetchedAt time.Time
}

// NewEnvPolicy returns a PolicySource refreshing every interval
// (default 5s when interval <= 0).
func NewEnvPolicy(interval time.Duration) *EnvPolicy {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EnvPolicy{interval: interval, environ: os.Environ}
}

func (e *EnvPolicy) Current() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.fetchedAt.IsZero() || now.Sub(e.fetchedAt) >= e.interval {
		e.cached = PolicyFromEnv(e.environ())
		e.fetchedAt = now
	}
	return e.cached
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string, len(environ))
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = parts[1]
	}
	return values
}

func parseIntEnv(name, value string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid env value for %s: %q", name, value)
	}
	return parsed, nil
}
