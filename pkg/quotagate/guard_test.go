package quotagate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlans struct {
	plan  string
	err   error
	calls int
	mu    sync.Mutex
}

func (s *stubPlans) PlanFor(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.plan, s.err
}

type stubUsage struct {
	mu      sync.Mutex
	records []usageJob
}

func (s *stubUsage) RecordUsage(_ context.Context, userID string, feature Feature, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, usageJob{userID: userID, feature: feature, day: day})
	return nil
}

func (s *stubUsage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func tinyCatalog(aiPerDay int) *Catalog {
	c := DefaultCatalog()
	free := c.plans[PlanFree]
	free.AICompletionsPerDay = intPtr(aiPerDay)
	c.plans[PlanFree] = free
	return c
}

func newTestGuard(t *testing.T, cfg GuardConfig, store CounterStore, opts ...GuardOption) *Guard {
	t.Helper()
	lim, err := NewLimiter(store)
	require.NoError(t, err)
	resolver := NewIdentityResolver(NewHSVerifier(testSecret, "thesisflow"))
	g, err := NewGuard(cfg, resolver, lim, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func userRequest(t *testing.T, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/ai/complete", nil)
	req.RemoteAddr = "203.0.113.10:443"
	req.Header.Set("Authorization", "Bearer "+signedToken(t, userID, "", time.Hour))
	return req
}

func anonRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.RemoteAddr = "198.51.100.20:1234"
	return req
}

func TestGuardDisabledAllowsWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(t, GuardConfig{Policy: StaticPolicy(Policy{Enabled: false})}, store)

	for i := 0; i < 5; i++ {
		d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Headers)
	}
	assert.Zero(t, store.incrementCalls())
}

func TestGuardFreePlanDailyQuota(t *testing.T) {
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(10)}, newFakeStore())

	for i := 0; i < 10; i++ {
		d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, "10", d.Headers["X-RateLimit-Limit"])
	}

	d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
	require.False(t, d.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.Equal(t, CodeDailyQuotaExceeded, d.Code)
	assert.Equal(t, "0", d.Headers["X-RateLimit-Remaining"])
	assert.NotEmpty(t, d.Headers["Retry-After"])
	require.NotNil(t, d.Body)
	assert.Equal(t, CodeDailyQuotaExceeded, d.Body.Code)
	assert.Equal(t, string(FeatureAICompletions), d.Body.Feature)
	assert.Equal(t, 0, d.Body.Remaining)
}

func TestGuardShadowModeAllowsButRecords(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(RecorderConfig{}, sink, sink)
	t.Cleanup(rec.Close)

	g := newTestGuard(t,
		GuardConfig{
			Catalog: tinyCatalog(1),
			Policy:  StaticPolicy(Policy{Enabled: true, ShadowMode: true}),
		},
		newFakeStore(), WithRecorder(rec))

	shadowed := 0
	for i := 0; i < 10; i++ {
		d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
		require.True(t, d.Allowed, "shadow mode must never deny")
		if d.Shadowed {
			shadowed++
		}
	}
	assert.Equal(t, 9, shadowed)

	events := rec.Events(AuditFilter{Action: AuditRateLimitViolation, Limit: 20})
	require.Len(t, events, 9)
	for _, e := range events {
		assert.Equal(t, "logged", e.Details["action_taken"])
	}
}

func TestGuardRolloutPartialEnforcement(t *testing.T) {
	const percent = 50

	// Find one caller on each side of the rollout boundary.
	var inside, outside string
	for i := 0; i < 200 && (inside == "" || outside == ""); i++ {
		u := fmt.Sprintf("user-%d", i)
		if inRollout(percent, Identifier{Type: IdentifierUser, Value: u}) {
			if inside == "" {
				inside = u
			}
		} else if outside == "" {
			outside = u
		}
	}
	require.NotEmpty(t, inside)
	require.NotEmpty(t, outside)

	g := newTestGuard(t,
		GuardConfig{
			Catalog: tinyCatalog(1),
			Policy:  StaticPolicy(Policy{Enabled: true, RolloutPercent: percent}),
		},
		newFakeStore())

	require.True(t, g.Evaluate(userRequest(t, inside), FeatureAICompletions).Allowed)
	d := g.Evaluate(userRequest(t, inside), FeatureAICompletions)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeDailyQuotaExceeded, d.Code)

	// Outside the rollout the violation is observed but never blocks.
	require.True(t, g.Evaluate(userRequest(t, outside), FeatureAICompletions).Allowed)
	d = g.Evaluate(userRequest(t, outside), FeatureAICompletions)
	assert.True(t, d.Allowed)
	assert.True(t, d.Shadowed)
}

func TestInRolloutBoundsMeanFullEnforcement(t *testing.T) {
	id := Identifier{Type: IdentifierUser, Value: "anyone"}

	assert.True(t, inRollout(0, id))
	assert.True(t, inRollout(100, id))
	assert.True(t, inRollout(-5, id))
	assert.True(t, inRollout(250, id))
}

func TestGuardOverrideMultiplierScalesQuota(t *testing.T) {
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(10)}, newFakeStore(),
		WithOverrideSource(&stubOverrides{grant: OverrideGrant{QuotaMultiplier: 2.0}}))

	for i := 0; i < 20; i++ {
		d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
	assert.False(t, d.Allowed)
}

func TestGuardUnlimitedOverrideBypassesStore(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(1)}, store,
		WithOverrideSource(&stubOverrides{grant: OverrideGrant{IsUnlimited: true}}))

	for i := 0; i < 30; i++ {
		d := g.Evaluate(userRequest(t, "vip"), FeatureAICompletions)
		require.True(t, d.Allowed)
		assert.Equal(t, "unlimited", d.Headers["X-RateLimit-Limit"])
	}
	assert.Zero(t, store.incrementCalls())
}

func TestGuardUnlimitedPlanBypassesStore(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(t, GuardConfig{}, store,
		WithPlanSource(&stubPlans{plan: PlanInstitution}))

	d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
	assert.True(t, d.Allowed)
	assert.Equal(t, "unlimited", d.Headers["X-RateLimit-Remaining"])
	assert.Zero(t, store.incrementCalls())
}

func TestGuardPlanLookupFailureDefaultsToFree(t *testing.T) {
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(2)}, newFakeStore(),
		WithPlanSource(&stubPlans{err: errors.New("profile service down")}))

	for i := 0; i < 2; i++ {
		d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
		require.True(t, d.Allowed)
		assert.Equal(t, PlanFree, d.Plan)
	}
	d := g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
	assert.False(t, d.Allowed)
}

func TestGuardAnonymousCallerSkipsPlanLookup(t *testing.T) {
	plans := &stubPlans{plan: PlanResearcher}
	g := newTestGuard(t, GuardConfig{}, newFakeStore(), WithPlanSource(plans))

	d := g.Evaluate(anonRequest(), FeaturePaperSearch)
	assert.True(t, d.Allowed)
	assert.Equal(t, PlanFree, d.Plan)
	assert.Zero(t, plans.calls)
}

func TestGuardPerMinuteFeatureDeny(t *testing.T) {
	c := DefaultCatalog()
	c.perMinuteByFeat[FeatureExports] = 2
	g := newTestGuard(t, GuardConfig{Catalog: c}, newFakeStore())

	req := anonRequest()
	for i := 0; i < 2; i++ {
		require.True(t, g.Evaluate(req, FeatureExports).Allowed)
	}
	d := g.Evaluate(req, FeatureExports)
	require.False(t, d.Allowed)
	assert.Equal(t, CodePerMinuteExceeded, d.Code)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	assert.NotEmpty(t, d.Headers["Retry-After"])
}

func TestGuardRecordsUsageOnAllowedPlanRequests(t *testing.T) {
	usage := &stubUsage{}
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(5)}, newFakeStore(),
		WithUsageSink(usage))

	for i := 0; i < 3; i++ {
		require.True(t, g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions).Allowed)
	}

	require.Eventually(t, func() bool { return usage.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "user-1", usage.records[0].userID)
	assert.Equal(t, FeatureAICompletions, usage.records[0].feature)
}

func TestGuardNoUsageForAnonymousOrDenied(t *testing.T) {
	usage := &stubUsage{}
	g := newTestGuard(t, GuardConfig{Catalog: tinyCatalog(1)}, newFakeStore(),
		WithUsageSink(usage))

	// Anonymous per-minute traffic is never usage-tracked.
	g.Evaluate(anonRequest(), FeatureExports)
	// One allowed, one denied.
	g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)
	g.Evaluate(userRequest(t, "user-1"), FeatureAICompletions)

	require.Eventually(t, func() bool { return usage.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, usage.count())
}

func TestGuardAuthGateThresholds(t *testing.T) {
	g := newTestGuard(t, GuardConfig{AuthCaptchaThreshold: 3, AuthBlockThreshold: 5}, newFakeStore())

	req := anonRequest()
	assert.True(t, g.CheckAuthGate(req).Allowed)

	for i := 0; i < 3; i++ {
		g.RecordAuthFailure(req, "bad password")
	}
	d := g.CheckAuthGate(req)
	require.False(t, d.Allowed)
	assert.Equal(t, CodeAuthCaptchaRequired, d.Code)

	for i := 0; i < 2; i++ {
		g.RecordAuthFailure(req, "bad password")
	}
	d = g.CheckAuthGate(req)
	require.False(t, d.Allowed)
	assert.Equal(t, CodeAuthBlocked, d.Code)
	assert.Equal(t, http.StatusTooManyRequests, d.Status)
	require.NotNil(t, d.Body)

	g.ResetAuthFailures(req)
	assert.True(t, g.CheckAuthGate(req).Allowed)
}

func TestGuardAuthGateShadowMode(t *testing.T) {
	g := newTestGuard(t,
		GuardConfig{
			AuthCaptchaThreshold: 1,
			Policy:               StaticPolicy(Policy{Enabled: true, ShadowMode: true}),
		},
		newFakeStore())

	req := anonRequest()
	g.RecordAuthFailure(req, "bad password")

	d := g.CheckAuthGate(req)
	assert.True(t, d.Allowed)
	assert.True(t, d.Shadowed)
}

func TestGuardStatus(t *testing.T) {
	rec := NewRecorder(RecorderConfig{}, nil, nil)
	t.Cleanup(rec.Close)

	g := newTestGuard(t,
		GuardConfig{Policy: StaticPolicy(Policy{Enabled: true, ShadowMode: true, Debug: true})},
		newFakeStore(), WithRecorder(rec))

	s := g.Status()
	assert.True(t, s.Enabled)
	assert.True(t, s.ShadowMode)
	assert.True(t, s.Debug)
	assert.False(t, s.StoreDegraded)
	assert.Zero(t, s.RecorderQueueDepth)
}

func TestGuardConfigApplyEnv(t *testing.T) {
	cfg := GuardConfig{}
	err := cfg.ApplyEnv([]string{
		"QUOTAGATE_AUTH_CAPTCHA_THRESHOLD=7",
		"QUOTAGATE_AUTH_BLOCK_THRESHOLD=14",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.AuthCaptchaThreshold)
	assert.Equal(t, 14, cfg.AuthBlockThreshold)

	assert.Error(t, cfg.ApplyEnv([]string{"QUOTAGATE_AUTH_BLOCK_THRESHOLD=many"}))
}
