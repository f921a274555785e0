package quotagate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogFreeTier(t *testing.T) {
	c := DefaultCatalog()

	limits := c.Limits(PlanFree)
	require.NotNil(t, limits.AICompletionsPerDay)
	assert.Equal(t, 10, *limits.AICompletionsPerDay)
	require.NotNil(t, limits.OriginalityChecksPerMonth)
	assert.Equal(t, 2, *limits.OriginalityChecksPerMonth)
	assert.False(t, limits.Unlimited)
}

func TestCatalogUnknownPlanFallsBackToFree(t *testing.T) {
	c := DefaultCatalog()

	limits := c.Limits("enterprise_legacy")
	assert.Equal(t, PlanFree, limits.Plan)
}

func TestCatalogInstitutionIsUnlimited(t *testing.T) {
	c := DefaultCatalog()

	assert.True(t, c.Limits(PlanInstitution).Unlimited)
	assert.Nil(t, c.Quota(PlanInstitution, FeatureAICompletions, WindowDay))
}

func TestCatalogQuotaWindows(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, WindowMonth, c.QuotaWindow(FeatureOriginalityChecks))
	assert.Equal(t, WindowDay, c.QuotaWindow(FeatureAICompletions))
	assert.Equal(t, WindowDay, c.QuotaWindow(FeaturePaperSearch))
}

func TestCatalogPerMinuteDefaults(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, 30, c.PerMinuteLimit(FeatureMessages))
	assert.Equal(t, 10, c.PerMinuteLimit(FeatureExports))
	assert.Equal(t, 100, c.PerMinuteLimit(Feature("unmapped_feature")))
}

func TestCatalogApplyEnv(t *testing.T) {
	c := DefaultCatalog()

	err := c.ApplyEnv([]string{
		"QUOTAGATE_FREE_AI_COMPLETIONS_PER_DAY=25",
		"QUOTAGATE_SCHOLAR_ORIGINALITY_CHECKS_PER_MONTH=15",
		"QUOTAGATE_PER_MINUTE_MESSAGES=50",
		"QUOTAGATE_PER_MINUTE_DEFAULT=200",
		"UNRELATED=ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, 25, *c.Limits(PlanFree).AICompletionsPerDay)
	assert.Equal(t, 15, *c.Limits(PlanScholar).OriginalityChecksPerMonth)
	assert.Equal(t, 50, c.PerMinuteLimit(FeatureMessages))
	assert.Equal(t, 200, c.PerMinuteLimit(Feature("anything_else")))
}

func TestCatalogApplyEnvRejectsGarbage(t *testing.T) {
	c := DefaultCatalog()

	err := c.ApplyEnv([]string{"QUOTAGATE_FREE_AI_COMPLETIONS_PER_DAY=lots"})
	assert.Error(t, err)
}

func TestPolicyFromEnvDefaults(t *testing.T) {
	p := PolicyFromEnv(nil)

	assert.True(t, p.Enabled)
	assert.False(t, p.ShadowMode)
	assert.False(t, p.Debug)
}

func TestPolicyFromEnvSwitches(t *testing.T) {
	p := PolicyFromEnv([]string{
		"QUOTAGATE_ENABLED=false",
		"QUOTAGATE_SHADOW_MODE=true",
		"QUOTAGATE_DEBUG=1",
	})

	assert.False(t, p.Enabled)
	assert.True(t, p.ShadowMode)
	assert.True(t, p.Debug)
}

func TestPolicyFromEnvIgnoresUnparseable(t *testing.T) {
	p := PolicyFromEnv([]string{"QUOTAGATE_ENABLED=maybe"})

	assert.True(t, p.Enabled)
}

func TestPolicyFromEnvRolloutPercent(t *testing.T) {
	p := PolicyFromEnv([]string{"QUOTAGATE_ROLLOUT_PERCENT=25"})

	assert.Equal(t, 25, p.RolloutPercent)
	assert.Zero(t, PolicyFromEnv(nil).RolloutPercent)
}

func TestEnvPolicyCachesBetweenRefreshes(t *testing.T) {
	env := []string{"QUOTAGATE_SHADOW_MODE=false"}
	src := NewEnvPolicy(time.Hour)
	src.environ = func() []string { return env }

	assert.False(t, src.Current().ShadowMode)

	// A change inside the refresh interval is not visible yet.
	env = []string{"QUOTAGATE_SHADOW_MODE=true"}
	assert.False(t, src.Current().ShadowMode)

	// Forcing the next refresh picks it up.
	src.fetchedAt = time.Now().Add(-2 * time.Hour)
	assert.True(t, src.Current().ShadowMode)
}
