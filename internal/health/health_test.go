package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/triadhq/triad/internal/metrics"
)

func newTestAggregator(cfg Config) (*Aggregator, *time.Time) {
	a := NewAggregator(cfg)
	now := time.Now()
	a.nowFn = func() time.Time { return now }
	return a, &now
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Healthy, ParseLevel("healthy"))
	assert.Equal(t, Healthy, ParseLevel("OK"))
	assert.Equal(t, Degraded, ParseLevel("degraded"))
	assert.Equal(t, Dead, ParseLevel("down"))
	assert.Equal(t, Unhealthy, ParseLevel("???"), "unknown status is unhealthy, not dead")
}

func TestLevelFromFreshness(t *testing.T) {
	stale, dead := 15*time.Second, 60*time.Second
	assert.Equal(t, Healthy, LevelFromFreshness(5*time.Second, stale, dead))
	assert.Equal(t, Unhealthy, LevelFromFreshness(20*time.Second, stale, dead))
	assert.Equal(t, Dead, LevelFromFreshness(2*time.Minute, stale, dead))
}

func TestAggregator_SingleSampleDoesNotFlip(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2})

	a.Sample("mind", Healthy)
	a.Sample("mind", Degraded)

	rec, ok := a.Component("mind")
	assert.True(t, ok)
	assert.Equal(t, Healthy, rec.Level, "one degraded sample must not flip status")
}

func TestAggregator_StreakFlips(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2})

	a.Sample("mind", Degraded)
	a.Sample("mind", Degraded)

	rec, _ := a.Component("mind")
	assert.Equal(t, Degraded, rec.Level, "two consecutive samples flip status")
}

func TestAggregator_InterruptedStreakResets(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2})

	a.Sample("mind", Degraded)
	a.Sample("mind", Healthy)
	a.Sample("mind", Degraded)

	rec, _ := a.Component("mind")
	assert.Equal(t, Healthy, rec.Level, "non-consecutive samples do not accumulate")
}

func TestAggregator_RecoveryNeedsStreakToo(t *testing.T) {
	a, now := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2, MinDwell: time.Second})

	a.Sample("mind", Unhealthy)
	a.Sample("mind", Unhealthy)
	rec, _ := a.Component("mind")
	assert.Equal(t, Unhealthy, rec.Level)

	*now = now.Add(5 * time.Second)
	a.Sample("mind", Healthy)
	rec, _ = a.Component("mind")
	assert.Equal(t, Unhealthy, rec.Level)

	a.Sample("mind", Healthy)
	rec, _ = a.Component("mind")
	assert.Equal(t, Healthy, rec.Level)
}

func TestAggregator_DwellBlocksRapidFlips(t *testing.T) {
	a, now := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2, MinDwell: 10 * time.Second})

	a.Sample("mind", Degraded)
	a.Sample("mind", Degraded)
	rec, _ := a.Component("mind")
	assert.Equal(t, Degraded, rec.Level)

	// Recovery streak satisfied but dwell not yet elapsed.
	*now = now.Add(time.Second)
	a.Sample("mind", Healthy)
	a.Sample("mind", Healthy)
	rec, _ = a.Component("mind")
	assert.Equal(t, Degraded, rec.Level, "flip suppressed inside dwell window")

	*now = now.Add(time.Minute)
	a.Sample("mind", Healthy)
	a.Sample("mind", Healthy)
	rec, _ = a.Component("mind")
	assert.Equal(t, Healthy, rec.Level)
}

func TestAggregator_DwellSuppressionCounted(t *testing.T) {
	a, now := newTestAggregator(Config{DegradeStreak: 1, RecoverStreak: 1, MinDwell: 10 * time.Second})

	before := testutil.ToFloat64(metrics.HealthSamplesSuppressed.WithLabelValues("relay"))

	a.Sample("relay", Degraded)
	*now = now.Add(time.Second)
	a.Sample("relay", Healthy)

	rec, _ := a.Component("relay")
	assert.Equal(t, Degraded, rec.Level)
	assert.Equal(t, before+1,
		testutil.ToFloat64(metrics.HealthSamplesSuppressed.WithLabelValues("relay")))
}

func TestAggregator_CapabilityORSemantics(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 1, RecoverStreak: 1})
	a.RegisterCapability("inference", "x", "y")

	// X degraded, Y healthy: one healthy backing path is sufficient.
	a.Sample("x", Degraded)
	a.Sample("y", Healthy)
	assert.Equal(t, Healthy, a.CapabilityHealth("inference"))

	a.Sample("y", Degraded)
	assert.Equal(t, Degraded, a.CapabilityHealth("inference"))
}

func TestAggregator_UnknownCapabilityIsDead(t *testing.T) {
	a, _ := newTestAggregator(Config{})
	assert.Equal(t, Dead, a.CapabilityHealth("nope"))
}

func TestAggregator_CapabilityWithNoReportsIsDead(t *testing.T) {
	a, _ := newTestAggregator(Config{})
	a.RegisterCapability("persistence", "never-reported")
	assert.Equal(t, Dead, a.CapabilityHealth("persistence"))
}

func TestAggregator_UnifiedAppliesAggregateHysteresis(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2})
	a.RegisterCapability("inference", "mind")
	a.Sample("mind", Healthy)

	snap := a.Unified()
	assert.Equal(t, Healthy, snap.Overall)

	// Make the capability unhealthy instantly (streak=1 would flip the
	// component only with streak config 1; force via two samples).
	a.Sample("mind", Unhealthy)
	a.Sample("mind", Unhealthy)

	snap = a.Unified()
	assert.Equal(t, Healthy, snap.Overall, "first degraded aggregate sample does not flip system status")
	assert.Equal(t, Unhealthy, snap.Capabilities["inference"])

	snap = a.Unified()
	assert.Equal(t, Unhealthy, snap.Overall, "second consecutive aggregate sample flips")
}

func TestAggregator_UnifiedIsAlwaysBestEffort(t *testing.T) {
	a, _ := newTestAggregator(Config{})
	snap := a.Unified()
	assert.NotNil(t, snap.Capabilities)
	assert.Empty(t, snap.Components)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestAggregator_RecordOutcomeCountsOperations(t *testing.T) {
	a, _ := newTestAggregator(Config{DegradeStreak: 2, RecoverStreak: 2})

	a.RecordOutcome("nerves", true)
	a.RecordOutcome("nerves", false)
	a.RecordOutcome("nerves", false)

	rec, ok := a.Component("nerves")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), rec.TotalOperations)
	assert.Equal(t, Unhealthy, rec.Level, "two consecutive failures degrade")
}

func TestAggregator_LazyComponentCreation(t *testing.T) {
	a, _ := newTestAggregator(Config{})

	_, ok := a.Component("ghost")
	assert.False(t, ok)

	a.Sample("ghost", Healthy)
	rec, ok := a.Component("ghost")
	assert.True(t, ok)
	assert.Equal(t, Healthy, rec.Level)
}
