package depletion

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/pkg/types"
)

var t0 = time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)

func testConfig() config.PipelineConfig {
	cfg := config.DefaultPipeline()
	cfg.DepletionPerVisit = 0.02
	cfg.RecentWindow = 24 * time.Hour
	cfg.BaselineWindow = 24 * time.Hour
	cfg.MinHistoryVisits = 10
	return cfg
}

func everyMinutes(n int, start time.Time, step time.Duration) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * step)
	}
	return out
}

func TestConsumeVisit_FortyVisitsAtBaselineRate(t *testing.T) {
	p := New(testConfig())
	state := types.NewFeederState("F1", t0)
	starts := everyMinutes(40, t0.Add(time.Minute), 15*time.Minute)

	for i, at := range starts {
		rates := p.Rates(starts[:i+1], at)
		require.InDelta(t, 0.02, rates.EffectiveRate, 1e-12, "rate equals baseline so r' = r")
		ConsumeVisit(state, rates.EffectiveRate, at)
	}

	assert.Equal(t, 40, state.VisitsSinceRefill)
	assert.InDelta(t, 0.20, state.Remaining, 1e-9)
	assert.Equal(t, starts[39], state.UpdatedAt)
}

func TestConsumeVisit_ClampsAtZero(t *testing.T) {
	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.01
	ConsumeVisit(state, 0.05, t0)
	assert.Equal(t, 0.0, state.Remaining)
}

func TestRates_SurgeScalesPerVisitRate(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineWindow = 7 * 24 * time.Hour
	cfg.SurgeFactor = 1.5
	p := New(cfg)

	now := t0.Add(7 * 24 * time.Hour)
	var starts []time.Time
	for d := 0; d < 7; d++ {
		starts = append(starts, t0.Add(time.Duration(d)*24*time.Hour+time.Hour))
	}
	// Three extra visits in the last day.
	starts = append(starts, now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour))

	rates := p.Rates(starts, now)
	assert.InDelta(t, 4.0, rates.Recent, 1e-9)
	assert.InDelta(t, 10.0/7.0, rates.Baseline, 1e-9)
	ratio := rates.Recent / rates.Baseline
	assert.InDelta(t, 0.02*ratio, rates.EffectiveRate, 1e-12)
}

func TestRates_BelowSurgeFactorKeepsBaseRate(t *testing.T) {
	cfg := testConfig()
	cfg.BaselineWindow = 2 * 24 * time.Hour
	cfg.SurgeFactor = 3
	p := New(cfg)

	now := t0.Add(48 * time.Hour)
	starts := []time.Time{t0.Add(time.Hour), now.Add(-time.Hour), now.Add(-2 * time.Hour)}

	rates := p.Rates(starts, now)
	assert.InDelta(t, 0.02, rates.EffectiveRate, 1e-12)
}

func TestRates_SeasonalFactor(t *testing.T) {
	cfg := testConfig()
	cfg.SeasonalFactors[time.July-1] = 1.25
	p := New(cfg)

	rates := p.Rates(nil, t0)
	assert.Equal(t, 1.25, rates.SeasonalFactor)
	assert.InDelta(t, 0.025, rates.EffectiveRate, 1e-12)
}

func TestEstimate_NoRecentActivityIsNoNearTermRisk(t *testing.T) {
	p := New(testConfig())
	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.5

	est := p.Estimate(state, nil, t0)
	assert.True(t, math.IsInf(est.DaysToEmpty, 1))
	assert.True(t, est.NoNearTermRisk)
	assert.True(t, est.LowConfidence)
	assert.Equal(t, 0.0, est.Confidence)
}

func TestEstimate_ProjectsDaysToEmpty(t *testing.T) {
	p := New(testConfig())
	now := t0.Add(24 * time.Hour)
	starts := everyMinutes(20, t0.Add(time.Hour), time.Hour)

	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.4

	est := p.Estimate(state, starts, now)
	// 20 visits/day × 0.02 = 0.4 per day.
	assert.InDelta(t, 1.0, est.DaysToEmpty, 1e-9)
	assert.False(t, est.NoNearTermRisk)
	assert.False(t, est.LowConfidence)
	assert.Equal(t, 1.0, est.Confidence)
	assert.Equal(t, 20, est.HistoryVisits)
}

func TestEstimate_ProjectsAlertLevelsPerDay(t *testing.T) {
	cfg := testConfig()
	cfg.ProjectionDays = 4
	p := New(cfg)
	now := t0.Add(24 * time.Hour)
	// 10 visits/day × 0.02 = 0.2 per day.
	starts := everyMinutes(10, t0.Add(time.Hour), 2*time.Hour)

	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.6

	est := p.Estimate(state, starts, now)
	require.Len(t, est.Projection, 4)

	wantRemaining := []float64{0.4, 0.2, 0, 0}
	wantSeverity := []types.Severity{types.SeverityNone, types.SeverityMedium, types.SeverityHigh, types.SeverityHigh}
	for i, d := range est.Projection {
		assert.Equal(t, i+1, d.Day)
		assert.Equal(t, now.Add(time.Duration(i+1)*24*time.Hour), d.At)
		assert.InDelta(t, wantRemaining[i], d.Remaining, 1e-9, "day %d", d.Day)
		assert.Equal(t, wantSeverity[i], d.Severity, "day %d", d.Day)
	}
}

func TestEstimate_ProjectionWithoutActivityIsFlat(t *testing.T) {
	p := New(testConfig())
	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.2

	est := p.Estimate(state, nil, t0)
	require.Len(t, est.Projection, 7)
	for _, d := range est.Projection {
		assert.Equal(t, 0.2, d.Remaining)
		assert.Equal(t, types.SeverityMedium, d.Severity)
	}

	cfg := testConfig()
	cfg.ProjectionDays = 0
	assert.Nil(t, New(cfg).Estimate(state, nil, t0).Projection)
}

func TestEstimate_EmptyFeeder(t *testing.T) {
	p := New(testConfig())
	state := types.NewFeederState("F1", t0)
	state.Remaining = 0

	est := p.Estimate(state, nil, t0)
	assert.Equal(t, 0.0, est.DaysToEmpty)
	assert.False(t, est.NoNearTermRisk)
}

func TestEstimate_InsufficientHistoryIsLowConfidence(t *testing.T) {
	p := New(testConfig())
	now := t0.Add(12 * time.Hour)
	starts := everyMinutes(5, t0, time.Hour)

	est := p.Estimate(types.NewFeederState("F1", t0), starts, now)
	assert.True(t, est.LowConfidence)
	assert.InDelta(t, 0.25, est.Confidence, 1e-12)
}

func TestEstimate_Deterministic(t *testing.T) {
	p := New(testConfig())
	now := t0.Add(24 * time.Hour)
	starts := everyMinutes(33, t0.Add(time.Minute), 37*time.Minute)
	state := types.NewFeederState("F1", t0)
	state.Remaining = 0.63

	first := p.Estimate(state, starts, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Estimate(state, starts, now))
	}
}

// Holding the visit rate constant, remaining never increases as visits accumulate.
func TestProperty_RemainingIsMonotonic(t *testing.T) {
	p := New(testConfig())
	state := types.NewFeederState("F1", t0)
	var starts []time.Time

	prev := state.Remaining
	for i := 0; i < 80; i++ {
		at := t0.Add(time.Duration(i) * 20 * time.Minute)
		starts = append(starts, at)
		ConsumeVisit(state, p.Rates(starts, at).EffectiveRate, at)
		require.LessOrEqual(t, state.Remaining, prev)
		require.GreaterOrEqual(t, state.Remaining, 0.0)
		prev = state.Remaining
	}
	assert.Equal(t, 0.0, state.Remaining)
}
