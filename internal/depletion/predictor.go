// Package depletion estimates how much food a feeder has left and when it
// will run out, from its visit history.
//
// Every finalized visit consumes r′ of capacity, where r′ is the configured
// per-visit rate r scaled up during traffic surges and by a monthly seasonal
// factor:
//
//	r′ = r × max(1, rate/baseline) × seasonal(month)   when rate/baseline ≥ SurgeFactor
//	r′ = r × seasonal(month)                           otherwise
//
// The projection divides what remains by the recent consumption per day.
package depletion

import (
	"math"
	"time"

	"github.com/scrypster/feederwatch/internal/alerts"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/pkg/types"
)

const day = 24 * time.Hour

// Predictor computes depletion estimates. It holds no state and is safe for
// concurrent use.
type Predictor struct {
	cfg config.PipelineConfig
}

// New returns a Predictor for the given pipeline configuration.
func New(cfg config.PipelineConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

// Rates are the visit rates around one instant.
type Rates struct {
	Recent         float64 // visits per day over the recent window
	Baseline       float64 // visits per day over the baseline window
	History        int     // visits inside the baseline window
	EffectiveRate  float64 // r′
	SeasonalFactor float64
}

// Rates computes visit rates and r′ at now from the start times of a feeder's
// visits. Visits after now are ignored.
func (p *Predictor) Rates(visitStarts []time.Time, now time.Time) Rates {
	recentFrom := now.Add(-p.cfg.RecentWindow)
	baselineFrom := now.Add(-p.cfg.BaselineWindow)

	var recent, baseline int
	for _, at := range visitStarts {
		if at.After(now) {
			continue
		}
		if at.After(recentFrom) {
			recent++
		}
		if at.After(baselineFrom) {
			baseline++
		}
	}

	r := Rates{
		Recent:         perDay(recent, p.cfg.RecentWindow),
		Baseline:       perDay(baseline, p.cfg.BaselineWindow),
		History:        baseline,
		SeasonalFactor: p.cfg.SeasonalFactor(now.Month()),
	}
	r.EffectiveRate = p.effectiveRate(r.Recent, r.Baseline) * r.SeasonalFactor
	return r
}

// effectiveRate applies surge scaling to r.
func (p *Predictor) effectiveRate(recent, baseline float64) float64 {
	r := p.cfg.DepletionPerVisit
	if baseline <= 0 {
		return r
	}
	ratio := recent / baseline
	if ratio >= p.cfg.SurgeFactor {
		return r * math.Max(1, ratio)
	}
	return r
}

// ConsumeVisit applies one finalized visit at `at` to state, consuming
// rPrime of capacity.
func ConsumeVisit(state *types.FeederState, rPrime float64, at time.Time) {
	state.VisitsSinceRefill++
	state.Remaining = math.Max(0, state.Remaining-rPrime)
	state.ClampRemaining()
	if at.After(state.UpdatedAt) {
		state.UpdatedAt = at
	}
}

// Estimate projects state forward from the feeder's visit history. It is
// deterministic: the same state, history and now always give the same result.
//
// With fewer than MinHistoryVisits visits in the baseline window the estimate
// is flagged LowConfidence so callers can suppress premature alerts.
func (p *Predictor) Estimate(state *types.FeederState, visitStarts []time.Time, now time.Time) types.DepletionEstimate {
	rates := p.Rates(visitStarts, now)

	est := types.DepletionEstimate{
		FeederID:          state.FeederID,
		Remaining:         state.Remaining,
		VisitsSinceRefill: state.VisitsSinceRefill,
		HistoryVisits:     rates.History,
		RecentRate:        rates.Recent,
		BaselineRate:      rates.Baseline,
		EffectiveRate:     rates.EffectiveRate,
		SeasonalFactor:    rates.SeasonalFactor,
		ComputedAt:        now,
	}

	consumption := rates.EffectiveRate * rates.Recent
	switch {
	case state.Remaining <= 0:
		est.DaysToEmpty = 0
	case consumption <= 0:
		est.DaysToEmpty = math.Inf(1)
		est.NoNearTermRisk = true
	default:
		est.DaysToEmpty = state.Remaining / consumption
	}

	est.Projection = p.project(state.Remaining, consumption, now)

	minHistory := p.cfg.MinHistoryVisits
	if minHistory <= 0 {
		est.Confidence = 1
	} else {
		est.Confidence = math.Min(1, float64(rates.History)/float64(2*minHistory))
		est.LowConfidence = rates.History < minHistory
	}
	return est
}

// project walks the remaining level forward one day at a time and classifies
// each day against the alert thresholds.
func (p *Predictor) project(remaining, consumption float64, now time.Time) []types.ProjectedDay {
	if p.cfg.ProjectionDays <= 0 {
		return nil
	}
	thresholds := alerts.ThresholdsFrom(p.cfg)
	days := make([]types.ProjectedDay, 0, p.cfg.ProjectionDays)
	for d := 1; d <= p.cfg.ProjectionDays; d++ {
		left := math.Max(0, remaining-consumption*float64(d))
		days = append(days, types.ProjectedDay{
			Day:       d,
			At:        now.Add(time.Duration(d) * day),
			Remaining: left,
			Severity:  thresholds.Severity(left),
		})
	}
	return days
}

func perDay(count int, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(count) / (float64(window) / float64(day))
}
