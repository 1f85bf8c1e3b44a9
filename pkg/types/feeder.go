package types

import (
	"math"
	"time"
)

// FeederState is the per-feeder running state. One exists per feeder; it is
// created lazily on the first finalized visit and never deleted.
type FeederState struct {
	FeederID          string    `json:"feeder_id"`
	VisitsSinceRefill int       `json:"visits_since_refill"`
	Remaining         float64   `json:"remaining"` // fraction of capacity in [0,1]
	LastRefill        time.Time `json:"last_refill"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewFeederState returns the state of a freshly filled feeder.
func NewFeederState(feederID string, at time.Time) *FeederState {
	return &FeederState{
		FeederID:   feederID,
		Remaining:  1.0,
		LastRefill: at,
		UpdatedAt:  at,
	}
}

// ClampRemaining forces Remaining into [0,1].
func (s *FeederState) ClampRemaining() {
	s.Remaining = math.Max(0, math.Min(1, s.Remaining))
}

// DepletionEstimate is the predicted remaining resource fraction and the
// projected time to exhaustion for a feeder.
type DepletionEstimate struct {
	FeederID          string    `json:"feeder_id"`
	Remaining         float64   `json:"remaining"`
	DaysToEmpty       float64   `json:"days_to_empty"` // +Inf when there is no recent activity
	NoNearTermRisk    bool      `json:"no_near_term_risk"`
	Confidence        float64   `json:"confidence"`
	LowConfidence     bool      `json:"low_confidence"`
	VisitsSinceRefill int       `json:"visits_since_refill"`
	HistoryVisits     int       `json:"history_visits"`
	RecentRate        float64   `json:"recent_rate"`    // visits per day, trailing window
	BaselineRate      float64   `json:"baseline_rate"`  // visits per day, baseline window
	EffectiveRate     float64   `json:"effective_rate"` // r', fraction consumed per visit
	SeasonalFactor    float64   `json:"seasonal_factor"`
	ComputedAt        time.Time `json:"computed_at"`

	// Projection holds the expected level at the end of each of the next few
	// days, assuming the recent consumption holds.
	Projection []ProjectedDay `json:"projection,omitempty"`
}

// ProjectedDay is one day of a depletion projection.
type ProjectedDay struct {
	Day       int       `json:"day"` // 1 is tomorrow at this time
	At        time.Time `json:"at"`
	Remaining float64   `json:"remaining"`
	Severity  Severity  `json:"severity,omitempty"`
}
