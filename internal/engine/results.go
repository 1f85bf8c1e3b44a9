package engine

import (
	"time"

	"github.com/scrypster/feederwatch/pkg/types"
)

// IngestResult is the outcome of one capture.
type IngestResult struct {
	Attribution types.Attribution `json:"attribution"`

	// Confidence is the match confidence, or the detector confidence for
	// captures below the identification floor.
	Confidence float64 `json:"confidence"`

	// VisitID is the open visit the capture was folded into.
	VisitID string `json:"visit_id"`

	// EnrolledIdentityID is set when the capture enrolled a new identity or
	// was merged into one enrolled moments earlier at the same feeder.
	EnrolledIdentityID string `json:"enrolled_identity_id,omitempty"`

	// Finalized counts visits closed as a side effect of this capture.
	Finalized int `json:"finalized"`
}

// DailySummary is the structured activity report for one UTC day.
type DailySummary struct {
	Date             string          `json:"date"` // YYYY-MM-DD
	TotalVisits      int             `json:"total_visits"`
	Identified       int             `json:"identified"`
	Unidentified     int             `json:"unidentified"`
	UniqueIdentities int             `json:"unique_identities"`
	PeakHour         int             `json:"peak_hour"` // -1 when there were no visits
	PeakHourVisits   int             `json:"peak_hour_visits"`
	MeanDuration     time.Duration   `json:"mean_duration_ns"`
	Feeders          []FeederSummary `json:"feeders"`
}

// FeederSummary is one feeder's share of a DailySummary.
type FeederSummary struct {
	FeederID         string `json:"feeder_id"`
	Visits           int    `json:"visits"`
	Identified       int    `json:"identified"`
	Unidentified     int    `json:"unidentified"`
	UniqueIdentities int    `json:"unique_identities"`
}
