package types

import "time"

// AlertKind identifies what an alert is about.
type AlertKind string

// AlertKindRefillNeeded is raised when a feeder is projected to run low.
const AlertKindRefillNeeded AlertKind = "refill-needed"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// AlertSnapshot records the depletion figures that triggered or last updated an alert.
type AlertSnapshot struct {
	Remaining         float64 `json:"remaining"`
	DaysToEmpty       float64 `json:"days_to_empty"`
	VisitsSinceRefill int     `json:"visits_since_refill"`
}

// Alert is a maintenance alert for one feeder. Resolved alerts are kept for history.
type Alert struct {
	ID             string        `json:"id"`
	FeederID       string        `json:"feeder_id"`
	Kind           AlertKind     `json:"kind"`
	Severity       Severity      `json:"severity"`
	State          AlertState    `json:"state"`
	Snapshot       AlertSnapshot `json:"snapshot"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy     string        `json:"resolved_by,omitempty"`
}

// IsOpen reports whether the alert has not been resolved.
func (a *Alert) IsOpen() bool {
	return a.State == AlertActive || a.State == AlertAcknowledged
}
