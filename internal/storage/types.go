package storage

import (
	"time"

	"github.com/scrypster/feederwatch/pkg/types"
)

// Storage errors alias the shared taxonomy so callers can test with either.
var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = types.ErrNotFound

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = types.ErrInvalidInput
)

// VisitFilter selects visits for ListVisits.
type VisitFilter struct {
	// FeederID restricts results to one feeder. Empty means all feeders.
	FeederID string

	// IdentityID restricts results to visits attributed to one identity.
	IdentityID string

	// Since includes visits that started at or after this time.
	// Zero value means no lower bound.
	Since time.Time

	// Until includes visits that started strictly before this time.
	// Zero value means no upper bound.
	Until time.Time

	// Limit caps the number of results (default: 10000, max: 100000).
	Limit int

	// NewestFirst orders by start descending, so Limit keeps the most recent
	// visits. The default is oldest first.
	NewestFirst bool
}

// Normalize applies defaults to the filter.
func (f *VisitFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 10000
	}
	if f.Limit > 100000 {
		f.Limit = 100000
	}
}

// AlertFilter selects alerts for ListAlerts.
type AlertFilter struct {
	// FeederID restricts results to one feeder. Empty means all feeders.
	FeederID string

	// States restricts results to the given states. Empty means all states.
	States []types.AlertState

	// Since includes alerts created at or after this time.
	Since time.Time

	// Limit caps the number of results (default: 100, max: 1000).
	Limit int
}

// Normalize applies defaults to the filter.
func (f *AlertFilter) Normalize() {
	if f.Limit < 1 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}

// ValidateIdentity checks the invariants every backend enforces before
// writing an identity.
func ValidateIdentity(identity *types.Identity) error {
	if identity == nil || identity.ID == "" {
		return types.ErrInvalidInput
	}
	if len(identity.References) == 0 {
		return &ValidationError{Field: "references", Reason: "identity must have at least one reference vector"}
	}
	dim := len(identity.References[0])
	for _, ref := range identity.References {
		if len(ref) == 0 || len(ref) != dim {
			return &ValidationError{Field: "references", Reason: "reference vectors must share one non-zero dimension"}
		}
	}
	return nil
}

// ValidateVisit checks that a visit is finalized and references a feeder.
func ValidateVisit(visit *types.Visit) error {
	if visit == nil || visit.ID == "" {
		return types.ErrInvalidInput
	}
	if visit.FeederID == "" {
		return &ValidationError{Field: "feeder_id", Reason: "visit must reference a feeder"}
	}
	if visit.End.Before(visit.Start) {
		return &ValidationError{Field: "end", Reason: "visit ends before it starts"}
	}
	return nil
}

// ValidateAlert checks an alert before it is written.
func ValidateAlert(alert *types.Alert) error {
	if alert == nil || alert.ID == "" || alert.FeederID == "" {
		return types.ErrInvalidInput
	}
	if !types.IsValidAlertState(alert.State) {
		return &ValidationError{Field: "state", Reason: "unknown alert state " + string(alert.State)}
	}
	return nil
}

// ValidationError describes which field failed validation. It unwraps to
// ErrInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Field + ": " + e.Reason
}

// Unwrap allows errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Unwrap() error { return types.ErrInvalidInput }
