// Package storage defines the persistence boundary of the feederwatch
// pipeline. The core only calls the Repository interface; sqlite and
// postgres provide interchangeable implementations.
package storage

import (
	"context"

	"github.com/scrypster/feederwatch/pkg/types"
)

// IdentityStore persists the feature gallery.
type IdentityStore interface {
	// LoadGallerySnapshot returns every identity with its reference vectors,
	// ordered by ID.
	LoadGallerySnapshot(ctx context.Context) ([]*types.Identity, error)

	// PersistIdentity creates or replaces an identity and its reference
	// vectors (upsert semantics).
	PersistIdentity(ctx context.Context, identity *types.Identity) error

	// DeleteIdentity removes an identity. Visits that referenced it are kept.
	// Returns ErrNotFound if the identity doesn't exist.
	DeleteIdentity(ctx context.Context, id string) error
}

// FeederStore persists per-feeder running state.
type FeederStore interface {
	// LoadFeederState returns ErrNotFound when the feeder has never had a
	// finalized visit or refill.
	LoadFeederState(ctx context.Context, feederID string) (*types.FeederState, error)

	// ListFeederStates returns every known feeder ordered by ID.
	ListFeederStates(ctx context.Context) ([]*types.FeederState, error)

	// PersistFeederState creates or replaces the state (upsert semantics).
	PersistFeederState(ctx context.Context, state *types.FeederState) error
}

// VisitStore persists finalized visits.
type VisitStore interface {
	// PersistVisit stores a finalized visit (upsert semantics).
	PersistVisit(ctx context.Context, visit *types.Visit) error

	// ListVisits returns visits matching the filter ordered by start time.
	ListVisits(ctx context.Context, filter VisitFilter) ([]*types.Visit, error)
}

// AlertStore persists alerts. Alerts are never deleted.
type AlertStore interface {
	// PersistAlert creates or replaces an alert (upsert semantics).
	PersistAlert(ctx context.Context, alert *types.Alert) error

	// GetAlert returns ErrNotFound if the alert doesn't exist.
	GetAlert(ctx context.Context, id string) (*types.Alert, error)

	// FindOpenAlert returns the non-resolved alert for (feeder, kind), or
	// ErrNotFound when there is none.
	FindOpenAlert(ctx context.Context, feederID string, kind types.AlertKind) (*types.Alert, error)

	// ListAlerts returns alerts matching the filter, newest first.
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*types.Alert, error)
}

// Repository is the complete persistence contract consumed by the engine.
type Repository interface {
	IdentityStore
	FeederStore
	VisitStore
	AlertStore

	// Ping verifies the backing database answers.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
