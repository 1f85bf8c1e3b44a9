// Package gallery holds the feature gallery: the set of known identities and
// their reference vectors. FeatureGallery has two implementations, the
// in-process Local arena here and the pgvector-backed postgres.Gallery.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/feederwatch/pkg/types"
)

// FeatureGallery is the capability interface the pipeline uses for identity
// storage and lookup. Identities returned by Snapshot and Candidates are
// read-only views; all mutation goes through the gallery so writes to one
// identity are serialized.
type FeatureGallery interface {
	// Snapshot returns every identity.
	Snapshot(ctx context.Context) ([]*types.Identity, error)

	// Candidates returns the identities worth scoring against query. Backends
	// without an index return the full snapshot.
	Candidates(ctx context.Context, query []float32, limit int) ([]*types.Identity, error)

	// Get returns a private copy of one identity, or types.ErrNotFound.
	Get(ctx context.Context, id string) (*types.Identity, error)

	// Enroll creates a new identity with one reference vector.
	Enroll(ctx context.Context, vec []float32, at time.Time, name string) (*types.Identity, error)

	// AddReference appends a reference vector to an identity, evicting the
	// oldest beyond the configured bound.
	AddReference(ctx context.Context, id string, vec []float32, at time.Time) (*types.Identity, error)

	// RecordVisit updates identity stats for one finalized visit.
	RecordVisit(ctx context.Context, id string, visitStart, visitEnd time.Time) (*types.Identity, error)

	// Remove deletes an identity. Only operators remove identities.
	Remove(ctx context.Context, id string) error
}

// ValidateVector rejects empty vectors and non-finite components.
func ValidateVector(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: feature vector is empty", types.ErrInvalidInput)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: feature vector component %d is not finite", types.ErrInvalidInput, i)
		}
	}
	return nil
}

// ApplyVisit folds one finalized visit into identity stats.
func ApplyVisit(identity *types.Identity, visitStart, visitEnd, now time.Time) {
	identity.TotalVisits++
	if identity.FirstSeen.IsZero() || visitStart.Before(identity.FirstSeen) {
		identity.FirstSeen = visitStart
	}
	if visitEnd.After(identity.LastSeen) {
		identity.LastSeen = visitEnd
	}
	identity.UpdatedAt = now
}

// NewIdentity builds an identity with a single reference vector.
func NewIdentity(id string, vec []float32, at time.Time, name string) *types.Identity {
	identity := &types.Identity{
		ID:        id,
		Name:      name,
		FirstSeen: at,
		LastSeen:  at,
		CreatedAt: at,
		UpdatedAt: at,
	}
	identity.AddReference(vec, 1)
	return identity
}

// WrapStoreError classifies a storage failure. Caller mistakes pass through
// unchanged; anything else is a retryable upstream failure.
func WrapStoreError(op string, err error) error {
	if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, types.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrUpstreamUnavailable, op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
