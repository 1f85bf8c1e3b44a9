package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/gallery"
	"github.com/scrypster/feederwatch/internal/keylock"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/pkg/types"
)

// Ensure *Gallery implements gallery.FeatureGallery at compile time.
var _ gallery.FeatureGallery = (*Gallery)(nil)

// Gallery is a FeatureGallery that reads identities straight from PostgreSQL
// and uses pgvector to shortlist match candidates. Writers are serialized per
// identity within this process; the database holds the only copy.
type Gallery struct {
	store    *Store
	maxRefs  int
	distance string // pgvector operator
	logger   *logrus.Logger
	locks    *keylock.Striped
}

// GalleryOption configures a Gallery.
type GalleryOption func(*Gallery)

// WithGalleryLogger sets the gallery logger.
func WithGalleryLogger(l *logrus.Logger) GalleryOption {
	return func(g *Gallery) { g.logger = l }
}

// WithEuclidean ranks candidates by L2 distance instead of cosine distance.
func WithEuclidean() GalleryOption {
	return func(g *Gallery) { g.distance = "<->" }
}

// NewGallery returns a gallery backed by store.
func NewGallery(store *Store, maxRefs int, opts ...GalleryOption) *Gallery {
	if maxRefs < 1 {
		maxRefs = 1
	}
	g := &Gallery{
		store:    store,
		maxRefs:  maxRefs,
		distance: "<=>",
		locks:    keylock.New(keylock.DefaultStripes),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger)
	return g
}

// Snapshot returns every identity ordered by ID.
func (g *Gallery) Snapshot(ctx context.Context) ([]*types.Identity, error) {
	identities, err := g.store.LoadGallerySnapshot(ctx)
	if err != nil {
		return nil, gallery.WrapStoreError("load gallery", err)
	}
	return identities, nil
}

// Candidates returns the limit identities nearest to query. Without pgvector,
// or when limit is not positive, it returns the full snapshot.
func (g *Gallery) Candidates(ctx context.Context, query []float32, limit int) ([]*types.Identity, error) {
	if !g.store.PgvectorAvailable() || limit <= 0 {
		return g.Snapshot(ctx)
	}
	if err := g.checkVector(ctx, query); err != nil {
		return nil, err
	}

	ids, err := g.store.nearestIdentityIDs(ctx, query, g.distance, limit)
	if err != nil {
		return nil, gallery.WrapStoreError("candidate lookup", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	identities, err := g.store.loadIdentities(ctx, ids)
	if err != nil {
		return nil, gallery.WrapStoreError("load candidates", err)
	}
	return identities, nil
}

// Get returns one identity.
func (g *Gallery) Get(ctx context.Context, id string) (*types.Identity, error) {
	identities, err := g.store.loadIdentities(ctx, []string{id})
	if err != nil {
		return nil, gallery.WrapStoreError("get identity", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: identity %s", types.ErrNotFound, id)
	}
	return identities[0], nil
}

// Enroll creates a new identity.
func (g *Gallery) Enroll(ctx context.Context, vec []float32, at time.Time, name string) (*types.Identity, error) {
	if err := g.checkVector(ctx, vec); err != nil {
		return nil, err
	}

	identity := gallery.NewIdentity(uuid.NewString(), vec, at, name)
	unlock := g.locks.Lock(identity.ID)
	defer unlock()

	if err := g.store.PersistIdentity(ctx, identity); err != nil {
		return nil, gallery.WrapStoreError("persist identity", err)
	}

	g.logger.WithFields(logrus.Fields{"identity_id": identity.ID, "dimension": len(vec)}).Info("gallery: identity enrolled")
	return identity, nil
}

// AddReference appends a reference vector to an identity.
func (g *Gallery) AddReference(ctx context.Context, id string, vec []float32, at time.Time) (*types.Identity, error) {
	if err := g.checkVector(ctx, vec); err != nil {
		return nil, err
	}
	return g.update(ctx, id, func(identity *types.Identity) {
		identity.AddReference(vec, g.maxRefs)
		identity.UpdatedAt = at
	})
}

// RecordVisit updates identity stats for one finalized visit.
func (g *Gallery) RecordVisit(ctx context.Context, id string, visitStart, visitEnd time.Time) (*types.Identity, error) {
	return g.update(ctx, id, func(identity *types.Identity) {
		gallery.ApplyVisit(identity, visitStart, visitEnd, visitEnd)
	})
}

// Remove deletes an identity.
func (g *Gallery) Remove(ctx context.Context, id string) error {
	unlock := g.locks.Lock(id)
	defer unlock()

	if err := g.store.DeleteIdentity(ctx, id); err != nil {
		return gallery.WrapStoreError("delete identity", err)
	}
	g.logger.WithField("identity_id", id).Info("gallery: identity removed")
	return nil
}

func (g *Gallery) update(ctx context.Context, id string, mutate func(*types.Identity)) (*types.Identity, error) {
	unlock := g.locks.Lock(id)
	defer unlock()

	identity, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(identity)
	if err := g.store.PersistIdentity(ctx, identity); err != nil {
		return nil, gallery.WrapStoreError("persist identity", err)
	}
	return identity, nil
}

func (g *Gallery) checkVector(ctx context.Context, vec []float32) error {
	if err := gallery.ValidateVector(vec); err != nil {
		return err
	}
	dim, err := g.store.galleryDimension(ctx)
	if err != nil {
		return gallery.WrapStoreError("gallery dimension", err)
	}
	if dim != 0 && len(vec) != dim {
		return fmt.Errorf("%w: vector dimension %d does not match gallery dimension %d", types.ErrInvalidInput, len(vec), dim)
	}
	return nil
}
