package gallery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/keylock"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/pkg/types"
)

// Ensure *Local implements FeatureGallery at compile time.
var _ FeatureGallery = (*Local)(nil)

// Local is an in-process arena of identities with write-through persistence.
//
// Published identities are immutable: a writer clones, mutates, persists and
// then swaps the pointer, so Snapshot can hand out shared pointers without
// copying vectors. Writers are serialized per identity with striped locks.
type Local struct {
	store   storage.IdentityStore // nil keeps the gallery in memory only
	maxRefs int
	logger  *logrus.Logger
	locks   *keylock.Striped

	mu         sync.RWMutex
	identities map[string]*types.Identity
	dimension  int // 0 until the first identity is enrolled
}

// LocalOption configures a Local gallery.
type LocalOption func(*Local)

// WithStore makes the gallery write through to store.
func WithStore(store storage.IdentityStore) LocalOption {
	return func(g *Local) { g.store = store }
}

// WithLogger sets the gallery logger.
func WithLogger(l *logrus.Logger) LocalOption {
	return func(g *Local) { g.logger = l }
}

// NewLocal returns an empty gallery that keeps at most maxRefs reference
// vectors per identity.
func NewLocal(maxRefs int, opts ...LocalOption) *Local {
	if maxRefs < 1 {
		maxRefs = 1
	}
	g := &Local{
		maxRefs:    maxRefs,
		locks:      keylock.New(keylock.DefaultStripes),
		identities: make(map[string]*types.Identity),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDiscard(g.logger)
	return g
}

// Load replaces the in-memory arena with the store's gallery snapshot.
func (g *Local) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	identities, err := g.store.LoadGallerySnapshot(ctx)
	if err != nil {
		return WrapStoreError("load gallery", err)
	}

	arena := make(map[string]*types.Identity, len(identities))
	dim := 0
	for _, identity := range identities {
		if len(identity.References) == 0 {
			g.logger.WithField("identity_id", identity.ID).Warn("gallery: skipping identity without reference vectors")
			continue
		}
		if dim == 0 {
			dim = identity.Dimension()
		}
		arena[identity.ID] = identity
	}

	g.mu.Lock()
	g.identities = arena
	g.dimension = dim
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{"identities": len(arena), "dimension": dim}).Info("gallery: loaded")
	return nil
}

// Len returns the number of identities.
func (g *Local) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.identities)
}

// Snapshot returns every identity ordered by ID. The returned identities must
// not be modified.
func (g *Local) Snapshot(_ context.Context) ([]*types.Identity, error) {
	g.mu.RLock()
	out := make([]*types.Identity, 0, len(g.identities))
	for _, identity := range g.identities {
		out = append(out, identity)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Candidates returns the full snapshot; scoring every identity is cheap at
// gallery sizes a single site produces.
func (g *Local) Candidates(ctx context.Context, _ []float32, _ int) ([]*types.Identity, error) {
	return g.Snapshot(ctx)
}

// Get returns a private copy of one identity.
func (g *Local) Get(_ context.Context, id string) (*types.Identity, error) {
	g.mu.RLock()
	identity, ok := g.identities[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: identity %s", types.ErrNotFound, id)
	}
	return identity.Clone(), nil
}

// Enroll creates a new identity.
func (g *Local) Enroll(ctx context.Context, vec []float32, at time.Time, name string) (*types.Identity, error) {
	if err := g.checkVector(vec); err != nil {
		return nil, err
	}

	identity := NewIdentity(uuid.NewString(), vec, at, name)
	unlock := g.locks.Lock(identity.ID)
	defer unlock()

	if err := g.persist(ctx, identity); err != nil {
		return nil, err
	}
	g.publish(identity)

	g.logger.WithFields(logrus.Fields{"identity_id": identity.ID, "dimension": len(vec)}).Info("gallery: identity enrolled")
	return identity.Clone(), nil
}

// AddReference appends a reference vector to an identity.
func (g *Local) AddReference(ctx context.Context, id string, vec []float32, at time.Time) (*types.Identity, error) {
	if err := g.checkVector(vec); err != nil {
		return nil, err
	}
	return g.update(ctx, id, func(identity *types.Identity) {
		identity.AddReference(vec, g.maxRefs)
		identity.UpdatedAt = at
	})
}

// RecordVisit updates identity stats for one finalized visit.
func (g *Local) RecordVisit(ctx context.Context, id string, visitStart, visitEnd time.Time) (*types.Identity, error) {
	return g.update(ctx, id, func(identity *types.Identity) {
		ApplyVisit(identity, visitStart, visitEnd, visitEnd)
	})
}

// Remove deletes an identity from the store and the arena.
func (g *Local) Remove(ctx context.Context, id string) error {
	unlock := g.locks.Lock(id)
	defer unlock()

	g.mu.RLock()
	_, ok := g.identities[id]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: identity %s", types.ErrNotFound, id)
	}

	if g.store != nil {
		if err := g.store.DeleteIdentity(ctx, id); err != nil && !isNotFound(err) {
			return WrapStoreError("delete identity", err)
		}
	}

	g.mu.Lock()
	delete(g.identities, id)
	if len(g.identities) == 0 {
		g.dimension = 0
	}
	g.mu.Unlock()

	g.logger.WithField("identity_id", id).Info("gallery: identity removed")
	return nil
}

// update applies mutate to a private copy, persists it, then publishes it.
// Nothing is published if persistence fails.
func (g *Local) update(ctx context.Context, id string, mutate func(*types.Identity)) (*types.Identity, error) {
	unlock := g.locks.Lock(id)
	defer unlock()

	g.mu.RLock()
	current, ok := g.identities[id]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: identity %s", types.ErrNotFound, id)
	}

	next := current.Clone()
	mutate(next)

	if err := g.persist(ctx, next); err != nil {
		return nil, err
	}
	g.publish(next)
	return next.Clone(), nil
}

func (g *Local) persist(ctx context.Context, identity *types.Identity) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.PersistIdentity(ctx, identity); err != nil {
		return WrapStoreError("persist identity", err)
	}
	return nil
}

func (g *Local) publish(identity *types.Identity) {
	g.mu.Lock()
	g.identities[identity.ID] = identity
	if g.dimension == 0 {
		g.dimension = identity.Dimension()
	}
	g.mu.Unlock()
}

// checkVector validates vec and its dimension against the gallery.
func (g *Local) checkVector(vec []float32) error {
	if err := ValidateVector(vec); err != nil {
		return err
	}
	g.mu.RLock()
	dim := g.dimension
	g.mu.RUnlock()
	if dim != 0 && len(vec) != dim {
		return fmt.Errorf("%w: vector dimension %d does not match gallery dimension %d", types.ErrInvalidInput, len(vec), dim)
	}
	return nil
}
