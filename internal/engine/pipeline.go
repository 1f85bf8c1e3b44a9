package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/alerts"
	"github.com/scrypster/feederwatch/internal/clock"
	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/depletion"
	"github.com/scrypster/feederwatch/internal/gallery"
	"github.com/scrypster/feederwatch/internal/keylock"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/internal/matcher"
	"github.com/scrypster/feederwatch/internal/metrics"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/internal/visits"
	"github.com/scrypster/feederwatch/pkg/types"
)

// candidatePool bounds how many identities an indexed gallery hands to the
// matcher per capture.
const candidatePool = 64

// Capture outcomes recorded in metrics.
const (
	outcomeIdentified   = "identified"
	outcomeUnidentified = "unidentified"
	outcomeRejected     = "rejected"
	outcomeError        = "error"
)

// Engine is the attribution pipeline. It turns captures into visits, visits
// into feeder depletion, and depletion into alerts.
//
// Work for one feeder is serialized with a striped lock; different feeders
// proceed in parallel. Every ingest validates and matches before touching
// state, and persists before committing in-memory visit state, so a failed
// repository call leaves nothing half-applied.
type Engine struct {
	cfg       config.PipelineConfig
	matchOpts matcher.Options

	repo       storage.Repository
	gallery    gallery.FeatureGallery
	attributor *visits.Attributor
	predictor  *depletion.Predictor
	alerts     *alerts.Engine

	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics

	feederLocks *keylock.Striped

	enrollMu      sync.Mutex
	pendingEnroll map[string]pendingEnrollment // feeder ID -> last auto-enrollment

	mu        sync.Mutex
	scheduler gocron.Scheduler
	started   bool
}

type pendingEnrollment struct {
	identityID string
	at         time.Time
}

type engineOptions struct {
	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	listeners []alerts.Listener
	visitIDs  func() string
	alertIDs  func() string
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithLogger sets the engine logger. It is shared with the alert engine.
func WithLogger(l *logrus.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithAlertListener registers a listener for alert transitions.
func WithAlertListener(fn alerts.Listener) Option {
	return func(o *engineOptions) { o.listeners = append(o.listeners, fn) }
}

// WithIDGenerators overrides visit and alert ID generation. Nil keeps the
// default UUIDs.
func WithIDGenerators(visitIDs, alertIDs func() string) Option {
	return func(o *engineOptions) {
		o.visitIDs = visitIDs
		o.alertIDs = alertIDs
	}
}

// New wires a pipeline over repo and gal. The configuration is validated and
// then treated as immutable.
func New(repo storage.Repository, gal gallery.FeatureGallery, cfg config.PipelineConfig, opts ...Option) (*Engine, error) {
	if repo == nil || gal == nil {
		return nil, fmt.Errorf("engine: repository and gallery are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	metric, err := matcher.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	o := engineOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDiscard(o.logger)

	var visitOpts []visits.Option
	if o.visitIDs != nil {
		visitOpts = append(visitOpts, visits.WithIDGenerator(o.visitIDs))
	}

	e := &Engine{
		cfg: cfg,
		matchOpts: matcher.Options{
			Metric:     metric,
			Threshold:  cfg.MatchThreshold,
			K:          cfg.TopK,
			TieEpsilon: cfg.TieEpsilon,
		},
		repo:          repo,
		gallery:       gal,
		attributor:    visits.New(cfg.IdleGap, visitOpts...),
		predictor:     depletion.New(cfg),
		clock:         o.clock,
		logger:        logger,
		metrics:       o.metrics,
		feederLocks:   keylock.New(keylock.DefaultStripes),
		pendingEnroll: make(map[string]pendingEnrollment),
	}

	alertOpts := []alerts.Option{alerts.WithLogger(logger), alerts.WithListener(e.recordTransition)}
	for _, fn := range o.listeners {
		alertOpts = append(alertOpts, alerts.WithListener(fn))
	}
	if o.alertIDs != nil {
		alertOpts = append(alertOpts, alerts.WithIDGenerator(o.alertIDs))
	}
	e.alerts = alerts.New(repo, alerts.ThresholdsFrom(cfg), alertOpts...)
	return e, nil
}

// Ping checks that the repository answers.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.repo.Ping(ctx); err != nil {
		return gallery.WrapStoreError("ping", err)
	}
	return nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Alerts exposes the alert engine so transports can subscribe to transitions.
func (e *Engine) Alerts() *alerts.Engine {
	return e.alerts
}

// OpenVisits returns the in-progress visits at a feeder.
func (e *Engine) OpenVisits(feederID string) []*types.Visit {
	return e.attributor.OpenVisits(feederID)
}

// IngestCapture attributes one capture and folds it into the feeder's visits.
//
// Captures whose detector confidence is below the identification floor skip
// matching and count as unidentified activity. Malformed captures are
// rejected with ErrInvalidInput before any state changes.
func (e *Engine) IngestCapture(ctx context.Context, c types.Capture) (IngestResult, error) {
	began := time.Now()
	res, outcome, err := e.ingest(ctx, c)
	e.metrics.RecordCapture(outcome, time.Since(began).Seconds())
	return res, err
}

func (e *Engine) ingest(ctx context.Context, c types.Capture) (IngestResult, string, error) {
	if err := validateCapture(c); err != nil {
		return IngestResult{}, outcomeRejected, err
	}

	res := IngestResult{Attribution: types.Unidentified(), Confidence: c.DetectorConfidence}
	matched := c.DetectorConfidence >= e.cfg.IdentificationFloor
	if matched {
		snapshot, err := e.gallery.Candidates(ctx, c.Vector, candidatePool)
		if err != nil {
			return IngestResult{}, outcomeError, err
		}
		m, err := matcher.Match(c.Vector, snapshot, e.matchOpts)
		if err != nil {
			return IngestResult{}, outcomeRejected, err
		}
		res.Attribution = m.Attribution
		if len(snapshot) > 0 {
			res.Confidence = m.Confidence
		}
	}

	unlock := e.feederLocks.Lock(c.FeederID)
	defer unlock()

	tx := e.attributor.Begin(c.FeederID)
	visit, emitted, err := tx.Observe(visits.Observation{
		FeederID:    c.FeederID,
		CameraID:    c.CameraID,
		At:          c.Timestamp,
		Attribution: res.Attribution,
		Confidence:  res.Confidence,
	})
	if err != nil {
		return IngestResult{}, outcomeRejected, err
	}

	now := e.clock.Now()
	fin, err := e.persistFinalized(ctx, c.FeederID, emitted, now)
	if err != nil {
		return IngestResult{}, outcomeError, err
	}
	tx.Commit()
	e.afterFinalize(ctx, fin, now)

	res.VisitID = visit.ID
	res.Finalized = len(emitted)

	if matched && !res.Attribution.IsIdentified() && e.cfg.AutoEnroll && c.DetectorConfidence >= e.cfg.MinEnrollQuality {
		res.EnrolledIdentityID = e.autoEnroll(ctx, c)
	}

	e.logger.WithFields(logrus.Fields{
		"feeder_id":   c.FeederID,
		"camera_id":   c.CameraID,
		"attribution": res.Attribution.String(),
		"confidence":  res.Confidence,
		"visit_id":    res.VisitID,
		"finalized":   res.Finalized,
	}).Debug("engine: capture ingested")

	if res.Attribution.IsIdentified() {
		return res, outcomeIdentified, nil
	}
	return res, outcomeUnidentified, nil
}

// autoEnroll creates an identity from an unknown capture, or appends the
// vector to the identity this feeder enrolled within the dedup window. The
// caller holds the feeder lock. Failures are logged and leave the capture
// unidentified.
func (e *Engine) autoEnroll(ctx context.Context, c types.Capture) string {
	e.enrollMu.Lock()
	pending, ok := e.pendingEnroll[c.FeederID]
	e.enrollMu.Unlock()

	if ok && absDuration(c.Timestamp.Sub(pending.at)) <= e.cfg.EnrollDedupWindow {
		if _, err := e.gallery.AddReference(ctx, pending.identityID, c.Vector, c.Timestamp); err == nil {
			e.rememberEnrollment(c.FeederID, pending.identityID, c.Timestamp)
			e.metrics.RecordEnrollment("merged")
			return pending.identityID
		} else if !errors.Is(err, types.ErrNotFound) {
			e.logger.WithError(err).WithField("identity_id", pending.identityID).Warn("engine: failed to merge enrollment")
			return ""
		}
	}

	identity, err := e.gallery.Enroll(ctx, c.Vector, c.Timestamp, "")
	if err != nil {
		e.logger.WithError(err).WithField("feeder_id", c.FeederID).Warn("engine: auto-enrollment failed")
		return ""
	}
	e.rememberEnrollment(c.FeederID, identity.ID, c.Timestamp)
	e.metrics.RecordEnrollment("auto")
	e.logger.WithFields(logrus.Fields{
		"identity_id": identity.ID,
		"feeder_id":   c.FeederID,
	}).Info("engine: identity auto-enrolled")
	return identity.ID
}

func (e *Engine) rememberEnrollment(feederID, identityID string, at time.Time) {
	e.enrollMu.Lock()
	defer e.enrollMu.Unlock()
	e.pendingEnroll[feederID] = pendingEnrollment{identityID: identityID, at: at}
}

// EnrollIdentity creates an identity from a capture the caller has confirmed
// as a new individual.
func (e *Engine) EnrollIdentity(ctx context.Context, c types.Capture, name string) (*types.Identity, error) {
	if err := gallery.ValidateVector(c.Vector); err != nil {
		return nil, err
	}
	at := c.Timestamp
	if at.IsZero() {
		at = e.clock.Now()
	}
	identity, err := e.gallery.Enroll(ctx, c.Vector, at, name)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordEnrollment("manual")
	e.logger.WithFields(logrus.Fields{"identity_id": identity.ID, "name": name}).Info("engine: identity enrolled")
	return identity, nil
}

// RemoveIdentity deletes an identity. Past visits keep their attribution.
func (e *Engine) RemoveIdentity(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: identity ID is required", types.ErrInvalidInput)
	}
	if err := e.gallery.Remove(ctx, id); err != nil {
		return err
	}
	e.logger.WithField("identity_id", id).Info("engine: identity removed")
	return nil
}

// Identities returns the current gallery.
func (e *Engine) Identities(ctx context.Context) ([]*types.Identity, error) {
	return e.gallery.Snapshot(ctx)
}

// Identity returns one identity.
func (e *Engine) Identity(ctx context.Context, id string) (*types.Identity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: identity ID is required", types.ErrInvalidInput)
	}
	return e.gallery.Get(ctx, id)
}

// IdentityVisits returns up to limit persisted visits attributed to id, newest
// first. Visits of a removed identity remain listable.
func (e *Engine) IdentityVisits(ctx context.Context, id string, limit int) ([]*types.Visit, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: identity ID is required", types.ErrInvalidInput)
	}
	history, err := e.repo.ListVisits(ctx, storage.VisitFilter{
		IdentityID:  id,
		Limit:       limit,
		NewestFirst: true,
	})
	if err != nil {
		return nil, gallery.WrapStoreError("list identity visits", err)
	}
	return history, nil
}

// RefillFeeder resets a feeder to full and resolves its open alert. Replaying
// a refill with the same timestamp leaves the state unchanged. A refill older
// than the last recorded one is ignored.
func (e *Engine) RefillFeeder(ctx context.Context, feederID string, at time.Time, actor string) (*types.FeederState, error) {
	if feederID == "" {
		return nil, fmt.Errorf("%w: feeder ID is required", types.ErrInvalidInput)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: refill timestamp is required", types.ErrInvalidInput)
	}
	if actor == "" {
		actor = alerts.SystemActor
	}

	unlock := e.feederLocks.Lock(feederID)
	defer unlock()

	state, err := e.loadFeederState(ctx, feederID)
	if err != nil {
		return nil, err
	}

	if at.After(state.LastRefill) {
		state = types.NewFeederState(feederID, at)
		if err := e.repo.PersistFeederState(ctx, state); err != nil {
			return nil, gallery.WrapStoreError("persist feeder state", err)
		}
		e.logger.WithFields(logrus.Fields{
			"feeder_id": feederID,
			"actor":     actor,
			"at":        at,
		}).Info("engine: feeder refilled")
	}

	if _, err := e.alerts.ResolveFeeder(ctx, feederID, actor, e.clock.Now()); err != nil {
		return nil, err
	}
	return state, nil
}

// AcknowledgeAlert marks an active alert as seen by actor.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, actor string) (*types.Alert, error) {
	return e.withAlertFeeder(ctx, alertID, func() (*types.Alert, error) {
		return e.alerts.Acknowledge(ctx, alertID, actor, e.clock.Now())
	})
}

// ResolveAlert closes an active or acknowledged alert.
func (e *Engine) ResolveAlert(ctx context.Context, alertID, actor string) (*types.Alert, error) {
	return e.withAlertFeeder(ctx, alertID, func() (*types.Alert, error) {
		return e.alerts.Resolve(ctx, alertID, actor, e.clock.Now())
	})
}

// withAlertFeeder runs fn holding the lock of the alert's feeder.
func (e *Engine) withAlertFeeder(ctx context.Context, alertID string, fn func() (*types.Alert, error)) (*types.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("%w: alert ID is required", types.ErrPreconditionFailed)
	}
	alert, err := e.alerts.Get(ctx, alertID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: alert %s does not exist", types.ErrPreconditionFailed, alertID)
	}
	if err != nil {
		return nil, err
	}
	unlock := e.feederLocks.Lock(alert.FeederID)
	defer unlock()
	return fn()
}

// ActiveAlerts returns every open alert, newest first.
func (e *Engine) ActiveAlerts(ctx context.Context) ([]*types.Alert, error) {
	return e.alerts.Active(ctx)
}

// AlertHistory returns alerts for a feeder (every feeder when empty) created
// at or after since, newest first.
func (e *Engine) AlertHistory(ctx context.Context, feederID string, since time.Time, limit int) ([]*types.Alert, error) {
	return e.alerts.History(ctx, feederID, since, limit)
}

// GetDepletionEstimate projects a feeder's remaining food from its history.
// It changes nothing. Feeders with no finalized visit or refill are
// ErrNotFound.
func (e *Engine) GetDepletionEstimate(ctx context.Context, feederID string) (types.DepletionEstimate, error) {
	if feederID == "" {
		return types.DepletionEstimate{}, fmt.Errorf("%w: feeder ID is required", types.ErrInvalidInput)
	}
	state, err := e.repo.LoadFeederState(ctx, feederID)
	if err != nil {
		return types.DepletionEstimate{}, gallery.WrapStoreError("load feeder state", err)
	}
	now := e.clock.Now()
	starts, err := e.visitStarts(ctx, feederID, now.Add(-e.cfg.BaselineWindow))
	if err != nil {
		return types.DepletionEstimate{}, err
	}
	return e.predictor.Estimate(state, starts, now), nil
}

// SweepAll closes visits that have been idle longer than the idle gap at
// now, across every feeder, and returns how many were finalized. Sweeping
// twice with the same now finalizes nothing the second time.
func (e *Engine) SweepAll(ctx context.Context, now time.Time) (int, error) {
	return e.closeAll(ctx, func(tx *visits.Tx) []*types.Visit { return tx.Sweep(now) })
}

// FlushAll finalizes every open visit. It is used on shutdown.
func (e *Engine) FlushAll(ctx context.Context) (int, error) {
	return e.closeAll(ctx, func(tx *visits.Tx) []*types.Visit { return tx.Flush() })
}

// Reevaluate recomputes the estimate and alert of every known feeder. It
// recovers alert evaluations that failed after a visit was committed and
// lets alerts resolve as activity slows.
func (e *Engine) Reevaluate(ctx context.Context) error {
	states, err := e.repo.ListFeederStates(ctx)
	if err != nil {
		return gallery.WrapStoreError("list feeder states", err)
	}
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.FeederID
	}
	return forEachFeeder(ctx, ids, func(ctx context.Context, feederID string) error {
		unlock := e.feederLocks.Lock(feederID)
		defer unlock()

		state, err := e.repo.LoadFeederState(ctx, feederID)
		if err != nil {
			return gallery.WrapStoreError("load feeder state", err)
		}
		now := e.clock.Now()
		starts, err := e.visitStarts(ctx, feederID, now.Add(-e.cfg.BaselineWindow))
		if err != nil {
			return err
		}
		_, err = e.alerts.Evaluate(ctx, e.predictor.Estimate(state, starts, now), now)
		return err
	})
}

func (e *Engine) closeAll(ctx context.Context, closeVisits func(tx *visits.Tx) []*types.Visit) (int, error) {
	var mu sync.Mutex
	total := 0
	err := forEachFeeder(ctx, e.attributor.Feeders(), func(ctx context.Context, feederID string) error {
		unlock := e.feederLocks.Lock(feederID)
		defer unlock()

		tx := e.attributor.Begin(feederID)
		emitted := closeVisits(tx)
		if len(emitted) == 0 {
			tx.Commit()
			return nil
		}
		now := e.clock.Now()
		fin, err := e.persistFinalized(ctx, feederID, emitted, now)
		if err != nil {
			return err
		}
		tx.Commit()
		e.afterFinalize(ctx, fin, now)

		mu.Lock()
		total += len(emitted)
		mu.Unlock()
		return nil
	})
	return total, err
}

// finalized carries committed visits into the post-commit step.
type finalized struct {
	feederID string
	visits   []*types.Visit
	state    *types.FeederState
	starts   []time.Time
}

// persistFinalized applies closed visits to the feeder state and persists
// both. Nothing in memory changes; the caller commits on success.
func (e *Engine) persistFinalized(ctx context.Context, feederID string, emitted []*types.Visit, now time.Time) (*finalized, error) {
	if len(emitted) == 0 {
		return nil, nil
	}

	state, err := e.loadFeederState(ctx, feederID)
	if err != nil {
		return nil, err
	}

	from := emitted[0].Start
	if now.Before(from) {
		from = now
	}
	history, err := e.listVisits(ctx, feederID, from.Add(-e.cfg.BaselineWindow))
	if err != nil {
		return nil, err
	}

	// A retry after a partial write may find some of these visits stored.
	pending := make(map[string]struct{}, len(emitted))
	for _, v := range emitted {
		pending[v.ID] = struct{}{}
	}
	starts := make([]time.Time, 0, len(history)+len(emitted))
	for _, v := range history {
		if _, ok := pending[v.ID]; !ok {
			starts = append(starts, v.Start)
		}
	}

	for _, v := range emitted {
		starts = append(starts, v.Start)
		rates := e.predictor.Rates(starts, v.Start)
		depletion.ConsumeVisit(state, rates.EffectiveRate, v.End)
	}

	for _, v := range emitted {
		if err := e.repo.PersistVisit(ctx, v); err != nil {
			return nil, gallery.WrapStoreError("persist visit", err)
		}
	}
	if err := e.repo.PersistFeederState(ctx, state); err != nil {
		return nil, gallery.WrapStoreError("persist feeder state", err)
	}
	return &finalized{feederID: feederID, visits: emitted, state: state, starts: starts}, nil
}

// afterFinalize updates identity stats and re-evaluates the feeder's alert.
// Failures here are logged; the periodic re-evaluation repairs alerts.
func (e *Engine) afterFinalize(ctx context.Context, fin *finalized, now time.Time) {
	if fin == nil {
		return
	}
	for _, v := range fin.visits {
		e.metrics.RecordVisit(fin.feederID, string(v.Attribution.Kind))
		if !v.Attribution.IsIdentified() {
			continue
		}
		if _, err := e.gallery.RecordVisit(ctx, v.Attribution.IdentityID, v.Start, v.End); err != nil {
			entry := e.logger.WithError(err).WithField("identity_id", v.Attribution.IdentityID)
			if errors.Is(err, types.ErrNotFound) {
				entry.Debug("engine: visit for removed identity")
			} else {
				entry.Warn("engine: failed to update identity stats")
			}
		}
	}

	est := e.predictor.Estimate(fin.state, fin.starts, now)
	if _, err := e.alerts.Evaluate(ctx, est, now); err != nil {
		e.logger.WithError(err).WithField("feeder_id", fin.feederID).Warn("engine: alert evaluation failed")
	}
}

// loadFeederState returns the stored state or a fresh one for a feeder seen
// for the first time. A fresh state has no recorded refill.
func (e *Engine) loadFeederState(ctx context.Context, feederID string) (*types.FeederState, error) {
	state, err := e.repo.LoadFeederState(ctx, feederID)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewFeederState(feederID, time.Time{}), nil
	}
	if err != nil {
		return nil, gallery.WrapStoreError("load feeder state", err)
	}
	return state, nil
}

// maxHistoryVisits caps the visit history read for one estimate. When a feeder
// exceeds it, the oldest visits are the ones dropped.
const maxHistoryVisits = 100000

func (e *Engine) listVisits(ctx context.Context, feederID string, since time.Time) ([]*types.Visit, error) {
	history, err := e.repo.ListVisits(ctx, storage.VisitFilter{
		FeederID:    feederID,
		Since:       since,
		Limit:       maxHistoryVisits,
		NewestFirst: true,
	})
	if err != nil {
		return nil, gallery.WrapStoreError("list visits", err)
	}
	slices.Reverse(history)
	return history, nil
}

func (e *Engine) visitStarts(ctx context.Context, feederID string, since time.Time) ([]time.Time, error) {
	history, err := e.listVisits(ctx, feederID, since)
	if err != nil {
		return nil, err
	}
	starts := make([]time.Time, len(history))
	for i, v := range history {
		starts[i] = v.Start
	}
	return starts, nil
}

func (e *Engine) recordTransition(tr alerts.Transition) {
	e.metrics.RecordAlertTransition(string(tr.To), string(tr.Alert.Severity))
}

func validateCapture(c types.Capture) error {
	if c.FeederID == "" {
		return fmt.Errorf("%w: capture has no feeder", types.ErrInvalidInput)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: capture has no timestamp", types.ErrInvalidInput)
	}
	if math.IsNaN(c.DetectorConfidence) || c.DetectorConfidence < 0 || c.DetectorConfidence > 1 {
		return fmt.Errorf("%w: detector confidence %v outside [0,1]", types.ErrInvalidInput, c.DetectorConfidence)
	}
	return gallery.ValidateVector(c.Vector)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
