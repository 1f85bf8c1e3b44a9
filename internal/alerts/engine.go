// Package alerts drives the refill alert state machine.
//
//	inactive -> active -> acknowledged -> resolved
//	            active -----------------> resolved
//
// An alert becomes active when a confident depletion estimate falls below a
// severity threshold. Severity is recomputed in place on the open alert, so a
// feeder never has more than one non-resolved alert of a kind. Alerts resolve
// on refill, when the remaining fraction recovers, or by operator action.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/pkg/types"
)

// SystemActor is recorded when the engine resolves an alert on its own.
const SystemActor = "system"

// Transition describes one change to an alert. From equals To for an in-place
// severity change.
type Transition struct {
	Alert        *types.Alert     `json:"alert"`
	From         types.AlertState `json:"from"`
	To           types.AlertState `json:"to"`
	FromSeverity types.Severity   `json:"from_severity,omitempty"`
	Reason       string           `json:"reason"`
}

// Listener is notified after a transition has been persisted.
type Listener func(Transition)

// Thresholds are the remaining-fraction cutoffs for each severity.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64 // 0 disables low severity
}

// ThresholdsFrom extracts the severity cutoffs from a pipeline configuration.
func ThresholdsFrom(cfg config.PipelineConfig) Thresholds {
	return Thresholds{High: cfg.HighThreshold, Medium: cfg.MediumThreshold, Low: cfg.LowThreshold}
}

// Severity returns the severity for a remaining fraction, or SeverityNone
// when the feeder is above every threshold.
func (t Thresholds) Severity(remaining float64) types.Severity {
	switch {
	case remaining < t.High:
		return types.SeverityHigh
	case remaining < t.Medium:
		return types.SeverityMedium
	case t.Low > 0 && remaining < t.Low:
		return types.SeverityLow
	default:
		return types.SeverityNone
	}
}

// Engine evaluates estimates against thresholds and applies operator actions.
// Calls for one feeder must be serialized by the caller.
type Engine struct {
	store      storage.AlertStore
	thresholds Thresholds
	kind       types.AlertKind
	newID      func() string
	logger     *logrus.Logger
	listeners  []Listener
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithListener registers a transition listener.
func WithListener(fn Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, fn) }
}

// WithIDGenerator overrides alert ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New returns an alert engine persisting to store.
func New(store storage.AlertStore, thresholds Thresholds, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		thresholds: thresholds,
		kind:       types.AlertKindRefillNeeded,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDiscard(e.logger)
	return e
}

// Subscribe registers a listener after construction. It must not be called
// concurrently with transitions.
func (e *Engine) Subscribe(fn Listener) {
	e.listeners = append(e.listeners, fn)
}

// Evaluate reconciles the feeder's open alert with a fresh estimate. It
// returns the resulting open alert, or nil when the feeder has none.
//
// A low-confidence estimate never raises a new alert. An open alert is
// escalated or de-escalated in place, and resolved once the estimate is above
// every threshold.
func (e *Engine) Evaluate(ctx context.Context, est types.DepletionEstimate, now time.Time) (*types.Alert, error) {
	open, err := e.findOpen(ctx, est.FeederID)
	if err != nil {
		return nil, err
	}

	severity := e.thresholds.Severity(est.Remaining)
	snapshot := types.AlertSnapshot{
		Remaining:         est.Remaining,
		DaysToEmpty:       est.DaysToEmpty,
		VisitsSinceRefill: est.VisitsSinceRefill,
	}

	if open == nil {
		if severity == types.SeverityNone || est.LowConfidence {
			return nil, nil
		}
		alert := &types.Alert{
			ID:        e.newID(),
			FeederID:  est.FeederID,
			Kind:      e.kind,
			Severity:  severity,
			State:     types.AlertActive,
			Snapshot:  snapshot,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.persist(ctx, alert); err != nil {
			return nil, err
		}
		e.emit(Transition{Alert: alert, From: types.AlertInactive, To: types.AlertActive, Reason: "threshold crossed"})
		return alert, nil
	}

	if severity == types.SeverityNone {
		if err := e.resolve(ctx, open, SystemActor, now, "remaining recovered"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if open.Severity == severity && open.Snapshot == snapshot {
		return open, nil
	}
	previous := open.Severity
	open.Severity = severity
	open.Snapshot = snapshot
	open.UpdatedAt = now
	if err := e.persist(ctx, open); err != nil {
		return nil, err
	}
	if previous != severity {
		e.emit(Transition{Alert: open, From: open.State, To: open.State, FromSeverity: previous, Reason: "severity changed"})
	}
	return open, nil
}

// Acknowledge moves an active alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID, actor string, now time.Time) (*types.Alert, error) {
	alert, err := e.load(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !types.IsValidAlertTransition(alert.State, types.AlertAcknowledged) {
		return nil, fmt.Errorf("%w: alert %s is %s", types.ErrPreconditionFailed, alertID, alert.State)
	}

	from := alert.State
	alert.State = types.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	alert.UpdatedAt = now
	if err := e.persist(ctx, alert); err != nil {
		return nil, err
	}
	e.emit(Transition{Alert: alert, From: from, To: types.AlertAcknowledged, Reason: "acknowledged by " + actor})
	return alert, nil
}

// Resolve moves an active or acknowledged alert to resolved.
func (e *Engine) Resolve(ctx context.Context, alertID, actor string, now time.Time) (*types.Alert, error) {
	alert, err := e.load(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !alert.IsOpen() {
		return nil, fmt.Errorf("%w: alert %s is %s", types.ErrPreconditionFailed, alertID, alert.State)
	}
	if err := e.resolve(ctx, alert, actor, now, "resolved by "+actor); err != nil {
		return nil, err
	}
	return alert, nil
}

// ResolveFeeder resolves the feeder's open alert, if any, after a refill.
func (e *Engine) ResolveFeeder(ctx context.Context, feederID, actor string, now time.Time) (*types.Alert, error) {
	open, err := e.findOpen(ctx, feederID)
	if err != nil || open == nil {
		return nil, err
	}
	if err := e.resolve(ctx, open, actor, now, "feeder refilled"); err != nil {
		return nil, err
	}
	return open, nil
}

// Open returns the feeder's open alert, or nil.
func (e *Engine) Open(ctx context.Context, feederID string) (*types.Alert, error) {
	return e.findOpen(ctx, feederID)
}

// Get returns one alert.
func (e *Engine) Get(ctx context.Context, alertID string) (*types.Alert, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, storeError("get alert", err)
	}
	return alert, nil
}

// Active returns every non-resolved alert, newest first.
func (e *Engine) Active(ctx context.Context) ([]*types.Alert, error) {
	alerts, err := e.store.ListAlerts(ctx, storage.AlertFilter{
		States: []types.AlertState{types.AlertActive, types.AlertAcknowledged},
		Limit:  1000,
	})
	if err != nil {
		return nil, storeError("list alerts", err)
	}
	return alerts, nil
}

// History returns alerts for a feeder (all feeders when empty) created at or
// after since, newest first.
func (e *Engine) History(ctx context.Context, feederID string, since time.Time, limit int) ([]*types.Alert, error) {
	alerts, err := e.store.ListAlerts(ctx, storage.AlertFilter{FeederID: feederID, Since: since, Limit: limit})
	if err != nil {
		return nil, storeError("list alerts", err)
	}
	return alerts, nil
}

func (e *Engine) resolve(ctx context.Context, alert *types.Alert, actor string, now time.Time, reason string) error {
	from := alert.State
	alert.State = types.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = actor
	alert.UpdatedAt = now
	if err := e.persist(ctx, alert); err != nil {
		return err
	}
	e.emit(Transition{Alert: alert, From: from, To: types.AlertResolved, Reason: reason})
	return nil
}

// load returns an alert or ErrPreconditionFailed when it does not exist.
func (e *Engine) load(ctx context.Context, alertID string) (*types.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("%w: alert ID is required", types.ErrPreconditionFailed)
	}
	alert, err := e.store.GetAlert(ctx, alertID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: alert %s does not exist", types.ErrPreconditionFailed, alertID)
	}
	if err != nil {
		return nil, storeError("get alert", err)
	}
	return alert, nil
}

func (e *Engine) findOpen(ctx context.Context, feederID string) (*types.Alert, error) {
	open, err := e.store.FindOpenAlert(ctx, feederID, e.kind)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find open alert", err)
	}
	return open, nil
}

func (e *Engine) persist(ctx context.Context, alert *types.Alert) error {
	if err := e.store.PersistAlert(ctx, alert); err != nil {
		if errors.Is(err, types.ErrPreconditionFailed) {
			return err
		}
		return storeError("persist alert", err)
	}
	return nil
}

func (e *Engine) emit(tr Transition) {
	e.logger.WithFields(logrus.Fields{
		"alert_id":  tr.Alert.ID,
		"feeder_id": tr.Alert.FeederID,
		"from":      tr.From,
		"to":        tr.To,
		"severity":  tr.Alert.Severity,
	}).Info("alerts: " + tr.Reason)

	for _, fn := range e.listeners {
		fn(tr)
	}
}

func storeError(op string, err error) error {
	if errors.Is(err, types.ErrInvalidInput) || errors.Is(err, types.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrUpstreamUnavailable, op, err)
}
