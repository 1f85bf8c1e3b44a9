// Package visits collapses bursts of captures into discrete visits.
//
// Each (feeder, attribution) pair runs a two-state machine: no open visit, or
// one open visit that is extended while captures keep arriving within the
// idle gap. A visit closes when the idle gap elapses, observed either by a
// later capture at the same feeder or by a periodic sweep. Closed visits are
// emitted per feeder in non-decreasing start order.
package visits

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/feederwatch/pkg/types"
)

// Observation is one attributed capture.
type Observation struct {
	FeederID    string
	CameraID    string
	At          time.Time
	Attribution types.Attribution
	Confidence  float64
}

// Attributor holds the open visits of every feeder. Mutations for one feeder
// must be serialized by the caller; different feeders are independent.
type Attributor struct {
	idleGap time.Duration
	newID   func() string

	mu      sync.Mutex
	feeders map[string]*feederState
}

// Option configures an Attributor.
type Option func(*Attributor)

// WithIDGenerator overrides visit ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(a *Attributor) { a.newID = fn }
}

// New returns an Attributor that closes visits after idleGap without captures.
func New(idleGap time.Duration, opts ...Option) *Attributor {
	a := &Attributor{
		idleGap: idleGap,
		newID:   uuid.NewString,
		feeders: make(map[string]*feederState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feeders returns the IDs of feeders with open or held visits, sorted.
func (a *Attributor) Feeders() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.feeders))
	for id, st := range a.feeders {
		if !st.empty() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OpenVisits returns copies of the open visits at a feeder ordered by start.
func (a *Attributor) OpenVisits(feederID string) []*types.Visit {
	a.mu.Lock()
	st := a.feeders[feederID]
	a.mu.Unlock()
	if st == nil {
		return nil
	}
	out := make([]*types.Visit, 0, len(st.open))
	for _, v := range st.open {
		cp := *v
		out = append(out, &cp)
	}
	sortVisits(out)
	return out
}

// Begin starts a transaction on one feeder. Changes made through the returned
// Tx are only visible after Commit.
func (a *Attributor) Begin(feederID string) *Tx {
	a.mu.Lock()
	st := a.feeders[feederID]
	a.mu.Unlock()

	var working *feederState
	if st == nil {
		working = newFeederState()
	} else {
		working = st.clone()
	}
	return &Tx{a: a, feederID: feederID, st: working}
}

// Observe folds one capture and commits immediately.
func (a *Attributor) Observe(obs Observation) (*types.Visit, []*types.Visit, error) {
	tx := a.Begin(obs.FeederID)
	visit, emitted, err := tx.Observe(obs)
	if err != nil {
		return nil, nil, err
	}
	tx.Commit()
	return visit, emitted, nil
}

// Sweep closes idle visits at a feeder and commits immediately.
func (a *Attributor) Sweep(feederID string, now time.Time) []*types.Visit {
	tx := a.Begin(feederID)
	emitted := tx.Sweep(now)
	tx.Commit()
	return emitted
}

// Flush closes every visit at a feeder and commits immediately.
func (a *Attributor) Flush(feederID string) []*types.Visit {
	tx := a.Begin(feederID)
	emitted := tx.Flush()
	tx.Commit()
	return emitted
}

// Tx is a working copy of one feeder's visit state.
type Tx struct {
	a        *Attributor
	feederID string
	st       *feederState
}

// Observe folds obs into the open visit for its attribution, opening one if
// needed. It returns a copy of that visit and any visits finalized as a
// result, in start order.
//
// A capture older than the visit it joins is counted without moving the
// visit's start. A capture older than the feeder's last emitted visit opens
// its visit at that start so emission order holds.
func (tx *Tx) Observe(obs Observation) (*types.Visit, []*types.Visit, error) {
	if obs.FeederID == "" {
		return nil, nil, fmt.Errorf("%w: capture has no feeder", types.ErrInvalidInput)
	}
	if obs.FeederID != tx.feederID {
		return nil, nil, fmt.Errorf("%w: capture for feeder %s in transaction for %s", types.ErrInvalidInput, obs.FeederID, tx.feederID)
	}
	if obs.At.IsZero() {
		return nil, nil, fmt.Errorf("%w: capture has no timestamp", types.ErrInvalidInput)
	}

	tx.st.closeIdle(obs.At, tx.a.idleGap)

	key := obs.Attribution.Key()
	visit, ok := tx.st.open[key]
	if ok {
		visit.Fold(obs.At, obs.Confidence)
	} else {
		start := obs.At
		if start.Before(tx.st.watermark) {
			start = tx.st.watermark
		}
		visit = &types.Visit{
			ID:             tx.a.newID(),
			FeederID:       obs.FeederID,
			CameraID:       obs.CameraID,
			Attribution:    obs.Attribution,
			Start:          start,
			End:            start,
			MeanConfidence: obs.Confidence,
			CaptureCount:   1,
		}
		tx.st.open[key] = visit
	}

	cp := *visit
	return &cp, tx.st.release(), nil
}

// Sweep closes visits whose idle gap has elapsed at now. Sweeping twice with
// the same now emits nothing the second time.
func (tx *Tx) Sweep(now time.Time) []*types.Visit {
	tx.st.closeIdle(now, tx.a.idleGap)
	return tx.st.release()
}

// Flush closes every open visit.
func (tx *Tx) Flush() []*types.Visit {
	for key, v := range tx.st.open {
		v.Closed = true
		tx.st.held = append(tx.st.held, v)
		delete(tx.st.open, key)
	}
	return tx.st.release()
}

// Commit installs the working state.
func (tx *Tx) Commit() {
	tx.a.mu.Lock()
	defer tx.a.mu.Unlock()
	if tx.st.empty() && tx.st.watermark.IsZero() {
		delete(tx.a.feeders, tx.feederID)
		return
	}
	tx.a.feeders[tx.feederID] = tx.st
}

// feederState is the visit state of one feeder.
type feederState struct {
	open      map[string]*types.Visit // keyed by Attribution.Key()
	held      []*types.Visit          // closed, waiting for an earlier open visit
	watermark time.Time               // start of the last emitted visit
}

func newFeederState() *feederState {
	return &feederState{open: make(map[string]*types.Visit)}
}

func (s *feederState) empty() bool {
	return len(s.open) == 0 && len(s.held) == 0
}

func (s *feederState) clone() *feederState {
	cp := &feederState{
		open:      make(map[string]*types.Visit, len(s.open)),
		held:      make([]*types.Visit, len(s.held)),
		watermark: s.watermark,
	}
	for k, v := range s.open {
		vv := *v
		cp.open[k] = &vv
	}
	for i, v := range s.held {
		vv := *v
		cp.held[i] = &vv
	}
	return cp
}

// closeIdle moves visits idle for longer than gap at now to held.
func (s *feederState) closeIdle(now time.Time, gap time.Duration) {
	for key, v := range s.open {
		if now.Sub(v.End) > gap {
			v.Closed = true
			s.held = append(s.held, v)
			delete(s.open, key)
		}
	}
}

// release emits held visits that no open visit precedes.
func (s *feederState) release() []*types.Visit {
	if len(s.held) == 0 {
		return nil
	}
	sortVisits(s.held)

	var earliestOpen time.Time
	for _, v := range s.open {
		if earliestOpen.IsZero() || v.Start.Before(earliestOpen) {
			earliestOpen = v.Start
		}
	}

	n := 0
	for n < len(s.held) {
		if !earliestOpen.IsZero() && earliestOpen.Before(s.held[n].Start) {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}

	emitted := make([]*types.Visit, n)
	copy(emitted, s.held[:n])
	s.held = append([]*types.Visit(nil), s.held[n:]...)
	s.watermark = emitted[n-1].Start
	return emitted
}

func sortVisits(vs []*types.Visit) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].Start.Equal(vs[j].Start) {
			return vs[i].Start.Before(vs[j].Start)
		}
		return vs[i].ID < vs[j].ID
	})
}
