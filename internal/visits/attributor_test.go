package visits

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/feederwatch/pkg/types"
)

var t0 = time.Date(2026, 7, 4, 6, 30, 0, 0, time.UTC)

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("visit-%03d", n)
	})
}

func obs(feeder string, at time.Duration, attribution types.Attribution) Observation {
	return Observation{FeederID: feeder, CameraID: "cam-1", At: t0.Add(at), Attribution: attribution, Confidence: 0.9}
}

func TestObserve_TwoCapturesWithinIdleGapFormOneVisit(t *testing.T) {
	a := New(10*time.Second, sequentialIDs())
	bird := types.Identified("bird-1")

	first, emitted, err := a.Observe(obs("F1", 0, bird))
	require.NoError(t, err)
	assert.Empty(t, emitted)

	second, emitted, err := a.Observe(obs("F1", 3*time.Second, bird))
	require.NoError(t, err)
	assert.Empty(t, emitted)
	assert.Equal(t, first.ID, second.ID)

	closed := a.Sweep("F1", t0.Add(time.Minute))
	require.Len(t, closed, 1)
	assert.Equal(t, 2, closed[0].CaptureCount)
	assert.Equal(t, 3*time.Second, closed[0].Duration())
	assert.True(t, closed[0].Closed)
	assert.Equal(t, bird, closed[0].Attribution)
}

func TestObserve_IdleGapExpiryOpensNewVisit(t *testing.T) {
	a := New(10*time.Second, sequentialIDs())
	bird := types.Identified("bird-1")

	_, _, err := a.Observe(obs("F1", 0, bird))
	require.NoError(t, err)

	_, emitted, err := a.Observe(obs("F1", 11*time.Second, bird))
	require.NoError(t, err)
	require.Len(t, emitted, 1, "the first visit closes when the gap is exceeded")
	assert.Equal(t, 1, emitted[0].CaptureCount)

	_, emitted, err = a.Observe(obs("F1", 21*time.Second, bird))
	require.NoError(t, err)
	assert.Empty(t, emitted, "exactly one idle gap still extends the visit")
}

func TestObserve_CaptureOnDifferentKeyClosesIdleVisit(t *testing.T) {
	a := New(10*time.Second, sequentialIDs())

	_, _, err := a.Observe(obs("F1", 0, types.Identified("bird-1")))
	require.NoError(t, err)

	_, emitted, err := a.Observe(obs("F1", 30*time.Second, types.Unidentified()))
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, types.Identified("bird-1"), emitted[0].Attribution)
}

func TestObserve_RunningMeanConfidence(t *testing.T) {
	a := New(10*time.Second)
	bird := types.Identified("bird-1")

	for i, conf := range []float64{0.9, 0.7, 0.8} {
		o := obs("F1", time.Duration(i)*time.Second, bird)
		o.Confidence = conf
		_, _, err := a.Observe(o)
		require.NoError(t, err)
	}
	closed := a.Flush("F1")
	require.Len(t, closed, 1)
	assert.InDelta(t, 0.8, closed[0].MeanConfidence, 1e-12)
}

func TestObserve_OutOfOrderCaptureKeepsStart(t *testing.T) {
	a := New(10*time.Second)
	bird := types.Identified("bird-1")

	_, _, err := a.Observe(obs("F1", 5*time.Second, bird))
	require.NoError(t, err)
	v, _, err := a.Observe(obs("F1", 2*time.Second, bird))
	require.NoError(t, err)

	assert.Equal(t, t0.Add(5*time.Second), v.Start)
	assert.Equal(t, t0.Add(5*time.Second), v.End)
	assert.Equal(t, 2, v.CaptureCount)
}

func TestObserve_RejectsInvalidObservations(t *testing.T) {
	a := New(10 * time.Second)

	_, _, err := a.Observe(Observation{At: t0})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, _, err = a.Observe(Observation{FeederID: "F1"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	assert.Empty(t, a.Feeders(), "rejected captures leave no state")
}

func TestRelease_HoldsClosedVisitsBehindEarlierOpenVisit(t *testing.T) {
	a := New(10*time.Second, sequentialIDs())

	// bird-1 keeps visiting for a while; bird-2 comes and goes in between.
	_, _, err := a.Observe(obs("F1", 0, types.Identified("bird-1")))
	require.NoError(t, err)
	_, _, err = a.Observe(obs("F1", 2*time.Second, types.Identified("bird-2")))
	require.NoError(t, err)
	for s := 8; s <= 40; s += 8 {
		_, emitted, err := a.Observe(obs("F1", time.Duration(s)*time.Second, types.Identified("bird-1")))
		require.NoError(t, err)
		assert.Empty(t, emitted, "bird-2 closed but started after the still-open bird-1 visit")
	}

	emitted := a.Sweep("F1", t0.Add(time.Minute))
	require.Len(t, emitted, 2)
	assert.Equal(t, types.Identified("bird-1"), emitted[0].Attribution)
	assert.Equal(t, types.Identified("bird-2"), emitted[1].Attribution)
}

func TestSweep_Idempotent(t *testing.T) {
	a := New(10 * time.Second)
	_, _, err := a.Observe(obs("F1", 0, types.Unidentified()))
	require.NoError(t, err)

	now := t0.Add(time.Minute)
	assert.Len(t, a.Sweep("F1", now), 1)
	assert.Empty(t, a.Sweep("F1", now))
	assert.Empty(t, a.Feeders())
}

func TestSweep_UnknownFeederIsNoop(t *testing.T) {
	a := New(10 * time.Second)
	assert.Empty(t, a.Sweep("nowhere", t0))
}

func TestTx_DiscardedWithoutCommit(t *testing.T) {
	a := New(10 * time.Second)

	tx := a.Begin("F1")
	_, _, err := tx.Observe(obs("F1", 0, types.Unidentified()))
	require.NoError(t, err)

	assert.Empty(t, a.OpenVisits("F1"), "uncommitted observations are not visible")

	tx.Commit()
	assert.Len(t, a.OpenVisits("F1"), 1)
}

func TestFeedersAreIndependent(t *testing.T) {
	a := New(10 * time.Second)
	_, _, err := a.Observe(obs("F1", 0, types.Unidentified()))
	require.NoError(t, err)
	_, emitted, err := a.Observe(obs("F2", time.Hour, types.Unidentified()))
	require.NoError(t, err)

	assert.Empty(t, emitted, "a capture at F2 never closes visits at F1")
	assert.Equal(t, []string{"F1", "F2"}, a.Feeders())
}

// For any capture sequence the number of visits never exceeds the number of
// captures, and visits come out in start order per feeder.
func TestProperty_VisitsBoundedByCapturesAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := []types.Attribution{types.Identified("a"), types.Identified("b"), types.Unidentified()}

	for round := 0; round < 50; round++ {
		a := New(10 * time.Second)
		n := 1 + rng.Intn(60)
		offsets := make([]int, n)
		for i := range offsets {
			offsets[i] = rng.Intn(600)
		}
		sort.Ints(offsets)

		var visits []*types.Visit
		for _, off := range offsets {
			_, emitted, err := a.Observe(obs("F1", time.Duration(off)*time.Second, keys[rng.Intn(len(keys))]))
			require.NoError(t, err)
			visits = append(visits, emitted...)
		}
		visits = append(visits, a.Flush("F1")...)

		assert.LessOrEqual(t, len(visits), n)
		total := 0
		for i, v := range visits {
			total += v.CaptureCount
			if i > 0 {
				assert.False(t, v.Start.Before(visits[i-1].Start), "visits must be emitted in start order")
			}
		}
		assert.Equal(t, n, total, "every capture is counted exactly once")
	}
}

func TestProperty_IsolatedCapturesYieldOneVisitEach(t *testing.T) {
	a := New(10 * time.Second)
	bird := types.Identified("bird-1")

	var visits []*types.Visit
	for i := 0; i < 5; i++ {
		_, emitted, err := a.Observe(obs("F1", time.Duration(i)*time.Minute, bird))
		require.NoError(t, err)
		visits = append(visits, emitted...)
	}
	visits = append(visits, a.Flush("F1")...)
	assert.Len(t, visits, 5)
}
