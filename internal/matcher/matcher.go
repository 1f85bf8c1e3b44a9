// Package matcher ranks gallery identities against a query feature vector.
//
// Match is a pure function over a read-only snapshot: it never mutates the
// gallery and returns the same result for the same inputs.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hupe1980/vecgo/distance"

	"github.com/scrypster/feederwatch/pkg/types"
)

// Metric selects how query and reference vectors are compared.
type Metric string

const (
	// MetricCosine compares direction only; confidence is the cosine
	// similarity clamped to [0,1].
	MetricCosine Metric = "cosine"

	// MetricEuclidean compares L2 distance d; confidence is 1/(1+d).
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric converts a configuration string to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricEuclidean:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("%w: unknown distance metric %q", types.ErrInvalidInput, s)
	}
}

// Options are the per-deployment matching parameters.
type Options struct {
	Metric Metric

	// Threshold is the minimum confidence accepted as a match.
	Threshold float64

	// K bounds Result.Candidates. Zero or negative keeps every identity.
	K int

	// TieEpsilon is the confidence band around the best score inside which
	// identities are considered tied.
	TieEpsilon float64
}

// Candidate is one scored identity.
type Candidate struct {
	IdentityID  string
	Distance    float64
	Confidence  float64
	TotalVisits int
	LastSeen    time.Time
}

// Result is the outcome of Match. Confidence is the winning candidate's
// confidence even when it fell below the threshold.
type Result struct {
	Attribution types.Attribution
	Confidence  float64
	Candidates  []Candidate
}

// Match scores query against every reference vector of every identity in
// snapshot. An identity's score is its best reference vector.
//
// Ties within opts.TieEpsilon of the best confidence are broken by most total
// visits, then most recent LastSeen, then smallest ID. When the best candidate
// clears opts.Threshold, only candidates that also clear it take part.
//
// An empty snapshot yields Unidentified with a nil error. A malformed query
// yields Unidentified and an error wrapping types.ErrInvalidInput.
func Match(query []float32, snapshot []*types.Identity, opts Options) (Result, error) {
	unknown := Result{Attribution: types.Unidentified()}

	if err := validateQuery(query); err != nil {
		return unknown, err
	}
	if len(snapshot) == 0 {
		return unknown, nil
	}
	if dim := galleryDimension(snapshot); dim != 0 && dim != len(query) {
		return unknown, fmt.Errorf("%w: query dimension %d does not match gallery dimension %d",
			types.ErrInvalidInput, len(query), dim)
	}

	score, err := scorer(query, opts.Metric)
	if err != nil {
		return unknown, err
	}

	candidates := make([]Candidate, 0, len(snapshot))
	for _, identity := range snapshot {
		best := math.Inf(1)
		for _, ref := range identity.References {
			if len(ref) != len(query) {
				continue
			}
			if d, ok := score(ref); ok && d < best {
				best = d
			}
		}
		if math.IsInf(best, 1) {
			continue
		}
		candidates = append(candidates, Candidate{
			IdentityID:  identity.ID,
			Distance:    best,
			Confidence:  confidence(best, opts.Metric),
			TotalVisits: identity.TotalVisits,
			LastSeen:    identity.LastSeen,
		})
	}
	if len(candidates) == 0 {
		return unknown, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return preferred(a, b)
	})

	// A tied candidate below the threshold never displaces one above it.
	accepted := candidates[0].Confidence >= opts.Threshold
	winner := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[0].Confidence-candidates[i].Confidence > opts.TieEpsilon {
			break
		}
		if accepted && candidates[i].Confidence < opts.Threshold {
			break
		}
		if preferred(candidates[i], candidates[winner]) {
			winner = i
		}
	}
	if winner != 0 {
		w := candidates[winner]
		copy(candidates[1:winner+1], candidates[:winner])
		candidates[0] = w
	}

	if opts.K > 0 && len(candidates) > opts.K {
		candidates = candidates[:opts.K]
	}

	result := Result{
		Attribution: types.Unidentified(),
		Confidence:  candidates[0].Confidence,
		Candidates:  candidates,
	}
	if candidates[0].Confidence >= opts.Threshold {
		result.Attribution = types.Identified(candidates[0].IdentityID)
	}
	return result, nil
}

// preferred reports whether a wins the tie-break against b.
func preferred(a, b Candidate) bool {
	if a.TotalVisits != b.TotalVisits {
		return a.TotalVisits > b.TotalVisits
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.IdentityID < b.IdentityID
}

// scorer returns a distance function against query for the metric. The
// function reports false for references that cannot be scored.
func scorer(query []float32, metric Metric) (func(ref []float32) (float64, bool), error) {
	switch metric {
	case MetricCosine, "":
		q, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, fmt.Errorf("%w: query vector has zero norm", types.ErrInvalidInput)
		}
		return func(ref []float32) (float64, bool) {
			r, ok := distance.NormalizeL2Copy(ref)
			if !ok {
				return 0, false
			}
			return 1 - float64(distance.Dot(q, r)), true
		}, nil
	case MetricEuclidean:
		return func(ref []float32) (float64, bool) {
			return math.Sqrt(float64(distance.SquaredL2(query, ref))), true
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown distance metric %q", types.ErrInvalidInput, metric)
	}
}

func confidence(d float64, metric Metric) float64 {
	if metric == MetricEuclidean {
		return 1 / (1 + d)
	}
	return clamp(1-d, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func validateQuery(query []float32) error {
	if len(query) == 0 {
		return fmt.Errorf("%w: query vector is empty", types.ErrInvalidInput)
	}
	for i, v := range query {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: query component %d is not finite", types.ErrInvalidInput, i)
		}
	}
	return nil
}

// galleryDimension is the dimension of the first reference vector found.
func galleryDimension(snapshot []*types.Identity) int {
	for _, identity := range snapshot {
		if d := identity.Dimension(); d != 0 {
			return d
		}
	}
	return 0
}
