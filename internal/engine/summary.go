package engine

import (
	"context"
	"sort"
	"time"

	"github.com/scrypster/feederwatch/internal/gallery"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/pkg/types"
)

// DailySummary reports the finalized visits that started on day's UTC date.
func (e *Engine) DailySummary(ctx context.Context, day time.Time) (*DailySummary, error) {
	y, m, d := day.UTC().Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	dayVisits, err := e.repo.ListVisits(ctx, storage.VisitFilter{
		Since: from,
		Until: from.Add(24 * time.Hour),
		Limit: 100000,
	})
	if err != nil {
		return nil, gallery.WrapStoreError("list visits", err)
	}
	return summarize(from, dayVisits), nil
}

func summarize(day time.Time, dayVisits []*types.Visit) *DailySummary {
	s := &DailySummary{Date: day.Format("2006-01-02"), PeakHour: -1, Feeders: []FeederSummary{}}

	var hours [24]int
	var total time.Duration
	identities := make(map[string]struct{})
	feeders := make(map[string]*FeederSummary)
	feederIdentities := make(map[string]map[string]struct{})

	for _, v := range dayVisits {
		s.TotalVisits++
		hours[v.Start.UTC().Hour()]++
		total += v.Duration()

		fs, ok := feeders[v.FeederID]
		if !ok {
			fs = &FeederSummary{FeederID: v.FeederID}
			feeders[v.FeederID] = fs
			feederIdentities[v.FeederID] = make(map[string]struct{})
		}
		fs.Visits++

		if v.Attribution.IsIdentified() {
			s.Identified++
			fs.Identified++
			identities[v.Attribution.IdentityID] = struct{}{}
			feederIdentities[v.FeederID][v.Attribution.IdentityID] = struct{}{}
		} else {
			s.Unidentified++
			fs.Unidentified++
		}
	}

	if s.TotalVisits == 0 {
		return s
	}

	s.UniqueIdentities = len(identities)
	s.MeanDuration = total / time.Duration(s.TotalVisits)
	for h, n := range hours {
		if n > s.PeakHourVisits {
			s.PeakHour, s.PeakHourVisits = h, n
		}
	}

	for id, fs := range feeders {
		fs.UniqueIdentities = len(feederIdentities[id])
		s.Feeders = append(s.Feeders, *fs)
	}
	sort.Slice(s.Feeders, func(i, j int) bool { return s.Feeders[i].FeederID < s.Feeders[j].FeederID })
	return s
}
