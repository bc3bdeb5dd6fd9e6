// Package analytics aggregates engagement across decided tests.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/headline-goat/creative-goat/internal/store"
)

const topPerformersLimit = 5

type Report struct {
	Overview      Overview       `json:"overview"`
	Totals        Totals         `json:"totals"`
	TopPerformers []TopPerformer `json:"top_performers"`
}

type Overview struct {
	TotalTests     int `json:"total_tests"`
	RunningTests   int `json:"running_tests"`
	CompletedTests int `json:"completed_tests"`
	// Averages are per variant of completed tests, unscored variants count as zero.
	AverageEngagement float64 `json:"average_engagement"`
	AverageReach      float64 `json:"average_reach"`
}

type Totals struct {
	Engagement float64 `json:"engagement"`
	Reach      int64   `json:"reach"`
	Likes      int64   `json:"likes"`
	Comments   int64   `json:"comments"`
	Shares     int64   `json:"shares"`
}

type TopPerformer struct {
	TestID        string     `json:"test_id"`
	ProjectID     string     `json:"project_id"`
	Kind          store.Kind `json:"kind"`
	MaxEngagement float64    `json:"max_engagement"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Summarize builds the report. Totals and top performers only consider
// completed tests.
func Summarize(tests []*store.Test, variantsByTest map[string][]*store.Variant) Report {
	r := Report{TopPerformers: []TopPerformer{}}

	variantCount := 0
	for _, t := range tests {
		r.Overview.TotalTests++
		switch t.Status {
		case store.StatusRunning:
			r.Overview.RunningTests++
			continue
		case store.StatusCompleted:
			r.Overview.CompletedTests++
		default:
			continue
		}

		top := TopPerformer{TestID: t.ID, ProjectID: t.ProjectID, Kind: t.Kind, CompletedAt: t.CompletedAt}
		for _, v := range variantsByTest[t.ID] {
			variantCount++
			m := v.Metrics
			if m == nil {
				continue
			}
			r.Totals.Engagement += m.EngagementScore
			r.Totals.Reach += m.Reach
			r.Totals.Likes += m.Likes
			r.Totals.Comments += m.Comments
			r.Totals.Shares += m.Shares
			top.MaxEngagement = max(top.MaxEngagement, m.EngagementScore)
		}
		r.TopPerformers = append(r.TopPerformers, top)
	}

	if variantCount > 0 {
		r.Overview.AverageEngagement = r.Totals.Engagement / float64(variantCount)
		r.Overview.AverageReach = float64(r.Totals.Reach) / float64(variantCount)
	}

	sort.SliceStable(r.TopPerformers, func(i, j int) bool {
		return r.TopPerformers[i].MaxEngagement > r.TopPerformers[j].MaxEngagement
	})
	if len(r.TopPerformers) > topPerformersLimit {
		r.TopPerformers = r.TopPerformers[:topPerformersLimit]
	}
	return r
}

// Load reads every test and the variants of completed ones, then summarizes.
func Load(ctx context.Context, s store.Store) (Report, error) {
	tests, err := s.ListTests(ctx, store.ListFilter{})
	if err != nil {
		return Report{}, fmt.Errorf("failed to list tests: %w", err)
	}

	variants := make(map[string][]*store.Variant)
	for _, t := range tests {
		if t.Status != store.StatusCompleted {
			continue
		}
		vs, err := s.ListVariants(ctx, t.ID)
		if err != nil {
			return Report{}, fmt.Errorf("failed to list variants of %s: %w", t.ID, err)
		}
		variants[t.ID] = vs
	}
	return Summarize(tests, variants), nil
}
