package engine

import "github.com/headline-goat/creative-goat/internal/store"

// SelectWinners returns every variant whose engagement score equals the
// highest score among variants carrying metrics, in input order. Ties are all
// winners. Variants without metrics never win. The result is empty, not nil,
// when no variant has metrics.
func SelectWinners(variants []*store.Variant) []*store.Variant {
	var (
		best  float64
		found bool
	)
	for _, v := range variants {
		if v.Metrics == nil {
			continue
		}
		if !found || v.Metrics.EngagementScore > best {
			best = v.Metrics.EngagementScore
			found = true
		}
	}

	winners := []*store.Variant{}
	for _, v := range variants {
		if v.Metrics != nil && v.Metrics.EngagementScore == best {
			winners = append(winners, v)
		}
	}
	return winners
}
