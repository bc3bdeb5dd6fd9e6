package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/store"
)

func variantWithScore(id string, score float64) *store.Variant {
	return &store.Variant{ID: id, PublishedRef: "ref-" + id, Metrics: &engagement.Metrics{EngagementScore: score}}
}

func TestSelectWinners(t *testing.T) {
	tests := []struct {
		name     string
		variants []*store.Variant
		want     []string
	}{
		{
			name:     "single max",
			variants: []*store.Variant{variantWithScore("a", 1), variantWithScore("b", 9), variantWithScore("c", 3)},
			want:     []string{"b"},
		},
		{
			name:     "tie",
			variants: []*store.Variant{variantWithScore("a", 40), variantWithScore("b", 75), variantWithScore("c", 75)},
			want:     []string{"b", "c"},
		},
		{
			name:     "all zero",
			variants: []*store.Variant{variantWithScore("a", 0), variantWithScore("b", 0)},
			want:     []string{"a", "b"},
		},
		{
			name:     "unscored never wins",
			variants: []*store.Variant{{ID: "a"}, variantWithScore("b", 0)},
			want:     []string{"b"},
		},
		{
			name:     "nothing scored",
			variants: []*store.Variant{{ID: "a"}},
			want:     []string{},
		},
		{
			name: "empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectWinners(tt.variants)
			assert.NotNil(t, got)
			assert.Equal(t, tt.want, variantIDs(got))
		})
	}
}

func TestSelectWinnersProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "n")
		variants := make([]*store.Variant, n)
		best, anyScored := 0.0, false
		for i := range variants {
			id := fmt.Sprintf("v%d", i)
			if !rapid.Bool().Draw(rt, "scored_"+id) {
				variants[i] = &store.Variant{ID: id}
				continue
			}
			// Small range so ties are frequent.
			score := float64(rapid.IntRange(0, 5).Draw(rt, "score_"+id))
			variants[i] = variantWithScore(id, score)
			if !anyScored || score > best {
				best, anyScored = score, true
			}
		}

		winners := SelectWinners(variants)
		winnerSet := make(map[string]bool, len(winners))
		for _, w := range winners {
			winnerSet[w.ID] = true
		}

		for _, v := range variants {
			isMax := v.Metrics != nil && v.Metrics.EngagementScore == best
			if isMax != winnerSet[v.ID] {
				rt.Fatalf("variant %s: max=%v winner=%v", v.ID, isMax, winnerSet[v.ID])
			}
		}
		if anyScored && len(winners) == 0 {
			rt.Fatalf("scored variants but no winner")
		}
	})
}
