package engine

import (
	"time"

	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/store"
)

type Outcome string

const (
	// OutcomeCompleted: at least one variant was scored and winners were recorded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNoVariants: nothing was ever published, the test closed without winners.
	OutcomeNoVariants Outcome = "no_variants"
	// OutcomeRetry: every fetch failed, the test stays due for the next pass.
	OutcomeRetry   Outcome = "retry"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type VariantResult struct {
	ID           string              `json:"id"`
	PublishedRef string              `json:"published_ref,omitempty"`
	ContentRefs  []store.ContentRef  `json:"content_refs"`
	Metrics      *engagement.Metrics `json:"metrics,omitempty"`
	// Scored is set when Metrics were fetched during this evaluation.
	Scored bool `json:"scored"`
}

// Result is emitted for every evaluated test whatever the outcome.
type Result struct {
	TestID      string          `json:"test_id"`
	ProjectID   string          `json:"project_id"`
	Status      store.Status    `json:"status"`
	Outcome     Outcome         `json:"outcome"`
	Winners     []VariantResult `json:"winners"`
	Unscored    []string        `json:"unscored"`
	Variants    []VariantResult `json:"variants"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func newResult(t *store.Test) *Result {
	return &Result{
		TestID:      t.ID,
		ProjectID:   t.ProjectID,
		Status:      t.Status,
		Winners:     []VariantResult{},
		Unscored:    []string{},
		Variants:    []VariantResult{},
		CompletedAt: t.CompletedAt,
	}
}

func failedResult(testID string, err error) Result {
	return Result{
		TestID:   testID,
		Outcome:  OutcomeFailed,
		Winners:  []VariantResult{},
		Unscored: []string{},
		Variants: []VariantResult{},
		Error:    err.Error(),
	}
}

func (r *Result) skip(err error) *Result {
	r.Outcome = OutcomeSkipped
	r.Error = err.Error()
	return r
}

func (r *Result) fail(err error) *Result {
	r.Outcome = OutcomeFailed
	r.Error = err.Error()
	return r
}

func newVariantResult(v *store.Variant, scored bool) VariantResult {
	return VariantResult{
		ID:           v.ID,
		PublishedRef: v.PublishedRef,
		ContentRefs:  v.ContentRefs,
		Metrics:      v.Metrics,
		Scored:       scored,
	}
}

// Summarize counts results per outcome.
func Summarize(results []Result) map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}
	return counts
}
