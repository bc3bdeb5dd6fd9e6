package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/store"
)

// Both implementations must behave the same, so every case runs against each.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.Open(t.TempDir() + "/test.db")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemStore())
	})
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTest(t *testing.T, s store.Store, scheduled time.Time) *store.Test {
	t.Helper()
	test := &store.Test{ProjectID: "proj-1", Kind: store.KindBanner, ScheduledAt: scheduled}
	require.NoError(t, s.CreateTest(context.Background(), test))
	return test
}

func addVariant(t *testing.T, s store.Store, testID, ref string) *store.Variant {
	t.Helper()
	v := &store.Variant{
		TestID:       testID,
		PublishedRef: ref,
		ContentRefs:  []store.ContentRef{{URL: "https://cdn.example.com/" + ref + ".png"}},
	}
	require.NoError(t, s.AddVariant(context.Background(), v))
	return v
}

func metrics(likes int64) engagement.Metrics {
	return engagement.Metrics{
		Counts:          engagement.Counts{Likes: likes},
		EngagementScore: float64(likes),
		FetchedAt:       t0,
	}
}

func TestCreateAndGetTest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := &store.Test{
			ProjectID:       "proj-1",
			Kind:            store.KindCarousel,
			ScheduledAt:     t0.Add(123456 * time.Microsecond),
			SpecialOccasion: true,
			OccasionType:    "black_friday",
			NotifyEmail:     "owner@example.com",
		}
		require.NoError(t, s.CreateTest(ctx, test))
		require.NotEmpty(t, test.ID)

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRunning, got.Status)
		assert.False(t, got.Checked)
		assert.Nil(t, got.CompletedAt)
		assert.Empty(t, got.WinnerVariantIDs)
		assert.NotNil(t, got.WinnerVariantIDs)
		assert.Equal(t, store.KindCarousel, got.Kind)
		assert.True(t, got.SpecialOccasion)
		assert.Equal(t, "black_friday", got.OccasionType)
		assert.Equal(t, "owner@example.com", got.NotifyEmail)
		assert.True(t, t0.Add(123*time.Millisecond).Equal(got.ScheduledAt))
	})
}

func TestCreateTestValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		assert.Error(t, s.CreateTest(ctx, &store.Test{Kind: store.KindBanner}))
		assert.Error(t, s.CreateTest(ctx, &store.Test{ProjectID: "p", Kind: "video"}))
	})
}

func TestGetTestNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetTest(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestListTestsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		a := newTest(t, s, t0)
		b := newTest(t, s, t0)
		other := &store.Test{ProjectID: "proj-2", Kind: store.KindBanner, ScheduledAt: t0}
		require.NoError(t, s.CreateTest(ctx, other))

		require.NoError(t, s.SaveEvaluation(ctx, store.Evaluation{
			TestID: a.ID, Complete: true, CompletedAt: t0,
		}))

		all, err := s.ListTests(ctx, store.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		running, err := s.ListTests(ctx, store.ListFilter{Status: store.StatusRunning})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{b.ID, other.ID}, ids(running))

		byProject, err := s.ListTests(ctx, store.ListFilter{ProjectID: "proj-2"})
		require.NoError(t, err)
		assert.Equal(t, []string{other.ID}, ids(byProject))
	})
}

func TestDeleteTestRemovesVariants(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		addVariant(t, s, test.ID, "post_1")

		require.NoError(t, s.DeleteTest(ctx, test.ID))
		_, err := s.GetTest(ctx, test.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		variants, err := s.ListVariants(ctx, test.ID)
		require.NoError(t, err)
		assert.Empty(t, variants)

		assert.ErrorIs(t, s.DeleteTest(ctx, test.ID), store.ErrNotFound)
	})
}

func TestSelectDueTests(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		late := newTest(t, s, t0.Add(-1*time.Hour))
		early := newTest(t, s, t0.Add(-2*time.Hour))
		exact := newTest(t, s, t0)
		newTest(t, s, t0.Add(time.Millisecond))
		done := newTest(t, s, t0.Add(-3*time.Hour))
		require.NoError(t, s.SaveEvaluation(ctx, store.Evaluation{TestID: done.ID, Complete: true, CompletedAt: t0}))

		due, err := s.SelectDueTests(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, []string{early.ID, late.ID, exact.ID}, due)
	})
}

func TestSelectDueTestsEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		due, err := s.SelectDueTests(context.Background(), t0)
		require.NoError(t, err)
		assert.NotNil(t, due)
		assert.Empty(t, due)
	})
}

func TestAddVariant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		v1 := addVariant(t, s, test.ID, "post_1")
		v2 := addVariant(t, s, test.ID, "")
		v3 := addVariant(t, s, test.ID, "post_3")

		variants, err := s.ListVariants(ctx, test.ID)
		require.NoError(t, err)
		require.Len(t, variants, 3)
		assert.Equal(t, []string{v1.ID, v2.ID, v3.ID}, []string{variants[0].ID, variants[1].ID, variants[2].ID})
		assert.False(t, variants[1].Published())
		assert.Nil(t, variants[0].Metrics)
		assert.Equal(t, "https://cdn.example.com/post_1.png", variants[0].ContentRefs[0].URL)

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"post_1", "post_3"}, got.PublishedRefs)
	})
}

func TestAddVariantRejectsMissingAndCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		err := s.AddVariant(ctx, &store.Variant{TestID: "missing", PublishedRef: "x"})
		assert.ErrorIs(t, err, store.ErrNotFound)

		test := newTest(t, s, t0)
		require.NoError(t, s.SaveEvaluation(ctx, store.Evaluation{TestID: test.ID, Complete: true, CompletedAt: t0}))
		err = s.AddVariant(ctx, &store.Variant{TestID: test.ID, PublishedRef: "x"})
		assert.ErrorIs(t, err, store.ErrAlreadyCompleted)
	})
}

func TestAddVariantRejectedWhileLeased(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		addVariant(t, s, test.ID, "post_1")

		require.NoError(t, s.AcquireLease(ctx, test.ID, "worker", time.Now(), time.Hour))
		err := s.AddVariant(ctx, &store.Variant{TestID: test.ID, PublishedRef: "post_2"})
		assert.ErrorIs(t, err, store.ErrLeaseConflict)

		variants, err := s.ListVariants(ctx, test.ID)
		require.NoError(t, err)
		assert.Len(t, variants, 1)
		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"post_1"}, got.PublishedRefs)

		require.NoError(t, s.ReleaseLease(ctx, test.ID, "worker"))
		addVariant(t, s, test.ID, "post_2")

		// An expired lease does not block publishing.
		require.NoError(t, s.AcquireLease(ctx, test.ID, "worker", time.Now().Add(-2*time.Hour), time.Hour))
		addVariant(t, s, test.ID, "post_3")
	})
}

func TestLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)

		require.NoError(t, s.AcquireLease(ctx, test.ID, "a", t0, time.Minute))
		assert.ErrorIs(t, s.AcquireLease(ctx, test.ID, "b", t0.Add(30*time.Second), time.Minute), store.ErrLeaseConflict)

		// Only the holder can release.
		require.NoError(t, s.ReleaseLease(ctx, test.ID, "b"))
		assert.ErrorIs(t, s.AcquireLease(ctx, test.ID, "b", t0.Add(30*time.Second), time.Minute), store.ErrLeaseConflict)

		require.NoError(t, s.ReleaseLease(ctx, test.ID, "a"))
		require.NoError(t, s.AcquireLease(ctx, test.ID, "b", t0.Add(30*time.Second), time.Minute))

		// Expired leases are taken over.
		require.NoError(t, s.AcquireLease(ctx, test.ID, "c", t0.Add(2*time.Minute), time.Minute))

		assert.ErrorIs(t, s.AcquireLease(ctx, "missing", "a", t0, time.Minute), store.ErrNotFound)
	})
}

func TestLeaseSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.AcquireLease(ctx, test.ID, string(rune('a'+i)), t0, time.Minute)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, store.ErrLeaseConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestSaveEvaluationMetricsOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		v := addVariant(t, s, test.ID, "post_1")

		require.NoError(t, s.SaveEvaluation(ctx, store.Evaluation{
			TestID:  test.ID,
			Metrics: map[string]engagement.Metrics{v.ID: metrics(7)},
		}))

		variants, err := s.ListVariants(ctx, test.ID)
		require.NoError(t, err)
		require.NotNil(t, variants[0].Metrics)
		assert.Equal(t, int64(7), variants[0].Metrics.Likes)
		assert.Equal(t, 7.0, variants[0].Metrics.EngagementScore)

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRunning, got.Status)
		assert.False(t, got.Checked)
	})
}

func TestSaveEvaluationComplete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		a := addVariant(t, s, test.ID, "post_a")
		b := addVariant(t, s, test.ID, "post_b")

		completedAt := t0.Add(time.Hour)
		require.NoError(t, s.SaveEvaluation(ctx, store.Evaluation{
			TestID:           test.ID,
			Metrics:          map[string]engagement.Metrics{a.ID: metrics(10), b.ID: metrics(10)},
			Complete:         true,
			WinnerVariantIDs: []string{a.ID, b.ID},
			CompletedAt:      completedAt,
		}))

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, got.Status)
		assert.True(t, got.Checked)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completedAt.Equal(*got.CompletedAt))
		assert.Equal(t, []string{a.ID, b.ID}, got.WinnerVariantIDs)

		due, err := s.SelectDueTests(ctx, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, due, test.ID)

		err = s.SaveEvaluation(ctx, store.Evaluation{TestID: test.ID, Complete: true, CompletedAt: completedAt})
		assert.ErrorIs(t, err, store.ErrAlreadyCompleted)
	})
}

func TestSaveEvaluationAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		a := addVariant(t, s, test.ID, "post_a")

		err := s.SaveEvaluation(ctx, store.Evaluation{
			TestID:           test.ID,
			Metrics:          map[string]engagement.Metrics{a.ID: metrics(3), "ghost": metrics(4)},
			Complete:         true,
			WinnerVariantIDs: []string{a.ID},
			CompletedAt:      t0,
		})
		assert.ErrorIs(t, err, store.ErrNotFound)

		variants, err := s.ListVariants(ctx, test.ID)
		require.NoError(t, err)
		assert.Nil(t, variants[0].Metrics)

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRunning, got.Status)
	})
}

func TestSaveEvaluationMissingTest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		err := s.SaveEvaluation(context.Background(), store.Evaluation{TestID: "missing", Complete: true, CompletedAt: t0})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestReturnedValuesAreCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		test := newTest(t, s, t0)
		addVariant(t, s, test.ID, "post_1")

		got, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		got.PublishedRefs[0] = "tampered"

		again, err := s.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"post_1"}, again.PublishedRefs)
	})
}

func ids(tests []*store.Test) []string {
	out := make([]string, 0, len(tests))
	for _, t := range tests {
		out = append(out, t.ID)
	}
	return out
}
