package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SelectDueTests lists tests due at now, oldest schedule first.
func (e *Engine) SelectDueTests(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := e.store.SelectDueTests(ctx, now.Add(-e.checkDelay))
	if err != nil {
		return nil, fmt.Errorf("failed to select due tests: %w", err)
	}
	return ids, nil
}

// RunPass evaluates every due test. Results keep selection order; tests held
// by another evaluator are left out. A leased test cut short by cancellation
// is reported with OutcomeRetry. A failing test never aborts the pass:
// it is reported with OutcomeFailed. The returned error is set only when
// selection fails or ctx is cancelled.
func (e *Engine) RunPass(ctx context.Context, now time.Time) ([]Result, error) {
	start := time.Now()
	results, err := e.runPass(ctx, now)
	e.collector.RecordPass(err, time.Since(start))
	return results, err
}

func (e *Engine) runPass(ctx context.Context, now time.Time) ([]Result, error) {
	ids, err := e.SelectDueTests(ctx, now)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("selected due tests", zap.Int("count", len(ids)), zap.Time("now", now))

	slots := make([]*Result, len(ids))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.Evaluate(ctx, id)
			switch {
			case errors.Is(err, ErrLeaseConflict):
				e.logger.Debug("test leased elsewhere, skipping", zap.String("test_id", id))
			case res != nil:
				if err != nil && ctx.Err() == nil && !errors.Is(err, ErrInvalidTestState) {
					e.logger.Error("evaluation failed", zap.String("test_id", id), zap.Error(err))
				}
				slots[i] = res
			case ctx.Err() != nil:
				// cancelled before the lease was taken
			default:
				e.logger.Error("evaluation failed", zap.String("test_id", id), zap.Error(err))
				r := failedResult(id, err)
				slots[i] = &r
			}
			return nil
		})
	}
	g.Wait()

	results := make([]Result, 0, len(ids))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}
