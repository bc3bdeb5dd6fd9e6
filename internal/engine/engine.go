// Package engine decides running A/B tests: it pulls fresh engagement for
// every published variant, picks the winners and closes the test.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headline-goat/creative-goat/internal/engagement"
	"github.com/headline-goat/creative-goat/internal/lease"
	"github.com/headline-goat/creative-goat/internal/logging"
	"github.com/headline-goat/creative-goat/internal/notify"
	"github.com/headline-goat/creative-goat/internal/store"
	"github.com/headline-goat/creative-goat/internal/telemetry"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultConcurrency  = 4

	releaseTimeout  = 5 * time.Second
	dispatchTimeout = 30 * time.Second
)

var (
	// ErrInvalidTestState is returned for tests that are already completed
	// or checked.
	ErrInvalidTestState = errors.New("test is not awaiting evaluation")
	// ErrNotDue is an ErrInvalidTestState for a running test whose scheduled
	// time (plus the check delay) has not passed yet.
	ErrNotDue = fmt.Errorf("%w: not due yet", ErrInvalidTestState)

	ErrLeaseConflict = lease.ErrConflict
)

type Engine struct {
	store      store.Store
	gateway    engagement.Gateway
	leaser     lease.Leaser
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	collector  *telemetry.Collector
	now        func() time.Time

	fetchTimeout time.Duration
	concurrency  int
	leaseTTL     time.Duration
	checkDelay   time.Duration
}

type Option func(*Engine)

func WithLeaser(l lease.Leaser) Option {
	return func(e *Engine) { e.leaser = l }
}

func WithDispatcher(d notify.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.Component(l, "engine") }
}

func WithCollector(c *telemetry.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFetchTimeout bounds each gateway call.
func WithFetchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fetchTimeout = d }
}

// WithConcurrency bounds how many tests one pass evaluates at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithCheckDelay makes a test due only once it has been scheduled for at
// least d.
func WithCheckDelay(d time.Duration) Option {
	return func(e *Engine) { e.checkDelay = d }
}

func New(s store.Store, gw engagement.Gateway, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		gateway:      gw,
		dispatcher:   notify.Nop{},
		logger:       zap.NewNop(),
		now:          time.Now,
		fetchTimeout: DefaultFetchTimeout,
		concurrency:  DefaultConcurrency,
		leaseTTL:     lease.DefaultTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = DefaultFetchTimeout
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	if e.leaser == nil {
		e.leaser = lease.NewStoreLeaser(s, e.leaseTTL).WithClock(e.now)
	}
	return e
}

// Evaluate runs one evaluation of a test under its lease. A conflicting lease
// returns ErrLeaseConflict. A test that is not due, already completed or
// checked returns a skipped Result together with ErrInvalidTestState.
// Once the lease is held a Result is always returned, also on error.
func (e *Engine) Evaluate(ctx context.Context, testID string) (*Result, error) {
	return e.run(ctx, testID, false)
}

// EvaluateNow is Evaluate without the schedule check, for closing a running
// test before its scheduled time.
func (e *Engine) EvaluateNow(ctx context.Context, testID string) (*Result, error) {
	return e.run(ctx, testID, true)
}

func (e *Engine) run(ctx context.Context, testID string, early bool) (*Result, error) {
	l, err := e.leaser.Acquire(ctx, testID)
	if errors.Is(err, lease.ErrConflict) {
		e.collector.RecordLeaseConflict()
		return nil, ErrLeaseConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", testID, err)
	}
	defer e.release(ctx, l, testID)

	res, err := e.evaluate(ctx, testID, early)
	if res == nil && err != nil {
		r := failedResult(testID, err)
		if ctx.Err() != nil {
			r.Outcome = OutcomeRetry
		}
		res = &r
	}
	e.collector.RecordEvaluation(string(res.Outcome))
	return res, err
}

func (e *Engine) release(ctx context.Context, l lease.Lease, testID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		e.logger.Warn("failed to release lease", zap.String("test_id", testID), zap.Error(err))
	}
}

func (e *Engine) evaluate(ctx context.Context, testID string, early bool) (*Result, error) {
	test, err := e.store.GetTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test %s: %w", testID, err)
	}

	res := newResult(test)
	if test.Status != store.StatusRunning || test.Checked {
		e.logger.Warn("test is not awaiting evaluation",
			zap.String("test_id", testID),
			zap.String("status", string(test.Status)),
			zap.Bool("checked", test.Checked),
		)
		return res.skip(ErrInvalidTestState), ErrInvalidTestState
	}
	if !early && test.ScheduledAt.After(e.now().Add(-e.checkDelay)) {
		e.logger.Warn("test is not due yet",
			zap.String("test_id", testID),
			zap.Time("scheduled_at", test.ScheduledAt),
		)
		return res.skip(ErrNotDue), ErrNotDue
	}

	variants, err := e.store.ListVariants(ctx, testID)
	if err != nil {
		return res.fail(err), fmt.Errorf("failed to load variants of %s: %w", testID, err)
	}

	published := make([]*store.Variant, 0, len(variants))
	for _, v := range variants {
		if v.Published() {
			published = append(published, v)
		}
	}

	snapshots := e.fetchAll(ctx, published)
	if err := ctx.Err(); err != nil {
		res.Outcome = OutcomeRetry
		res.Unscored = variantIDs(published)
		res.Error = err.Error()
		return res, err
	}

	scored := make(map[string]engagement.Metrics, len(snapshots))
	for _, v := range published {
		if m, ok := snapshots[v.ID]; ok {
			m := m
			v.Metrics = &m
			scored[v.ID] = m
		} else {
			res.Unscored = append(res.Unscored, v.ID)
		}
	}
	for _, v := range variants {
		_, ok := scored[v.ID]
		res.Variants = append(res.Variants, newVariantResult(v, ok))
	}

	if len(published) > 0 && len(scored) == 0 {
		e.logger.Warn("no variant could be scored, will retry",
			zap.String("test_id", testID),
			zap.Strings("unscored", res.Unscored),
		)
		res.Outcome = OutcomeRetry
		return res, nil
	}

	winners := SelectWinners(published)
	completedAt := e.now().UTC().Truncate(time.Millisecond)
	eval := store.Evaluation{
		TestID:           testID,
		Metrics:          scored,
		Complete:         true,
		WinnerVariantIDs: variantIDs(winners),
		CompletedAt:      completedAt,
	}
	if err := e.store.SaveEvaluation(ctx, eval); err != nil {
		if errors.Is(err, store.ErrAlreadyCompleted) {
			return res.skip(err), fmt.Errorf("%w: %w", ErrInvalidTestState, err)
		}
		return res.fail(err), fmt.Errorf("failed to save evaluation of %s: %w", testID, err)
	}

	res.Status = store.StatusCompleted
	res.CompletedAt = &completedAt
	for _, w := range winners {
		_, fresh := scored[w.ID]
		res.Winners = append(res.Winners, newVariantResult(w, fresh))
	}
	res.Outcome = OutcomeCompleted
	if len(published) == 0 {
		res.Outcome = OutcomeNoVariants
	}

	e.logger.Info("test completed",
		zap.String("test_id", testID),
		zap.String("outcome", string(res.Outcome)),
		zap.Strings("winners", eval.WinnerVariantIDs),
		zap.Int("unscored", len(res.Unscored)),
	)
	e.notify(ctx, test, eval)
	return res, nil
}

// fetchAll fetches every variant in parallel. Failed variants are absent
// from the returned map.
func (e *Engine) fetchAll(ctx context.Context, variants []*store.Variant) map[string]engagement.Metrics {
	snapshots := make([]*engagement.Metrics, len(variants))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, v := range variants {
		g.Go(func() error {
			m, err := e.fetch(ctx, v.PublishedRef)
			if err != nil {
				e.logger.Warn("failed to fetch metrics",
					zap.String("test_id", v.TestID),
					zap.String("variant_id", v.ID),
					zap.String("ref", v.PublishedRef),
					zap.Error(err),
				)
				return nil
			}
			snapshots[i] = &m
			return nil
		})
	}
	g.Wait()

	out := make(map[string]engagement.Metrics, len(variants))
	for i, m := range snapshots {
		if m != nil {
			out[variants[i].ID] = *m
		}
	}
	return out
}

// fetch enforces the per-call timeout even against gateways that ignore
// their context.
func (e *Engine) fetch(ctx context.Context, ref string) (engagement.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	type reply struct {
		m   engagement.Metrics
		err error
	}
	start := time.Now()
	ch := make(chan reply, 1)
	go func() {
		m, err := e.gateway.Fetch(ctx, ref)
		ch <- reply{m, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = fmt.Errorf("%w: %w", engagement.ErrMetricsUnavailable, ctx.Err())
	}
	e.collector.RecordFetch(r.err, time.Since(start))
	return r.m, r.err
}

func (e *Engine) notify(ctx context.Context, test *store.Test, eval store.Evaluation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	c := notify.Completion{
		TestID:           test.ID,
		ProjectID:        test.ProjectID,
		Kind:             string(test.Kind),
		WinnerVariantIDs: eval.WinnerVariantIDs,
		CompletedAt:      eval.CompletedAt,
		SpecialOccasion:  test.SpecialOccasion,
		OccasionType:     test.OccasionType,
		NotifyEmail:      test.NotifyEmail,
	}
	if err := e.dispatcher.Dispatch(ctx, c); err != nil {
		e.logger.Error("failed to dispatch completion", zap.String("test_id", test.ID), zap.Error(err))
	}
}

func variantIDs(vs []*store.Variant) []string {
	ids := make([]string, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.ID)
	}
	return ids
}
