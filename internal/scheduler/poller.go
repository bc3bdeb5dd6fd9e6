// Package scheduler triggers evaluation passes on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/logging"
)

const DefaultInterval = 15 * time.Minute

// ErrPassInProgress is returned by RunOnce while another pass is running in
// this process.
var ErrPassInProgress = errors.New("evaluation pass already in progress")

type Runner interface {
	RunPass(ctx context.Context, now time.Time) ([]engine.Result, error)
}

type Poller struct {
	runner   Runner
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

type Option func(*Poller)

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) { p.logger = logging.Component(l, "scheduler") }
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func NewPoller(r Runner, interval time.Duration, opts ...Option) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		runner:   r,
		interval: interval,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOnce runs a single pass at the poller's clock.
func (p *Poller) RunOnce(ctx context.Context) ([]engine.Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer p.running.Store(false)

	now := p.now()
	start := time.Now()
	results, err := p.runner.RunPass(ctx, now)
	if err != nil {
		p.logger.Error("evaluation pass failed", zap.Error(err), zap.Int("evaluated", len(results)))
		return results, err
	}

	summary := engine.Summarize(results)
	p.logger.Info("evaluation pass finished",
		zap.Time("now", now),
		zap.Duration("took", time.Since(start)),
		zap.Int("evaluated", len(results)),
		zap.Int("completed", summary[engine.OutcomeCompleted]),
		zap.Int("no_variants", summary[engine.OutcomeNoVariants]),
		zap.Int("retry", summary[engine.OutcomeRetry]),
		zap.Int("skipped", summary[engine.OutcomeSkipped]),
		zap.Int("failed", summary[engine.OutcomeFailed]),
	)
	return results, nil
}

// Run starts a pass immediately and then on every tick until ctx is done.
// A tick that fires while a pass is still running is dropped. Run waits for
// the in-flight pass before returning.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.logger.Info("scheduler started", zap.Duration("interval", p.interval))
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.running.Load() {
		p.logger.Warn("previous pass still running, skipping tick")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.RunOnce(ctx); errors.Is(err, ErrPassInProgress) {
			p.logger.Warn("previous pass still running, skipping tick")
		}
	}()
}
