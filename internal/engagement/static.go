package engagement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticGateway serves counters from memory. Unknown references fail with
// ErrMetricsUnavailable.
type StaticGateway struct {
	mu     sync.Mutex
	scorer Scorer
	counts map[string]Counts
	errs   map[string]error
	block  map[string]bool
	calls  map[string]int
	now    func() time.Time
}

func NewStaticGateway(scorer Scorer) *StaticGateway {
	return &StaticGateway{
		scorer: scorer,
		counts: make(map[string]Counts),
		errs:   make(map[string]error),
		block:  make(map[string]bool),
		calls:  make(map[string]int),
		now:    time.Now,
	}
}

// Set registers counters for ref and clears any failure registered for it.
func (g *StaticGateway) Set(ref string, c Counts) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[ref] = c
	delete(g.errs, ref)
	delete(g.block, ref)
}

// Fail makes every fetch of ref return err.
func (g *StaticGateway) Fail(ref string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[ref] = err
}

// Hang makes fetches of ref block until the caller's context is done.
func (g *StaticGateway) Hang(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.block[ref] = true
}

// Calls reports how many times ref was fetched.
func (g *StaticGateway) Calls(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[ref]
}

func (g *StaticGateway) Fetch(ctx context.Context, ref string) (Metrics, error) {
	g.mu.Lock()
	g.calls[ref]++
	c, ok := g.counts[ref]
	err := g.errs[ref]
	hang := g.block[ref]
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return Metrics{}, fmt.Errorf("%w: %v", ErrMetricsUnavailable, ctx.Err())
	}
	if err != nil {
		return Metrics{}, err
	}
	if !ok {
		return Metrics{}, fmt.Errorf("%w: unknown reference %q", ErrMetricsUnavailable, ref)
	}
	return Metrics{Counts: c, EngagementScore: g.scorer.Score(c), FetchedAt: g.now().UTC()}, nil
}
