package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. Values are copied in and out so callers
// never share state with the store.
type MemStore struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	tests    map[string]*memTest
	variants map[string]*Variant
}

type memTest struct {
	test       Test
	seq        int64
	variantIDs []string
	leaseOwner string
	leaseUntil time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		now:      time.Now,
		tests:    make(map[string]*memTest),
		variants: make(map[string]*Variant),
	}
}

func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) CreateTest(ctx context.Context, t *Test) error {
	if err := prepareTest(t, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tests[t.ID]; ok {
		return fmt.Errorf("test %s already exists", t.ID)
	}
	s.seq++
	s.tests[t.ID] = &memTest{test: copyTest(t), seq: s.seq}
	return nil
}

func (s *MemStore) GetTest(ctx context.Context, id string) (*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tests[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := copyTest(&mt.test)
	return &t, nil
}

func (s *MemStore) ListTests(ctx context.Context, f ListFilter) ([]*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*memTest, 0, len(s.tests))
	for _, mt := range s.tests {
		if f.Status != "" && mt.test.Status != f.Status {
			continue
		}
		if f.ProjectID != "" && mt.test.ProjectID != f.ProjectID {
			continue
		}
		matched = append(matched, mt)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.test.CreatedAt.Equal(b.test.CreatedAt) {
			return a.test.CreatedAt.After(b.test.CreatedAt)
		}
		return a.seq > b.seq
	})

	tests := make([]*Test, 0, len(matched))
	for _, mt := range matched {
		t := copyTest(&mt.test)
		tests = append(tests, &t)
	}
	return tests, nil
}

func (s *MemStore) DeleteTest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tests[id]
	if !ok {
		return ErrNotFound
	}
	for _, vid := range mt.variantIDs {
		delete(s.variants, vid)
	}
	delete(s.tests, id)
	return nil
}

func (s *MemStore) SelectDueTests(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = cutoff.Truncate(time.Millisecond)
	due := make([]*memTest, 0)
	for _, mt := range s.tests {
		t := mt.test
		if t.Status == StatusRunning && !t.Checked && !t.ScheduledAt.After(cutoff) {
			due = append(due, mt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.test.ScheduledAt.Equal(b.test.ScheduledAt) {
			return a.test.ScheduledAt.Before(b.test.ScheduledAt)
		}
		return a.seq < b.seq
	})

	ids := make([]string, 0, len(due))
	for _, mt := range due {
		ids = append(ids, mt.test.ID)
	}
	return ids, nil
}

func (s *MemStore) AddVariant(ctx context.Context, v *Variant) error {
	if err := prepareVariant(v, s.now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tests[v.TestID]
	if !ok {
		return ErrNotFound
	}
	if mt.test.Status != StatusRunning {
		return ErrAlreadyCompleted
	}
	if mt.leaseOwner != "" && mt.leaseUntil.After(s.now()) {
		return ErrLeaseConflict
	}
	if _, ok := s.variants[v.ID]; ok {
		return fmt.Errorf("variant %s already exists", v.ID)
	}

	cp := copyVariant(v)
	s.variants[v.ID] = &cp
	mt.variantIDs = append(mt.variantIDs, v.ID)
	if v.Published() {
		mt.test.PublishedRefs = append(mt.test.PublishedRefs, v.PublishedRef)
		mt.test.UpdatedAt = v.UpdatedAt
	}
	return nil
}

func (s *MemStore) ListVariants(ctx context.Context, testID string) ([]*Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	variants := []*Variant{}
	mt, ok := s.tests[testID]
	if !ok {
		return variants, nil
	}
	for _, vid := range mt.variantIDs {
		v := copyVariant(s.variants[vid])
		variants = append(variants, &v)
	}
	return variants, nil
}

func (s *MemStore) AcquireLease(ctx context.Context, testID, owner string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tests[testID]
	if !ok {
		return ErrNotFound
	}
	if mt.leaseOwner != "" && mt.leaseUntil.After(now) {
		return ErrLeaseConflict
	}
	mt.leaseOwner = owner
	mt.leaseUntil = now.Add(ttl)
	return nil
}

func (s *MemStore) ReleaseLease(ctx context.Context, testID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mt, ok := s.tests[testID]; ok && mt.leaseOwner == owner {
		mt.leaseOwner = ""
		mt.leaseUntil = time.Time{}
	}
	return nil
}

func (s *MemStore) SaveEvaluation(ctx context.Context, e Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tests[e.TestID]
	if !ok {
		return ErrNotFound
	}
	for vid := range e.Metrics {
		v, ok := s.variants[vid]
		if !ok || v.TestID != e.TestID {
			return fmt.Errorf("variant %s of test %s: %w", vid, e.TestID, ErrNotFound)
		}
	}
	if e.Complete && (mt.test.Status != StatusRunning || mt.test.Checked) {
		return ErrAlreadyCompleted
	}

	// Validation is done; the rest cannot fail, so the write is all or nothing.
	now := s.now().UTC().Truncate(time.Millisecond)
	for vid, m := range e.Metrics {
		m := m
		v := s.variants[vid]
		v.Metrics = &m
		v.UpdatedAt = now
	}
	if e.Complete {
		completedAt := e.CompletedAt.UTC().Truncate(time.Millisecond)
		winners := append([]string{}, e.WinnerVariantIDs...)
		mt.test.Status = StatusCompleted
		mt.test.Checked = true
		mt.test.CompletedAt = &completedAt
		mt.test.WinnerVariantIDs = winners
		mt.test.UpdatedAt = now
	}
	return nil
}

// LeaseOwner reports the current lease holder, if any. Used by tests.
func (s *MemStore) LeaseOwner(testID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mt, ok := s.tests[testID]; ok {
		return mt.leaseOwner
	}
	return ""
}

func copyTest(t *Test) Test {
	cp := *t
	cp.WinnerVariantIDs = append([]string{}, t.WinnerVariantIDs...)
	cp.PublishedRefs = append([]string{}, t.PublishedRefs...)
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return cp
}

func copyVariant(v *Variant) Variant {
	cp := *v
	cp.ContentRefs = append([]ContentRef{}, v.ContentRefs...)
	if v.Metrics != nil {
		m := *v.Metrics
		cp.Metrics = &m
	}
	return cp
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)