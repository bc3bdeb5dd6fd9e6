// Package lease keeps two evaluators from working on the same test at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/headline-goat/creative-goat/internal/store"
)

// ErrConflict is returned when another holder owns a live lease on the test.
var ErrConflict = errors.New("test is leased by another evaluator")

const DefaultTTL = 5 * time.Minute

type Lease interface {
	Owner() string
	Release(ctx context.Context) error
}

type Leaser interface {
	Acquire(ctx context.Context, testID string) (Lease, error)
}

func newOwner() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate lease owner: %w", err)
	}
	return id.String(), nil
}

// StoreLeaser keeps the lease on the test row itself.
type StoreLeaser struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewStoreLeaser(s store.Store, ttl time.Duration) *StoreLeaser {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreLeaser{store: s, ttl: ttl, now: time.Now}
}

// WithClock replaces the clock used to stamp lease expiry.
func (l *StoreLeaser) WithClock(now func() time.Time) *StoreLeaser {
	l.now = now
	return l
}

func (l *StoreLeaser) Acquire(ctx context.Context, testID string) (Lease, error) {
	owner, err := newOwner()
	if err != nil {
		return nil, err
	}
	err = l.store.AcquireLease(ctx, testID, owner, l.now(), l.ttl)
	if errors.Is(err, store.ErrLeaseConflict) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &storeLease{store: l.store, testID: testID, owner: owner}, nil
}

type storeLease struct {
	store  store.Store
	testID string
	owner  string
}

func (l *storeLease) Owner() string {
	return l.owner
}

func (l *storeLease) Release(ctx context.Context) error {
	return l.store.ReleaseLease(ctx, l.testID, l.owner)
}
