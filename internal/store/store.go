package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrLeaseConflict means another owner holds an unexpired lease.
	ErrLeaseConflict = errors.New("lease held by another owner")
	// ErrAlreadyCompleted means a completion write found the test no longer
	// running and unchecked.
	ErrAlreadyCompleted = errors.New("test already completed")
	// ErrUnavailable wraps driver failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Store defines the interface for test and variant storage operations
type Store interface {
	// Test operations
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context, f ListFilter) ([]*Test, error)
	DeleteTest(ctx context.Context, id string) error
	SelectDueTests(ctx context.Context, cutoff time.Time) ([]string, error)

	// Variant operations

	// AddVariant fails with ErrLeaseConflict while an unexpired lease is
	// held on the test.
	AddVariant(ctx context.Context, v *Variant) error
	ListVariants(ctx context.Context, testID string) ([]*Variant, error)

	// Lease operations
	AcquireLease(ctx context.Context, testID, owner string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, testID, owner string) error

	// SaveEvaluation writes metrics and completion state atomically.
	SaveEvaluation(ctx context.Context, e Evaluation) error

	// Lifecycle
	Close() error
}
