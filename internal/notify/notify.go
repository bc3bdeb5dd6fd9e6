// Package notify tells downstream systems that a test has been decided.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/headline-goat/creative-goat/internal/logging"
)

// Completion describes a test that just moved to completed.
type Completion struct {
	TestID           string    `json:"test_id"`
	ProjectID        string    `json:"project_id"`
	Kind             string    `json:"kind"`
	WinnerVariantIDs []string  `json:"winner_variant_ids"`
	CompletedAt      time.Time `json:"completed_at"`
	SpecialOccasion  bool      `json:"special_occasion"`
	OccasionType     string    `json:"occasion_type,omitempty"`
	NotifyEmail      string    `json:"notify_email,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, c Completion) error
}

// Nop drops every completion.
type Nop struct{}

func (Nop) Dispatch(context.Context, Completion) error { return nil }

type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logging.Component(logger, "notify")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, c Completion) error {
	d.logger.Info("test completed",
		zap.String("test_id", c.TestID),
		zap.String("project_id", c.ProjectID),
		zap.Strings("winners", c.WinnerVariantIDs),
		zap.Time("completed_at", c.CompletedAt),
		zap.Bool("special_occasion", c.SpecialOccasion),
	)
	return nil
}

// Multi sends every completion to all dispatchers, even when some fail.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, c Completion) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
