package engagement

import (
	"context"
	"errors"
	"time"
)

// ErrMetricsUnavailable is returned when counters for a published reference
// cannot be fetched: platform unreachable, invalid reference or timeout.
var ErrMetricsUnavailable = errors.New("metrics unavailable")

// Counts are the raw engagement counters reported by the platform.
type Counts struct {
	Likes    int64 `json:"likes"`
	Comments int64 `json:"comments"`
	Shares   int64 `json:"shares"`
	Reach    int64 `json:"reach"`
}

// Interactions is likes + comments + shares.
func (c Counts) Interactions() int64 {
	return c.Likes + c.Comments + c.Shares
}

// Metrics is one snapshot of a published content unit.
type Metrics struct {
	Counts
	EngagementScore float64   `json:"engagement_score"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Gateway fetches engagement metrics for a published reference.
type Gateway interface {
	Fetch(ctx context.Context, ref string) (Metrics, error)
}
