package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/headline-goat/creative-goat/internal/engagement"
)

type Kind string

const (
	KindBanner   Kind = "banner"
	KindCarousel Kind = "carousel"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBanner, KindCarousel:
		return k, nil
	}
	return "", fmt.Errorf("unknown test kind %q (want banner or carousel)", s)
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown test status %q (want running or completed)", s)
}

type Test struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	Kind             Kind       `json:"kind"`
	Status           Status     `json:"status"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Checked          bool       `json:"checked"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	WinnerVariantIDs []string   `json:"winner_variant_ids"`
	PublishedRefs    []string   `json:"published_refs"`
	SpecialOccasion  bool       `json:"special_occasion"`
	OccasionType     string     `json:"occasion_type,omitempty"`
	NotifyEmail      string     `json:"notify_email,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ContentRef is one generated asset of a variant.
type ContentRef struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type Variant struct {
	ID     string `json:"id"`
	TestID string `json:"test_id"`
	// PublishedRef is the platform post id. A batch of images published as
	// one post shares a single ref and its metrics cover the whole group.
	PublishedRef string              `json:"published_ref,omitempty"`
	ContentRefs  []ContentRef        `json:"content_refs"`
	Metrics      *engagement.Metrics `json:"metrics,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (v *Variant) Published() bool {
	return v.PublishedRef != ""
}

type ListFilter struct {
	Status    Status
	ProjectID string
}

// Evaluation is the unit written at the end of one evaluation pass.
// Metrics are keyed by variant id. When Complete is set the test moves to
// completed with the given winners.
type Evaluation struct {
	TestID           string
	Metrics          map[string]engagement.Metrics
	Complete         bool
	WinnerVariantIDs []string
	CompletedAt      time.Time
}

// prepareTest validates a new test and fills the fields owned by the store.
func prepareTest(t *Test, now time.Time) error {
	if t.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return err
	}
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate test id: %w", err)
		}
		t.ID = id.String()
	}

	now = now.UTC().Truncate(time.Millisecond)
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	t.ScheduledAt = t.ScheduledAt.UTC().Truncate(time.Millisecond)
	t.Status = StatusRunning
	t.Checked = false
	t.CompletedAt = nil
	t.WinnerVariantIDs = []string{}
	if t.PublishedRefs == nil {
		t.PublishedRefs = []string{}
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func prepareVariant(v *Variant, now time.Time) error {
	if v.TestID == "" {
		return fmt.Errorf("test id is required")
	}
	if v.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate variant id: %w", err)
		}
		v.ID = id.String()
	}
	if v.ContentRefs == nil {
		v.ContentRefs = []ContentRef{}
	}
	v.Metrics = nil

	now = now.UTC().Truncate(time.Millisecond)
	v.CreatedAt = now
	v.UpdatedAt = now
	return nil
}
