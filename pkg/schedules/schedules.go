// Package schedules provides read/advance access to the pipeline schedule
// descriptors. Schedules are owned by an external configuration system; this
// package only decides what is due and moves the due pointer forward.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNotFound is returned when no schedule exists for an ID
var ErrNotFound = errors.New("schedule not found")

// Schedule describes one recurring pipeline for one org
type Schedule struct {
	ID           int64     `json:"id"`
	OrgID        int64     `json:"org_id"`
	PipelineType string    `json:"pipeline_type"`
	Cadence      string    `json:"cadence"`
	Priority     int       `json:"priority"`
	NextDueAt    time.Time `json:"next_due_at"`
	Enabled      bool      `json:"enabled"`
}

// Store is the persistence contract for schedules
type Store interface {
	// Due returns enabled schedules with next_due_at <= now, ordered by
	// next_due_at ascending, capped at limit.
	Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)

	// Advance moves a schedule's next_due_at forward. Guarded on the
	// previous due time so concurrent trigger batches advance it once.
	Advance(ctx context.Context, id int64, from, to time.Time) error

	// Get returns the schedule for id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Schedule, error)

	// Create inserts a schedule and sets its ID.
	Create(ctx context.Context, s *Schedule) error
}

var cadenceParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCadence validates a standard 5-field cron cadence
func ParseCadence(cadence string) (cron.Schedule, error) {
	sched, err := cadenceParser.Parse(cadence)
	if err != nil {
		return nil, fmt.Errorf("invalid cadence %q: %w", cadence, err)
	}
	return sched, nil
}

// NextAfter computes the next due time strictly after now, skipping any
// missed windows (a schedule that was down for three hours fires once, not
// three times)
func NextAfter(cadence string, now time.Time) (time.Time, error) {
	sched, err := ParseCadence(cadence)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now.UTC()), nil
}
