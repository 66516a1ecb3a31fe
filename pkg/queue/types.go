// Package queue is the durable execution queue: a table of pipeline runs with
// a small state machine. Entries are created queued, move to processing via an
// atomic claim, and end completed or failed. Terminal entries are never
// resurrected.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is a queue entry's lifecycle state
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ReasonStaleTimeout marks entries failed by stale reclamation rather than an
// executor callback
const ReasonStaleTimeout = "stale_timeout"

// ErrNotFound is returned when no entry exists for a run ID
var ErrNotFound = errors.New("queue entry not found")

// Entry is one unit of queued work. The (OrgID, PipelineType, WindowStart)
// triple is the idempotency key: at most one non-terminal entry may exist for
// it, which is what prevents duplicate triggering within a due window.
type Entry struct {
	RunID         uuid.UUID  `json:"run_id"`
	OrgID         int64      `json:"org_id"`
	PipelineType  string     `json:"pipeline_type"`
	Priority      int        `json:"priority"`
	WindowStart   time.Time  `json:"window_start"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	State         State      `json:"state"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Store is the persistence contract for the execution queue. State
// transitions are conditional writes guarded on the current state, so
// concurrent workers on different hosts cannot double-claim or resurrect
// entries.
type Store interface {
	// Enqueue inserts the entry. Returns false, mutating nothing, when a
	// non-terminal entry already exists for the same idempotency key.
	Enqueue(ctx context.Context, e *Entry) (bool, error)

	// Claim atomically transitions up to limit queued entries to processing,
	// ordered by priority descending then enqueue time ascending, and
	// returns them. Two concurrent claims can never return the same entry.
	Claim(ctx context.Context, limit int, now time.Time) ([]*Entry, error)

	// Get returns the entry for runID, or ErrNotFound.
	Get(ctx context.Context, runID uuid.UUID) (*Entry, error)

	// Requeue reverts a processing entry to queued, clearing its claim.
	// Used when a reservation is denied transiently.
	Requeue(ctx context.Context, runID uuid.UUID) error

	// MarkCompleted transitions processing -> completed. Returns false when
	// the entry was not processing (already terminal, or never claimed).
	MarkCompleted(ctx context.Context, runID uuid.UUID, now time.Time) (bool, error)

	// MarkFailed transitions processing|queued -> failed with a reason.
	// Returns false when the entry was already terminal.
	MarkFailed(ctx context.Context, runID uuid.UUID, reason string, now time.Time) (bool, error)

	// CountProcessing returns the number of entries currently processing
	// across all orgs.
	CountProcessing(ctx context.Context) (int, error)

	// FindStale returns processing entries claimed before cutoff. orgID 0
	// means all orgs.
	FindStale(ctx context.Context, orgID int64, cutoff time.Time) ([]*Entry, error)
}
