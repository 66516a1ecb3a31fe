package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for quota counters and reservations.
// Every mutation must be a single atomic conditional write; workers on
// different hosts share this state, so in-process locking is never enough.
type Store interface {
	// EnsureCounters creates any missing counter rows for the org and rolls
	// over counters whose stored period_start predates the given starts.
	// Rollover resets used to 0 and advances period_start in the same
	// conditional update, so it happens exactly once per period.
	EnsureCounters(ctx context.Context, orgID int64, dailyStart, monthlyStart time.Time) error

	// Counters returns the org's current daily, monthly and concurrency rows.
	// EnsureCounters must have been called for the org first.
	Counters(ctx context.Context, orgID int64) (daily Counter, monthly Counter, conc Concurrency, err error)

	// TryReserve atomically increments the daily, monthly and concurrency
	// counters and mints the reservation, guarded so that no counter can pass
	// the supplied limit. It returns false (and mutates nothing) when a
	// concurrent reservation changed the outcome; the caller re-evaluates.
	TryReserve(ctx context.Context, r Reservation, limits Limits, dailyStart, monthlyStart time.Time) (bool, error)

	// ReleaseReservation deletes the reservation for runID, if present, and
	// decrements the org's concurrency counter, never below zero.
	// released is false when the run was already released (safe no-op);
	// underflow is true when the decrement would have gone negative, which
	// indicates a double-release bug upstream.
	ReleaseReservation(ctx context.Context, runID uuid.UUID) (released bool, orgID int64, underflow bool, err error)

	// Reservations returns the org's live reservations, oldest first.
	Reservations(ctx context.Context, orgID int64) ([]Reservation, error)

	// ResetPeriod rolls every counter of the given kind forward to start,
	// resetting used to 0. Counters already at (or past) start are untouched,
	// which makes an explicit reset idempotent. Returns the number of
	// counters rolled.
	ResetPeriod(ctx context.Context, kind PeriodKind, start time.Time) (int64, error)
}
