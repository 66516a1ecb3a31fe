package quota

import (
	"time"

	"github.com/google/uuid"
)

// PeriodKind identifies a usage accounting period
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodMonthly PeriodKind = "monthly"
)

// RefundOnFailure controls whether a failed or reclaimed run gives back its
// daily/monthly usage count. Usage counts admissions, not completions, so a
// crashed run still spends quota. Concurrency slots are always released.
const RefundOnFailure = false

// PeriodStart returns the UTC start of the period containing t
func PeriodStart(kind PeriodKind, t time.Time) time.Time {
	t = t.UTC()
	switch kind {
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// NextReset returns the UTC instant at which the period containing t rolls over
func NextReset(kind PeriodKind, t time.Time) time.Time {
	start := PeriodStart(kind, t)
	if kind == PeriodMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Limits holds an organization's plan entitlements
type Limits struct {
	Daily      int `json:"daily"`
	Monthly    int `json:"monthly"`
	Concurrent int `json:"concurrent"`
}

// Counter is a per-org, per-period usage counter row
type Counter struct {
	OrgID       int64      `json:"org_id"`
	Period      PeriodKind `json:"period"`
	Used        int        `json:"used"`
	PeriodStart time.Time  `json:"period_start"`
	Version     int64      `json:"version"`
}

// Concurrency is the per-org running-pipelines counter row
type Concurrency struct {
	OrgID   int64 `json:"org_id"`
	Running int   `json:"running"`
	Version int64 `json:"version"`
}

// Reservation records that a run currently holds one concurrency slot and has
// been counted once against the org's period usage. Its presence is what makes
// Release idempotent.
type Reservation struct {
	RunID     uuid.UUID `json:"run_id"`
	OrgID     int64     `json:"org_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DenialReason explains why a reservation was refused
type DenialReason string

const (
	DenialDailyExceeded       DenialReason = "daily_exceeded"
	DenialMonthlyExceeded     DenialReason = "monthly_exceeded"
	DenialConcurrencyExceeded DenialReason = "concurrency_exceeded"
)

// Transient reports whether retrying the denied reservation later in the same
// period can succeed. Concurrency denials clear as runs finish; period denials
// only clear at rollover.
func (r DenialReason) Transient() bool {
	return r == DenialConcurrencyExceeded
}

// Decision is the outcome of a Reserve call. A denial is an expected result,
// not an error.
type Decision struct {
	Granted  bool         `json:"granted"`
	Reason   DenialReason `json:"reason,omitempty"`
	Used     int          `json:"used,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	ResetsAt time.Time    `json:"resets_at,omitempty"`
}

// Outcome is how a run finished
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// PeriodUsage is a read-only view of one counter for dashboards and the quota API
type PeriodUsage struct {
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resets_at"`
}

// ConcurrentUsage is a read-only view of the concurrency counter
type ConcurrentUsage struct {
	Running int `json:"running"`
	Limit   int `json:"limit"`
}

// Snapshot is an advisory view of an org's quota state. It must never be used
// for admission decisions; Reserve is the only admission path.
type Snapshot struct {
	OrgID      int64           `json:"org_id"`
	Daily      PeriodUsage     `json:"daily"`
	Monthly    PeriodUsage     `json:"monthly"`
	Concurrent ConcurrentUsage `json:"concurrent"`
}
