package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/conveyor/pkg/observability"
)

// ErrCountersMissing indicates counter rows were read before EnsureCounters ran
var ErrCountersMissing = errors.New("quota counters not initialized for org")

// ErrContention is returned when the conditional reserve failed to apply after
// all retries. Callers should treat it like a transient infra failure and
// retry later; it is not a denial.
var ErrContention = errors.New("quota reservation contention, retry later")

// LimitSource provides per-org plan entitlements. OrgLimits may serve a
// bounded-staleness cached value; Refresh must bypass every cache so a stale
// tighter limit is never the basis for a hard denial.
type LimitSource interface {
	OrgLimits(ctx context.Context, orgID int64) (Limits, error)
	Refresh(ctx context.Context, orgID int64) (Limits, error)
}

// StaleReclaimer frees capacity leaked by crashed or hung runs. Reserve calls
// it scoped to the org being evaluated, so leaked concurrency is not counted
// against a tenant about to be denied.
type StaleReclaimer interface {
	ReclaimStale(ctx context.Context, orgID int64, olderThan time.Duration) (int, error)
}

// Service is the trust boundary between "pipeline wants to run" and
// "pipeline may run"
type Service interface {
	// Reserve atomically checks and claims one unit of daily, monthly and
	// concurrent capacity for runID. A denial is a normal outcome carried in
	// the Decision; errors are infrastructure failures.
	Reserve(ctx context.Context, orgID int64, runID uuid.UUID) (Decision, error)

	// Release returns runID's concurrency slot. Idempotent: releasing a run
	// twice, or a run that was never reserved, is a no-op. Period usage is
	// never refunded regardless of outcome (see RefundOnFailure).
	Release(ctx context.Context, runID uuid.UUID, outcome Outcome) error

	// Snapshot returns an advisory view of the org's quota state.
	Snapshot(ctx context.Context, orgID int64) (*Snapshot, error)

	// ResetDaily and ResetMonthly explicitly roll every counter of the kind
	// into the current period. Idempotent if already rolled over.
	ResetDaily(ctx context.Context) (int64, error)
	ResetMonthly(ctx context.Context) (int64, error)
}

// Options tunes the reservation service
type Options struct {
	// MaxRetries bounds re-evaluation attempts after a conditional update
	// loses a race.
	MaxRetries int
	// RetryBackoff is the base backoff between attempts; it doubles each
	// attempt.
	RetryBackoff time.Duration
	// StaleTimeout is how long a claimed run may go without a completion
	// callback before the inline reclaim treats it as leaked.
	StaleTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 25 * time.Millisecond
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 30 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type service struct {
	store     Store
	limits    LimitSource
	reclaimer StaleReclaimer
	logger    *observability.Logger
	metrics   *observability.Metrics
	opts      Options
}

// NewService creates the quota reservation service. The stale reclaimer is
// wired separately via SetReclaimer because it lives above this package and
// needs the service for releases.
func NewService(store Store, limits LimitSource, logger *observability.Logger, metrics *observability.Metrics, opts Options) Service {
	opts.withDefaults()
	return &service{
		store:   store,
		limits:  limits,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// SetReclaimer wires the inline stale-reclaim hook. Safe to leave unset; the
// periodic sweep still covers leaked capacity.
func (s *service) SetReclaimer(r StaleReclaimer) {
	s.reclaimer = r
}

// ReclaimerSetter is implemented by services that accept an inline reclaimer
type ReclaimerSetter interface {
	SetReclaimer(StaleReclaimer)
}

func (s *service) Reserve(ctx context.Context, orgID int64, runID uuid.UUID) (Decision, error) {
	now := s.opts.Now().UTC()
	log := s.logger.WithField("org_id", orgID).WithField("run_id", runID.String())

	limits, err := s.limits.OrgLimits(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load org limits: %w", err)
	}

	// Free leaked concurrency before evaluating, so a tenant is never denied
	// because of a crashed run the sweep has not reached yet.
	if s.reclaimer != nil {
		if n, err := s.reclaimer.ReclaimStale(ctx, orgID, s.opts.StaleTimeout); err != nil {
			log.WithError(err).Warn("inline stale reclaim failed, continuing with reservation")
		} else if n > 0 {
			log.WithField("reclaimed", n).Info("reclaimed stale runs before reservation")
		}
	}

	dailyStart := PeriodStart(PeriodDaily, now)
	monthlyStart := PeriodStart(PeriodMonthly, now)
	if err := s.store.EnsureCounters(ctx, orgID, dailyStart, monthlyStart); err != nil {
		return Decision{}, fmt.Errorf("failed to ensure quota counters: %w", err)
	}

	refreshed := false
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		daily, monthly, conc, err := s.store.Counters(ctx, orgID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read quota counters: %w", err)
		}

		denial := evaluate(daily, monthly, conc, limits, now)
		if denial != nil {
			// The cached limit may be stale and tighter than the tenant's
			// paid entitlement. Re-fetch once before a hard deny.
			if !refreshed {
				refreshed = true
				if fresh, err := s.limits.Refresh(ctx, orgID); err != nil {
					log.WithError(err).Warn("limit refresh on denial failed, using cached limits")
				} else if fresh != limits {
					limits = fresh
					continue
				}
			}
			s.countDenial(denial.Reason)
			log.WithField("reason", string(denial.Reason)).Info("reservation denied")
			return *denial, nil
		}

		ok, err := s.store.TryReserve(ctx, Reservation{RunID: runID, OrgID: orgID, CreatedAt: now}, limits, dailyStart, monthlyStart)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to apply reservation: %w", err)
		}
		if ok {
			if s.metrics != nil {
				s.metrics.ReservationsGranted.Inc()
			}
			return Decision{Granted: true}, nil
		}

		// A concurrent reservation changed the outcome. Back off and
		// re-evaluate rather than assume either result.
		if err := sleepContext(ctx, s.opts.RetryBackoff<<uint(attempt)); err != nil {
			return Decision{}, err
		}
	}

	log.Warn("reservation contention exhausted retries")
	return Decision{}, ErrContention
}

// evaluate applies the fixed denial order: concurrency, then daily, then monthly
func evaluate(daily, monthly Counter, conc Concurrency, limits Limits, now time.Time) *Decision {
	if conc.Running >= limits.Concurrent {
		return &Decision{Reason: DenialConcurrencyExceeded, Used: conc.Running, Limit: limits.Concurrent}
	}
	if daily.Used >= limits.Daily {
		return &Decision{Reason: DenialDailyExceeded, Used: daily.Used, Limit: limits.Daily, ResetsAt: NextReset(PeriodDaily, now)}
	}
	if monthly.Used >= limits.Monthly {
		return &Decision{Reason: DenialMonthlyExceeded, Used: monthly.Used, Limit: limits.Monthly, ResetsAt: NextReset(PeriodMonthly, now)}
	}
	return nil
}

func (s *service) Release(ctx context.Context, runID uuid.UUID, outcome Outcome) error {
	released, orgID, underflow, err := s.store.ReleaseReservation(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	if !released {
		// Already released: a late completion racing with stale reclamation,
		// or a repeated callback. Both are expected.
		s.logger.WithField("run_id", runID.String()).Debug("release for unknown reservation, ignoring")
		return nil
	}
	if underflow {
		// Invariant violation: the slot was already gone. Clamp and stay
		// live; one tenant's corrupted bookkeeping must not take the
		// subsystem down.
		s.logger.WithField("run_id", runID.String()).
			WithField("org_id", orgID).
			Error("concurrent_running underflow on release, clamped at zero")
	}
	if s.metrics != nil {
		s.metrics.ReservationsReleased.WithLabelValues(string(outcome)).Inc()
	}
	return nil
}

func (s *service) Snapshot(ctx context.Context, orgID int64) (*Snapshot, error) {
	now := s.opts.Now().UTC()
	limits, err := s.limits.OrgLimits(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load org limits: %w", err)
	}
	if err := s.store.EnsureCounters(ctx, orgID, PeriodStart(PeriodDaily, now), PeriodStart(PeriodMonthly, now)); err != nil {
		return nil, fmt.Errorf("failed to ensure quota counters: %w", err)
	}
	daily, monthly, conc, err := s.store.Counters(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota counters: %w", err)
	}
	return &Snapshot{
		OrgID:      orgID,
		Daily:      PeriodUsage{Used: daily.Used, Limit: limits.Daily, ResetsAt: NextReset(PeriodDaily, now)},
		Monthly:    PeriodUsage{Used: monthly.Used, Limit: limits.Monthly, ResetsAt: NextReset(PeriodMonthly, now)},
		Concurrent: ConcurrentUsage{Running: conc.Running, Limit: limits.Concurrent},
	}, nil
}

func (s *service) ResetDaily(ctx context.Context) (int64, error) {
	return s.store.ResetPeriod(ctx, PeriodDaily, PeriodStart(PeriodDaily, s.opts.Now().UTC()))
}

func (s *service) ResetMonthly(ctx context.Context) (int64, error) {
	return s.store.ResetPeriod(ctx, PeriodMonthly, PeriodStart(PeriodMonthly, s.opts.Now().UTC()))
}

func (s *service) countDenial(reason DenialReason) {
	if s.metrics != nil {
		s.metrics.ReservationsDenied.WithLabelValues(string(reason)).Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
