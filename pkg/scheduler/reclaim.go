package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/conveyor/pkg/async"
	"github.com/platinummonkey/conveyor/pkg/events"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
)

// Reclaimer fails processing runs whose executor never reported back and
// returns their concurrency slots. The conditional processing -> failed
// transition is what makes reclamation exactly-once: of N hosts sweeping
// the same stale run, only the one whose MarkFailed applies releases the
// reservation.
type Reclaimer struct {
	queue       queue.Store
	quota       quota.Service
	emitter     events.Emitter
	logger      *observability.Logger
	metrics     *observability.Metrics
	parallelism int
	now         func() time.Time
}

// NewReclaimer creates the stale-run reclaimer
func NewReclaimer(queueStore queue.Store, quotaService quota.Service, emitter events.Emitter, logger *observability.Logger, metrics *observability.Metrics, parallelism int) *Reclaimer {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Reclaimer{
		queue:       queueStore,
		quota:       quotaService,
		emitter:     emitter,
		logger:      logger,
		metrics:     metrics,
		parallelism: parallelism,
		now:         time.Now,
	}
}

// ReclaimStale reclaims stale runs for a single org. Called inline by the
// quota service before evaluating a reservation, so leaked slots never
// cause a spurious denial.
func (r *Reclaimer) ReclaimStale(ctx context.Context, orgID int64, olderThan time.Duration) (int, error) {
	return r.reclaim(ctx, orgID, olderThan)
}

// Sweep reclaims stale runs across all orgs. Run periodically.
func (r *Reclaimer) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	return r.reclaim(ctx, 0, olderThan)
}

func (r *Reclaimer) reclaim(ctx context.Context, orgID int64, olderThan time.Duration) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-olderThan)

	stale, err := r.queue.FindStale(ctx, orgID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale runs: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var reclaimed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	for _, entry := range stale {
		entry := entry
		g.Go(func() error {
			ok, err := r.reclaimEntry(gctx, entry, now)
			if err != nil {
				// Keep sweeping; one bad entry must not abort the pass
				r.logger.WithError(err).
					WithField("run_id", entry.RunID.String()).
					Error("failed to reclaim stale run")
				return nil
			}
			if ok {
				atomic.AddInt64(&reclaimed, 1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(reclaimed), err
	}

	return int(reclaimed), nil
}

// reclaimEntry fails one stale entry and releases its reservation.
// Returns false when another actor finalized the run first.
func (r *Reclaimer) reclaimEntry(ctx context.Context, entry *queue.Entry, now time.Time) (bool, error) {
	marked, err := r.queue.MarkFailed(ctx, entry.RunID, queue.ReasonStaleTimeout, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark stale run failed: %w", err)
	}
	if !marked {
		// Completion callback or another sweep won the race
		return false, nil
	}

	if err := r.quota.Release(ctx, entry.RunID, quota.OutcomeFailed); err != nil {
		return false, fmt.Errorf("failed to release reclaimed reservation: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RunsReclaimed.Inc()
	}

	r.logger.WithFields(map[string]interface{}{
		"run_id":        entry.RunID.String(),
		"org_id":        entry.OrgID,
		"pipeline_type": entry.PipelineType,
		"claimed_at":    entry.ClaimedAt,
	}).Warn("reclaimed stale run")

	event := events.NewEvent(events.EventRunReclaimed, entry.OrgID, map[string]interface{}{
		"run_id":        entry.RunID.String(),
		"pipeline_type": entry.PipelineType,
		"reason":        queue.ReasonStaleTimeout,
	})
	async.SafeGoDetached(ctx, r.logger, 10*time.Second, "run.reclaimed webhook", func(ctx context.Context) error {
		return r.emitter.Emit(ctx, event)
	})

	return true, nil
}
