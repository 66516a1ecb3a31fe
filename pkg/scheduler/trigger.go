package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/conveyor/pkg/async"
	"github.com/platinummonkey/conveyor/pkg/events"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/schedules"
)

// Trigger scans for due schedules and enqueues one run per due window.
// Safe to run concurrently on multiple hosts: the queue's idempotency key
// deduplicates windows, and schedule advancement is guarded on the
// previous due time.
type Trigger struct {
	schedules schedules.Store
	queue     queue.Store
	emitter   events.Emitter
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewTrigger creates the trigger service
func NewTrigger(schedStore schedules.Store, queueStore queue.Store, emitter events.Emitter, logger *observability.Logger, metrics *observability.Metrics) *Trigger {
	return &Trigger{
		schedules: schedStore,
		queue:     queueStore,
		emitter:   emitter,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// TriggerResult summarizes one trigger pass
type TriggerResult struct {
	Examined int `json:"examined"`
	Queued   int `json:"queued"`
	Skipped  int `json:"skipped"`
}

// Run executes one trigger pass over at most limit due schedules. A
// schedule whose window already has a non-terminal entry is skipped but
// still advanced, so a completed run is not immediately re-triggered
// within the same window.
func (t *Trigger) Run(ctx context.Context, limit int) (*TriggerResult, error) {
	now := t.now().UTC()

	due, err := t.schedules.Due(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due schedules: %w", err)
	}

	result := &TriggerResult{Examined: len(due)}

	for _, sched := range due {
		log := t.logger.WithFields(map[string]interface{}{
			"schedule_id":   sched.ID,
			"org_id":        sched.OrgID,
			"pipeline_type": sched.PipelineType,
			"window_start":  sched.NextDueAt,
		})

		if t.metrics != nil {
			t.metrics.SchedulesTriggered.Inc()
		}

		entry := &queue.Entry{
			RunID:        uuid.New(),
			OrgID:        sched.OrgID,
			PipelineType: sched.PipelineType,
			Priority:     sched.Priority,
			WindowStart:  sched.NextDueAt.UTC(),
			EnqueuedAt:   now,
			State:        queue.StateQueued,
		}

		inserted, err := t.queue.Enqueue(ctx, entry)
		if err != nil {
			// Leave next_due_at alone so the next pass retries this window
			log.WithError(err).Error("failed to enqueue run, will retry next pass")
			continue
		}

		if inserted {
			result.Queued++
			log.WithField("run_id", entry.RunID.String()).Info("run queued")
			t.emitQueued(ctx, entry)
		} else {
			// A non-terminal entry for this window already exists, either
			// from a concurrent trigger host or an earlier pass.
			result.Skipped++
			if t.metrics != nil {
				t.metrics.SchedulesSkipped.Inc()
			}
			log.Debug("window already queued, skipping")
		}

		next, err := schedules.NextAfter(sched.Cadence, now)
		if err != nil {
			log.WithError(err).Error("invalid cadence, schedule will not advance")
			continue
		}

		// Guarded on the old due time; losing the race to another host
		// means it already advanced, which is fine.
		if err := t.schedules.Advance(ctx, sched.ID, sched.NextDueAt, next); err != nil {
			log.WithError(err).Warn("failed to advance schedule")
		}
	}

	return result, nil
}

func (t *Trigger) emitQueued(ctx context.Context, entry *queue.Entry) {
	event := events.NewEvent(events.EventRunQueued, entry.OrgID, map[string]interface{}{
		"run_id":        entry.RunID.String(),
		"pipeline_type": entry.PipelineType,
		"window_start":  entry.WindowStart,
	})
	async.SafeGoDetached(ctx, t.logger, 10*time.Second, "run.queued webhook", func(ctx context.Context) error {
		return t.emitter.Emit(ctx, event)
	})
}
