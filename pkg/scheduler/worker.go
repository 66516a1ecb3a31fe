package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/conveyor/pkg/async"
	"github.com/platinummonkey/conveyor/pkg/events"
	"github.com/platinummonkey/conveyor/pkg/executor"
	"github.com/platinummonkey/conveyor/pkg/observability"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
)

// Worker drains the execution queue: it claims batches of queued entries,
// admits each through quota reservation, and hands admitted runs to the
// executor. The claim is atomic per entry, so multiple workers on
// different hosts never start the same run twice.
type Worker struct {
	queue      queue.Store
	quota      quota.Service
	dispatcher executor.Dispatcher
	emitter    events.Emitter
	logger     *observability.Logger
	metrics    *observability.Metrics
	opts       WorkerOptions
	now        func() time.Time
}

// WorkerOptions tunes the drain loop
type WorkerOptions struct {
	// DispatchTimeout bounds the async handoff of one run to the executor
	DispatchTimeout time.Duration

	// GlobalConcurrency caps processing runs across all orgs; per-org
	// caps are the quota service's job
	GlobalConcurrency int

	// TimeBudget bounds one ProcessQueue pass so it finishes under the
	// invoking trigger's own timeout
	TimeBudget time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.GlobalConcurrency <= 0 {
		o.GlobalConcurrency = 100
	}
	if o.TimeBudget <= 0 {
		o.TimeBudget = 50 * time.Second
	}
	return o
}

// NewWorker creates the queue worker
func NewWorker(queueStore queue.Store, quotaService quota.Service, dispatcher executor.Dispatcher, emitter events.Emitter, logger *observability.Logger, metrics *observability.Metrics, opts WorkerOptions) *Worker {
	return &Worker{
		queue:      queueStore,
		quota:      quotaService,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
		metrics:    metrics,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}
}

// ProcessResult summarizes one queue drain pass
type ProcessResult struct {
	Claimed     int         `json:"claimed"`
	Started     int         `json:"started"`
	Requeued    int         `json:"requeued"`
	Failed      int         `json:"failed"`
	StartedRuns []uuid.UUID `json:"started_runs"`
}

// ProcessQueue drains the execution queue in a bounded loop. Each
// iteration claims up to limit queued entries, capped by the remaining
// global concurrency headroom, and admits each through quota
// reservation. Transient denials (concurrency full, reservation
// contention) requeue the entry for a later pass; period denials fail
// it, because daily and monthly capacity will not return within the
// window. The pass ends when the queue is empty, the headroom is gone,
// the time budget is spent, or an iteration only requeued.
func (w *Worker) ProcessQueue(ctx context.Context, limit int) (*ProcessResult, error) {
	start := w.now()
	result := &ProcessResult{StartedRuns: []uuid.UUID{}}

	for {
		if w.now().Sub(start) >= w.opts.TimeBudget {
			w.logger.WithField("claimed", result.Claimed).Warn("drain pass stopped at time budget")
			break
		}

		processing, err := w.queue.CountProcessing(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count processing runs: %w", err)
		}
		available := w.opts.GlobalConcurrency - processing
		if available <= 0 {
			break
		}

		batch := limit
		if batch > available {
			batch = available
		}
		entries, err := w.queue.Claim(ctx, batch, w.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to claim queue entries: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		result.Claimed += len(entries)
		if w.metrics != nil {
			w.metrics.EntriesClaimed.Add(float64(len(entries)))
		}

		startedBefore, failedBefore := result.Started, result.Failed
		for _, entry := range entries {
			w.processEntry(ctx, entry, result)
		}
		if result.Started == startedBefore && result.Failed == failedBefore {
			// Every claim went back on a transient denial; quota will not
			// clear within this pass.
			break
		}
	}

	w.updateProcessingGauge(ctx)
	return result, nil
}

func (w *Worker) processEntry(ctx context.Context, entry *queue.Entry, result *ProcessResult) {
	log := w.logger.WithFields(map[string]interface{}{
		"run_id":        entry.RunID.String(),
		"org_id":        entry.OrgID,
		"pipeline_type": entry.PipelineType,
	})

	decision, err := w.quota.Reserve(ctx, entry.OrgID, entry.RunID)
	if err != nil {
		// Infrastructure failure or exhausted contention retries. The run
		// itself is fine; put it back for the next pass.
		log.WithError(err).Warn("reservation errored, requeueing entry")
		w.requeue(ctx, entry, result, log)
		return
	}

	if !decision.Granted {
		if decision.Reason.Transient() {
			// Concurrency clears as runs finish; try again next pass.
			log.WithField("reason", string(decision.Reason)).Debug("transient denial, requeueing entry")
			w.requeue(ctx, entry, result, log)
			return
		}

		// Daily or monthly capacity is gone until rollover. Fail the entry
		// so the queue does not churn on it for the rest of the period.
		if _, err := w.queue.MarkFailed(ctx, entry.RunID, string(decision.Reason), w.now().UTC()); err != nil {
			log.WithError(err).Error("failed to mark denied entry failed")
		}
		result.Failed++
		log.WithField("reason", string(decision.Reason)).Info("run denied by quota")
		w.emitLifecycle(ctx, events.EventRunDenied, entry, string(decision.Reason))
		return
	}

	w.dispatch(ctx, entry, log)
	result.Started++
	result.StartedRuns = append(result.StartedRuns, entry.RunID)
	if w.metrics != nil {
		w.metrics.PipelinesStarted.Inc()
	}
	w.emitLifecycle(ctx, events.EventRunStarted, entry, "")
}

// dispatch hands the run to the executor without holding up the drain
// pass. The entry is already processing and holds a reservation; if the
// handoff fails, both are rolled back so the run retries cleanly.
func (w *Worker) dispatch(ctx context.Context, entry *queue.Entry, log *observability.Logger) {
	run := executor.RunDescriptor{
		RunID:        entry.RunID,
		OrgID:        entry.OrgID,
		PipelineType: entry.PipelineType,
		WindowStart:  entry.WindowStart,
		Priority:     entry.Priority,
	}

	async.SafeGoDetached(ctx, w.logger, w.opts.DispatchTimeout, "run dispatch", func(ctx context.Context) error {
		if err := w.dispatcher.Dispatch(ctx, run); err != nil {
			log.WithError(err).Warn("dispatch failed, requeueing run")
			if relErr := w.quota.Release(ctx, run.RunID, quota.OutcomeFailed); relErr != nil {
				log.WithError(relErr).Error("failed to release reservation after dispatch failure")
			}
			if reqErr := w.queue.Requeue(ctx, run.RunID); reqErr != nil {
				log.WithError(reqErr).Error("failed to requeue run after dispatch failure")
			}
			return err
		}
		log.Info("run dispatched")
		return nil
	})
}

func (w *Worker) requeue(ctx context.Context, entry *queue.Entry, result *ProcessResult, log *observability.Logger) {
	if err := w.queue.Requeue(ctx, entry.RunID); err != nil {
		log.WithError(err).Error("failed to requeue entry")
		return
	}
	result.Requeued++
	if w.metrics != nil {
		w.metrics.EntriesRequeued.Inc()
	}
}

// RunNow admits an on-demand run outside the schedule cadence. Admission
// happens before the entry exists, so a denied request leaves no queue
// residue; a granted one inserts the entry already processing and
// dispatches it.
func (w *Worker) RunNow(ctx context.Context, orgID int64, pipelineType string, priority int) (*queue.Entry, quota.Decision, error) {
	runID := uuid.New()
	log := w.logger.WithFields(map[string]interface{}{
		"run_id":        runID.String(),
		"org_id":        orgID,
		"pipeline_type": pipelineType,
	})

	decision, err := w.quota.Reserve(ctx, orgID, runID)
	if err != nil {
		return nil, quota.Decision{}, err
	}
	if !decision.Granted {
		log.WithField("reason", string(decision.Reason)).Info("on-demand run denied by quota")
		return nil, decision, nil
	}

	now := w.now().UTC()
	claimedAt := now
	entry := &queue.Entry{
		RunID:        runID,
		OrgID:        orgID,
		PipelineType: pipelineType,
		Priority:     priority,
		WindowStart:  now,
		EnqueuedAt:   now,
		State:        queue.StateProcessing,
		ClaimedAt:    &claimedAt,
	}

	inserted, err := w.queue.Enqueue(ctx, entry)
	if err != nil || !inserted {
		// The reservation is already held; give the slot back before
		// reporting failure.
		if relErr := w.quota.Release(ctx, runID, quota.OutcomeFailed); relErr != nil {
			log.WithError(relErr).Error("failed to release reservation after enqueue failure")
		}
		if err != nil {
			return nil, quota.Decision{}, fmt.Errorf("failed to record on-demand run: %w", err)
		}
		return nil, quota.Decision{}, fmt.Errorf("on-demand run collided with an existing window")
	}

	w.dispatch(ctx, entry, log)
	if w.metrics != nil {
		w.metrics.PipelinesStarted.Inc()
	}
	w.emitLifecycle(ctx, events.EventRunStarted, entry, "")
	w.updateProcessingGauge(ctx)
	log.Info("on-demand run started")
	return entry, decision, nil
}

// Complete records an executor completion callback: it finalizes the
// queue entry and releases the run's concurrency slot. Idempotent; a
// repeated callback or one racing stale reclamation is a no-op.
func (w *Worker) Complete(ctx context.Context, runID uuid.UUID, outcome quota.Outcome, reason string) error {
	now := w.now().UTC()
	log := w.logger.WithField("run_id", runID.String()).WithField("outcome", string(outcome))

	entry, err := w.queue.Get(ctx, runID)
	if err != nil {
		return err
	}

	var marked bool
	switch outcome {
	case quota.OutcomeCompleted:
		marked, err = w.queue.MarkCompleted(ctx, runID, now)
	default:
		if reason == "" {
			reason = "executor_reported_failure"
		}
		marked, err = w.queue.MarkFailed(ctx, runID, reason, now)
	}
	if err != nil {
		return fmt.Errorf("failed to finalize queue entry: %w", err)
	}
	if !marked {
		// Already terminal: repeated callback, or the reclaimer got here
		// first. Release below is idempotent either way.
		log.Debug("completion for non-processing entry, state unchanged")
	}

	if err := w.quota.Release(ctx, runID, outcome); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	if marked {
		if w.metrics != nil {
			w.metrics.RunsCompleted.WithLabelValues(string(outcome)).Inc()
		}
		eventType := events.EventRunCompleted
		if outcome != quota.OutcomeCompleted {
			eventType = events.EventRunFailed
		}
		w.emitLifecycle(ctx, eventType, entry, reason)
		log.Info("run finalized")
	}

	w.updateProcessingGauge(ctx)
	return nil
}

func (w *Worker) emitLifecycle(ctx context.Context, eventType events.EventType, entry *queue.Entry, reason string) {
	data := map[string]interface{}{
		"run_id":        entry.RunID.String(),
		"pipeline_type": entry.PipelineType,
		"window_start":  entry.WindowStart,
	}
	if reason != "" {
		data["reason"] = reason
	}
	event := events.NewEvent(eventType, entry.OrgID, data)
	async.SafeGoDetached(ctx, w.logger, 10*time.Second, string(eventType)+" webhook", func(ctx context.Context) error {
		return w.emitter.Emit(ctx, event)
	})
}

func (w *Worker) updateProcessingGauge(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if n, err := w.queue.CountProcessing(ctx); err == nil {
		w.metrics.ProcessingRuns.Set(float64(n))
	}
}
