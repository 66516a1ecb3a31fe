package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/conveyor/pkg/events"
	"github.com/platinummonkey/conveyor/pkg/executor"
	"github.com/platinummonkey/conveyor/pkg/queue"
	"github.com/platinummonkey/conveyor/pkg/quota"
)

// mockQuotaService records releases and delegates Reserve to a func field,
// granting by default.
type mockQuotaService struct {
	mu          sync.Mutex
	reserveFunc func(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error)
	releases    []quota.Outcome
}

func (m *mockQuotaService) Reserve(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error) {
	if m.reserveFunc != nil {
		return m.reserveFunc(ctx, orgID, runID)
	}
	return quota.Decision{Granted: true}, nil
}

func (m *mockQuotaService) Release(ctx context.Context, runID uuid.UUID, outcome quota.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, outcome)
	return nil
}

func (m *mockQuotaService) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.releases)
}

func (m *mockQuotaService) Snapshot(ctx context.Context, orgID int64) (*quota.Snapshot, error) {
	return &quota.Snapshot{OrgID: orgID}, nil
}

func (m *mockQuotaService) ResetDaily(ctx context.Context) (int64, error)   { return 0, nil }
func (m *mockQuotaService) ResetMonthly(ctx context.Context) (int64, error) { return 0, nil }

// mockDispatcher records dispatched runs and delegates to a func field.
type mockDispatcher struct {
	mu           sync.Mutex
	dispatchFunc func(ctx context.Context, run executor.RunDescriptor) error
	runs         []executor.RunDescriptor
}

func (m *mockDispatcher) Dispatch(ctx context.Context, run executor.RunDescriptor) error {
	m.mu.Lock()
	m.runs = append(m.runs, run)
	m.mu.Unlock()
	if m.dispatchFunc != nil {
		return m.dispatchFunc(ctx, run)
	}
	return nil
}

func (m *mockDispatcher) dispatched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func enqueueRuns(t *testing.T, store queue.Store, n int, now time.Time) []*queue.Entry {
	t.Helper()
	entries := make([]*queue.Entry, 0, n)
	for i := 0; i < n; i++ {
		e := &queue.Entry{
			RunID:        uuid.New(),
			OrgID:        1,
			PipelineType: "sync",
			WindowStart:  now.Add(time.Duration(i) * time.Minute),
			EnqueuedAt:   now,
			State:        queue.StateQueued,
		}
		inserted, err := store.Enqueue(context.Background(), e)
		require.NoError(t, err)
		require.True(t, inserted)
		entries = append(entries, e)
	}
	return entries
}

func TestProcessQueueStartsGrantedRuns(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	dispatcher := &mockDispatcher{}
	now := time.Now().UTC()

	entries := enqueueRuns(t, store, 2, now)

	w := NewWorker(store, quotaSvc, dispatcher, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Started)
	assert.Equal(t, 0, result.Requeued)
	assert.Equal(t, 0, result.Failed)

	for _, e := range entries {
		got, err := store.Get(context.Background(), e.RunID)
		require.NoError(t, err)
		assert.Equal(t, queue.StateProcessing, got.State)
	}

	// Dispatch happens off the drain pass.
	assert.Eventually(t, func() bool { return dispatcher.dispatched() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestProcessQueueTransientDenialRequeues(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{
		reserveFunc: func(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error) {
			return quota.Decision{Granted: false, Reason: quota.DenialConcurrencyExceeded}, nil
		},
	}
	now := time.Now().UTC()
	entries := enqueueRuns(t, store, 1, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 0, result.Started)
	assert.Equal(t, 1, result.Requeued)

	got, err := store.Get(context.Background(), entries[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, got.State)
	assert.Nil(t, got.ClaimedAt)
}

func TestProcessQueueHardDenialFails(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{
		reserveFunc: func(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error) {
			return quota.Decision{Granted: false, Reason: quota.DenialDailyExceeded}, nil
		},
	}
	now := time.Now().UTC()
	entries := enqueueRuns(t, store, 1, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := store.Get(context.Background(), entries[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, got.State)
	assert.Equal(t, string(quota.DenialDailyExceeded), got.FailureReason)
}

func TestProcessQueueReservationErrorRequeues(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{
		reserveFunc: func(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error) {
			return quota.Decision{}, quota.ErrContention
		},
	}
	now := time.Now().UTC()
	entries := enqueueRuns(t, store, 1, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	got, err := store.Get(context.Background(), entries[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, got.State)
}

func TestDispatchFailureRollsBack(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	dispatcher := &mockDispatcher{
		dispatchFunc: func(ctx context.Context, run executor.RunDescriptor) error {
			return assert.AnError
		},
	}
	now := time.Now().UTC()
	entries := enqueueRuns(t, store, 1, now)

	w := NewWorker(store, quotaSvc, dispatcher, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	_, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)

	// The failed handoff returns both the slot and the entry.
	assert.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), entries[0].RunID)
		return err == nil && got.State == queue.StateQueued
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return quotaSvc.releaseCount() >= 1 },
		time.Second, 10*time.Millisecond)
	quotaSvc.mu.Lock()
	assert.Equal(t, quota.OutcomeFailed, quotaSvc.releases[0])
	quotaSvc.mu.Unlock()
}

func TestRunNowGranted(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	dispatcher := &mockDispatcher{}

	w := NewWorker(store, quotaSvc, dispatcher, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	entry, decision, err := w.RunNow(context.Background(), 1, "ad-hoc-export", 5)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, decision.Granted)
	assert.Equal(t, queue.StateProcessing, entry.State)
	require.NotNil(t, entry.ClaimedAt)

	got, err := store.Get(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateProcessing, got.State)

	assert.Eventually(t, func() bool { return dispatcher.dispatched() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestRunNowDeniedLeavesNoResidue(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{
		reserveFunc: func(ctx context.Context, orgID int64, runID uuid.UUID) (quota.Decision, error) {
			return quota.Decision{Granted: false, Reason: quota.DenialMonthlyExceeded, Used: 100, Limit: 100}, nil
		},
	}

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	entry, decision, err := w.RunNow(context.Background(), 1, "ad-hoc-export", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.False(t, decision.Granted)
	assert.Equal(t, quota.DenialMonthlyExceeded, decision.Reason)

	n, err := store.CountProcessing(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, quotaSvc.releaseCount())
}

func TestCompleteFinalizesAndReleases(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	entry, _, err := w.RunNow(context.Background(), 1, "sync", 0)
	require.NoError(t, err)

	require.NoError(t, w.Complete(context.Background(), entry.RunID, quota.OutcomeCompleted, ""))

	got, err := store.Get(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, quotaSvc.releaseCount())

	// A repeated callback is a no-op on the entry; the release stays
	// idempotent at the quota layer.
	require.NoError(t, w.Complete(context.Background(), entry.RunID, quota.OutcomeCompleted, ""))
	assert.Equal(t, 2, quotaSvc.releaseCount())
}

func TestCompleteFailureRecordsReason(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})
	entry, _, err := w.RunNow(context.Background(), 1, "sync", 0)
	require.NoError(t, err)

	require.NoError(t, w.Complete(context.Background(), entry.RunID, quota.OutcomeFailed, "step 3 exploded"))

	got, err := store.Get(context.Background(), entry.RunID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, got.State)
	assert.Equal(t, "step 3 exploded", got.FailureReason)
}

func TestCompleteUnknownRun(t *testing.T) {
	store := queue.NewMemoryStore()
	w := NewWorker(store, &mockQuotaService{}, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil, WorkerOptions{DispatchTimeout: time.Second})

	err := w.Complete(context.Background(), uuid.New(), quota.OutcomeCompleted, "")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestProcessQueueHonorsGlobalConcurrency(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	now := time.Now().UTC()
	enqueueRuns(t, store, 3, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil,
		WorkerOptions{DispatchTimeout: time.Second, GlobalConcurrency: 1})
	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Started)

	n, err := store.CountProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessQueueDrainsInBatches(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	now := time.Now().UTC()
	entries := enqueueRuns(t, store, 5, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil,
		WorkerOptions{DispatchTimeout: time.Second})
	result, err := w.ProcessQueue(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Claimed)
	assert.Equal(t, 5, result.Started)
	assert.Len(t, result.StartedRuns, len(entries))
}

func TestProcessQueueStopsAtTimeBudget(t *testing.T) {
	store := queue.NewMemoryStore()
	quotaSvc := &mockQuotaService{}
	now := time.Now().UTC()
	enqueueRuns(t, store, 3, now)

	w := NewWorker(store, quotaSvc, &mockDispatcher{}, events.NopEmitter{}, testLogger(), nil,
		WorkerOptions{DispatchTimeout: time.Second})

	// Each clock read jumps a minute, so the first budget check already
	// sees the pass as out of time.
	base := time.Now().UTC()
	var reads int
	w.now = func() time.Time {
		reads++
		return base.Add(time.Duration(reads) * time.Minute)
	}

	result, err := w.ProcessQueue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}
