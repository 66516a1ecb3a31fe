package quota

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/conveyor/pkg/observability"
)

// mockLimitSource is a func-field limit source for tests
type mockLimitSource struct {
	orgLimitsFunc func(ctx context.Context, orgID int64) (Limits, error)
	refreshFunc   func(ctx context.Context, orgID int64) (Limits, error)
}

func (m *mockLimitSource) OrgLimits(ctx context.Context, orgID int64) (Limits, error) {
	return m.orgLimitsFunc(ctx, orgID)
}

func (m *mockLimitSource) Refresh(ctx context.Context, orgID int64) (Limits, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx, orgID)
	}
	return m.orgLimitsFunc(ctx, orgID)
}

func staticLimits(l Limits) *mockLimitSource {
	return &mockLimitSource{
		orgLimitsFunc: func(ctx context.Context, orgID int64) (Limits, error) { return l, nil },
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestService(t *testing.T, limits Limits) (Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, staticLimits(limits), testLogger(), nil, Options{})
	return svc, store
}

func TestReserveGrantsWithinLimits(t *testing.T) {
	svc, store := newTestService(t, Limits{Daily: 10, Monthly: 100, Concurrent: 2})
	ctx := context.Background()

	decision, err := svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	assert.True(t, decision.Granted)

	daily, monthly, conc, err := store.Counters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, daily.Used)
	assert.Equal(t, 1, monthly.Used)
	assert.Equal(t, 1, conc.Running)
}

func TestReserveConcurrencyLimit(t *testing.T) {
	// Three simultaneous requests against concurrent_limit=2: exactly two
	// may be granted, and running never exceeds 2.
	svc, store := newTestService(t, Limits{Daily: 100, Monthly: 1000, Concurrent: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Decision, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := svc.Reserve(ctx, 1, uuid.New())
			assert.NoError(t, err)
			results[i] = d
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, d := range results {
		if d.Granted {
			granted++
		} else {
			assert.Equal(t, DenialConcurrencyExceeded, d.Reason)
			assert.Equal(t, 2, d.Limit)
		}
	}
	assert.Equal(t, 2, granted)

	_, _, conc, err := store.Counters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, conc.Running)
}

func TestReserveStressNeverExceedsLimit(t *testing.T) {
	svc, store := newTestService(t, Limits{Daily: 1000, Monthly: 10000, Concurrent: 25})
	ctx := context.Background()

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.Reserve(ctx, 7, uuid.New())
			assert.NoError(t, err)
			if d.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, granted)

	daily, _, conc, err := store.Counters(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 25, conc.Running)
	assert.Equal(t, 25, daily.Used)
}

func TestReserveDailyExhaustion(t *testing.T) {
	svc, _ := newTestService(t, Limits{Daily: 3, Monthly: 100, Concurrent: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := svc.Reserve(ctx, 1, uuid.New())
		require.NoError(t, err)
		require.True(t, d.Granted)
	}

	d, err := svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Equal(t, DenialDailyExceeded, d.Reason)
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 3, d.Limit)
	assert.False(t, d.ResetsAt.IsZero(), "daily denial must carry the reset instant")
}

func TestDenialOrderConcurrencyFirst(t *testing.T) {
	// When both the concurrency slot and the daily budget are exhausted,
	// the denial reports concurrency: it is the only transient reason.
	store := NewMemoryStore()
	svc := NewService(store, staticLimits(Limits{Daily: 1, Monthly: 10, Concurrent: 1}), testLogger(), nil, Options{})
	ctx := context.Background()

	d, err := svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Equal(t, DenialConcurrencyExceeded, d.Reason)
	assert.True(t, d.Reason.Transient())
}

func TestReleaseIdempotent(t *testing.T) {
	svc, store := newTestService(t, Limits{Daily: 10, Monthly: 100, Concurrent: 5})
	ctx := context.Background()

	runID := uuid.New()
	d, err := svc.Reserve(ctx, 1, runID)
	require.NoError(t, err)
	require.True(t, d.Granted)

	require.NoError(t, svc.Release(ctx, runID, OutcomeCompleted))
	require.NoError(t, svc.Release(ctx, runID, OutcomeCompleted))
	require.NoError(t, svc.Release(ctx, uuid.New(), OutcomeFailed))

	_, _, conc, err := store.Counters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, conc.Running, "double release must not decrement twice")
}

func TestNoRefundOnFailure(t *testing.T) {
	// A failed run keeps its period usage; only the concurrency slot comes
	// back. Usage counts admissions, not completions.
	svc, store := newTestService(t, Limits{Daily: 10, Monthly: 100, Concurrent: 5})
	ctx := context.Background()

	runID := uuid.New()
	d, err := svc.Reserve(ctx, 1, runID)
	require.NoError(t, err)
	require.True(t, d.Granted)

	require.NoError(t, svc.Release(ctx, runID, OutcomeFailed))

	daily, monthly, conc, err := store.Counters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, daily.Used)
	assert.Equal(t, 1, monthly.Used)
	assert.Equal(t, 0, conc.Running)
}

func TestLimitRefreshBeforeHardDeny(t *testing.T) {
	// The cached limit is stale and tighter than the paid entitlement; the
	// service must re-fetch before denying.
	store := NewMemoryStore()
	refreshed := false
	source := &mockLimitSource{
		orgLimitsFunc: func(ctx context.Context, orgID int64) (Limits, error) {
			return Limits{Daily: 0, Monthly: 100, Concurrent: 5}, nil
		},
		refreshFunc: func(ctx context.Context, orgID int64) (Limits, error) {
			refreshed = true
			return Limits{Daily: 10, Monthly: 100, Concurrent: 5}, nil
		},
	}
	svc := NewService(store, source, testLogger(), nil, Options{})

	d, err := svc.Reserve(context.Background(), 1, uuid.New())
	require.NoError(t, err)
	assert.True(t, refreshed, "denial must trigger a limit refresh")
	assert.True(t, d.Granted, "fresh limits permit the run")
}

func TestPeriodRollover(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := NewService(store, staticLimits(Limits{Daily: 1, Monthly: 100, Concurrent: 5}), testLogger(), nil, Options{Now: clock})
	ctx := context.Background()

	d, err := svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	require.False(t, d.Granted)
	assert.Equal(t, DenialDailyExceeded, d.Reason)

	// Midnight passes; the next reservation sees a fresh daily budget.
	now = now.Add(20 * time.Minute)

	d, err = svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	assert.True(t, d.Granted, "rollover must reset the daily counter")

	daily, monthly, _, err := store.Counters(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, daily.Used)
	assert.Equal(t, 2, monthly.Used, "monthly budget spans the day boundary")
}

func TestResetPeriodIdempotent(t *testing.T) {
	svc, _ := newTestService(t, Limits{Daily: 10, Monthly: 100, Concurrent: 5})
	ctx := context.Background()

	d, err := svc.Reserve(ctx, 1, uuid.New())
	require.NoError(t, err)
	require.True(t, d.Granted)

	// First explicit reset after usage rolls nothing: period_start is
	// already current.
	n, err := svc.ResetDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSnapshotReflectsUsage(t *testing.T) {
	svc, _ := newTestService(t, Limits{Daily: 10, Monthly: 100, Concurrent: 5})
	ctx := context.Background()

	d, err := svc.Reserve(ctx, 42, uuid.New())
	require.NoError(t, err)
	require.True(t, d.Granted)

	snap, err := svc.Snapshot(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.OrgID)
	assert.Equal(t, 1, snap.Daily.Used)
	assert.Equal(t, 10, snap.Daily.Limit)
	assert.Equal(t, 1, snap.Concurrent.Running)
	assert.Equal(t, 5, snap.Concurrent.Limit)
}

// mockReclaimer is a func-field stale reclaimer
type mockReclaimer struct {
	reclaimFunc func(ctx context.Context, orgID int64, olderThan time.Duration) (int, error)
}

func (m *mockReclaimer) ReclaimStale(ctx context.Context, orgID int64, olderThan time.Duration) (int, error) {
	return m.reclaimFunc(ctx, orgID, olderThan)
}

func TestReserveInvokesInlineReclaim(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, staticLimits(Limits{Daily: 10, Monthly: 100, Concurrent: 5}), testLogger(), nil, Options{StaleTimeout: 15 * time.Minute})

	var gotOrg int64
	var gotOlderThan time.Duration
	svc.(ReclaimerSetter).SetReclaimer(&mockReclaimer{
		reclaimFunc: func(ctx context.Context, orgID int64, olderThan time.Duration) (int, error) {
			gotOrg = orgID
			gotOlderThan = olderThan
			return 0, nil
		},
	})

	d, err := svc.Reserve(context.Background(), 9, uuid.New())
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, int64(9), gotOrg, "inline reclaim is scoped to the org being evaluated")
	assert.Equal(t, 15*time.Minute, gotOlderThan)
}

func TestPeriodStartAndNextReset(t *testing.T) {
	at := time.Date(2026, 2, 14, 17, 3, 9, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC), PeriodStart(PeriodDaily, at))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), PeriodStart(PeriodMonthly, at))
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), NextReset(PeriodDaily, at))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), NextReset(PeriodMonthly, at))
}
