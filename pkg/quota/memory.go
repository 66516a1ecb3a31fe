package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development mode and tests. All
// operations take the store mutex, which gives the same atomicity the
// Postgres backend gets from conditional updates.
type MemoryStore struct {
	mu           sync.Mutex
	counters     map[counterKey]*Counter
	concurrency  map[int64]*Concurrency
	reservations map[uuid.UUID]*Reservation
}

type counterKey struct {
	orgID int64
	kind  PeriodKind
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:     make(map[counterKey]*Counter),
		concurrency:  make(map[int64]*Concurrency),
		reservations: make(map[uuid.UUID]*Reservation),
	}
}

// EnsureCounters creates missing rows and applies period rollover
func (s *MemoryStore) EnsureCounters(_ context.Context, orgID int64, dailyStart, monthlyStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(orgID, PeriodDaily, dailyStart)
	s.ensureLocked(orgID, PeriodMonthly, monthlyStart)

	if _, ok := s.concurrency[orgID]; !ok {
		s.concurrency[orgID] = &Concurrency{OrgID: orgID, Version: 1}
	}
	return nil
}

func (s *MemoryStore) ensureLocked(orgID int64, kind PeriodKind, start time.Time) {
	key := counterKey{orgID, kind}
	c, ok := s.counters[key]
	if !ok {
		s.counters[key] = &Counter{OrgID: orgID, Period: kind, PeriodStart: start, Version: 1}
		return
	}
	if c.PeriodStart.Before(start) {
		c.Used = 0
		c.PeriodStart = start
		c.Version++
	}
}

// Counters returns copies of the org's counter rows
func (s *MemoryStore) Counters(_ context.Context, orgID int64) (Counter, Counter, Concurrency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	daily := s.counters[counterKey{orgID, PeriodDaily}]
	monthly := s.counters[counterKey{orgID, PeriodMonthly}]
	conc := s.concurrency[orgID]
	if daily == nil || monthly == nil || conc == nil {
		return Counter{}, Counter{}, Concurrency{}, ErrCountersMissing
	}
	return *daily, *monthly, *conc, nil
}

// TryReserve atomically claims one unit of daily, monthly and concurrent capacity
func (s *MemoryStore) TryReserve(_ context.Context, r Reservation, limits Limits, dailyStart, monthlyStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	daily := s.counters[counterKey{r.OrgID, PeriodDaily}]
	monthly := s.counters[counterKey{r.OrgID, PeriodMonthly}]
	conc := s.concurrency[r.OrgID]
	if daily == nil || monthly == nil || conc == nil {
		return false, ErrCountersMissing
	}

	// Period must still be current; a rollover between evaluation and apply
	// means the caller's view is stale.
	if !daily.PeriodStart.Equal(dailyStart) || !monthly.PeriodStart.Equal(monthlyStart) {
		return false, nil
	}
	if daily.Used >= limits.Daily || monthly.Used >= limits.Monthly || conc.Running >= limits.Concurrent {
		return false, nil
	}

	daily.Used++
	daily.Version++
	monthly.Used++
	monthly.Version++
	conc.Running++
	conc.Version++
	s.reservations[r.RunID] = &Reservation{RunID: r.RunID, OrgID: r.OrgID, CreatedAt: r.CreatedAt}
	return true, nil
}

// ReleaseReservation releases the run's concurrency slot, idempotently
func (s *MemoryStore) ReleaseReservation(_ context.Context, runID uuid.UUID) (bool, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[runID]
	if !ok {
		return false, 0, false, nil
	}
	delete(s.reservations, runID)

	conc := s.concurrency[r.OrgID]
	if conc == nil || conc.Running <= 0 {
		return true, r.OrgID, true, nil
	}
	conc.Running--
	conc.Version++
	return true, r.OrgID, false, nil
}

// Reservations lists the org's live reservations, oldest first
func (s *MemoryStore) Reservations(_ context.Context, orgID int64) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reservation
	for _, r := range s.reservations {
		if r.OrgID == orgID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ResetPeriod rolls all counters of the given kind forward to start
func (s *MemoryStore) ResetPeriod(_ context.Context, kind PeriodKind, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rolled int64
	for key, c := range s.counters {
		if key.kind != kind || !c.PeriodStart.Before(start) {
			continue
		}
		c.Used = 0
		c.PeriodStart = start
		c.Version++
		rolled++
	}
	return rolled, nil
}
