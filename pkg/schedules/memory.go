package schedules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development mode and tests
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[int64]*Schedule
	nextID    int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[int64]*Schedule)}
}

// Due returns enabled schedules that are due, ordered by next_due_at
func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextDueAt.After(now) {
			cp := *sched
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(due[j].NextDueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Advance moves next_due_at forward if it still matches from
func (s *MemoryStore) Advance(_ context.Context, id int64, from, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if sched.NextDueAt.Equal(from) {
		sched.NextDueAt = to
	}
	return nil
}

// Get returns a copy of the schedule for id
func (s *MemoryStore) Get(_ context.Context, id int64) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sched
	return &cp, nil
}

// Create inserts the schedule and assigns an ID
func (s *MemoryStore) Create(_ context.Context, sched *Schedule) error {
	if _, err := ParseCadence(sched.Cadence); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sched.ID = s.nextID
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}
