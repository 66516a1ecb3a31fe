package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for development mode and tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*Entry)}
}

// Enqueue inserts the entry unless a non-terminal duplicate exists
func (s *MemoryStore) Enqueue(_ context.Context, e *Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if !existing.State.Terminal() &&
			existing.OrgID == e.OrgID &&
			existing.PipelineType == e.PipelineType &&
			existing.WindowStart.Equal(e.WindowStart) {
			return false, nil
		}
	}
	cp := *e
	s.entries[e.RunID] = &cp
	return true, nil
}

// Claim transitions up to limit queued entries to processing
func (s *MemoryStore) Claim(_ context.Context, limit int, now time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*Entry
	for _, e := range s.entries {
		if e.State == StateQueued {
			queued = append(queued, e)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt)
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}

	claimed := make([]*Entry, 0, len(queued))
	for _, e := range queued {
		e.State = StateProcessing
		claimedAt := now
		e.ClaimedAt = &claimedAt
		cp := *e
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// Get returns a copy of the entry for runID
func (s *MemoryStore) Get(_ context.Context, runID uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Requeue reverts a processing entry to queued
func (s *MemoryStore) Requeue(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runID]
	if !ok {
		return ErrNotFound
	}
	if e.State != StateProcessing {
		return nil
	}
	e.State = StateQueued
	e.ClaimedAt = nil
	return nil
}

// MarkCompleted transitions processing -> completed
func (s *MemoryStore) MarkCompleted(_ context.Context, runID uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runID]
	if !ok || e.State != StateProcessing {
		return false, nil
	}
	e.State = StateCompleted
	completedAt := now
	e.CompletedAt = &completedAt
	return true, nil
}

// MarkFailed transitions a non-terminal entry to failed
func (s *MemoryStore) MarkFailed(_ context.Context, runID uuid.UUID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[runID]
	if !ok || e.State.Terminal() {
		return false, nil
	}
	e.State = StateFailed
	e.FailureReason = reason
	completedAt := now
	e.CompletedAt = &completedAt
	return true, nil
}

// CountProcessing counts entries currently processing
func (s *MemoryStore) CountProcessing(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.State == StateProcessing {
			n++
		}
	}
	return n, nil
}

// FindStale returns processing entries claimed before cutoff
func (s *MemoryStore) FindStale(_ context.Context, orgID int64, cutoff time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.State != StateProcessing || e.ClaimedAt == nil || !e.ClaimedAt.Before(cutoff) {
			continue
		}
		if orgID != 0 && e.OrgID != orgID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	return out, nil
}
