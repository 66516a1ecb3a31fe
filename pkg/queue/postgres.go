package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on PostgreSQL.
//
// Table:
//
//	pipeline_queue (run_id UUID PRIMARY KEY, org_id, pipeline_type, priority,
//	                window_start, enqueued_at, state, claimed_at,
//	                completed_at, failure_reason)
//
// with a partial unique index enforcing the idempotency key:
//
//	CREATE UNIQUE INDEX uq_pipeline_queue_window
//	ON pipeline_queue (org_id, pipeline_type, window_start)
//	WHERE state IN ('queued', 'processing')
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `run_id, org_id, pipeline_type, priority, window_start, enqueued_at, state, claimed_at, completed_at, failure_reason`

// Enqueue inserts the entry; the partial unique index turns duplicate
// triggering within a window into a silent conflict
func (s *PostgresStore) Enqueue(ctx context.Context, e *Entry) (bool, error) {
	query := `
		INSERT INTO pipeline_queue (run_id, org_id, pipeline_type, priority, window_start, enqueued_at, state, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, pipeline_type, window_start) WHERE state IN ('queued', 'processing') DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		e.RunID, e.OrgID, e.PipelineType, e.Priority, e.WindowStart, e.EnqueuedAt, string(e.State), e.ClaimedAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Claim atomically moves up to limit queued entries to processing. The
// SKIP LOCKED subquery lets overlapping worker invocations drain the queue
// without ever claiming the same row twice.
func (s *PostgresStore) Claim(ctx context.Context, limit int, now time.Time) ([]*Entry, error) {
	query := `
		UPDATE pipeline_queue
		SET state = 'processing', claimed_at = $2
		WHERE run_id IN (
			SELECT run_id FROM pipeline_queue
			WHERE state = 'queued'
			ORDER BY priority DESC, enqueued_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns
	rows, err := s.db.QueryContext(ctx, query, limit, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; re-establish the claim order.
	sortEntries(entries)
	return entries, nil
}

// Get returns the entry for runID
func (s *PostgresStore) Get(ctx context.Context, runID uuid.UUID) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM pipeline_queue WHERE run_id = $1`, runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Requeue reverts a processing entry to queued
func (s *PostgresStore) Requeue(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_queue SET state = 'queued', claimed_at = NULL
		 WHERE run_id = $1 AND state = 'processing'`, runID)
	if err != nil {
		return fmt.Errorf("failed to requeue entry: %w", err)
	}
	return nil
}

// MarkCompleted transitions processing -> completed
func (s *PostgresStore) MarkCompleted(ctx context.Context, runID uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_queue SET state = 'completed', completed_at = $2
		 WHERE run_id = $1 AND state = 'processing'`, runID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkFailed transitions a non-terminal entry to failed
func (s *PostgresStore) MarkFailed(ctx context.Context, runID uuid.UUID, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_queue SET state = 'failed', completed_at = $2, failure_reason = $3
		 WHERE run_id = $1 AND state IN ('queued', 'processing')`, runID, now, reason)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// CountProcessing counts processing entries across all orgs
func (s *PostgresStore) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_queue WHERE state = 'processing'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processing entries: %w", err)
	}
	return n, nil
}

// FindStale returns processing entries claimed before cutoff
func (s *PostgresStore) FindStale(ctx context.Context, orgID int64, cutoff time.Time) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM pipeline_queue
		WHERE state = 'processing' AND claimed_at < $1`
	args := []interface{}{cutoff}
	if orgID != 0 {
		query += ` AND org_id = $2`
		args = append(args, orgID)
	}
	query += ` ORDER BY claimed_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var state string
	var reason sql.NullString
	if err := row.Scan(&e.RunID, &e.OrgID, &e.PipelineType, &e.Priority, &e.WindowStart,
		&e.EnqueuedAt, &state, &e.ClaimedAt, &e.CompletedAt, &reason); err != nil {
		return nil, err
	}
	e.State = State(state)
	e.FailureReason = reason.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return out, nil
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
}
