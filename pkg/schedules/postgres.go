package schedules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store on PostgreSQL.
//
// Table:
//
//	pipeline_schedules (id BIGSERIAL PRIMARY KEY, org_id, pipeline_type,
//	                    cadence, priority, next_due_at, enabled)
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Due returns enabled schedules that are due, ordered by next_due_at
func (s *PostgresStore) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := `
		SELECT id, org_id, pipeline_type, cadence, priority, next_due_at, enabled
		FROM pipeline_schedules
		WHERE enabled AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var sched Schedule
		if err := rows.Scan(&sched.ID, &sched.OrgID, &sched.PipelineType, &sched.Cadence,
			&sched.Priority, &sched.NextDueAt, &sched.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, &sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return out, nil
}

// Advance moves next_due_at forward, guarded on the previous value
func (s *PostgresStore) Advance(ctx context.Context, id int64, from, to time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_schedules SET next_due_at = $3 WHERE id = $1 AND next_due_at = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("failed to advance schedule %d: %w", id, err)
	}
	return nil
}

// Get returns the schedule for id
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Schedule, error) {
	var sched Schedule
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, pipeline_type, cadence, priority, next_due_at, enabled
		 FROM pipeline_schedules WHERE id = $1`, id).
		Scan(&sched.ID, &sched.OrgID, &sched.PipelineType, &sched.Cadence,
			&sched.Priority, &sched.NextDueAt, &sched.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &sched, nil
}

// Create inserts the schedule
func (s *PostgresStore) Create(ctx context.Context, sched *Schedule) error {
	if _, err := ParseCadence(sched.Cadence); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pipeline_schedules (org_id, pipeline_type, cadence, priority, next_due_at, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		sched.OrgID, sched.PipelineType, sched.Cadence, sched.Priority, sched.NextDueAt, sched.Enabled).
		Scan(&sched.ID)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}
