package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on PostgreSQL. Counter mutations are single
// conditional UPDATEs guarded on used < limit plus the version token, so
// concurrent reservations from any number of worker processes serialize at
// the row level.
//
// Tables:
//
//	quota_counters    (org_id, period_kind, used, period_start, version)
//	                  PRIMARY KEY (org_id, period_kind)
//	quota_concurrency (org_id PRIMARY KEY, running, version)
//	quota_reservations(run_id PRIMARY KEY, org_id, created_at)
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureCounters creates missing counter rows and applies period rollover
func (s *PostgresStore) EnsureCounters(ctx context.Context, orgID int64, dailyStart, monthlyStart time.Time) error {
	insertCounters := `
		INSERT INTO quota_counters (org_id, period_kind, used, period_start, version)
		VALUES ($1, 'daily', 0, $2, 1), ($1, 'monthly', 0, $3, 1)
		ON CONFLICT (org_id, period_kind) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insertCounters, orgID, dailyStart, monthlyStart); err != nil {
		return fmt.Errorf("failed to insert quota counters: %w", err)
	}

	// Rollover resets used and advances period_start in one conditional
	// update; the period_start guard makes it exactly-once per period.
	rollover := `
		UPDATE quota_counters
		SET used = 0,
		    period_start = CASE period_kind WHEN 'daily' THEN $2 ELSE $3 END,
		    version = version + 1
		WHERE org_id = $1
		  AND ((period_kind = 'daily' AND period_start < $2)
		    OR (period_kind = 'monthly' AND period_start < $3))
	`
	if _, err := s.db.ExecContext(ctx, rollover, orgID, dailyStart, monthlyStart); err != nil {
		return fmt.Errorf("failed to roll over quota counters: %w", err)
	}

	insertConcurrency := `
		INSERT INTO quota_concurrency (org_id, running, version)
		VALUES ($1, 0, 1)
		ON CONFLICT (org_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insertConcurrency, orgID); err != nil {
		return fmt.Errorf("failed to insert concurrency counter: %w", err)
	}
	return nil
}

// Counters reads the org's counter rows
func (s *PostgresStore) Counters(ctx context.Context, orgID int64) (Counter, Counter, Concurrency, error) {
	var daily, monthly Counter
	query := `
		SELECT org_id, period_kind, used, period_start, version
		FROM quota_counters
		WHERE org_id = $1
	`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return Counter{}, Counter{}, Concurrency{}, fmt.Errorf("failed to query quota counters: %w", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.OrgID, &c.Period, &c.Used, &c.PeriodStart, &c.Version); err != nil {
			return Counter{}, Counter{}, Concurrency{}, fmt.Errorf("failed to scan quota counter: %w", err)
		}
		switch c.Period {
		case PeriodDaily:
			daily = c
			found++
		case PeriodMonthly:
			monthly = c
			found++
		}
	}
	if err := rows.Err(); err != nil {
		return Counter{}, Counter{}, Concurrency{}, fmt.Errorf("failed to iterate quota counters: %w", err)
	}
	if found != 2 {
		return Counter{}, Counter{}, Concurrency{}, ErrCountersMissing
	}

	var conc Concurrency
	err = s.db.QueryRowContext(ctx, `SELECT org_id, running, version FROM quota_concurrency WHERE org_id = $1`, orgID).
		Scan(&conc.OrgID, &conc.Running, &conc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, Counter{}, Concurrency{}, ErrCountersMissing
	}
	if err != nil {
		return Counter{}, Counter{}, Concurrency{}, fmt.Errorf("failed to query concurrency counter: %w", err)
	}
	return daily, monthly, conc, nil
}

// TryReserve claims one unit of each counter in a single transaction. Every
// UPDATE is guarded on used < limit and the current period, so the whole
// reservation applies or none of it does.
func (s *PostgresStore) TryReserve(ctx context.Context, r Reservation, limits Limits, dailyStart, monthlyStart time.Time) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin reservation tx: %w", err)
	}
	defer func() {
		if !applied {
			tx.Rollback()
		}
	}()

	steps := []struct {
		query string
		args  []interface{}
	}{
		{
			`UPDATE quota_counters SET used = used + 1, version = version + 1
			 WHERE org_id = $1 AND period_kind = 'daily' AND period_start = $2 AND used < $3`,
			[]interface{}{r.OrgID, dailyStart, limits.Daily},
		},
		{
			`UPDATE quota_counters SET used = used + 1, version = version + 1
			 WHERE org_id = $1 AND period_kind = 'monthly' AND period_start = $2 AND used < $3`,
			[]interface{}{r.OrgID, monthlyStart, limits.Monthly},
		},
		{
			`UPDATE quota_concurrency SET running = running + 1, version = version + 1
			 WHERE org_id = $1 AND running < $2`,
			[]interface{}{r.OrgID, limits.Concurrent},
		},
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return false, fmt.Errorf("failed to increment quota counter: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			// Guard did not hold; a concurrent reservation or rollover won.
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_reservations (run_id, org_id, created_at) VALUES ($1, $2, $3)`,
		r.RunID, r.OrgID, r.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return true, nil
}

// ReleaseReservation deletes the reservation and frees its concurrency slot
func (s *PostgresStore) ReleaseReservation(ctx context.Context, runID uuid.UUID) (released bool, orgID int64, underflow bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, false, fmt.Errorf("failed to begin release tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		`DELETE FROM quota_reservations WHERE run_id = $1 RETURNING org_id`, runID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, false, nil
	}
	if err != nil {
		return false, 0, false, fmt.Errorf("failed to delete reservation: %w", err)
	}

	// The running > 0 guard clamps at zero instead of ever storing a
	// negative count.
	res, err := tx.ExecContext(ctx,
		`UPDATE quota_concurrency SET running = running - 1, version = version + 1
		 WHERE org_id = $1 AND running > 0`, orgID)
	if err != nil {
		return false, 0, false, fmt.Errorf("failed to decrement concurrency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, false, fmt.Errorf("failed to commit release: %w", err)
	}
	committed = true
	return true, orgID, n == 0, nil
}

// Reservations lists the org's live reservations, oldest first
func (s *PostgresStore) Reservations(ctx context.Context, orgID int64) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, org_id, created_at FROM quota_reservations WHERE org_id = $1 ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.RunID, &r.OrgID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetPeriod rolls every counter of the kind forward to start
func (s *PostgresStore) ResetPeriod(ctx context.Context, kind PeriodKind, start time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET used = 0, period_start = $2, version = version + 1
		 WHERE period_kind = $1 AND period_start < $2`, string(kind), start)
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s counters: %w", kind, err)
	}
	return res.RowsAffected()
}
