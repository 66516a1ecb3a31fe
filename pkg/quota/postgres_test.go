package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresEnsureCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	dailyStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthlyStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO quota_counters").
		WithArgs(int64(1), dailyStart, monthlyStart).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE quota_counters").
		WithArgs(int64(1), dailyStart, monthlyStart).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO quota_concurrency").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.EnsureCounters(context.Background(), 1, dailyStart, monthlyStart))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryReserveApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	r := Reservation{RunID: uuid.New(), OrgID: 1, CreatedAt: time.Now().UTC()}
	limits := Limits{Daily: 10, Monthly: 100, Concurrent: 2}
	dailyStart := PeriodStart(PeriodDaily, r.CreatedAt)
	monthlyStart := PeriodStart(PeriodMonthly, r.CreatedAt)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quota_counters").
		WithArgs(r.OrgID, dailyStart, limits.Daily).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE quota_counters").
		WithArgs(r.OrgID, monthlyStart, limits.Monthly).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE quota_concurrency").
		WithArgs(r.OrgID, limits.Concurrent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quota_reservations").
		WithArgs(r.RunID, r.OrgID, r.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := store.TryReserve(context.Background(), r, limits, dailyStart, monthlyStart)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryReserveGuardFails(t *testing.T) {
	// The daily guard not holding must roll the whole transaction back;
	// no partial increments survive.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	r := Reservation{RunID: uuid.New(), OrgID: 1, CreatedAt: time.Now().UTC()}
	limits := Limits{Daily: 10, Monthly: 100, Concurrent: 2}
	dailyStart := PeriodStart(PeriodDaily, r.CreatedAt)
	monthlyStart := PeriodStart(PeriodMonthly, r.CreatedAt)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE quota_counters").
		WithArgs(r.OrgID, dailyStart, limits.Daily).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := store.TryReserve(context.Background(), r, limits, dailyStart, monthlyStart)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReleaseReservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM quota_reservations").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE quota_concurrency").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	released, orgID, underflow, err := store.ReleaseReservation(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, int64(1), orgID)
	assert.False(t, underflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReleaseUnknownReservation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM quota_reservations").
		WithArgs(runID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	released, _, _, err := store.ReleaseReservation(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, released, "releasing an unknown run is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReleaseUnderflowClamps(t *testing.T) {
	// The running > 0 guard means an already-zero counter reports
	// underflow instead of going negative.
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	runID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM quota_reservations").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE quota_concurrency").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	released, orgID, underflow, err := store.ReleaseReservation(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, int64(3), orgID)
	assert.True(t, underflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	dailyStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthlyStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT org_id, period_kind, used, period_start, version").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"org_id", "period_kind", "used", "period_start", "version"}).
			AddRow(int64(1), "daily", 3, dailyStart, int64(4)).
			AddRow(int64(1), "monthly", 17, monthlyStart, int64(18)))
	mock.ExpectQuery("SELECT org_id, running, version FROM quota_concurrency").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"org_id", "running", "version"}).
			AddRow(int64(1), 2, int64(9)))

	daily, monthly, conc, err := store.Counters(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, daily.Used)
	assert.Equal(t, 17, monthly.Used)
	assert.Equal(t, 2, conc.Running)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetPeriod(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	start := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE quota_counters").
		WithArgs("daily", start).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.ResetPeriod(context.Background(), PeriodDaily, start)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
