package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/internal/dbtest"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

func newTestQueue(t *testing.T, db sqldb.DB, now time.Time, pollInterval time.Duration) *Queue {
	t.Helper()
	pool, err := locking.NewPool(locking.PoolConfig{
		Min: 1, Max: 1,
		Produce: func(ctx context.Context) (sqldb.DB, error) { return db, nil },
		Recycle: func(ctx context.Context, s sqldb.DB) bool { return true },
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repeater, err := locking.NewRepeater(locking.RepeaterConfig{
		Pool:        pool,
		LockSet:     locking.NewResourceLockSet(locking.NewSessionLock(nil)),
		SessionLock: locking.NewSessionLock(nil),
	})
	require.NoError(t, err)

	return New(Config{
		Pool:         pool,
		Repeater:     repeater,
		Prefix:       "app",
		Now:          timeprovider.FixedProvider{T: now},
		PollInterval: pollInterval,
	})
}

func TestQueue_Enqueue(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectExec(`INSERT INTO appJobQueue (JobId, Queue, FetchedAt, FetchToken) VALUES (?, ?, NULL, NULL)`).
		WithArgs(int64(42), "default").
		WillReturnResult(sqlmock.NewResult(1, 1))

	q := newTestQueue(t, sqldb.NewDB(db), time.Now(), time.Second)
	err := q.Enqueue(context.Background(), time.Now().Add(time.Second), "default", "42")
	require.NoError(t, err)
}

func TestQueue_Enqueue_InvalidJobID(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	q := newTestQueue(t, sqldb.NewDB(db), time.Now(), time.Second)
	err := q.Enqueue(context.Background(), time.Now().Add(time.Second), "default", "not-a-number")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestQueue_SleepUntilNextPoll_AddsJitterWithinBounds(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	q := newTestQueue(t, sqldb.NewDB(db), time.Now(), 10*time.Millisecond)
	// New clamps the poll interval to at least 1s; set it directly so the
	// test stays fast.
	q.pollInterval = 10 * time.Millisecond
	q.idleJitter = 5 * time.Millisecond

	deadline := time.Now().Add(time.Second)
	start := time.Now()
	require.NoError(t, q.sleepUntilNextPoll(context.Background(), deadline))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	require.Less(t, elapsed, 20*time.Millisecond)
}

func TestQueue_Dequeue_EmptyQueues(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	q := newTestQueue(t, sqldb.NewDB(db), time.Now(), time.Second)
	_, err := q.Dequeue(context.Background(), nil, time.Second)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestQueue_Dequeue_ClaimsImmediately(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	staleCutoff := now.Add(-30 * time.Minute)

	mock.ExpectExec(`UPDATE appJobQueue SET FetchedAt = ?, FetchToken = ? WHERE Queue IN (?) AND (FetchedAt IS NULL OR FetchedAt < ?) LIMIT 1`).
		WithArgs(now, sqlmock.AnyArg(), "default", staleCutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT Id, JobId, Queue FROM appJobQueue WHERE FetchToken = ? LIMIT 1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "jobid", "queue"}).AddRow(int64(7), int64(42), "default"))

	q := newTestQueue(t, sqldb.NewDB(db), now, time.Second)
	job, err := q.Dequeue(context.Background(), []string{"default"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "42", job.JobID())
	require.Equal(t, "default", job.Queue())

	mock.ExpectExec(`DELETE FROM appJobQueue WHERE Id = ?`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, job.RemoveFromQueue(context.Background()))
}

func TestQueue_Dequeue_PollsThenClaims(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	staleCutoff := now.Add(-30 * time.Minute)

	mock.ExpectExec(`UPDATE appJobQueue SET FetchedAt = ?, FetchToken = ? WHERE Queue IN (?) AND (FetchedAt IS NULL OR FetchedAt < ?) LIMIT 1`).
		WithArgs(now, sqlmock.AnyArg(), "default", staleCutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE appJobQueue SET FetchedAt = ?, FetchToken = ? WHERE Queue IN (?) AND (FetchedAt IS NULL OR FetchedAt < ?) LIMIT 1`).
		WithArgs(now, sqlmock.AnyArg(), "default", staleCutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT Id, JobId, Queue FROM appJobQueue WHERE FetchToken = ? LIMIT 1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "jobid", "queue"}).AddRow(int64(9), int64(99), "default"))

	q := newTestQueue(t, sqldb.NewDB(db), now, 5*time.Millisecond)
	job, err := q.Dequeue(context.Background(), []string{"default"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "99", job.JobID())

	mock.ExpectExec(`UPDATE appJobQueue SET FetchedAt = NULL WHERE Id = ?`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	job.Dispose(context.Background())
}
