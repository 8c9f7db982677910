package locking

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/jobstore/internal/dbtest"
	"github.com/relaydb/jobstore/sqldb"
)

func TestSessionLock_Acquire_ImmediateSuccess(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").
		WithArgs("myapp/Job", 0).
		WillReturnRows(sqlmock.NewRows([]string{"get_lock"}).AddRow(1))

	sl := NewSessionLock(nil)
	acquired, err := sl.Acquire(context.Background(), sqldb.NewDB(db), "myapp/Job", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestSessionLock_Acquire_DeadlineExpires(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").
		WithArgs("myapp/Job", 0).
		WillReturnRows(sqlmock.NewRows([]string{"get_lock"}).AddRow(0))

	sl := NewSessionLock(nil)
	acquired, err := sl.Acquire(context.Background(), sqldb.NewDB(db), "myapp/Job", time.Now().Add(-time.Millisecond))
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestSessionLock_Acquire_RetriesThenSucceeds(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").
		WithArgs("myapp/Job", 0).
		WillReturnRows(sqlmock.NewRows([]string{"get_lock"}).AddRow(0))
	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").
		WithArgs("myapp/Job", 1).
		WillReturnRows(sqlmock.NewRows([]string{"get_lock"}).AddRow(1))

	sl := NewSessionLock(nil)
	acquired, err := sl.Acquire(context.Background(), sqldb.NewDB(db), "myapp/Job", time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestSessionLock_Acquire_CancelledContext(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").
		WithArgs("myapp/Job", 0).
		WillReturnRows(sqlmock.NewRows([]string{"get_lock"}).AddRow(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sl := NewSessionLock(nil)
	acquired, err := sl.Acquire(ctx, sqldb.NewDB(db), "myapp/Job", time.Now().Add(time.Second))
	require.ErrorContains(t, err, "cancel")
	require.False(t, acquired)
}

func TestSessionLock_Release(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectExec("SELECT RELEASE_LOCK(?)").
		WithArgs("myapp/Job").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sl := NewSessionLock(nil)
	sl.Release(context.Background(), sqldb.NewDB(db), "myapp/Job")
}

func TestSessionLock_ReleaseAll(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectExec("SELECT RELEASE_ALL_LOCKS()").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sl := NewSessionLock(nil)
	require.NoError(t, sl.ReleaseAll(context.Background(), sqldb.NewDB(db)))
}
