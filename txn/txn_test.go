package txn

import (
	"context"
	"errors"
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

func newTestTransaction(t *testing.T, db *sqlDBHandle, now time.Time) *Transaction {
	t.Helper()
	pool, err := locking.NewPool(locking.PoolConfig{
		Min: 1, Max: 1,
		Produce: func(ctx context.Context) (sqldb.DB, error) { return db.db, nil },
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

	return New(repeater, "app", timeprovider.FixedProvider{T: now}, time.Minute)
}

type sqlDBHandle struct {
	db sqldb.DB
}

func TestTransaction_Commit_NoCommandsIsNoop(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, now)
	require.NoError(t, tx.Commit(context.Background()))
}

func TestTransaction_Commit_RunsCommandsInOrderAndCommits(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO appJobQueue (JobId, Queue, FetchedAt, FetchToken) VALUES (?, ?, NULL, NULL)`).
		WithArgs(int64(1), "default").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO appCounter (`Key`, Value, ExpireAt) VALUES (?, ?, ?)").
		WithArgs("hits", int64(1), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	transaction := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, now)
	require.NoError(t, transaction.AddToQueue("default", "1"))
	transaction.IncrementCounter("hits", 1, nil)
	require.NoError(t, transaction.Commit(context.Background()))
}

func TestTransaction_Commit_RollsBackOnCommandError(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE appJob SET ExpireAt = ? WHERE Id = ?").
		WithArgs(now, int64(1)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	transaction := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, now)
	require.NoError(t, transaction.ExpireJob("1", now))
	err := transaction.Commit(context.Background())
	require.Error(t, err)
}

func TestTransaction_SetJobState_RunsBothStatementsOnSameTx(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appState (JobId, Name, Reason, CreatedAt, Data) VALUES (?, ?, ?, ?, ?)").
		WithArgs(int64(1), "succeeded", "", now, []byte("{}")).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec("UPDATE appJob SET StateId = LAST_INSERT_ID(), StateName = ? WHERE Id = ?").
		WithArgs("succeeded", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	transaction := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, now)
	require.NoError(t, transaction.SetJobState("1", State{Name: "succeeded", Data: []byte("{}")}))
	require.NoError(t, transaction.Commit(context.Background()))
}

func TestTransaction_ExpireJob_InvalidJobID(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	transaction := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, time.Now())
	err := transaction.ExpireJob("not-a-number", time.Now())
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestTransaction_TrimList(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM appList WHERE Id IN (" +
		"SELECT Id FROM (" +
		"SELECT Id, (@trimRank := @trimRank + 1) AS Rnk " +
		"FROM appList, (SELECT @trimRank := 0) init " +
		"WHERE `Key` = ? ORDER BY Id ASC" +
		") ranked WHERE Rnk NOT BETWEEN ? AND ?" +
		")").
		WithArgs("recent", 1, 10).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	transaction := newTestTransaction(t, &sqlDBHandle{db: sqldb.NewDB(db)}, now)
	transaction.TrimList("recent", 0, 9)
	require.NoError(t, transaction.Commit(context.Background()))
}
