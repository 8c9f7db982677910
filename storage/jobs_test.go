package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/internal/dbtest"
	"github.com/relaydb/jobstore/sqldb"
)

func TestReader_CreateExpiredJob(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expireAt := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO appJob (InvocationData, Arguments, CreatedAt, ExpireAt) VALUES (?, ?, ?, ?)").
		WithArgs([]byte("invoke"), []byte("args"), now, expireAt).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO appJobParameter (JobId, Name, Value) VALUES (?, ?, ?)").
		WithArgs(int64(7), "retries", "3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reader := newTestReader(t, sqldb.NewDB(db), now)
	id, err := reader.CreateExpiredJob(context.Background(), []byte("invoke"), []byte("args"),
		map[string]string{"retries": "3"}, now, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "7", id)
}

func TestReader_GetJobData_AttachesLoadErrorOnInvalidJSON(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"InvocationData", "Arguments", "CreatedAt", "ExpireAt"}).
		AddRow([]byte("not-json"), []byte("{}"), now, nil)
	mock.ExpectQuery("SELECT InvocationData, Arguments, CreatedAt, ExpireAt FROM appJob WHERE Id = ?").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	reader := newTestReader(t, sqldb.NewDB(db), now)
	data, err := reader.GetJobData(context.Background(), "1")
	require.NoError(t, err)
	require.Error(t, data.LoadError)
	require.Nil(t, data.ExpireAt)
}

func TestReader_GetJobData_InvalidJobID(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	_, err := reader.GetJobData(context.Background(), "nope")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReader_GetStateData(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"Name", "Reason", "Data", "CreatedAt"}).
		AddRow("succeeded", nil, []byte("{}"), now)
	mock.ExpectQuery("SELECT s.Name, s.Reason, s.Data, s.CreatedAt FROM appJob j JOIN appState s ON s.Id = j.StateId WHERE j.Id = ?").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	reader := newTestReader(t, sqldb.NewDB(db), now)
	state, err := reader.GetStateData(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, "succeeded", state.Name)
	require.Equal(t, "", state.Reason)
}

func TestReader_SetJobParameter(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO appJobParameter (JobId, Name, Value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Value = VALUES(Value)").
		WithArgs(int64(1), "retries", "4").
		WillReturnResult(sqlmock.NewResult(0, 1))

	reader := newTestReader(t, sqldb.NewDB(db), now)
	require.NoError(t, reader.SetJobParameter(context.Background(), "1", "retries", "4"))
}

func TestReader_GetJobParameter_NotFound(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT Value FROM appJobParameter WHERE JobId = ? AND Name = ?").
		WithArgs(int64(1), "missing").
		WillReturnRows(sqlmock.NewRows([]string{"Value"}))

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	_, found, err := reader.GetJobParameter(context.Background(), "1", "missing")
	require.NoError(t, err)
	require.False(t, found)
}
