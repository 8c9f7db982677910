package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/jobstore/internal/dbtest"
	"github.com/relaydb/jobstore/sqldb"
)

func TestReader_GetCounter(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT COALESCE(SUM(Value), 0) FROM (" +
		"SELECT Value FROM appCounter WHERE `Key` = ? " +
		"UNION ALL " +
		"SELECT Value FROM appAggregatedCounter WHERE `Key` = ?" +
		") u").
		WithArgs("hits", "hits").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(42)))

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	total, err := reader.GetCounter(context.Background(), "hits")
	require.NoError(t, err)
	require.Equal(t, int64(42), total)
}

func TestReader_GetRangeFromList(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT Value FROM (" +
		"SELECT Value, (@listRnk := @listRnk + 1) AS Rnk " +
		"FROM appList, (SELECT @listRnk := 0) init " +
		"WHERE `Key` = ? ORDER BY Id DESC" +
		") ranked WHERE Rnk BETWEEN ? AND ? ORDER BY Rnk").
		WithArgs("recent", 1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"Value"}).AddRow([]byte("a")).AddRow([]byte("b")))

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	values, err := reader.GetRangeFromList(context.Background(), "recent", 0, 2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, values)
}

func TestReader_GetFirstByLowestScoreFromSet_InvalidRange(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	_, _, err := reader.GetFirstByLowestScoreFromSet(context.Background(), "scores", 5, 1)
	require.Error(t, err)
}

func TestReader_GetListTtl_NoRows(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT MIN(ExpireAt) FROM appList WHERE `Key` = ?").
		WithArgs("recent").
		WillReturnRows(sqlmock.NewRows([]string{"MIN(ExpireAt)"}).AddRow(nil))

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	ttl, err := reader.GetListTtl(context.Background(), "recent")
	require.NoError(t, err)
	require.Equal(t, NoTTL, ttl)
}

func TestReader_GetHash(t *testing.T) {
	db, mock := dbtest.MustSQLMockWithRunner(t)
	defer dbtest.ExpectationsWereMet(t, db, mock)

	mock.ExpectQuery("SELECT Value FROM appHash WHERE `Key` = ? AND Field = ?").
		WithArgs("h", "f").
		WillReturnRows(sqlmock.NewRows([]string{"Value"}).AddRow([]byte("v")))

	reader := newTestReader(t, sqldb.NewDB(db), time.Now())
	value, found, err := reader.GetHash(context.Background(), "h", "f")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)
}
