// Package dbtest provides shared go-sqlmock scaffolding for the engine's
// package tests, adapted from the teacher's storage/storagetest helper.
package dbtest

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// Runner pairs a mocked *sql.DB with its sqlmock controller.
type Runner struct {
	SQLDB *sql.DB
	Mock  sqlmock.Sqlmock
}

// New creates a sqlmock-backed *sql.DB using exact query-text matching, the
// same matcher the rest of the engine's tests rely on.
func New(t *testing.T) *Runner {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("failed to create sqlmock runner: %v", err)
	}
	return &Runner{SQLDB: db, Mock: mock}
}

// MustSQLMockWithRunner is a convenience constructor returning both halves
// most tests want directly.
func MustSQLMockWithRunner(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	r := New(t)
	return r.SQLDB, r.Mock
}

// ExpectationsWereMet closes the mocked DB and asserts every expectation was
// satisfied. Call it via defer right after creating the runner.
func ExpectationsWereMet(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectClose()
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close sqlmock db: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

// AssertUTC fails the test if ts is not in UTC.
func AssertUTC(t *testing.T, ts time.Time) {
	t.Helper()
	if ts.Location() != time.UTC {
		t.Fatalf("expected time to be in UTC, got %s", ts.Location())
	}
}
