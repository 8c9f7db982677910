// Package sqldb defines the minimal database/sql surface the storage engine
// depends on. Keeping it small means a bare *sql.DB (or *sql.Conn, wrapped)
// satisfies it without an adapter for most methods, while still letting
// tests substitute go-sqlmock or an in-memory double.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
)

// DB is the subset of *sql.DB the engine uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Close() error
}

// Tx mirrors the subset of *sql.Tx the engine uses.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

// Scanner is satisfied by both *sql.Row and *sql.Rows, letting scan helpers
// accept either.
type Scanner interface {
	Scan(dest ...any) error
}

// dbAdapter wraps a *sql.DB so BeginTx returns the narrower Tx interface
// instead of the concrete *sql.Tx the standard library returns.
type dbAdapter struct {
	db *sql.DB
}

// NewDB wraps a *sql.DB as a DB.
func NewDB(db *sql.DB) DB {
	return &dbAdapter{db: db}
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *dbAdapter) Close() error {
	return a.db.Close()
}

// connAdapter wraps a *sql.Conn, which pins one physical connection for the
// lifetime of the session. This is what gives the locking package a stable
// "session" to bind MySQL named locks to.
type connAdapter struct {
	conn *sql.Conn
}

// NewConnDB wraps a *sql.Conn as a DB. Close releases the conn back to the
// pool it was borrowed from rather than terminating the physical connection.
func NewConnDB(conn *sql.Conn) DB {
	return &connAdapter{conn: conn}
}

func (a *connAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.conn.ExecContext(ctx, query, args...)
}

func (a *connAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.conn.QueryRowContext(ctx, query, args...)
}

func (a *connAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.conn.QueryContext(ctx, query, args...)
}

func (a *connAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

// IsNoRows reports whether err is (or wraps) database/sql's no-rows sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
