package locking

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// maxWaitStep bounds every individual GET_LOCK call so a cancellation signal
// is never more than this far from being observed (spec §4.1, Design Notes
// §9 "Cancellable lock waits").
const maxWaitStep = time.Second

// SessionLock acquires one named MySQL advisory lock (GET_LOCK) on a single
// database session (spec §4.1). Named locks are session-scoped: only the
// session that acquired a lock can release it, which is why every caller of
// SessionLock must keep using the same sqldb.DB/*sql.Conn for the lock's
// lifetime.
type SessionLock struct {
	logger *slog.Logger
}

// NewSessionLock builds a SessionLock. A nil logger defaults to slog.Default().
func NewSessionLock(logger *slog.Logger) *SessionLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLock{logger: logger}
}

// Acquire attempts to take the named lock on session before deadline,
// observing ctx cancellation between attempts. It returns true if the lock
// was acquired, false if not (the caller should treat false as "would have
// to wait" without itself being an error).
func (l *SessionLock) Acquire(ctx context.Context, session sqldb.DB, name string, deadline time.Time) (bool, error) {
	// The first attempt does not wait, so it is made even when ctx is
	// already cancelled; cancellation is checked between attempts.
	acquired, err := l.tryGetLock(context.WithoutCancel(ctx), session, name, 0)
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, apperrors.ErrCancelled
		}
		now := time.Now()
		if !now.Before(deadline) {
			return false, nil
		}
		remaining := deadline.Sub(now)
		step := remaining
		if step > maxWaitStep {
			step = maxWaitStep
		}
		if step < 0 {
			step = 0
		}
		acquired, err := l.tryGetLock(ctx, session, name, step)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
	}
}

// tryGetLock issues one GET_LOCK(name, timeoutSeconds) call. MySQL returns 1
// on success, 0 on timeout, and NULL on error; both 0 and NULL are treated
// as not-acquired.
func (l *SessionLock) tryGetLock(ctx context.Context, session sqldb.DB, name string, wait time.Duration) (bool, error) {
	var result sql.NullInt64
	timeoutSeconds := int(wait / time.Second)
	row := session.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, timeoutSeconds)
	if err := row.Scan(&result); err != nil {
		return false, err
	}
	return result.Valid && result.Int64 == 1, nil
}

// Release calls RELEASE_LOCK(name) on session. Failures are logged, not
// propagated: a release failure means at worst the lock outlives this
// session until ReleaseAll reclaims it on pool recycle, never a correctness
// violation for the caller that is disposing. A double release is a no-op
// from the caller's perspective (MySQL just reports 0 rows held).
func (l *SessionLock) Release(ctx context.Context, session sqldb.DB, name string) {
	if _, err := session.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", name); err != nil {
		l.logger.Warn("release lock failed", "lock", name, "err", err)
	}
}

// ReleaseAll calls RELEASE_ALL_LOCKS() on session. Storage invokes this on
// every session returned to the pool so stale locks from crashed code paths
// cannot leak into the next borrower (spec §4.1, §4.3, Design Notes §9
// "Session affinity").
func (l *SessionLock) ReleaseAll(ctx context.Context, session sqldb.DB) error {
	_, err := session.ExecContext(ctx, "SELECT RELEASE_ALL_LOCKS()")
	return err
}
