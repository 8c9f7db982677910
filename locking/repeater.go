package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// MySQL error numbers treated as deadlock-class (spec §4.4, §7). 1213 is
// ER_LOCK_DEADLOCK; 1614 is the Galera/XtraDB-cluster certification-failure
// code, which behaves like a deadlock from the caller's point of view and is
// retried the same way.
const (
	mysqlErrLockDeadlock   = 1213
	mysqlErrCertFailure    = 1614
	defaultDeadlockRetries = 5
	defaultTestRetries     = 3
	maxBackoffJitter       = 100 * time.Millisecond
)

// ActionContext is what a Repeater action runs against.
type ActionContext struct {
	// Session is the borrowed database session for the whole escalation
	// ladder: the same session is reused across the no-lock attempt, the
	// test-then-retry attempt, and the locked attempt, so that any locks
	// taken in stage C stay on the session the action sees.
	Session sqldb.DB
	// Tx is non-nil only for ExecuteMany (batch) actions; the action must
	// issue its statements against Tx rather than Session in that mode.
	Tx     sqldb.Tx
	Prefix string
}

// Action is the unit of work a Repeater runs, potentially many times.
type Action func(ctx context.Context, ac ActionContext) error

// Repeater executes an action against a session, retrying through
// MySQL-reported deadlocks and escalating locking aggressiveness until the
// action succeeds or an overall deadline expires (spec §4.4). It is the
// central resilience element of the engine.
type Repeater struct {
	pool            *Pool
	lockSet         *ResourceLockSet
	sessionLock     *SessionLock
	logger          *slog.Logger
	deadlockRetries int
	testRetries     int
}

// RepeaterConfig configures a Repeater.
type RepeaterConfig struct {
	Pool            *Pool
	LockSet         *ResourceLockSet
	SessionLock     *SessionLock
	Logger          *slog.Logger
	DeadlockRetries int // defaults to 5
	TestRetries     int // defaults to 3
}

// NewRepeater builds a Repeater.
func NewRepeater(cfg RepeaterConfig) (*Repeater, error) {
	if cfg.Pool == nil || cfg.LockSet == nil || cfg.SessionLock == nil {
		return nil, apperrors.ErrNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deadlockRetries := cfg.DeadlockRetries
	if deadlockRetries <= 0 {
		deadlockRetries = defaultDeadlockRetries
	}
	testRetries := cfg.TestRetries
	if testRetries <= 0 {
		testRetries = defaultTestRetries
	}
	return &Repeater{
		pool:            cfg.Pool,
		lockSet:         cfg.LockSet,
		sessionLock:     cfg.SessionLock,
		logger:          logger,
		deadlockRetries: deadlockRetries,
		testRetries:     testRetries,
	}, nil
}

// ExecuteOne borrows a session and runs action once, without an outer
// transaction, applying the full escalation ladder on deadlock.
func (r *Repeater) ExecuteOne(ctx context.Context, prefix string, resources []Resource, deadline time.Time, action Action) error {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(ctx)
	return r.ExecuteOnExistingSession(ctx, lease.Session, prefix, resources, deadline, action)
}

// ExecuteOnExistingSession runs the escalation ladder against a session the
// caller already holds, without borrowing or disposing one of its own. The
// job queue's claim step uses this: the session that wins the claim is
// handed off to the fetched-job handle rather than returned to the pool
// (spec §4.7's connection handoff).
func (r *Repeater) ExecuteOnExistingSession(ctx context.Context, session sqldb.DB, prefix string, resources []Resource, deadline time.Time, action Action) error {
	return r.escalate(ctx, session, prefix, resources, deadline, func(ctx context.Context, session sqldb.DB) error {
		return action(ctx, ActionContext{Session: session, Prefix: prefix})
	})
}

// ExecuteMany borrows a session, opens a transaction on it, and runs action
// inside that transaction: commit on success, rollback on error. The action
// may issue multiple statements against ActionContext.Tx. The whole
// begin-action-commit sequence is retried by the escalation ladder as one
// unit on deadlock.
func (r *Repeater) ExecuteMany(ctx context.Context, prefix string, resources []Resource, deadline time.Time, action Action) error {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(ctx)
	session := lease.Session
	return r.escalate(ctx, session, prefix, resources, deadline, func(ctx context.Context, session sqldb.DB) error {
		tx, err := session.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := action(ctx, ActionContext{Session: session, Tx: tx, Prefix: prefix}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// attempt is one invocation of the caller's unit of work, already bound to a
// session (and, for batch mode, a transaction).
type attempt func(ctx context.Context, session sqldb.DB) error

func (r *Repeater) escalate(ctx context.Context, session sqldb.DB, prefix string, resources []Resource, deadline time.Time, run attempt) error {
	retries := 0
	var lastErr error

	// Attempt A: no locks held, retried only while errors are deadlock-class.
	for retries < r.deadlockRetries {
		if err := ctx.Err(); err != nil {
			return apperrors.ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return r.timeoutErr(lastErr)
		}
		err := run(ctx, session)
		if err == nil {
			r.logSuccess(retries)
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
		lastErr = err
		retries++
		if err := r.backoff(ctx, deadline); err != nil {
			return err
		}
	}

	// Attempt B: test-then-retry, still without holding locks.
	for i := 0; i < r.testRetries; i++ {
		if err := ctx.Err(); err != nil {
			return apperrors.ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return r.timeoutErr(lastErr)
		}
		free, err := r.lockSet.TestFree(ctx, session, prefix, resources)
		if err != nil {
			return err
		}
		if !free {
			break
		}
		err = run(ctx, session)
		if err == nil {
			r.logSuccess(retries)
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
		lastErr = err
		retries++
		if err := r.backoff(ctx, deadline); err != nil {
			return err
		}
	}

	// Attempt C: acquire the full resource set for the remaining time and
	// retry until success or deadline.
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return r.timeoutErr(lastErr)
	}
	held, err := r.lockSet.Acquire(ctx, session, prefix, resources, remaining)
	if err != nil {
		return err
	}
	defer held.Release(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return r.timeoutErr(lastErr)
		}
		err := run(ctx, session)
		if err == nil {
			r.logSuccess(retries)
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
		lastErr = err
		retries++
		if err := r.backoff(ctx, deadline); err != nil {
			return err
		}
	}
}

// logSuccess logs a successful resolution that required at least the
// deadlock-retry threshold's worth of attempts; bursts below threshold stay
// silent (spec §4.4 cancellation/logging note).
func (r *Repeater) logSuccess(retries int) {
	if retries >= r.deadlockRetries {
		r.logger.Warn("repeater resolved after sustained deadlock retries", "retries", retries)
	}
}

func (r *Repeater) timeoutErr(cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, cause)
	}
	return apperrors.ErrTimeout
}

// backoff sleeps a jittered 0..100ms interval, bounded by ctx cancellation
// and deadline.
func (r *Repeater) backoff(ctx context.Context, deadline time.Time) error {
	wait := time.Duration(rand.Int63n(int64(maxBackoffJitter) + 1))
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apperrors.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// isDeadlock reports whether err is a MySQL deadlock-class error (numbers
// 1213 or 1614).
func isDeadlock(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrLockDeadlock || mysqlErr.Number == mysqlErrCertFailure
	}
	return false
}
