package locking

import (
	"context"
	"sync"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// defaultPollInterval is how often a blocked DistributedLockManager.Lock call
// re-attempts GET_LOCK while waiting (spec §4.5).
const defaultPollInterval = 250 * time.Millisecond

// DistributedLockManager hands out user-facing named locks without letting a
// long blocking wait tie up the session other callers use for their own
// quick attempts. It keeps two kinds of session: one shared, long-lived
// session used only for instantaneous (zero-wait) attempts, serialized by an
// internal mutex since one session can only run one statement at a time; and
// one freshly borrowed session per caller that actually has to wait, which
// polls at pollInterval until the lock frees up or the deadline passes
// (spec §4.5).
type DistributedLockManager struct {
	pool         *Pool
	sessionLock  *SessionLock
	pollInterval time.Duration

	quickMu    sync.Mutex
	quickLease *Lease
}

// DistributedLockManagerConfig configures a DistributedLockManager.
type DistributedLockManagerConfig struct {
	Pool         *Pool
	SessionLock  *SessionLock
	PollInterval time.Duration // defaults to 250ms
}

// NewDistributedLockManager builds a DistributedLockManager, borrowing the
// dedicated session used for quick attempts up front.
func NewDistributedLockManager(ctx context.Context, cfg DistributedLockManagerConfig) (*DistributedLockManager, error) {
	if cfg.Pool == nil || cfg.SessionLock == nil {
		return nil, apperrors.ErrNotConfigured
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	quickLease, err := cfg.Pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	return &DistributedLockManager{
		pool:         cfg.Pool,
		sessionLock:  cfg.SessionLock,
		pollInterval: pollInterval,
		quickLease:   quickLease,
	}, nil
}

// DistributedLock is a held named lock. Release must be called exactly once.
type DistributedLock struct {
	manager *DistributedLockManager
	name    string
	session sqldb.DB
	// lease is non-nil only when this lock was acquired on a dedicated
	// polling session rather than the manager's shared quick session; that
	// session must be returned to the pool on release.
	lease *Lease
}

// Lock acquires the named distributed lock before deadline. It first tries
// an instantaneous, non-blocking attempt on the manager's shared session; if
// that fails it borrows a session of its own and polls until the lock frees,
// ctx is cancelled, or deadline passes.
func (m *DistributedLockManager) Lock(ctx context.Context, name string, deadline time.Time) (*DistributedLock, error) {
	m.quickMu.Lock()
	acquired, err := m.sessionLock.Acquire(ctx, m.quickLease.Session, name, time.Now())
	m.quickMu.Unlock()
	if err != nil {
		return nil, err
	}
	if acquired {
		return &DistributedLock{manager: m, name: name, session: m.quickLease.Session}, nil
	}

	lease, err := m.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			lease.Dispose(ctx)
			return nil, apperrors.ErrCancelled
		}
		if !time.Now().Before(deadline) {
			lease.Dispose(ctx)
			return nil, apperrors.ErrTimeout
		}
		acquired, err := m.sessionLock.Acquire(ctx, lease.Session, name, time.Now())
		if err != nil {
			lease.Dispose(ctx)
			return nil, err
		}
		if acquired {
			return &DistributedLock{manager: m, name: name, session: lease.Session, lease: lease}, nil
		}
		select {
		case <-ctx.Done():
			lease.Dispose(ctx)
			return nil, apperrors.ErrCancelled
		case <-ticker.C:
		}
	}
}

// Release frees the named lock and, if a dedicated session was borrowed to
// wait for it, returns that session to the pool.
func (l *DistributedLock) Release(ctx context.Context) {
	l.manager.sessionLock.Release(ctx, l.session, l.name)
	if l.lease != nil {
		l.lease.Dispose(ctx)
	}
}

// Dispose releases the manager's shared quick-attempt session. Call it once,
// on storage shutdown.
func (m *DistributedLockManager) Dispose(ctx context.Context) {
	m.quickLease.Dispose(ctx)
}
