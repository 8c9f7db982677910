package locking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// maintenanceInterval is how often the pool's background task considers
// discarding one idle session (spec §4.3).
const maintenanceInterval = time.Second

// Produce creates a brand new session (typically db.Conn(ctx) wrapped with
// sqldb.NewConnDB).
type Produce func(ctx context.Context) (sqldb.DB, error)

// Recycle inspects a session being returned to the pool and reports whether
// it should be kept for reuse. The default recycler (see NewPool) calls
// RELEASE_ALL_LOCKS on the session and always keeps it.
type Recycle func(ctx context.Context, session sqldb.DB) bool

// Pool is a bounded pool of open database sessions. Sessions are the unit of
// reuse because MySQL advisory locks are session-scoped (spec §4.3); the
// pool exists to amortize session creation while concentrating those locks
// into carriers callers can borrow and return.
type Pool struct {
	min     int
	max     int
	produce Produce
	recycle Recycle
	logger  *slog.Logger

	mu       sync.Mutex
	idle     []sqldb.DB
	size     int
	closed   bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Min     int
	Max     int
	Produce Produce
	// Recycle is optional; nil installs the default RELEASE_ALL_LOCKS
	// recycler.
	Recycle Recycle
	Logger  *slog.Logger
}

// NewPool builds a Pool. Min must be >= 1 and Max >= Min.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Produce == nil {
		return nil, apperrors.ErrNotConfigured
	}
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recycle := cfg.Recycle
	if recycle == nil {
		sessionLock := NewSessionLock(logger)
		recycle = func(ctx context.Context, session sqldb.DB) bool {
			if err := sessionLock.ReleaseAll(ctx, session); err != nil {
				logger.Warn("release all locks on recycle failed", "err", err)
			}
			return true
		}
	}

	p := &Pool{
		min:     cfg.Min,
		max:     cfg.Max,
		produce: cfg.Produce,
		recycle: recycle,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.maintain()
	return p, nil
}

// Lease carries one borrowed session. Dispose must be called exactly once to
// return (or discard) the session.
type Lease struct {
	pool     *Pool
	Session  sqldb.DB
	disposed bool
}

// Borrow hands out a session, creating one if none are idle.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed: %w", apperrors.ErrNotConfigured)
	}
	if n := len(p.idle); n > 0 {
		session := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Lease{pool: p, Session: session}, nil
	}
	p.mu.Unlock()

	session, err := p.produce(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.size++
	p.mu.Unlock()
	return &Lease{pool: p, Session: session}, nil
}

// dispose returns the lease's session to the pool, subject to recycling.
func (p *Pool) dispose(ctx context.Context, session sqldb.DB) {
	keep := p.recycle(ctx, session) && p.withinMax()
	if !keep {
		_ = session.Close()
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = session.Close()
		return
	}
	p.idle = append(p.idle, session)
	p.mu.Unlock()
}

func (p *Pool) withinMax() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size <= p.max
}

// Dispose returns this lease's session to the pool (or discards it, per the
// recycler) exactly once.
func (l *Lease) Dispose(ctx context.Context) {
	if l.disposed {
		return
	}
	l.disposed = true
	l.pool.dispose(ctx, l.Session)
}

// maintain wakes roughly once a second and discards at most one idle session
// above min, bounding how long an oversized pool stays oversized after a
// traffic spike recedes.
func (p *Pool) maintain() {
	defer close(p.doneCh)
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictOneIdle()
		}
	}
}

func (p *Pool) evictOneIdle() {
	p.mu.Lock()
	if p.closed || p.size <= p.min || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	n := len(p.idle)
	session := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.size--
	p.mu.Unlock()

	if err := session.Close(); err != nil {
		p.logger.Warn("close idle session failed", "err", err)
	}
}

// Close stops the maintenance task and disposes every idle session.
// Sessions currently on loan are disposed by their own Lease.Dispose once
// returned rather than re-enqueued, since the pool is no longer accepting
// new idle members.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh

	var firstErr error
	for _, session := range idle {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
