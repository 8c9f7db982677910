// Package storage implements the short-lived reader surface: job creation,
// job/state/parameter reads, collection reads, the server registry, and the
// passthrough to the distributed-lock manager and the write-only transaction
// (spec §4.9). Every call here borrows a session, does its work, and returns
// it — no call holds a session across an API boundary the way the queue
// package's fetched-job handle does.
package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

// defaultReadTimeout bounds CreateExpiredJob/SetJobParameter/server-registry
// writes when Config.Timeout is unset.
const defaultReadTimeout = 30 * time.Second

// Reader is the storage connection: reads, job creation, and the server
// registry, all backed by a shared Pool and Repeater.
type Reader struct {
	pool         *locking.Pool
	repeater     *locking.Repeater
	lockManager  *locking.DistributedLockManager
	resolveQueue QueueResolver
	prefix       string
	now          timeprovider.Provider
	timeout      time.Duration
	txnTimeout   time.Duration
	logger       *slog.Logger
}

// Config configures a Reader.
type Config struct {
	Pool         *locking.Pool
	Repeater     *locking.Repeater
	LockManager  *locking.DistributedLockManager
	ResolveQueue QueueResolver
	Prefix       string
	Now          timeprovider.Provider
	Timeout      time.Duration // bounds the Reader's own Repeater calls (job creation, parameters, server registry); default 30s
	TxnTimeout   time.Duration // default passed through to new write transactions; default 1m
	Logger       *slog.Logger
}

// New builds a Reader.
func New(cfg Config) *Reader {
	now := cfg.Now
	if now == nil {
		now = timeprovider.RealProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	txnTimeout := cfg.TxnTimeout
	if txnTimeout <= 0 {
		txnTimeout = time.Minute
	}
	return &Reader{
		pool:         cfg.Pool,
		repeater:     cfg.Repeater,
		lockManager:  cfg.LockManager,
		resolveQueue: cfg.ResolveQueue,
		prefix:       cfg.Prefix,
		now:          now,
		timeout:      timeout,
		txnTimeout:   txnTimeout,
		logger:       logger,
	}
}

// withSession borrows a session, runs fn, and returns it, for read-only
// calls that need no lock or retry.
func (r *Reader) withSession(ctx context.Context, fn func(session sqldb.DB) error) error {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(ctx)
	return fn(lease.Session)
}
