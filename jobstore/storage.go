package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/relaydb/jobstore/diag"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/maintenance/counters"
	"github.com/relaydb/jobstore/maintenance/expiry"
	"github.com/relaydb/jobstore/queue"
	"github.com/relaydb/jobstore/schema"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/storage"
	"github.com/relaydb/jobstore/txn"
)

// Storage is the single handle the host job framework depends on: it hides
// the pool, locking primitives, schema installer, queue, and maintenance
// workers behind the capability surface a caller actually needs (Design
// Notes §9's "one storage handle" fix).
type Storage struct {
	pool         *locking.Pool
	lockManager  *locking.DistributedLockManager
	queue        *queue.Queue
	reader       *storage.Reader
	counters     *counters.Runner
	expiration   *expiry.Runner
	prefix       string
	logger       *slog.Logger
	now          func() time.Time
	cancelWorker context.CancelFunc
}

// Open connects to dsn, installs the schema if configured to, and wires
// every component together into one Storage handle.
func Open(ctx context.Context, dsn string, cfg Config) (*Storage, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolMax)

	pool, err := locking.NewPool(locking.PoolConfig{
		Min: cfg.PoolMin,
		Max: cfg.PoolMax,
		Produce: func(ctx context.Context) (sqldb.DB, error) {
			conn, err := db.Conn(ctx)
			if err != nil {
				return nil, err
			}
			return sqldb.NewConnDB(conn), nil
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	sessionLock := locking.NewSessionLock(cfg.Logger)
	lockSet := locking.NewResourceLockSet(sessionLock)
	repeater, err := locking.NewRepeater(locking.RepeaterConfig{
		Pool:        pool,
		LockSet:     lockSet,
		SessionLock: sessionLock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	lockManager, err := locking.NewDistributedLockManager(ctx, locking.DistributedLockManagerConfig{
		Pool:        pool,
		SessionLock: sessionLock,
	})
	if err != nil {
		return nil, err
	}

	if cfg.PrepareSchemaIfNecessary != nil && *cfg.PrepareSchemaIfNecessary {
		installer := schema.NewInstaller(schema.Config{
			Pool:    pool,
			LockSet: lockSet,
			Prefix:  cfg.TablesPrefix,
			Now:     cfg.TimeProvider,
			Logger:  cfg.Logger,
		})
		if err := installer.Install(ctx); err != nil {
			return nil, fmt.Errorf("install schema: %w", err)
		}
		if lease, err := pool.Borrow(ctx); err == nil {
			_, _ = diag.RecordClockDrift(ctx, lease.Session, cfg.TimeProvider, cfg.Logger)
			lease.Dispose(ctx)
		}
	}

	idleJitter := cfg.QueueIdleJitter
	if idleJitter <= 0 {
		pollInterval := cfg.QueuePollInterval
		if pollInterval <= 0 {
			pollInterval = 15 * time.Second
		} else if pollInterval < time.Second {
			pollInterval = time.Second
		}
		idleJitter = pollInterval / 4
	}
	q := queue.New(queue.Config{
		Pool:                pool,
		Repeater:            repeater,
		Prefix:              cfg.TablesPrefix,
		Now:                 cfg.TimeProvider,
		PollInterval:        cfg.QueuePollInterval,
		IdleJitter:          idleJitter,
		InvisibilityTimeout: cfg.InvisibilityTimeout,
		Logger:              cfg.Logger,
	})

	reader := storage.New(storage.Config{
		Pool:         pool,
		Repeater:     repeater,
		LockManager:  lockManager,
		ResolveQueue: func(string) (storage.QueueProvider, bool) { return q, true },
		Prefix:       cfg.TablesPrefix,
		Now:          cfg.TimeProvider,
		TxnTimeout:   cfg.TransactionTimeout,
		Logger:       cfg.Logger,
	})

	countersRunner := counters.NewRunner(counters.Config{
		Pool:         pool,
		Repeater:     repeater,
		LockManager:  lockManager,
		Prefix:       cfg.TablesPrefix,
		Interval:     cfg.CountersAggregateInterval,
		Logger:       cfg.Logger,
		TimeProvider: cfg.TimeProvider,
	})
	expirationRunner := expiry.NewRunner(expiry.Config{
		Repeater:     repeater,
		LockManager:  lockManager,
		Prefix:       cfg.TablesPrefix,
		Interval:     cfg.JobExpirationCheckInterval,
		Logger:       cfg.Logger,
		TimeProvider: cfg.TimeProvider,
	})

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:         pool,
		lockManager:  lockManager,
		queue:        q,
		reader:       reader,
		counters:     countersRunner,
		expiration:   expirationRunner,
		prefix:       cfg.TablesPrefix,
		logger:       cfg.Logger,
		now:          cfg.TimeProvider.Now,
		cancelWorker: cancel,
	}
	go s.runMaintenance(workerCtx, countersRunner)
	go s.runMaintenance(workerCtx, expirationRunner)
	return s, nil
}

type maintenanceRunner interface {
	Run(ctx context.Context) error
}

func (s *Storage) runMaintenance(ctx context.Context, runner maintenanceRunner) {
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("maintenance worker stopped unexpectedly", "err", err)
	}
}

// Reader exposes the short-lived read surface (spec §4.9).
func (s *Storage) Reader() *storage.Reader { return s.reader }

// Queue exposes the job queue provider (spec §4.7).
func (s *Storage) Queue() *queue.Queue { return s.queue }

// NewWriteTransaction opens a fresh write-only transaction (spec §4.8).
func (s *Storage) NewWriteTransaction() *txn.Transaction {
	return s.reader.NewWriteTransaction()
}

// Dispose releases both the distributed-lock manager's dedicated session and
// the connection pool, stops the maintenance workers, and must be called
// exactly once on shutdown (Design Notes §9's "Dispose both" fix — a prior
// revision freed only the pool and leaked the lock manager's quick-attempt
// session).
func (s *Storage) Dispose(ctx context.Context) {
	s.cancelWorker()
	s.lockManager.Dispose(ctx)
	if err := s.pool.Close(); err != nil {
		s.logger.Warn("pool close failed", "err", err)
	}
}
