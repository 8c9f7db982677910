// Package counters implements the periodic counter roll-up that bounds the
// size of the raw counter table (spec §4.10).
package counters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/timeprovider"
)

const (
	batchSize     = 1000
	interPassWait = 500 * time.Millisecond
	sessionLock   = "CountersAggregator"
	lockTimeout   = 30 * time.Second
	passTimeout   = time.Minute
)

// Config controls the aggregator's behavior.
type Config struct {
	Pool         *locking.Pool
	Repeater     *locking.Repeater
	LockManager  *locking.DistributedLockManager
	Prefix       string
	Interval     time.Duration // sleep after a full aggregation run; default 5m
	Logger       *slog.Logger
	TimeProvider timeprovider.Provider
}

// Runner periodically rolls raw PCounter rows up into PAggregatedCounter.
type Runner struct {
	pool     *locking.Pool
	repeater *locking.Repeater
	lockMgr  *locking.DistributedLockManager
	prefix   string
	interval time.Duration
	logger   *slog.Logger
	now      timeprovider.Provider
}

// NewRunner builds a Runner.
func NewRunner(cfg Config) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.TimeProvider
	if now == nil {
		now = timeprovider.RealProvider{}
	}
	return &Runner{
		pool:     cfg.Pool,
		repeater: cfg.Repeater,
		lockMgr:  cfg.LockManager,
		prefix:   cfg.Prefix,
		interval: interval,
		logger:   logger,
		now:      now,
	}
}

// Run aggregates in a loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runOnce(ctx); err != nil {
			r.logger.Error("counters aggregation pass failed", "err", err)
		}
		if err := r.sleep(ctx, r.interval); err != nil {
			return err
		}
	}
}

// runOnce drives passes until one affects fewer than batchSize rows.
func (r *Runner) runOnce(ctx context.Context) error {
	for {
		affected, err := r.pass(ctx)
		if err != nil {
			return err
		}
		if affected < batchSize {
			return nil
		}
		if err := r.sleep(ctx, interPassWait); err != nil {
			return err
		}
	}
}

func (r *Runner) pass(ctx context.Context) (int64, error) {
	lock, err := r.lockMgr.Lock(ctx, r.lockName(), time.Now().Add(lockTimeout))
	if err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	deadline := time.Now().Add(passTimeout)
	var affected int64
	err = r.repeater.ExecuteMany(ctx, r.prefix, []locking.Resource{locking.ResourceCounter}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			if _, err := ac.Tx.ExecContext(ctx, fmt.Sprintf(
				"CREATE TEMPORARY TABLE __refs__ ENGINE=MEMORY AS SELECT Id FROM %sCounter LIMIT %d",
				r.prefix, batchSize)); err != nil {
				return err
			}
			if _, err := ac.Tx.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %[1]sAggregatedCounter (`Key`, Value, ExpireAt) "+
					"SELECT `Key`, SUM(Value), MAX(ExpireAt) FROM %[1]sCounter c JOIN __refs__ r ON r.Id = c.Id GROUP BY `Key` "+
					"ON DUPLICATE KEY UPDATE Value = Value + VALUES(Value), ExpireAt = GREATEST(ExpireAt, VALUES(ExpireAt))",
				r.prefix)); err != nil {
				return err
			}
			result, err := ac.Tx.ExecContext(ctx, fmt.Sprintf(
				"DELETE c FROM %sCounter c JOIN __refs__ r ON r.Id = c.Id", r.prefix))
			if err != nil {
				return err
			}
			if _, err := ac.Tx.ExecContext(ctx, "DROP TABLE __refs__"); err != nil {
				return err
			}
			affected, err = result.RowsAffected()
			return err
		})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *Runner) lockName() string {
	return r.prefix + sessionLock
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
