// Package expiry implements the round-robin expired-row sweep across the
// five TTL-bearing tables (spec §4.11).
package expiry

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
	interPassWait = time.Second
	sessionLock   = "ExpirationManager"
	lockTimeout   = 30 * time.Second
	passTimeout   = time.Minute
)

type target struct {
	table    string
	resource locking.Resource
}

// targets is the fixed round-robin order from spec §4.11.
var targets = []target{
	{"AggregatedCounter", locking.ResourceCounter},
	{"Job", locking.ResourceJob},
	{"List", locking.ResourceList},
	{"Set", locking.ResourceSet},
	{"Hash", locking.ResourceHash},
}

// Config controls the expiration manager's behavior.
type Config struct {
	Repeater     *locking.Repeater
	LockManager  *locking.DistributedLockManager
	Prefix       string
	Interval     time.Duration // sleep after an exhaustive batch that deleted nothing; default 1h
	Logger       *slog.Logger
	TimeProvider timeprovider.Provider
}

// Runner sweeps expired rows out of the five TTL-bearing tables.
type Runner struct {
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
		interval = time.Hour
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
		repeater: cfg.Repeater,
		lockMgr:  cfg.LockManager,
		prefix:   cfg.Prefix,
		interval: interval,
		logger:   logger,
		now:      now,
	}
}

// Run sweeps in a loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deletedAny, err := r.batch(ctx)
		if err != nil {
			return err
		}
		if !deletedAny {
			if err := r.sleep(ctx, r.interval); err != nil {
				return err
			}
		}
	}
}

// batch runs one pass over all five tables in order, returning whether any
// table had rows to delete.
func (r *Runner) batch(ctx context.Context) (bool, error) {
	deletedAny := false
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return deletedAny, err
		}
		affected, err := r.sweep(ctx, t)
		if err != nil {
			r.logger.Error("expiration sweep failed", "table", t.table, "err", err)
			continue
		}
		if affected > 0 {
			deletedAny = true
			r.logger.Info("expired rows removed", "table", t.table, "count", affected)
		}
		if err := r.sleep(ctx, interPassWait); err != nil {
			return deletedAny, err
		}
	}
	return deletedAny, nil
}

func (r *Runner) sweep(ctx context.Context, t target) (int64, error) {
	lock, err := r.lockMgr.Lock(ctx, r.lockName(), time.Now().Add(lockTimeout))
	if err != nil {
		return 0, err
	}
	defer lock.Release(ctx)

	deadline := time.Now().Add(passTimeout)
	var affected int64
	err = r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{t.resource}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			result, err := ac.Session.ExecContext(ctx, fmt.Sprintf(
				"DELETE FROM %s%s WHERE ExpireAt < ? LIMIT %d", r.prefix, t.table, batchSize),
				r.now.Now().UTC())
			if err != nil {
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
