// Package jobstore assembles the Pool, SessionLock, ResourceLockSet,
// Repeater, DistributedLockManager, schema installer, queue, write-only
// transaction, reader, and maintenance workers behind one storage handle
// (spec §6, Design Notes §9's "one storage handle").
package jobstore

import (
	"database/sql/driver"
	"log/slog"
	"time"

	"github.com/relaydb/jobstore/timeprovider"
)

// Config mirrors spec §6's configuration surface.
type Config struct {
	// TablesPrefix is prepended to every table name. Default empty.
	TablesPrefix string
	// PrepareSchemaIfNecessary runs the installer and embedded migrations on
	// construction. Default true; set to a false pointer to opt out.
	PrepareSchemaIfNecessary *bool
	// QueuePollInterval is the dequeue sleep between empty claims,
	// lower-clamped at 1s. Default 15s. Defaulting and clamping happen in
	// queue.New, which this value is passed straight through to.
	QueuePollInterval time.Duration
	// QueueIdleJitter adds a random [0, QueueIdleJitter) delay on top of
	// QueuePollInterval so concurrent dequeuers don't retry in lockstep.
	// Default a quarter of the effective poll interval.
	QueueIdleJitter time.Duration
	// JobExpirationCheckInterval is the sleep after an exhaustive expiration
	// batch that deleted nothing. Default 1h.
	JobExpirationCheckInterval time.Duration
	// CountersAggregateInterval is the sleep after a counters aggregation
	// run. Default 5m.
	CountersAggregateInterval time.Duration
	// InvisibilityTimeout is the queue-slot stale cutoff. Default 30m.
	InvisibilityTimeout time.Duration
	// TransactionTimeout bounds a write-only transaction's batch commit.
	// Default 1m.
	TransactionTimeout time.Duration
	// DashboardJobListLimit is opaque to the core; it is kept on Config and
	// not read by any component in this module.
	DashboardJobListLimit int
	// TransactionIsolationLevel is not applied: batch commits begin their
	// transactions with the driver's default isolation level.
	TransactionIsolationLevel driver.IsolationLevel

	// PoolMin/PoolMax size the session pool backing every component.
	// Default 2/10.
	PoolMin int
	PoolMax int

	Logger       *slog.Logger
	TimeProvider timeprovider.Provider
}

func (c Config) withDefaults() Config {
	if c.PrepareSchemaIfNecessary == nil {
		enabled := true
		c.PrepareSchemaIfNecessary = &enabled
	}
	if c.JobExpirationCheckInterval <= 0 {
		c.JobExpirationCheckInterval = time.Hour
	}
	if c.CountersAggregateInterval <= 0 {
		c.CountersAggregateInterval = 5 * time.Minute
	}
	if c.InvisibilityTimeout <= 0 {
		c.InvisibilityTimeout = 30 * time.Minute
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = time.Minute
	}
	if c.PoolMin < 1 {
		c.PoolMin = 2
	}
	if c.PoolMax < c.PoolMin {
		c.PoolMax = 10
		if c.PoolMax < c.PoolMin {
			c.PoolMax = c.PoolMin
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TimeProvider == nil {
		c.TimeProvider = timeprovider.RealProvider{}
	}
	return c
}
