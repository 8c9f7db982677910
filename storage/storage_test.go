package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

func newTestReader(t *testing.T, db sqldb.DB, now time.Time) *Reader {
	t.Helper()
	pool, err := locking.NewPool(locking.PoolConfig{
		Min: 1, Max: 1,
		Produce: func(ctx context.Context) (sqldb.DB, error) { return db, nil },
		Recycle: func(ctx context.Context, s sqldb.DB) bool { return true },
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repeater, err := locking.NewRepeater(locking.RepeaterConfig{
		Pool:        pool,
		LockSet:     locking.NewResourceLockSet(locking.NewSessionLock(nil)),
		SessionLock: locking.NewSessionLock(nil),
	})
	require.NoError(t, err)

	return New(Config{
		Pool:     pool,
		Repeater: repeater,
		Prefix:   "app",
		Now:      timeprovider.FixedProvider{T: now},
	})
}
