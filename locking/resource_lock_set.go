package locking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/sqldb"
)

// ResourceLockSet acquires a set of named locks atomically-or-not-at-all, in
// sorted order, to prevent lock-order deadlocks between concurrent callers
// (spec §4.2, §5).
type ResourceLockSet struct {
	sessionLock *SessionLock
}

// NewResourceLockSet builds a ResourceLockSet on top of a SessionLock.
func NewResourceLockSet(sessionLock *SessionLock) *ResourceLockSet {
	return &ResourceLockSet{sessionLock: sessionLock}
}

// Held represents a set of resource locks acquired on one session. Release
// must be called exactly once, regardless of how acquisition went.
type Held struct {
	set     *ResourceLockSet
	session sqldb.DB
	names   []string
}

// Acquire takes every resource in resources, in sorted order, against a
// single shared deadline computed once up front. If any individual
// acquisition fails or times out, every lock acquired so far is released
// before the error is returned.
func (s *ResourceLockSet) Acquire(ctx context.Context, session sqldb.DB, prefix string, resources []Resource, timeout time.Duration) (*Held, error) {
	sorted := sortResources(resources)
	deadline := time.Now().Add(timeout)

	held := &Held{set: s, session: session, names: make([]string, 0, len(sorted))}
	for _, r := range sorted {
		name := lockName(prefix, r)
		acquired, err := s.sessionLock.Acquire(ctx, session, name, deadline)
		if err != nil {
			held.Release(ctx)
			return nil, err
		}
		if !acquired {
			held.Release(ctx)
			return nil, fmt.Errorf("acquire lock %q: %w", name, apperrors.ErrTimeout)
		}
		held.names = append(held.names, name)
	}
	return held, nil
}

// Release releases every lock acquired so far, in any order; a partially
// filled Held (from a failed Acquire) releases just what it holds.
func (h *Held) Release(ctx context.Context) {
	for _, name := range h.names {
		h.set.sessionLock.Release(ctx, h.session, name)
	}
	h.names = nil
}

// TestFree reports whether every named resource is either free or held by
// this same session, using IS_USED_LOCK alongside CONNECTION_ID in a single
// round trip (spec §4.2's "test-only" operation). It never blocks.
func (s *ResourceLockSet) TestFree(ctx context.Context, session sqldb.DB, prefix string, resources []Resource) (bool, error) {
	sorted := sortResources(resources)
	if len(sorted) == 0 {
		return true, nil
	}

	query := "SELECT CONNECTION_ID()"
	args := make([]any, 0, len(sorted))
	for _, r := range sorted {
		query += ", IS_USED_LOCK(?)"
		args = append(args, lockName(prefix, r))
	}

	row := session.QueryRowContext(ctx, query, args...)
	scanTargets := make([]any, len(sorted)+1)
	var connID int64
	scanTargets[0] = &connID
	holders := make([]sql.NullInt64, len(sorted))
	for i := range holders {
		scanTargets[i+1] = &holders[i]
	}
	if err := row.Scan(scanTargets...); err != nil {
		return false, err
	}

	for _, holder := range holders {
		if holder.Valid && holder.Int64 != connID {
			return false, nil
		}
	}
	return true, nil
}
