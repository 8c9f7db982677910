package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/locking"
)

// AnnounceServer upserts a server row's Data and bumps its heartbeat to now,
// under the Server lock.
func (r *Reader) AnnounceServer(ctx context.Context, serverID string, data []byte) error {
	if serverID == "" {
		return fmt.Errorf("%w: server id is required", apperrors.ErrValidation)
	}
	deadline := time.Now().Add(r.timeout)
	return r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{locking.ResourceServer}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			_, err := ac.Session.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %sServer (Id, Data, LastHeartbeat) VALUES (?, ?, ?) "+
					"ON DUPLICATE KEY UPDATE Data = VALUES(Data), LastHeartbeat = VALUES(LastHeartbeat)",
				r.prefix), serverID, data, r.now.Now().UTC())
			return err
		})
}

// Heartbeat bumps a server row's LastHeartbeat to now, under the Server
// lock. It is a no-op, not an error, if serverID was never announced.
func (r *Reader) Heartbeat(ctx context.Context, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("%w: server id is required", apperrors.ErrValidation)
	}
	deadline := time.Now().Add(r.timeout)
	return r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{locking.ResourceServer}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			_, err := ac.Session.ExecContext(ctx,
				fmt.Sprintf("UPDATE %sServer SET LastHeartbeat = ? WHERE Id = ?", r.prefix),
				r.now.Now().UTC(), serverID)
			return err
		})
}

// RemoveServer deletes a server row, under the Server lock. It is a no-op,
// not an error, if serverID is already gone.
func (r *Reader) RemoveServer(ctx context.Context, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("%w: server id is required", apperrors.ErrValidation)
	}
	deadline := time.Now().Add(r.timeout)
	return r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{locking.ResourceServer}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			_, err := ac.Session.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %sServer WHERE Id = ?", r.prefix), serverID)
			return err
		})
}

// RemoveTimedOutServers deletes every server row whose LastHeartbeat is
// older than cutoff, under the Server lock, and reports how many were
// removed.
func (r *Reader) RemoveTimedOutServers(ctx context.Context, cutoff time.Time) (int64, error) {
	deadline := time.Now().Add(r.timeout)
	var removed int64
	err := r.repeater.ExecuteOne(ctx, r.prefix, []locking.Resource{locking.ResourceServer}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			result, err := ac.Session.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %sServer WHERE LastHeartbeat < ?", r.prefix), cutoff.UTC())
			if err != nil {
				return err
			}
			removed, err = result.RowsAffected()
			return err
		})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
