// Package queue implements at-least-once queued delivery of job ids, backed
// by claim rows with an invisibility timeout and a correlating fetch token
// (spec §4.7).
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/timeprovider"
)

// finalizeTimeout bounds the remove/requeue calls a fetched-job handle makes
// on its own session; these are single-row statements and never need long.
const finalizeTimeout = 30 * time.Second

// Execer is the subset of sqldb.DB/sqldb.Tx that InsertRow needs, letting the
// write-only transaction's AddToQueue command reuse it inside its own batch
// without importing a concrete session type.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertRow inserts one queue slot for jobID onto queueName. Shared by
// Queue.Enqueue (through the Repeater on a borrowed session) and the
// write-only transaction's AddToQueue command (inside a batch transaction).
func InsertRow(ctx context.Context, exec Execer, prefix, queueName, jobID string) error {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid job id %q", apperrors.ErrValidation, jobID)
	}
	_, err = exec.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %sJobQueue (JobId, Queue, FetchedAt, FetchToken) VALUES (?, ?, NULL, NULL)", prefix),
		id, queueName)
	return err
}

// Queue is a job queue provider instance: one configured prefix against one
// database.
type Queue struct {
	pool         *locking.Pool
	repeater     *locking.Repeater
	prefix       string
	now          timeprovider.Provider
	pollInterval time.Duration
	idleJitter   time.Duration
	invisibility time.Duration
	logger       *slog.Logger
}

// Config configures a Queue.
type Config struct {
	Pool                *locking.Pool
	Repeater            *locking.Repeater
	Prefix              string
	Now                 timeprovider.Provider
	PollInterval        time.Duration // clamped to >= 1s; default 15s
	IdleJitter          time.Duration // random [0, IdleJitter) added per empty-poll sleep; default 0 (off)
	InvisibilityTimeout time.Duration // default 30m
	Logger              *slog.Logger
}

// New builds a Queue.
func New(cfg Config) *Queue {
	now := cfg.Now
	if now == nil {
		now = timeprovider.RealProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	} else if pollInterval < time.Second {
		pollInterval = time.Second
	}
	invisibility := cfg.InvisibilityTimeout
	if invisibility <= 0 {
		invisibility = 30 * time.Minute
	}
	return &Queue{
		pool:         cfg.Pool,
		repeater:     cfg.Repeater,
		prefix:       cfg.Prefix,
		now:          now,
		pollInterval: pollInterval,
		idleJitter:   cfg.IdleJitter,
		invisibility: invisibility,
		logger:       logger,
	}
}

// Enqueue inserts a delivery slot for jobID onto queueName, under the Queue
// resource lock.
func (q *Queue) Enqueue(ctx context.Context, deadline time.Time, queueName, jobID string) error {
	return q.repeater.ExecuteOne(ctx, q.prefix, []locking.Resource{locking.ResourceQueue}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			return InsertRow(ctx, ac.Session, q.prefix, queueName, jobID)
		})
}

// Dequeue polls queues for a claimable slot, returning a handle bound to the
// session that won the claim, until it claims one, ctx is cancelled, or
// timeout elapses.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*FetchedJob, error) {
	if len(queues) == 0 {
		return nil, apperrors.ErrValidation
	}
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.ErrCancelled
		}
		if !time.Now().Before(deadline) {
			return nil, apperrors.ErrCancelled
		}

		lease, err := q.pool.Borrow(ctx)
		if err != nil {
			return nil, err
		}

		token := uuid.NewString()
		affected, err := q.claim(ctx, lease, queues, token, deadline)
		if err != nil {
			lease.Dispose(ctx)
			return nil, err
		}

		if affected == 1 {
			job, err := q.loadClaimed(ctx, lease, token)
			if err != nil {
				lease.Dispose(ctx)
				return nil, err
			}
			return job, nil
		}

		lease.Dispose(ctx)
		if err := q.sleepUntilNextPoll(ctx, deadline); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) claim(ctx context.Context, lease *locking.Lease, queues []string, token string, deadline time.Time) (int64, error) {
	var affected int64
	err := q.repeater.ExecuteOnExistingSession(ctx, lease.Session, q.prefix, []locking.Resource{locking.ResourceQueue}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			now := q.now.Now().UTC()
			staleCutoff := now.Add(-q.invisibility)
			placeholders, queueArgs := inClause(queues)
			args := make([]any, 0, len(queueArgs)+3)
			args = append(args, now, token)
			args = append(args, queueArgs...)
			args = append(args, staleCutoff)

			result, err := ac.Session.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %sJobQueue SET FetchedAt = ?, FetchToken = ? WHERE Queue IN (%s) AND (FetchedAt IS NULL OR FetchedAt < ?) LIMIT 1",
				q.prefix, placeholders), args...)
			if err != nil {
				return err
			}
			affected, err = result.RowsAffected()
			return err
		})
	return affected, err
}

func (q *Queue) loadClaimed(ctx context.Context, lease *locking.Lease, token string) (*FetchedJob, error) {
	var rowID int64
	var jobID int64
	var queueName string
	row := lease.Session.QueryRowContext(ctx,
		fmt.Sprintf("SELECT Id, JobId, Queue FROM %sJobQueue WHERE FetchToken = ? LIMIT 1", q.prefix), token)
	if err := row.Scan(&rowID, &jobID, &queueName); err != nil {
		return nil, err
	}
	return &FetchedJob{
		queue:     q,
		lease:     lease,
		rowID:     rowID,
		jobID:     strconv.FormatInt(jobID, 10),
		queueName: queueName,
	}, nil
}

// sleepUntilNextPoll waits pollInterval plus a small random jitter before
// the next claim attempt, so many concurrent dequeuers sharing the same
// poll interval don't all retry the same queue row in lockstep.
func (q *Queue) sleepUntilNextPoll(ctx context.Context, deadline time.Time) error {
	wait := q.pollInterval
	if q.idleJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(q.idleJitter)))
	}
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return apperrors.ErrCancelled
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apperrors.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// inClause builds a "?,?,..." placeholder list and the matching arg slice
// for a SQL IN (...) over queue names.
func inClause(queues []string) (string, []any) {
	placeholders := make([]string, len(queues))
	args := make([]any, len(queues))
	for i, q := range queues {
		placeholders[i] = "?"
		args[i] = q
	}
	return strings.Join(placeholders, ","), args
}

// FetchedJob is a claimed queue slot bound to the session that claimed it.
// Exactly one of RemoveFromQueue, Requeue, or Dispose finalizes it; Dispose
// after neither of the other two requeues the slot automatically.
type FetchedJob struct {
	queue     *Queue
	lease     *locking.Lease
	rowID     int64
	jobID     string
	queueName string
	done      bool
}

// JobID returns the claimed job's id in its external textual form.
func (f *FetchedJob) JobID() string { return f.jobID }

// Queue returns the name of the queue this slot was claimed from.
func (f *FetchedJob) Queue() string { return f.queueName }

// RemoveFromQueue permanently deletes the claimed row and releases the
// underlying session back to the pool.
func (f *FetchedJob) RemoveFromQueue(ctx context.Context) error {
	if f.done {
		return nil
	}
	err := f.finalize(ctx, fmt.Sprintf("DELETE FROM %sJobQueue WHERE Id = ?", f.queue.prefix))
	if err != nil {
		return err
	}
	f.done = true
	f.lease.Dispose(ctx)
	return nil
}

// Requeue clears FetchedAt so the slot becomes claimable again immediately,
// then releases the underlying session back to the pool.
func (f *FetchedJob) Requeue(ctx context.Context) error {
	if f.done {
		return nil
	}
	err := f.finalize(ctx, fmt.Sprintf("UPDATE %sJobQueue SET FetchedAt = NULL WHERE Id = ?", f.queue.prefix))
	if err != nil {
		return err
	}
	f.done = true
	f.lease.Dispose(ctx)
	return nil
}

// Dispose requeues the slot if it was neither removed nor already requeued,
// then releases the underlying session back to the pool regardless.
func (f *FetchedJob) Dispose(ctx context.Context) {
	if f.done {
		return
	}
	if err := f.Requeue(ctx); err != nil {
		f.queue.logger.Warn("requeue on dispose failed", "job_id", f.jobID, "err", err)
		f.done = true
		f.lease.Dispose(ctx)
	}
}

func (f *FetchedJob) finalize(ctx context.Context, statement string) error {
	deadline := time.Now().Add(finalizeTimeout)
	return f.queue.repeater.ExecuteOnExistingSession(ctx, f.lease.Session, f.queue.prefix, []locking.Resource{locking.ResourceQueue}, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			_, err := ac.Session.ExecContext(ctx, statement, f.rowID)
			return err
		})
}
