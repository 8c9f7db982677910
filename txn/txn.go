// Package txn implements the write-only transaction: a buffer of deferred
// mutations committed atomically under the union of resource locks the
// buffered commands touch (spec §4.8).
package txn

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/queue"
	"github.com/relaydb/jobstore/sqldb"
	"github.com/relaydb/jobstore/timeprovider"
)

// defaultTimeout bounds Commit when the caller builds a Transaction without
// an explicit timeout (spec §6 TransactionTimeout default).
const defaultTimeout = time.Minute

// command is one buffered mutation, run against the commit transaction in
// enqueue order.
type command func(ctx context.Context, tx sqldb.Tx) error

// State is the (name, reason, data) triple persisted alongside a job by
// SetJobState.
type State struct {
	Name   string
	Reason string
	Data   []byte
}

// Transaction buffers mutations and commits them all-or-nothing. Every
// exposed method appends one or more commands and records the resource
// tag(s) that command touches; Commit acquires the union of those tags for
// the whole batch.
type Transaction struct {
	repeater  *locking.Repeater
	prefix    string
	now       timeprovider.Provider
	timeout   time.Duration
	commands  []command
	resources *locking.ResourceTagSet
}

// New builds an empty Transaction bound to repeater/prefix. A zero timeout
// defaults to one minute.
func New(repeater *locking.Repeater, prefix string, now timeprovider.Provider, timeout time.Duration) *Transaction {
	if now == nil {
		now = timeprovider.RealProvider{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Transaction{
		repeater:  repeater,
		prefix:    prefix,
		now:       now,
		timeout:   timeout,
		resources: locking.NewResourceSet(),
	}
}

func (t *Transaction) add(r locking.Resource, c command) {
	t.resources.Add(r)
	t.commands = append(t.commands, c)
}

// Commit runs every buffered command, in order, inside one transaction on
// one session, under the union of locked resources. An empty transaction is
// a no-op.
func (t *Transaction) Commit(ctx context.Context) error {
	if len(t.commands) == 0 {
		return nil
	}
	deadline := time.Now().Add(t.timeout)
	resources := t.resources.Slice()
	cmds := t.commands
	return t.repeater.ExecuteMany(ctx, t.prefix, resources, deadline,
		func(ctx context.Context, ac locking.ActionContext) error {
			for _, c := range cmds {
				if err := c(ctx, ac.Tx); err != nil {
					return err
				}
			}
			return nil
		})
}

// ExpireJob schedules PJob.ExpireAt for jobID.
func (t *Transaction) ExpireJob(jobID string, expireAt time.Time) error {
	id, err := parseID(jobID)
	if err != nil {
		return err
	}
	t.add(locking.ResourceJob, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sJob SET ExpireAt = ? WHERE Id = ?", t.prefix),
			expireAt.UTC(), id)
		return err
	})
	return nil
}

// PersistJob clears PJob.ExpireAt for jobID so it never expires.
func (t *Transaction) PersistJob(jobID string) error {
	id, err := parseID(jobID)
	if err != nil {
		return err
	}
	t.add(locking.ResourceJob, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sJob SET ExpireAt = NULL WHERE Id = ?", t.prefix), id)
		return err
	})
	return nil
}

// SetJobState inserts a new PState row for jobID and repoints PJob at it.
// Both statements run on the same connection inside the same transaction,
// under the union of the Job and State locks.
func (t *Transaction) SetJobState(jobID string, state State) error {
	id, err := parseID(jobID)
	if err != nil {
		return err
	}
	t.resources.Add(locking.ResourceJob, locking.ResourceState)
	t.commands = append(t.commands, func(ctx context.Context, tx sqldb.Tx) error {
		createdAt := t.now.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %sState (JobId, Name, Reason, CreatedAt, Data) VALUES (?, ?, ?, ?, ?)", t.prefix),
			id, state.Name, state.Reason, createdAt, state.Data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sJob SET StateId = LAST_INSERT_ID(), StateName = ? WHERE Id = ?", t.prefix),
			state.Name, id)
		return err
	})
	return nil
}

// AddToQueue enqueues a delivery slot for jobID, reusing the queue
// package's InsertRow against this transaction's tx.
func (t *Transaction) AddToQueue(queueName, jobID string) error {
	if _, err := parseID(jobID); err != nil {
		return err
	}
	t.add(locking.ResourceQueue, func(ctx context.Context, tx sqldb.Tx) error {
		return queue.InsertRow(ctx, tx, t.prefix, queueName, jobID)
	})
	return nil
}

// IncrementCounter appends a raw PCounter row; aggregation later rolls
// multiple rows for the same key into one. A nil ttl means no expiry.
func (t *Transaction) IncrementCounter(key string, delta int64, ttl *time.Duration) {
	t.add(locking.ResourceCounter, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %sCounter (`Key`, Value, ExpireAt) VALUES (?, ?, ?)", t.prefix),
			key, delta, t.expireAtArg(ttl))
		return err
	})
}

// DecrementCounter is IncrementCounter with a negated delta.
func (t *Transaction) DecrementCounter(key string, delta int64, ttl *time.Duration) {
	t.IncrementCounter(key, -delta, ttl)
}

// AddToList appends one value under key.
func (t *Transaction) AddToList(key string, value []byte, ttl *time.Duration) {
	t.add(locking.ResourceList, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %sList (`Key`, Value, ExpireAt) VALUES (?, ?, ?)", t.prefix),
			key, value, t.expireAtArg(ttl))
		return err
	})
}

// RemoveFromList deletes one matching row under key.
func (t *Transaction) RemoveFromList(key string, value []byte) {
	t.add(locking.ResourceList, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %sList WHERE `Key` = ? AND Value = ? LIMIT 1", t.prefix),
			key, value)
		return err
	})
}

// TrimList keeps only the rows ranked [keepStart+1, keepEnd+1] by Id
// ascending within key, deleting the rest.
func (t *Transaction) TrimList(key string, keepStart, keepEnd int) {
	t.add(locking.ResourceList, func(ctx context.Context, tx sqldb.Tx) error {
		stmt := fmt.Sprintf("DELETE FROM %[1]sList WHERE Id IN ("+
			"SELECT Id FROM ("+
			"SELECT Id, (@trimRank := @trimRank + 1) AS Rnk "+
			"FROM %[1]sList, (SELECT @trimRank := 0) init "+
			"WHERE `Key` = ? ORDER BY Id ASC"+
			") ranked WHERE Rnk NOT BETWEEN ? AND ?"+
			")", t.prefix)
		_, err := tx.ExecContext(ctx, stmt, key, keepStart+1, keepEnd+1)
		return err
	})
}

// ExpireList schedules every row under key to expire at expireAt.
func (t *Transaction) ExpireList(key string, expireAt time.Time) {
	t.add(locking.ResourceList, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sList SET ExpireAt = ? WHERE `Key` = ?", t.prefix), expireAt.UTC(), key)
		return err
	})
}

// PersistList clears the expiry on every row under key.
func (t *Transaction) PersistList(key string) {
	t.add(locking.ResourceList, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sList SET ExpireAt = NULL WHERE `Key` = ?", t.prefix), key)
		return err
	})
}

// AddToSet inserts value under key with the given score.
func (t *Transaction) AddToSet(key string, value []byte, score float64, ttl *time.Duration) {
	t.add(locking.ResourceSet, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %sSet (`Key`, Value, Score, ExpireAt) VALUES (?, ?, ?, ?)", t.prefix),
			key, value, score, t.expireAtArg(ttl))
		return err
	})
}

// RemoveFromSet deletes one matching row under key.
func (t *Transaction) RemoveFromSet(key string, value []byte) {
	t.add(locking.ResourceSet, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %sSet WHERE `Key` = ? AND Value = ? LIMIT 1", t.prefix),
			key, value)
		return err
	})
}

// SetScoreInSet updates the score of an existing member without touching
// its expiry (the set-range mutation named in spec §4.8).
func (t *Transaction) SetScoreInSet(key string, value []byte, score float64) {
	t.add(locking.ResourceSet, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sSet SET Score = ? WHERE `Key` = ? AND Value = ?", t.prefix),
			score, key, value)
		return err
	})
}

// ExpireSet schedules every row under key to expire at expireAt.
func (t *Transaction) ExpireSet(key string, expireAt time.Time) {
	t.add(locking.ResourceSet, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sSet SET ExpireAt = ? WHERE `Key` = ?", t.prefix), expireAt.UTC(), key)
		return err
	})
}

// PersistSet clears the expiry on every row under key.
func (t *Transaction) PersistSet(key string) {
	t.add(locking.ResourceSet, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sSet SET ExpireAt = NULL WHERE `Key` = ?", t.prefix), key)
		return err
	})
}

// SetHash upserts one field under key.
func (t *Transaction) SetHash(key, field string, value []byte, ttl *time.Duration) {
	t.add(locking.ResourceHash, func(ctx context.Context, tx sqldb.Tx) error {
		expireAt := t.expireAtArg(ttl)
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %sHash (`Key`, Field, Value, ExpireAt) VALUES (?, ?, ?, ?) "+
				"ON DUPLICATE KEY UPDATE Value = VALUES(Value), ExpireAt = VALUES(ExpireAt)", t.prefix),
			key, field, value, expireAt)
		return err
	})
}

// SetHashRange upserts several fields under key in one batch (the
// "list-of-K/V upsert for hash ranges" operation named in spec §4.8).
func (t *Transaction) SetHashRange(key string, fields map[string][]byte, ttl *time.Duration) {
	for field, value := range fields {
		t.SetHash(key, field, value, ttl)
	}
}

// RemoveFromHash deletes one field under key.
func (t *Transaction) RemoveFromHash(key, field string) {
	t.add(locking.ResourceHash, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %sHash WHERE `Key` = ? AND Field = ?", t.prefix), key, field)
		return err
	})
}

// ExpireHash schedules every field under key to expire at expireAt.
func (t *Transaction) ExpireHash(key string, expireAt time.Time) {
	t.add(locking.ResourceHash, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sHash SET ExpireAt = ? WHERE `Key` = ?", t.prefix), expireAt.UTC(), key)
		return err
	})
}

// PersistHash clears the expiry on every field under key.
func (t *Transaction) PersistHash(key string) {
	t.add(locking.ResourceHash, func(ctx context.Context, tx sqldb.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %sHash SET ExpireAt = NULL WHERE `Key` = ?", t.prefix), key)
		return err
	})
}

func (t *Transaction) expireAtArg(ttl *time.Duration) any {
	if ttl == nil {
		return nil
	}
	return t.now.Now().UTC().Add(*ttl)
}

func parseID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid job id %q", apperrors.ErrValidation, id)
	}
	return v, nil
}
