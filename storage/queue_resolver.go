package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydb/jobstore/apperrors"
	"github.com/relaydb/jobstore/locking"
	"github.com/relaydb/jobstore/queue"
	"github.com/relaydb/jobstore/txn"
)

// QueueProvider is the subset of *queue.Queue that FetchNextJob needs. A
// storage built for a single-prefix deployment always resolves to the same
// provider; it is modeled as an interface so tests can fake it.
type QueueProvider interface {
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*queue.FetchedJob, error)
}

// QueueResolver maps a queue name to the provider backing it, and reports
// whether that queue is known at all.
type QueueResolver func(queueName string) (QueueProvider, bool)

// FetchNextJob dequeues from queues through the one provider they all
// resolve to. Every named queue must resolve to the same provider — jobstore has
// no cross-provider fetch semantics (spec §9's single-queue-implementation
// rule); mixing providers in one call is rejected up front.
func (r *Reader) FetchNextJob(ctx context.Context, queues []string, timeout time.Duration) (*queue.FetchedJob, error) {
	if len(queues) == 0 {
		return nil, apperrors.ErrValidation
	}
	if r.resolveQueue == nil {
		return nil, apperrors.ErrNotConfigured
	}
	var provider QueueProvider
	for _, name := range queues {
		p, ok := r.resolveQueue(name)
		if !ok {
			return nil, fmt.Errorf("%w: queue %q is not configured", apperrors.ErrValidation, name)
		}
		if provider == nil {
			provider = p
		} else if p != provider {
			return nil, apperrors.ErrMixedQueueProviders
		}
	}
	return provider.Dequeue(ctx, queues, timeout)
}

// AcquireDistributedLock requests a named advisory lock through the shared
// distributed-lock manager, timing out after timeout.
func (r *Reader) AcquireDistributedLock(ctx context.Context, resource string, timeout time.Duration) (*locking.DistributedLock, error) {
	if r.lockManager == nil {
		return nil, apperrors.ErrNotConfigured
	}
	deadline := time.Now().Add(timeout)
	return r.lockManager.Lock(ctx, resource, deadline)
}

// NewWriteTransaction opens a fresh write-only transaction bound to this
// Reader's repeater, prefix, and clock.
func (r *Reader) NewWriteTransaction() *txn.Transaction {
	return txn.New(r.repeater, r.prefix, r.now, r.txnTimeout)
}
