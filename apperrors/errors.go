// Package apperrors defines a small set of exported sentinel errors used for
// programmatic checks across packages. Only use these sentinels for errors
// callers may reasonably check with errors.Is. For other validation or
// operational errors prefer context-wrapped errors.
package apperrors

import "errors"

var (
	// ErrNotConfigured indicates a required runtime dependency was not provided.
	ErrNotConfigured = errors.New("not configured")

	// ErrValidation indicates the caller supplied invalid arguments: a nil or
	// empty queue list, a negative timeout, toScore < fromScore, an
	// unresolvable queue provider, and similar caller mistakes. It is raised
	// immediately, never retried.
	ErrValidation = errors.New("invalid argument")

	// ErrCancelled indicates a cancellation signal was observed at a poll,
	// sleep, or lock-acquisition boundary.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout indicates a deadline elapsed inside a lock acquisition, the
	// Repeater's escalation path, or a distributed-lock wait. A deadlock
	// error whose retries are exhausted surfaces as ErrTimeout with the
	// underlying deadlock error chained via %w.
	ErrTimeout = errors.New("timed out")

	// ErrNotFound indicates a read found no matching row. Most read paths
	// prefer a zero value or sentinel (-1s TTL, 0 counter) over this error;
	// it is reserved for callers that need to distinguish "absent" from
	// "empty".
	ErrNotFound = errors.New("not found")

	// ErrMixedQueueProviders indicates FetchNextJob was asked to dequeue from
	// queue names that resolve to more than one queue provider instance in a
	// single call. Mixing queue implementations within one call is not
	// supported.
	ErrMixedQueueProviders = errors.New("queues resolve to different providers")

	// ErrNotImplemented indicates a stub or test helper is not implemented.
	ErrNotImplemented = errors.New("not implemented")
)
