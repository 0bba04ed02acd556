// Package lock provides the short-timeout mutual-exclusion locks that
// serialize structural mutations of the job ledger: the worker claim
// lock, the narrower enqueue lock, and the idempotency claim lock.
//
// Contention is non-fatal: callers that receive ErrBusy skip
// the current invocation entirely rather than waiting or retrying.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when a lock cannot be acquired within the wait
// window. Callers are expected to skip their invocation, not retry.
var ErrBusy = errors.New("lock busy")

// Locker grants named exclusive locks with a bounded wait.
//
// Acquire blocks for at most wait; on success it returns a release
// function that must be called exactly once. On contention past the wait
// window it returns ErrBusy.
type Locker interface {
	Acquire(ctx context.Context, name string, wait time.Duration) (release func(), err error)
}

// Well-known lock names. One Locker instance is shared per bundle, so
// these names scope mutual exclusion across all its components.
const (
	NameWorker      = "worker"
	NameEnqueue     = "enqueue"
	NameIdempotency = "idempotency"
	NameMaintenance = "maintenance"
	NameRegistry    = "registry"
)
