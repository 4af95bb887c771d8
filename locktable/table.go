package locktable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// ErrLockUnavailable is matched by errors returned from Table.Acquire() when
// the lock could not be acquired within the timeout.
var ErrLockUnavailable = errors.New("lock unavailable")

// ErrLockLost is returned by Table.Renew() when the handle no longer
// represents the current holder of the lock.
var ErrLockLost = errors.New("lock lost")

// Table is a registry of mutual-exclusion locks keyed by entity.
//
// Locks are per entity key, never per continuation. Two different
// continuations that mutate the same entity always serialize.
type Table interface {
	// Acquire acquires the lock for k.
	//
	// It blocks until the lock is acquired, timeout elapses or ctx is
	// canceled. If the timeout elapses it returns an *UnavailableError.
	Acquire(ctx context.Context, k continuation.EntityKey, timeout time.Duration) (*Handle, error)

	// TryAcquire acquires the lock for k only if it is not currently held.
	TryAcquire(ctx context.Context, k continuation.EntityKey) (*Handle, bool, error)

	// Release releases the lock represented by h.
	//
	// It is idempotent. Releasing a handle that has already been released, or
	// whose lock has expired and been reassigned, is a no-op.
	Release(ctx context.Context, h *Handle) error

	// Renew extends the lifetime of the lock represented by h.
	//
	// It returns ErrLockLost if h is no longer the current holder.
	Renew(ctx context.Context, h *Handle) error

	// Fence adds an assertion to tx that causes it to fail on commit if h is
	// no longer the current holder of the lock.
	Fence(tx persistence.ManagedTransaction, h *Handle)
}

// Handle represents a single acquisition of an entity lock.
//
// A handle is owned by exactly one unit of work and is never shared.
type Handle struct {
	// Key identifies the locked entity.
	Key continuation.EntityKey

	// HolderID identifies the lock holder.
	HolderID string

	// Token is the fencing token of this acquisition. Successive acquisitions
	// of the same key always have increasing tokens.
	Token uint64

	AcquiredAt time.Time

	// ExpiresAt is the time at which the lock is considered abandoned unless
	// it is renewed. It is the zero-value for locks that never expire.
	ExpiresAt time.Time
}

// record returns the persisted representation of h.
func (h *Handle) record() persistence.LockRecord {
	return persistence.LockRecord{
		Key:        h.Key,
		HolderID:   h.HolderID,
		Token:      h.Token,
		AcquiredAt: h.AcquiredAt,
		ExpiresAt:  h.ExpiresAt,
	}
}

// UnavailableError is returned when a lock can not be acquired within the
// acquisition timeout.
type UnavailableError struct {
	Key     continuation.EntityKey
	Timeout time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf(
		"unable to acquire the lock for %s within %s",
		e.Key,
		e.Timeout,
	)
}

// Is returns true if target is ErrLockUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrLockUnavailable
}

// Retryable returns true. Contention is expected under load.
func (e *UnavailableError) Retryable() bool {
	return true
}

// unavailable returns the error to return from Acquire() when ctx, a context
// derived from parent with the acquisition timeout, is done.
func unavailable(parent, ctx context.Context, k continuation.EntityKey, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &UnavailableError{k, timeout}
	}

	return ctx.Err()
}
