package persistence

import (
	"context"
	"time"

	"github.com/procflow/continuum/continuation"
)

// Lease is a time-bounded claim by a node over the execution of a single
// continuation.
type Lease struct {
	TenantID       string
	ContinuationID string
	NodeID         string

	// Token uniquely identifies this particular acquisition of the lease.
	Token string

	// ExpiresAt is the time after which the lease may be taken over by another
	// node.
	ExpiresAt time.Time
}

// Expired returns true if the lease has expired at time t.
func (l Lease) Expired(t time.Time) bool {
	return !l.ExpiresAt.After(t)
}

// LeaseRepository is an interface for managing continuation leases.
//
// Implementations must be safe for concurrent use by many nodes.
type LeaseRepository interface {
	// AcquireLease creates l if the continuation is not already leased, or if
	// the existing lease has expired at time now.
	//
	// It returns false if the continuation is under an unexpired lease.
	AcquireLease(ctx context.Context, l Lease, now time.Time) (bool, error)

	// RenewLease updates the expiry time of a lease that is still held.
	//
	// It returns false if the lease identified by l.Token no longer exists.
	RenewLease(ctx context.Context, l Lease) (bool, error)

	// ReleaseLease removes a lease.
	//
	// It is not an error to release a lease that no longer exists. A lease
	// acquired with a different token is never removed.
	ReleaseLease(ctx context.Context, l Lease) error

	// LoadLease loads the current lease for a continuation.
	//
	// ok is false if the continuation is not leased. The returned lease may
	// have expired.
	LoadLease(
		ctx context.Context,
		tenantID, continuationID string,
	) (_ Lease, ok bool, _ error)

	// PurgeExpiredLeases removes all leases that have expired at time now and
	// returns them.
	PurgeExpiredLeases(ctx context.Context, now time.Time) ([]Lease, error)
}

// LockRecord is the persisted state of an entity lock.
type LockRecord struct {
	// Key identifies the locked entity.
	Key continuation.EntityKey

	// HolderID identifies the lock holder. It is empty if the lock has been
	// released.
	HolderID string

	// Token is the fencing token of the acquisition. It is strictly increasing
	// across successive acquisitions of the same key.
	Token uint64

	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Held returns true if the lock is held by some holder at time t.
func (r LockRecord) Held(t time.Time) bool {
	return r.HolderID != "" && r.ExpiresAt.After(t)
}

// LockRepository is an interface for managing cluster-wide entity locks.
//
// Implementations must be safe for concurrent use by many nodes.
type LockRepository interface {
	// AcquireLock acquires the lock for r.Key on behalf of r.HolderID if it is
	// not held at time now.
	//
	// On success it returns the acquired record with its fencing token
	// populated. It returns false if the lock is held by another holder.
	AcquireLock(ctx context.Context, r LockRecord, now time.Time) (LockRecord, bool, error)

	// RenewLock updates the expiry time of a lock that is still held.
	//
	// It returns false if the lock has since been released or reacquired.
	RenewLock(ctx context.Context, r LockRecord) (bool, error)

	// ReleaseLock releases a lock.
	//
	// It is not an error to release a lock that is no longer held. A lock
	// acquired by another holder, or with a different token, is never
	// released.
	ReleaseLock(ctx context.Context, r LockRecord) error

	// LoadLock loads the current state of the lock for k.
	//
	// ok is false if the lock has never been acquired.
	LoadLock(ctx context.Context, k continuation.EntityKey) (_ LockRecord, ok bool, _ error)
}
