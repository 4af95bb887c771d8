package sqlpersistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/persistence"
)

// Driver is used to interface with the underlying SQL database.
//
// Mutating methods return false, without an error, when the affected row does
// not exist or does not have the expected revision or holder.
type Driver interface {
	ContinuationDriver
	IncidentDriver
	LeaseDriver
	LockDriver
	EntityDriver

	// IsCompatibleWith returns nil if this driver can be used with db.
	IsCompatibleWith(ctx context.Context, db *sql.DB) error

	// Begin starts a transaction.
	Begin(ctx context.Context, db *sql.DB) (*sql.Tx, error)

	// CreateSchema creates any SQL schema elements required by the driver.
	CreateSchema(ctx context.Context, db *sql.DB) error

	// DropSchema removes any SQL schema elements created by CreateSchema().
	DropSchema(ctx context.Context, db *sql.DB) error

	// ConvertError converts a native database error into the error reported
	// to the caller.
	//
	// Failures that are expected to resolve themselves, such as deadlocks and
	// serialization failures, are marked with persistence.Transient().
	ConvertError(ctx context.Context, err error) error
}

// ContinuationDriver is the subset of the Driver interface that is concerned
// with the continuation queue.
//
// Select methods must produce the columns expected by scanContinuation().
type ContinuationDriver interface {
	InsertContinuation(ctx context.Context, tx *sql.Tx, d continuation.Descriptor) (bool, error)
	UpdateContinuation(ctx context.Context, tx *sql.Tx, d continuation.Descriptor) (bool, error)
	DeleteContinuation(ctx context.Context, tx *sql.Tx, d continuation.Descriptor) (bool, error)

	SelectContinuation(
		ctx context.Context,
		db sqlx.DB,
		tenantID, id string,
	) (*sql.Rows, error)

	SelectReadyContinuations(
		ctx context.Context,
		db sqlx.DB,
		tenantID string,
		now time.Time,
		n int,
	) (*sql.Rows, error)
}

// IncidentDriver is the subset of the Driver interface that is concerned with
// incidents.
//
// Select methods must produce the columns expected by scanIncident().
type IncidentDriver interface {
	InsertIncident(ctx context.Context, tx *sql.Tx, i continuation.Incident) (bool, error)
	UpdateIncident(ctx context.Context, tx *sql.Tx, i continuation.Incident) (bool, error)
	DeleteIncident(ctx context.Context, tx *sql.Tx, i continuation.Incident) (bool, error)

	SelectIncident(
		ctx context.Context,
		db sqlx.DB,
		tenantID, continuationID string,
	) (*sql.Rows, error)

	SelectUnreportedIncidents(
		ctx context.Context,
		db sqlx.DB,
		n int,
	) (*sql.Rows, error)
}

// LeaseDriver is the subset of the Driver interface that is concerned with
// continuation leases.
//
// Select methods must produce the columns expected by scanLease().
type LeaseDriver interface {
	// InsertLease inserts a lease. It returns false if the continuation is
	// already leased, even if that lease has expired.
	InsertLease(ctx context.Context, tx *sql.Tx, l persistence.Lease) (bool, error)

	// UpdateLease updates the expiry time of the lease with the same token.
	UpdateLease(ctx context.Context, tx *sql.Tx, l persistence.Lease) (bool, error)

	// DeleteLease deletes the lease with the same token.
	DeleteLease(ctx context.Context, tx *sql.Tx, l persistence.Lease) (bool, error)

	// DeleteExpiredLease deletes the lease on a continuation if it has expired
	// at time now.
	DeleteExpiredLease(
		ctx context.Context,
		tx *sql.Tx,
		tenantID, continuationID string,
		now time.Time,
	) (bool, error)

	SelectLease(
		ctx context.Context,
		db sqlx.DB,
		tenantID, continuationID string,
	) (*sql.Rows, error)

	SelectExpiredLeases(
		ctx context.Context,
		db sqlx.DB,
		now time.Time,
	) (*sql.Rows, error)
}

// LockDriver is the subset of the Driver interface that is concerned with
// entity locks.
//
// Select methods must produce the columns expected by scanLock().
type LockDriver interface {
	// InsertLock inserts a lock held by r.HolderID with a fencing token of 1.
	// It returns false if the lock already exists.
	InsertLock(ctx context.Context, tx *sql.Tx, r persistence.LockRecord) (bool, error)

	// TakeLock assigns an existing lock to r.HolderID and increments its
	// fencing token, provided the lock is not held at time now.
	TakeLock(
		ctx context.Context,
		tx *sql.Tx,
		r persistence.LockRecord,
		now time.Time,
	) (bool, error)

	// UpdateLock updates the expiry time of a lock with the same holder and
	// token.
	UpdateLock(ctx context.Context, tx *sql.Tx, r persistence.LockRecord) (bool, error)

	// ClearLock removes the holder from a lock with the same holder and token,
	// retaining the token.
	ClearLock(ctx context.Context, tx *sql.Tx, r persistence.LockRecord) (bool, error)

	// AssertLock returns true if the lock still has the same holder and token.
	// The row is locked against modification until tx ends.
	AssertLock(ctx context.Context, tx *sql.Tx, r persistence.LockRecord) (bool, error)

	SelectLock(
		ctx context.Context,
		db sqlx.DB,
		k continuation.EntityKey,
	) (*sql.Rows, error)
}

// EntityDriver is the subset of the Driver interface that is concerned with
// the entity store.
//
// Select methods must produce the columns expected by scanEntity().
type EntityDriver interface {
	InsertEntity(ctx context.Context, tx *sql.Tx, e persistence.Entity) (bool, error)
	UpdateEntity(ctx context.Context, tx *sql.Tx, e persistence.Entity) (bool, error)

	SelectEntity(
		ctx context.Context,
		db sqlx.DB,
		k continuation.EntityKey,
	) (*sql.Rows, error)
}
