package sqlpersistence

import (
	"database/sql"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/internal/codec"
)

// scanContinuation scans the next continuation from a row-set returned by
// one of the ContinuationDriver select methods.
func scanContinuation(rows *sql.Rows) (continuation.Descriptor, error) {
	var (
		d           continuation.Descriptor
		createdAt   int64
		scheduledAt int64
		history     []byte
	)

	if err := rows.Scan(
		&d.TenantID,
		&d.ID,
		&d.EntityType,
		&d.EntityID,
		&d.Payload,
		&createdAt,
		&scheduledAt,
		&d.AttemptCount,
		&d.MaxAttempts,
		&history,
		&d.Revision,
	); err != nil {
		return continuation.Descriptor{}, err
	}

	if len(d.Payload) == 0 {
		d.Payload = nil
	}

	d.CreatedAt = timex.FromUnixNano(createdAt)
	d.ScheduledAt = timex.FromUnixNano(scheduledAt)

	var err error
	d.History, err = codec.UnmarshalHistory(history)

	return d, err
}

// scanIncident scans the next incident from a row-set returned by one of the
// IncidentDriver select methods.
func scanIncident(rows *sql.Rows) (continuation.Incident, error) {
	var (
		rev  uint64
		data []byte
	)

	if err := rows.Scan(&rev, &data); err != nil {
		return continuation.Incident{}, err
	}

	i, err := codec.UnmarshalIncident(data)
	i.Revision = rev

	return i, err
}

// scanLease scans the next lease from a row-set returned by one of the
// LeaseDriver select methods.
func scanLease(rows *sql.Rows) (persistence.Lease, error) {
	var (
		l         persistence.Lease
		expiresAt int64
	)

	err := rows.Scan(
		&l.TenantID,
		&l.ContinuationID,
		&l.NodeID,
		&l.Token,
		&expiresAt,
	)

	l.ExpiresAt = timex.FromUnixNano(expiresAt)

	return l, err
}

// scanLock scans the next lock from a row-set returned by
// LockDriver.SelectLock().
func scanLock(rows *sql.Rows) (persistence.LockRecord, error) {
	var (
		r          persistence.LockRecord
		acquiredAt int64
		expiresAt  int64
	)

	err := rows.Scan(
		&r.Key.TenantID,
		&r.Key.EntityType,
		&r.Key.EntityID,
		&r.HolderID,
		&r.Token,
		&acquiredAt,
		&expiresAt,
	)

	r.AcquiredAt = timex.FromUnixNano(acquiredAt)
	r.ExpiresAt = timex.FromUnixNano(expiresAt)

	return r, err
}

// scanEntity scans the next entity from a row-set returned by
// EntityDriver.SelectEntity().
func scanEntity(rows *sql.Rows, k continuation.EntityKey) (persistence.Entity, error) {
	e := persistence.Entity{Key: k}

	err := rows.Scan(&e.Revision, &e.Data)

	if len(e.Data) == 0 {
		e.Data = nil
	}

	return e, err
}
