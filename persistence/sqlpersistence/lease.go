package sqlpersistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/persistence"
)

// AcquireLease creates l if the continuation is not already leased, or if the
// existing lease has expired.
func (ds *dataStore) AcquireLease(
	ctx context.Context,
	l persistence.Lease,
	now time.Time,
) (ok bool, err error) {
	err = ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			if _, err := ds.driver.DeleteExpiredLease(
				ctx,
				tx,
				l.TenantID,
				l.ContinuationID,
				now,
			); err != nil {
				return err
			}

			ok, err = ds.driver.InsertLease(ctx, tx, l)
			return err
		},
	)

	return ok, err
}

// RenewLease updates the expiry time of a lease that is still held.
func (ds *dataStore) RenewLease(
	ctx context.Context,
	l persistence.Lease,
) (ok bool, err error) {
	err = ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			ok, err = ds.driver.UpdateLease(ctx, tx, l)
			return err
		},
	)

	return ok, err
}

// ReleaseLease removes a lease.
func (ds *dataStore) ReleaseLease(
	ctx context.Context,
	l persistence.Lease,
) error {
	return ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			_, err := ds.driver.DeleteLease(ctx, tx, l)
			return err
		},
	)
}

// LoadLease loads the current lease for a continuation.
func (ds *dataStore) LoadLease(
	ctx context.Context,
	tenantID, continuationID string,
) (l persistence.Lease, ok bool, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectLease(ctx, db, tenantID, continuationID)
			if err != nil {
				return err
			}
			defer rows.Close()

			if rows.Next() {
				l, err = scanLease(rows)
				if err != nil {
					return err
				}
				ok = true
			}

			return rows.Err()
		},
	)

	return l, ok, err
}

// PurgeExpiredLeases removes all leases that have expired at time now and
// returns them.
func (ds *dataStore) PurgeExpiredLeases(
	ctx context.Context,
	now time.Time,
) (purged []persistence.Lease, err error) {
	err = ds.withTx(
		ctx,
		func(tx *sql.Tx) error {
			purged = nil

			expired, err := ds.selectExpiredLeases(ctx, tx, now)
			if err != nil {
				return err
			}

			for _, l := range expired {
				// A lease that is renewed concurrently is left alone.
				ok, err := ds.driver.DeleteExpiredLease(
					ctx,
					tx,
					l.TenantID,
					l.ContinuationID,
					now,
				)
				if err != nil {
					return err
				}

				if ok {
					purged = append(purged, l)
				}
			}

			return nil
		},
	)

	return purged, err
}

// selectExpiredLeases returns the leases that have expired at time now.
func (ds *dataStore) selectExpiredLeases(
	ctx context.Context,
	tx *sql.Tx,
	now time.Time,
) ([]persistence.Lease, error) {
	rows, err := ds.driver.SelectExpiredLeases(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []persistence.Lease

	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}

		expired = append(expired, l)
	}

	return expired, rows.Err()
}
