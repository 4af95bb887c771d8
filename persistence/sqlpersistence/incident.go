package sqlpersistence

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/persistence"
)

// LoadIncident loads the incident for a parked continuation.
func (ds *dataStore) LoadIncident(
	ctx context.Context,
	tenantID, continuationID string,
) (i continuation.Incident, ok bool, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectIncident(ctx, db, tenantID, continuationID)
			if err != nil {
				return err
			}
			defer rows.Close()

			if rows.Next() {
				i, err = scanIncident(rows)
				if err != nil {
					return err
				}
				ok = true
			}

			return rows.Err()
		},
	)

	return i, ok, err
}

// LoadUnreportedIncidents loads up to n incidents that have not yet been
// delivered to the incident sink.
func (ds *dataStore) LoadUnreportedIncidents(
	ctx context.Context,
	n int,
) (result []continuation.Incident, err error) {
	err = ds.withDB(
		ctx,
		func(db *sql.DB) error {
			rows, err := ds.driver.SelectUnreportedIncidents(ctx, db, n)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				i, err := scanIncident(rows)
				if err != nil {
					return err
				}

				result = append(result, i)
			}

			return rows.Err()
		},
	)

	return result, err
}

// VisitSaveIncident applies the changes in a "SaveIncident" operation to the
// database.
func (c *committer) VisitSaveIncident(
	ctx context.Context,
	op persistence.SaveIncident,
) error {
	var (
		ok  bool
		err error
	)

	if op.Incident.Revision == 0 {
		ok, err = c.driver.InsertIncident(ctx, c.tx, op.Incident)
	} else {
		ok, err = c.driver.UpdateIncident(ctx, c.tx, op.Incident)
	}

	return conflictUnless(op, ok, err)
}

// VisitRemoveIncident applies the changes in a "RemoveIncident" operation to
// the database.
func (c *committer) VisitRemoveIncident(
	ctx context.Context,
	op persistence.RemoveIncident,
) error {
	ok, err := c.driver.DeleteIncident(ctx, c.tx, op.Incident)
	return conflictUnless(op, ok, err)
}
