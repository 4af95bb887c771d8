package postgres

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence/internal/codec"
)

// InsertIncident inserts an incident.
//
// It returns false if the row already exists.
func (driver) InsertIncident(
	ctx context.Context,
	tx *sql.Tx,
	i continuation.Incident,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO continuum.incident (
				tenant_id,
				continuation_id,
				created_at,
				reported,
				data
			) VALUES (
				$1, $2, $3, $4, $5
			) ON CONFLICT (tenant_id, continuation_id) DO NOTHING`,
		i.TenantID(),
		i.ContinuationID(),
		timex.ToUnixNano(i.CreatedAt),
		i.Reported,
		marshalIncident(i),
	), nil
}

// UpdateIncident updates an existing incident.
//
// It returns false if the row does not exist or i.Revision is not current.
func (driver) UpdateIncident(
	ctx context.Context,
	tx *sql.Tx,
	i continuation.Incident,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE continuum.incident SET
			revision = revision + 1,
			reported = $1,
			data = $2
		WHERE tenant_id = $3
		AND continuation_id = $4
		AND revision = $5`,
		i.Reported,
		marshalIncident(i),
		i.TenantID(),
		i.ContinuationID(),
		i.Revision,
	), nil
}

// DeleteIncident deletes an incident.
//
// It returns false if the row does not exist or i.Revision is not current.
func (driver) DeleteIncident(
	ctx context.Context,
	tx *sql.Tx,
	i continuation.Incident,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`DELETE FROM continuum.incident
		WHERE tenant_id = $1
		AND continuation_id = $2
		AND revision = $3`,
		i.TenantID(),
		i.ContinuationID(),
		i.Revision,
	), nil
}

// SelectIncident selects the incident for a parked continuation.
func (driver) SelectIncident(
	ctx context.Context,
	db sqlx.DB,
	tenantID, continuationID string,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			revision,
			data
		FROM continuum.incident
		WHERE tenant_id = $1
		AND continuation_id = $2`,
		tenantID,
		continuationID,
	)
}

// SelectUnreportedIncidents selects up to n incidents that have not been
// reported, oldest first.
func (driver) SelectUnreportedIncidents(
	ctx context.Context,
	db sqlx.DB,
	n int,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			revision,
			data
		FROM continuum.incident
		WHERE NOT reported
		ORDER BY created_at, continuation_id
		LIMIT $1`,
		n,
	)
}

// marshalIncident returns the binary representation of i. The revision is
// stored in its own column.
func marshalIncident(i continuation.Incident) []byte {
	i.Revision = 0

	data, err := codec.MarshalIncident(i)
	sqlx.Must(err)

	return data
}

// createIncidentSchema creates the schema elements for incidents.
func createIncidentSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS continuum.incident (
			tenant_id       TEXT NOT NULL,
			continuation_id TEXT NOT NULL,
			revision        BIGINT NOT NULL DEFAULT 1,
			created_at      BIGINT NOT NULL,
			reported        BOOLEAN NOT NULL,
			data            BYTEA NOT NULL,

			PRIMARY KEY (tenant_id, continuation_id)
		)`,
	)

	sqlx.Exec(
		ctx,
		db,
		`CREATE INDEX IF NOT EXISTS incident_by_reported ON continuum.incident (
			reported,
			created_at
		)`,
	)
}
