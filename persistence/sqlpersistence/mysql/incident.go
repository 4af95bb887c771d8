package mysql

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
		`INSERT INTO incident SET
			tenant_id = ?,
			continuation_id = ?,
			created_at = ?,
			reported = ?,
			data = ?
		ON DUPLICATE KEY UPDATE
			tenant_id = tenant_id`, // do nothing
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
		`UPDATE incident SET
			revision = revision + 1,
			reported = ?,
			data = ?
		WHERE tenant_id = ?
		AND continuation_id = ?
		AND revision = ?`,
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
		`DELETE FROM incident
		WHERE tenant_id = ?
		AND continuation_id = ?
		AND revision = ?`,
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
		FROM incident
		WHERE tenant_id = ?
		AND continuation_id = ?`,
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
		FROM incident
		WHERE reported = 0
		ORDER BY created_at, continuation_id
		LIMIT ?`,
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
		`CREATE TABLE IF NOT EXISTS incident (
			tenant_id       VARBINARY(255) NOT NULL,
			continuation_id VARBINARY(255) NOT NULL,
			revision        BIGINT UNSIGNED NOT NULL DEFAULT 1,
			created_at      BIGINT NOT NULL,
			reported        BOOLEAN NOT NULL,
			data            LONGBLOB NOT NULL,

			PRIMARY KEY (tenant_id, continuation_id),
			INDEX by_reported (reported, created_at)
		) ENGINE=InnoDB`,
	)
}
