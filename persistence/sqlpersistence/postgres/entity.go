package postgres

import (
	"context"
	"database/sql"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/persistence"
)

// InsertEntity inserts an entity.
//
// It returns false if the row already exists.
func (driver) InsertEntity(
	ctx context.Context,
	tx *sql.Tx,
	e persistence.Entity,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO continuum.entity (
				tenant_id,
				entity_type,
				entity_id,
				data
			) VALUES (
				$1, $2, $3, $4
			) ON CONFLICT (tenant_id, entity_type, entity_id) DO NOTHING`,
		e.Key.TenantID,
		e.Key.EntityType,
		e.Key.EntityID,
		e.Data,
	), nil
}

// UpdateEntity updates an existing entity.
//
// It returns false if the row does not exist or e.Revision is not current.
func (driver) UpdateEntity(
	ctx context.Context,
	tx *sql.Tx,
	e persistence.Entity,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE continuum.entity SET
			revision = revision + 1,
			data = $1
		WHERE tenant_id = $2
		AND entity_type = $3
		AND entity_id = $4
		AND revision = $5`,
		e.Data,
		e.Key.TenantID,
		e.Key.EntityType,
		e.Key.EntityID,
		e.Revision,
	), nil
}

// SelectEntity selects the entity with the given key.
func (driver) SelectEntity(
	ctx context.Context,
	db sqlx.DB,
	k continuation.EntityKey,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			revision,
			data
		FROM continuum.entity
		WHERE tenant_id = $1
		AND entity_type = $2
		AND entity_id = $3`,
		k.TenantID,
		k.EntityType,
		k.EntityID,
	)
}

// createEntitySchema creates the schema elements for the entity store.
func createEntitySchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS continuum.entity (
			tenant_id   TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			revision    BIGINT NOT NULL DEFAULT 1,
			data        BYTEA,

			PRIMARY KEY (tenant_id, entity_type, entity_id)
		)`,
	)
}
