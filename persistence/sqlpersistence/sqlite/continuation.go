package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/sqlx"
	"github.com/procflow/continuum/internal/x/timex"
	"github.com/procflow/continuum/persistence/internal/codec"
)

// InsertContinuation inserts a continuation on the queue.
//
// It returns false if the row already exists.
func (driver) InsertContinuation(
	ctx context.Context,
	tx *sql.Tx,
	d continuation.Descriptor,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	history, err := codec.MarshalHistory(d.History)
	sqlx.Must(err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`INSERT INTO continuation (
				tenant_id,
				id,
				entity_type,
				entity_id,
				payload,
				created_at,
				scheduled_at,
				attempt_count,
				max_attempts,
				history
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
			) ON CONFLICT (tenant_id, id) DO NOTHING`,
		d.TenantID,
		d.ID,
		d.EntityType,
		d.EntityID,
		d.Payload,
		timex.ToUnixNano(d.CreatedAt),
		timex.ToUnixNano(d.ScheduledAt),
		d.AttemptCount,
		d.MaxAttempts,
		history,
	), nil
}

// UpdateContinuation updates a continuation that is already on the queue.
//
// It returns false if the row does not exist or d.Revision is not current.
func (driver) UpdateContinuation(
	ctx context.Context,
	tx *sql.Tx,
	d continuation.Descriptor,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	history, err := codec.MarshalHistory(d.History)
	sqlx.Must(err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`UPDATE continuation SET
			revision = revision + 1,
			entity_type = $1,
			entity_id = $2,
			payload = $3,
			scheduled_at = $4,
			attempt_count = $5,
			max_attempts = $6,
			history = $7
		WHERE tenant_id = $8
		AND id = $9
		AND revision = $10`,
		d.EntityType,
		d.EntityID,
		d.Payload,
		timex.ToUnixNano(d.ScheduledAt),
		d.AttemptCount,
		d.MaxAttempts,
		history,
		d.TenantID,
		d.ID,
		d.Revision,
	), nil
}

// DeleteContinuation deletes a continuation from the queue.
//
// It returns false if the row does not exist or d.Revision is not current.
func (driver) DeleteContinuation(
	ctx context.Context,
	tx *sql.Tx,
	d continuation.Descriptor,
) (_ bool, err error) {
	defer sqlx.Recover(&err)

	return sqlx.TryExecRow(
		ctx,
		tx,
		`DELETE FROM continuation
		WHERE tenant_id = $1
		AND id = $2
		AND revision = $3`,
		d.TenantID,
		d.ID,
		d.Revision,
	), nil
}

// SelectContinuation selects a continuation by its ID.
func (driver) SelectContinuation(
	ctx context.Context,
	db sqlx.DB,
	tenantID, id string,
) (*sql.Rows, error) {
	return db.QueryContext(
		ctx,
		`SELECT
			tenant_id,
			id,
			entity_type,
			entity_id,
			payload,
			created_at,
			scheduled_at,
			attempt_count,
			max_attempts,
			history,
			revision
		FROM continuation
		WHERE tenant_id = $1
		AND id = $2`,
		tenantID,
		id,
	)
}

// SelectReadyContinuations selects up to n continuations that are ready to be
// dispatched at time now.
func (driver) SelectReadyContinuations(
	ctx context.Context,
	db sqlx.DB,
	tenantID string,
	now time.Time,
	n int,
) (*sql.Rows, error) {
	t := timex.ToUnixNano(now)

	return db.QueryContext(
		ctx,
		`SELECT
			c.tenant_id,
			c.id,
			c.entity_type,
			c.entity_id,
			c.payload,
			c.created_at,
			c.scheduled_at,
			c.attempt_count,
			c.max_attempts,
			c.history,
			c.revision
		FROM continuation AS c
		WHERE c.tenant_id = $1
		AND c.scheduled_at <= $2
		AND NOT EXISTS (
			SELECT 1 FROM lease AS l
			WHERE l.tenant_id = c.tenant_id
			AND l.continuation_id = c.id
			AND l.expires_at > $3
		)
		ORDER BY c.scheduled_at, c.id
		LIMIT $4`,
		tenantID,
		t,
		t,
		n,
	)
}

// createContinuationSchema creates the schema elements for continuations.
func createContinuationSchema(ctx context.Context, db sqlx.DB) {
	sqlx.Exec(
		ctx,
		db,
		`CREATE TABLE IF NOT EXISTS continuation (
			tenant_id     TEXT NOT NULL,
			id            TEXT NOT NULL,
			revision      INTEGER NOT NULL DEFAULT 1,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			payload       BLOB,
			created_at    INTEGER NOT NULL,
			scheduled_at  INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL,
			max_attempts  INTEGER NOT NULL,
			history       BLOB,

			PRIMARY KEY (tenant_id, id)
		) WITHOUT ROWID`,
	)

	sqlx.Exec(
		ctx,
		db,
		`CREATE INDEX IF NOT EXISTS continuation_by_schedule ON continuation (
			tenant_id,
			scheduled_at,
			id
		)`,
	)
}
