package mysql

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
		`INSERT INTO continuation SET
			tenant_id = ?,
			id = ?,
			entity_type = ?,
			entity_id = ?,
			payload = ?,
			created_at = ?,
			scheduled_at = ?,
			attempt_count = ?,
			max_attempts = ?,
			history = ?
		ON DUPLICATE KEY UPDATE
			tenant_id = tenant_id`, // do nothing
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
			entity_type = ?,
			entity_id = ?,
			payload = ?,
			scheduled_at = ?,
			attempt_count = ?,
			max_attempts = ?,
			history = ?
		WHERE tenant_id = ?
		AND id = ?
		AND revision = ?`,
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
		WHERE tenant_id = ?
		AND id = ?
		AND revision = ?`,
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
		WHERE tenant_id = ?
		AND id = ?`,
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
		WHERE c.tenant_id = ?
		AND c.scheduled_at <= ?
		AND NOT EXISTS (
			SELECT 1 FROM lease AS l
			WHERE l.tenant_id = c.tenant_id
			AND l.continuation_id = c.id
			AND l.expires_at > ?
		)
		ORDER BY c.scheduled_at, c.id
		LIMIT ?`,
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
			tenant_id     VARBINARY(255) NOT NULL,
			id            VARBINARY(255) NOT NULL,
			revision      BIGINT UNSIGNED NOT NULL DEFAULT 1,
			entity_type   VARBINARY(255) NOT NULL,
			entity_id     VARBINARY(255) NOT NULL,
			payload       LONGBLOB,
			created_at    BIGINT NOT NULL,
			scheduled_at  BIGINT NOT NULL,
			attempt_count INT NOT NULL,
			max_attempts  INT NOT NULL,
			history       LONGBLOB,

			PRIMARY KEY (tenant_id, id),
			INDEX by_schedule (tenant_id, scheduled_at, id)
		) ENGINE=InnoDB`,
	)
}
