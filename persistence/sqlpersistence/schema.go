package sqlpersistence

import (
	"context"
	"database/sql"
)

// CreateSchema creates the schema elements required by the SQL provider.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	d, err := selectDriver(ctx, db)
	if err != nil {
		return err
	}

	return d.CreateSchema(ctx, db)
}

// DropSchema drops the schema elements required by the SQL provider.
func DropSchema(ctx context.Context, db *sql.DB) error {
	d, err := selectDriver(ctx, db)
	if err != nil {
		return err
	}

	return d.DropSchema(ctx, db)
}
