package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dogmatiq/dodeca/config"
	"github.com/procflow/continuum/persistence"
	"github.com/procflow/continuum/persistence/boltpersistence"
	"github.com/procflow/continuum/persistence/sqlpersistence"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// newProvider returns the persistence provider that the node stores its state
// in, and a function that closes any resources it holds.
//
// If CONTINUUM_DSN is set the node uses the SQL database it identifies, opened
// with the driver named by CONTINUUM_DRIVER. This is the only choice for
// nodes that share a cluster. Otherwise, the node uses the BoltDB database at
// CONTINUUM_BOLT_PATH.
func newProvider(
	ctx context.Context,
	cfg config.Bucket,
) (persistence.Provider, func() error, error) {
	dsn := config.AsStringDefault(cfg, "CONTINUUM_DSN", "")

	if dsn == "" {
		return &boltpersistence.FileProvider{
			Path: config.AsStringDefault(cfg, "CONTINUUM_BOLT_PATH", "/var/run/continuum.boltdb"),
		}, func() error { return nil }, nil
	}

	driver := config.AsStringDefault(cfg, "CONTINUUM_DRIVER", "postgres")

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open %s database: %w", driver, err)
	}

	if config.AsBoolDefault(cfg, "CONTINUUM_CREATE_SCHEMA", false) {
		if err := sqlpersistence.CreateSchema(ctx, db); err != nil {
			db.Close() // nolint:errcheck
			return nil, nil, fmt.Errorf("unable to create schema: %w", err)
		}
	}

	return &sqlpersistence.Provider{DB: db}, db.Close, nil
}
