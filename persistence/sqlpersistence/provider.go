package sqlpersistence

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"time"

	"github.com/procflow/continuum/persistence"
)

var (
	// DefaultMaxIdleConns is the default maximum number of idle connections
	// allowed in the database pool.
	DefaultMaxIdleConns = runtime.GOMAXPROCS(0)

	// DefaultMaxOpenConns is the default maximum number of open connections
	// allowed in the database pool.
	DefaultMaxOpenConns = DefaultMaxIdleConns * 10

	// DefaultMaxConnLifetime is the default maximum lifetime of database
	// connections.
	DefaultMaxConnLifetime = 10 * time.Minute
)

// Provider is an implementation of persistence.Provider for SQL that uses an
// existing open database pool.
type Provider struct {
	provider

	// DB is the SQL database to use.
	DB *sql.DB

	// Driver is the SQL driver to use with this database. If it is nil, it is
	// chosen automatically from one of the built-in drivers.
	Driver Driver
}

// Open returns the data-store.
//
// Many data-stores may be open against the same database at once, including
// from other processes. This is how the nodes of a cluster share state.
func (p *Provider) Open(ctx context.Context) (persistence.DataStore, error) {
	return p.open(
		ctx,
		p.Driver,
		func() (*sql.DB, error) {
			return p.DB, nil
		},
		func(db *sql.DB) error {
			// Don't actually close the database, since we didn't open it.
			return nil
		},
	)
}

// DSNProvider is an implementation of persistence.Provider for SQL that opens
// a database pool using a DSN.
type DSNProvider struct {
	provider

	// DriverName is the driver name to be passed to sql.Open().
	DriverName string

	// DSN is the data-source name to be passed to sql.Open().
	DSN string

	// Driver is the SQL driver to use with this database. If it is nil, it is
	// chosen automatically from one of the built-in drivers.
	Driver Driver

	// MaxIdleConns is the maximum number of idle connections allowed in the
	// database pool.
	//
	// If it is zero, DefaultMaxIdleConns is used.
	MaxIdleConns int

	// MaxOpenConns is the maximum number of open connections allowed in the
	// database pool.
	//
	// If it is zero, DefaultMaxOpenConns is used.
	MaxOpenConns int

	// MaxConnLifetime is the maximum lifetime of database connections.
	// If it is zero, DefaultMaxConnLifetime is used.
	MaxConnLifetime time.Duration
}

// Open returns the data-store.
func (p *DSNProvider) Open(ctx context.Context) (persistence.DataStore, error) {
	return p.open(
		ctx,
		p.Driver,
		p.openDB,
		(*sql.DB).Close,
	)
}

// openDB opens the database pool and configures the limits.
func (p *DSNProvider) openDB() (*sql.DB, error) {
	db, err := sql.Open(p.DriverName, p.DSN)
	if err != nil {
		return nil, err
	}

	idle := p.MaxIdleConns
	if idle == 0 {
		idle = DefaultMaxIdleConns
	}
	db.SetMaxIdleConns(idle)

	open := p.MaxOpenConns
	if open == 0 {
		open = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(open)

	ttl := p.MaxConnLifetime
	if ttl == 0 {
		ttl = DefaultMaxConnLifetime
	}
	db.SetConnMaxLifetime(ttl)

	return db, nil
}

// provider is the common implementation of Provider and DSNProvider.
type provider struct {
	m      sync.Mutex
	db     *sql.DB
	driver Driver
	refs   int
	close  func(db *sql.DB) error
}

// open returns a new data-store, opening the database if necessary.
func (p *provider) open(
	ctx context.Context,
	d Driver,
	open func() (*sql.DB, error),
	close func(db *sql.DB) error,
) (persistence.DataStore, error) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.db == nil {
		db, err := open()
		if err != nil {
			return nil, err
		}

		if d == nil {
			d, err = selectDriver(ctx, db)
			if err != nil {
				// Ignore error from close() and instead report the causal error.
				close(db) // nolint:errcheck
				return nil, err
			}
		}

		p.db = db
		p.driver = d
		p.close = close
	}

	p.refs++

	return newDataStore(
		p.db,
		p.driver,
		p.release,
	), nil
}

// release releases a reference to the database.
func (p *provider) release() error {
	p.m.Lock()
	defer p.m.Unlock()

	p.refs--

	if p.refs > 0 {
		return nil
	}

	db := p.db
	p.db = nil

	return p.close(db)
}
