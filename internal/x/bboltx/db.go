package bboltx

import (
	"context"
	"os"

	"github.com/dogmatiq/linger"
	"go.etcd.io/bbolt"
)

// Open creates and opens a database at the given path.
//
// If mode is zero, 0600 is used.
//
// If the deadline from ctx is sooner than opts.Timeout, the context deadline is
// used instead.
func Open(
	ctx context.Context,
	path string,
	mode os.FileMode,
	opts *bbolt.Options,
) (*bbolt.DB, error) {
	if mode == 0 {
		mode = 0600
	}

	if ctx.Err() != nil {
		// A non-positive timeout in the BoltDB options means "no timeout", so
		// bail early rather than block forever.
		return nil, ctx.Err()
	}

	if timeout, ok := linger.FromContextDeadline(ctx); ok {
		if opts == nil {
			clone := *bbolt.DefaultOptions
			opts = &clone
			opts.Timeout = timeout
		} else if opts.Timeout == 0 || opts.Timeout > timeout {
			clone := *opts
			opts = &clone
			opts.Timeout = timeout
		}
	}

	db, err := bbolt.Open(path, mode, opts)

	if err == bbolt.ErrTimeout {
		err = context.DeadlineExceeded
	}

	return db, err
}

// Update executes fn in a read-write transaction.
//
// Any panic raised by a Must*() function within fn rolls back the transaction
// and is propagated to the caller, who is expected to use Recover().
func Update(db *bbolt.DB, fn func(tx *bbolt.Tx)) {
	Must(db.Update(func(tx *bbolt.Tx) error {
		fn(tx)
		return nil
	}))
}

// View executes fn in a read-only transaction.
func View(db *bbolt.DB, fn func(tx *bbolt.Tx)) {
	Must(db.View(func(tx *bbolt.Tx) error {
		fn(tx)
		return nil
	}))
}
