package mysql

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/procflow/continuum/persistence"
)

const (
	// errLockDeadlock is reported when a transaction is rolled back to break a
	// deadlock (ER_LOCK_DEADLOCK).
	errLockDeadlock = 1213

	// errLockWaitTimeout is reported when a statement gives up waiting for a
	// row lock (ER_LOCK_WAIT_TIMEOUT).
	errLockWaitTimeout = 1205
)

// ConvertError marks deadlocks and lock wait timeouts as transient.
func (driver) ConvertError(_ context.Context, err error) error {
	var e *mysql.MySQLError
	if errors.As(err, &e) {
		switch e.Number {
		case errLockDeadlock, errLockWaitTimeout:
			return persistence.Transient(err)
		}
	}

	return err
}
