package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/procflow/continuum/persistence"
)

const (
	// serializationFailure is the SQLSTATE reported when a transaction can not
	// be serialized with respect to concurrent transactions.
	serializationFailure pq.ErrorCode = "40001"

	// deadlockDetected is the SQLSTATE reported when a transaction is chosen
	// as the victim of a deadlock.
	deadlockDetected pq.ErrorCode = "40P01"
)

// ConvertError converts PostgreSQL errors into the errors reported by the
// data-store.
func (driver) ConvertError(ctx context.Context, err error) error {
	err = convertContextErrors(ctx, err)

	var e *pq.Error
	if errors.As(err, &e) {
		switch e.Code {
		case serializationFailure, deadlockDetected:
			return persistence.Transient(err)
		}
	}

	return err
}

// convertContextErrors converts PostgreSQL "query_canceled" errors into a
// context.Canceled or DeadlineExceeeded error.
//
// The "pq" postgres driver appears to prefer returning its own error if the
// context is canceled after a query is already started.
//
// See https://github.com/lib/pq/blob/master/go18_test.go#L90
func convertContextErrors(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		if strings.Contains(err.Error(), "canceling statement due to user request") {
			return ctx.Err()
		}
	}

	return err
}
