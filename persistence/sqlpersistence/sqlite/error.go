//go:build cgo
// +build cgo

package sqlite

import (
	"context"
	"errors"

	"github.com/mattn/go-sqlite3"
	"github.com/procflow/continuum/persistence"
)

// ConvertError marks "busy" and "locked" errors as transient. They occur when
// another connection holds a conflicting lock on the database file.
func (driver) ConvertError(_ context.Context, err error) error {
	var e sqlite3.Error
	if errors.As(err, &e) {
		if e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked {
			return persistence.Transient(err)
		}
	}

	return err
}
