//go:build !cgo
// +build !cgo

package sqlite

import "context"

// ConvertError returns err unchanged. The SQLite driver is unavailable without
// cgo.
func (driver) ConvertError(_ context.Context, err error) error {
	return err
}
