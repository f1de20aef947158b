package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity or queue record does not exist.
var ErrNotFound = errors.New("not found")

// LocalStoreError reports a failure of the local database.
type LocalStoreError struct {
	Op  string
	Err error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store: %s: %v", e.Op, e.Err)
}

func (e *LocalStoreError) Unwrap() error {
	return e.Err
}

// IsLocalStoreError reports whether err wraps a *LocalStoreError.
func IsLocalStoreError(err error) bool {
	var le *LocalStoreError
	return errors.As(err, &le)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalStoreError{Op: op, Err: err}
}
