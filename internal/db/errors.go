package db

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError
var ErrNotFound = errors.New("not found")

// StorageError reports a failed local persistence operation. Callers must
// surface it: the user's submission was not recorded.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError is returned when an update targets an absent id
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Collection, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IsStorageError reports whether err is a persistence failure (not a missing id)
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
