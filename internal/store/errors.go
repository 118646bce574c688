package store

import (
	"errors"
	"fmt"
)

// ErrDegraded is matched by every DegradedStoreError via errors.Is.
var ErrDegraded = errors.New("store is degraded")

// DegradedStoreError is returned by mutating operations on a store whose last
// load failed to decode. Reads keep serving the last good snapshot.
type DegradedStoreError struct {
	Store string
	Cause error
}

func (e *DegradedStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store %q is read-only after corruption: %v", e.Store, e.Cause)
	}
	return fmt.Sprintf("store %q is read-only after corruption", e.Store)
}

func (e *DegradedStoreError) Is(target error) bool {
	return target == ErrDegraded
}

func (e *DegradedStoreError) Unwrap() error {
	return e.Cause
}
