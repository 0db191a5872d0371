package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a missing key file, metadata record, or policy.
	ErrNotFound = errors.New("not found")

	// ErrExists marks a conflicting create (policy already present).
	ErrExists = errors.New("already exists")

	// ErrNoActiveKey is returned when a rotation or signing attempt finds
	// no incumbent signing key for the domain.
	ErrNoActiveKey = errors.New("no active signing key")
)

// ValidationError reports malformed caller input with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StoreError wraps an I/O or transaction failure from one of the
// persistent stores. Store errors are the rollback triggers inside the
// rotation engine.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a store failure.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// IsStoreFailure reports whether err is a store failure.
func IsStoreFailure(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}

// FatalError marks an invariant violation detected mid-rotation, such as
// a rollback that leaves the policy store pointing at the wrong kid.
// Fatal errors are never retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError builds a FatalError.
func NewFatalError(reason string, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err is an invariant violation.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
