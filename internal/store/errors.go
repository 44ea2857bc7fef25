package store

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to test a returned error against them.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation means a write conflicts with existing records,
	// e.g. a duplicate commit entry or a context for an older epoch. It
	// indicates a concurrency defect in the caller.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrInternal covers I/O, serialization and lock failures.
	ErrInternal = errors.New("internal store error")
)

// Error is a store failure with the operation that produced it.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrNotFound, Err: fmt.Errorf(format, args...)}
}

func constraint(op string, err error) error {
	return &Error{Op: op, Kind: ErrConstraintViolation, Err: err}
}

func internal(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Kind: ErrInternal, Err: err}
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConstraintViolation reports whether err is an ErrConstraintViolation.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}
