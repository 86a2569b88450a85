package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every layer wraps one of these with %w so callers and the
// HTTP layer can classify failures with errors.Is. Anything that does not
// wrap one of them is an internal error.
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// DetailedError attaches a client-facing message and structured details to a
// taxonomy sentinel.
type DetailedError struct {
	Kind    error
	Message string
	Details any
}

func (e *DetailedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DetailedError) Unwrap() error { return e.Kind }

// NewError builds a DetailedError. details may be nil.
func NewError(kind error, details any, format string, args ...any) error {
	return &DetailedError{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// InvalidArgument is shorthand for NewError(ErrInvalidArgument, nil, ...).
func InvalidArgument(format string, args ...any) error {
	return NewError(ErrInvalidArgument, nil, format, args...)
}
