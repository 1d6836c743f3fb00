package feature

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no flag exists for the requested key.
	ErrNotFound = errors.New("flag not found")

	// ErrConflict is returned when creating a flag whose key is already taken.
	ErrConflict = errors.New("flag already exists")

	// ErrConcurrencyConflict is returned by a store when a conditional update
	// was made against a version that is no longer current.
	ErrConcurrencyConflict = errors.New("flag was modified concurrently")
)

// ValidationError describes a rejected input. It is returned before any store
// mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
