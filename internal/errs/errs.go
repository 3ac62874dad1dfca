// Package errs defines the error taxonomy shared by the engine's packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any mutation
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown card, deck, user or pattern
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks a missing identity or an owner mismatch
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientData marks an aggregate that cannot be computed yet. It is a skip, not a failure.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrConflict marks an optimistic concurrency failure on a card write
	ErrConflict = errors.New("concurrent modification")
	// ErrUnavailable marks an operation whose backing component is not configured
	ErrUnavailable = errors.New("unavailable")
)

// ValidationError describes a single rejected field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for every ValidationError
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
