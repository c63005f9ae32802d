package domain

import (
	"errors"
	"fmt"
)

// ErrReferenceNotFound is returned when a command refers to an entity that
// does not exist on the read side.
var ErrReferenceNotFound = errors.New("reference not found")

// ValidationError rejects a malformed command before any lock or storage
// access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
