package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidTransition is returned when a requested status change is not
	// a legal state machine edge from the run's current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoRunsQueued is returned by ClaimNextQueued when no QUEUED run exists
	ErrNoRunsQueued = errors.New("no queued runs available")

	// ErrRunTerminal is returned when appending to a run whose status is
	// terminal. The terminal event is always the last event in a run's log.
	ErrRunTerminal = errors.New("run is in a terminal status")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
