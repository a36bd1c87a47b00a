package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core taxonomy. Typed error structs below wrap
// these so callers can both errors.Is against the kind and inspect the
// structured fields.
var (
	// ErrValidation marks malformed command input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrPreconditionFailed marks a business rule violation or a
	// transition the aggregate's lifecycle does not allow.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConcurrencyConflict is returned when the expected sequence of a
	// push does not match the aggregate's current sequence.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate sequence mismatch")

	// ErrUniqueConstraintViolation is returned when an add operation
	// collides with an existing reservation.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrNotFound is returned when a query target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransientStorage marks a database timeout or connection loss.
	// Idempotent callers may retry.
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrFatal marks a broken structural invariant. The affected
	// component halts; operator intervention is required.
	ErrFatal = errors.New("fatal: structural invariant broken")
)

// UniqueConstraintError carries the domain message supplied with the
// violated add operation.
type UniqueConstraintError struct {
	UniqueType  string
	UniqueField string
	Message     string
}

func (e *UniqueConstraintError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("unique constraint violation: %s %q already taken", e.UniqueType, e.UniqueField)
}

func (e *UniqueConstraintError) Is(target error) bool {
	return target == ErrUniqueConstraintViolation
}

// NewUniqueConstraintError creates a UniqueConstraintError for the given
// constraint tuple.
func NewUniqueConstraintError(uniqueType, uniqueField, message string) error {
	return &UniqueConstraintError{
		UniqueType:  uniqueType,
		UniqueField: uniqueField,
		Message:     message,
	}
}

// ValidationError reports malformed command input for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PreconditionError reports a command rejected by the write-model.
type PreconditionError struct {
	Aggregate Aggregate
	Message   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed on %s %s: %s", e.Aggregate.Type, e.Aggregate.ID, e.Message)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// NewPreconditionError creates a PreconditionError for the aggregate.
func NewPreconditionError(aggregate Aggregate, message string) error {
	return &PreconditionError{Aggregate: aggregate, Message: message}
}

// CommandError wraps any error surfaced from command execution with the
// command id so callers can correlate it with the events (if any) of the
// same command.
type CommandError struct {
	CommandID string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s: %v", e.CommandID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
