package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id has no record.
	ErrNotFound = errors.New("task not found")

	// ErrTransient marks store or bus failures worth retrying at the caller's cadence.
	ErrTransient = errors.New("transient failure")

	// ErrValidation is the sentinel every ValidationError matches.
	ErrValidation = errors.New("validation failed")

	// ErrPartitionMismatch flags a bucket record whose scheduledAt maps elsewhere.
	ErrPartitionMismatch = errors.New("bucket partition mismatch")

	// ErrRetryBudgetExhausted is returned when a failure moves a task to FAILED.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyExists is returned when a submission reuses the id of a task
	// that has already left CREATED.
	ErrAlreadyExists = errors.New("task already exists")
)

// ValidationError describes a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
