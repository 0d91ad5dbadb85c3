package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrApplicationNotFound is returned when an application id resolves to nothing
	ErrApplicationNotFound = errors.New("application not found")

	// ErrUserNotFound is returned when a referenced user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrJobNotFound is returned when a referenced job listing does not exist
	ErrJobNotFound = errors.New("job listing not found")

	// ErrDuplicateApplication is returned when a non-terminal application
	// already exists for the same (user, job) pair
	ErrDuplicateApplication = errors.New("active application already exists for this user and job")

	// ErrPipelineActive is returned when a pipeline is already running for the application
	ErrPipelineActive = errors.New("pipeline already running for this application")

	// ErrRetriesExhausted is returned when an application has hit its maximum retry count
	ErrRetriesExhausted = errors.New("maximum retries exhausted")

	// ErrStageTimeout is returned when a pipeline stage exceeded its wall-clock budget
	ErrStageTimeout = errors.New("stage timeout")

	// ErrInvalidTransition is returned when a status change violates the lifecycle table
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSchedulerStopped is returned when work is submitted to a stopped scheduler
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// ErrQueueSaturated is returned when the scheduler queue has no room left
	ErrQueueSaturated = errors.New("scheduler queue is full")
)

// ValidationError marks bad caller input, rejected before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CapabilityError wraps a failure from an external capability (embedding,
// text generation, browser automation). Transient failures are eligible for
// stage-level retry with backoff; permanent ones are not.
type CapabilityError struct {
	Capability string
	Transient  bool
	Err        error
}

func (e *CapabilityError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s capability error (%s): %v", e.Capability, kind, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps a retryable capability failure.
func NewTransientError(capability string, err error) error {
	return &CapabilityError{Capability: capability, Transient: true, Err: err}
}

// NewPermanentError wraps a non-retryable capability failure.
func NewPermanentError(capability string, err error) error {
	return &CapabilityError{Capability: capability, Transient: false, Err: err}
}

// IsTransient reports whether err carries a transient capability failure.
func IsTransient(err error) bool {
	var capErr *CapabilityError
	return errors.As(err, &capErr) && capErr.Transient
}
