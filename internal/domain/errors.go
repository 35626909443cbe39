package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist or belongs to another owner
	ErrJobNotFound = errors.New("job not found")

	// ErrNotRetryable is returned when a manual retry targets a job that is not FAILED
	ErrNotRetryable = errors.New("job cannot be retried")

	// ErrValidation is returned when a submission is rejected before a record is created
	ErrValidation = errors.New("invalid job submission")

	// ErrQueueing is returned when a job was created but could not be enqueued
	ErrQueueing = errors.New("failed to queue job")

	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidStatus is returned for an unknown status filter value
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidTransition is returned when a status update would break the state machine
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobNotRunnable is returned when a delivered job is in a state the executor cannot pick up
	ErrJobNotRunnable = errors.New("job is not runnable")

	// ErrInvalidMessage is returned when a queue message is malformed
	ErrInvalidMessage = errors.New("invalid job message")
)

// RetryableError wraps transient errors that should trigger another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
