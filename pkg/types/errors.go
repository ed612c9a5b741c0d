package types

import (
	"errors"
	"fmt"
)

// Sentinel errors returned synchronously by the engine. None of these ever
// appear in task history: if the caller sees one, no task record was created
// or changed.
var (
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrConflict is returned when the scope lock is held by another
	// mutating task.
	ErrConflict = errors.New("an operation is already in progress for this scope")

	// ErrBusy is returned when the worker queue cannot accept another task.
	ErrBusy = errors.New("task queue is full")

	// ErrCancelled signals cooperative cancellation inside an operation.
	// It marks the task cancelled, never failed.
	ErrCancelled = errors.New("operation cancelled")
)

// ValidationError rejects a submission before any task record exists.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an attempt to mutate a terminal task. Observing
// one externally always indicates a bug.
type InvalidStateError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidStateError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("task %s is %s and cannot be updated", e.TaskID, e.From)
	}
	return fmt.Sprintf("task %s cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

// ExternalServiceError wraps a collaborator failure that survived bounded
// retries inside an operation.
type ExternalServiceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("graph engine %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
