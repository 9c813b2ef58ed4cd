package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These are the error
// kinds of the orchestration substrate; components wrap them with context.
var (
	// Validation
	ErrInvalidTask     = errors.New("invalid task")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidPriority = errors.New("invalid priority")

	// Admission and capacity
	ErrOverloaded  = errors.New("system overloaded")
	ErrQueueClosed = errors.New("queue closed")

	// Deadlines
	ErrTimeout = errors.New("operation timeout")

	// Lookup
	ErrTaskNotFound    = errors.New("task not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrRequestNotFound = errors.New("request not found")
	ErrHandlerNotFound = errors.New("no handler available")

	// State machine
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrParentIncomplete   = errors.New("parent task not completed")
	ErrNotAccepting       = errors.New("not accepting work")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrAgentCycle         = errors.New("agent parent cycle")
	ErrAlreadyExists      = errors.New("already exists")

	// Collaborators
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrHandlerFailed         = errors.New("handler execution failed")
)

// OrchestrationError provides structured error information with the
// operation, entity kind, and optional entity id attached. It supports
// errors.Is/As through Unwrap.
type OrchestrationError struct {
	Op      string // operation that failed, e.g. "director.RouteTask"
	Kind    string // entity kind, e.g. "task", "request", "agent"
	ID      string // optional entity id
	Message string // optional human-readable message
	Err     error  // underlying error
}

func (e *OrchestrationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewError creates an OrchestrationError for the given operation and kind.
func NewError(op, kind string, err error) *OrchestrationError {
	return &OrchestrationError{Op: op, Kind: kind, Err: err}
}

// IsOverloaded reports whether the error indicates the caller should back
// off and retry later.
func IsOverloaded(err error) bool {
	return errors.Is(err, ErrOverloaded) || errors.Is(err, ErrNotAccepting)
}

// IsNotFound reports whether the error represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}

// IsValidation reports whether the error should surface as a 400 to
// external callers.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidPriority)
}

// IsRetryable reports whether the Director may retry the operation.
// Timeouts and validation failures are not retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrHandlerFailed) ||
		errors.Is(err, ErrClassifierUnavailable)
}
