package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates an execution record was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyExists indicates an execution record with the same identifier already exists.
	ErrExecutionAlreadyExists = errors.New("execution already exists")

	// ErrExecutionTerminal indicates a write to a completed or failed execution.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrLeaseLost indicates the caller no longer holds the execution lease.
	ErrLeaseLost = errors.New("execution lease lost")

	// ErrLeaseUnavailable indicates the execution is leased by another worker or not runnable.
	ErrLeaseUnavailable = errors.New("execution lease unavailable")

	// ErrDuplicateTrigger indicates the workflow already has an execution for
	// the same trigger occurrence.
	ErrDuplicateTrigger = errors.New("execution already exists for trigger occurrence")

	// ErrWorkflowInUse indicates a delete of a workflow with pending, running or paused executions.
	ErrWorkflowInUse = errors.New("workflow has in-flight executions")

	// ErrInvalidID indicates an identifier that cannot be stored safely.
	ErrInvalidID = errors.New("invalid identifier")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{
		Op:          op,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsLeaseError reports whether err means the caller cannot or can no longer own the record.
func IsLeaseError(err error) bool {
	return errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrLeaseUnavailable) || errors.Is(err, ErrExecutionTerminal)
}

// IsDuplicateTrigger reports whether a create was rejected because the trigger occurrence already fired.
func IsDuplicateTrigger(err error) bool {
	return errors.Is(err, ErrDuplicateTrigger)
}
