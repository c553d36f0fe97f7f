// Package services implements the definition store: validated storage of
// workflow definitions and the errors it reports to callers.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/crmflow/pkg/persistence"
)

var (
	// ErrInvalidDefinition is matched by every ConfigurationError (400 Bad Request).
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrWorkflowInUse is matched by every InUseError (409 Conflict).
	ErrWorkflowInUse = errors.New("workflow has in-flight executions")

	// ErrManualTriggerRequired is returned by runNow on workflows without a manual trigger (409 Conflict).
	ErrManualTriggerRequired = errors.New("workflow does not have a manual trigger")

	// ErrWorkflowInactive is returned by runNow on inactive workflows (409 Conflict).
	ErrWorkflowInactive = errors.New("workflow is not active")

	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// Violation is one field-level validation failure.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}

	return v.Field + ": " + v.Message
}

// ConfigurationError lists every violation found in a definition.
type ConfigurationError struct {
	Violations []Violation
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}

	return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(parts, "; "))
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

func (e *ConfigurationError) add(field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ConfigurationError) empty() bool {
	return len(e.Violations) == 0
}

// InUseError is returned when deleting a workflow that still has pending,
// running or paused executions.
type InUseError struct {
	WorkflowID string
	InFlight   int
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("workflow %s has %d in-flight executions", e.WorkflowID, e.InFlight)
}

func (e *InUseError) Is(target error) bool {
	return target == ErrWorkflowInUse
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowInUse) ||
		errors.Is(err, ErrManualTriggerRequired) ||
		errors.Is(err, ErrWorkflowInactive)
}
