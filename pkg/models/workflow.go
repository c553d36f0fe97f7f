// Package models defines the core domain models for CRM workflow automation.
package models

import "time"

// WorkflowDefinition is a trigger plus the ordered pipeline of actions it starts.
type WorkflowDefinition struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"                       validate:"required,min=3,max=255"`
	Description    string       `json:"description,omitempty"`
	Trigger        Trigger      `json:"trigger"`
	Actions        []ActionStep `json:"actions"`
	IsActive       bool         `json:"is_active"`
	ExecutionCount int64        `json:"execution_count"`
	LastExecutedAt *time.Time   `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the definition has been soft deleted.
func (w *WorkflowDefinition) IsDeleted() bool {
	return w.DeletedAt != nil
}

// Matchable reports whether the trigger evaluator may start new executions for w.
func (w *WorkflowDefinition) Matchable() bool {
	return w.IsActive && !w.IsDeleted() && len(w.Actions) > 0
}

// ResolvedActions returns a deep copy of the action list, used as the
// immutable snapshot handed to a new execution.
func (w *WorkflowDefinition) ResolvedActions() []ActionStep {
	actions := make([]ActionStep, len(w.Actions))
	for i, step := range w.Actions {
		actions[i] = step.Clone()
	}

	return actions
}
