// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates an active score_change workflow with a single
// add_tag action. Overrides are applied in order.
func CreateTestWorkflow(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	workflow := &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "workflow used in tests",
		Trigger: models.NewTrigger(models.ScoreChangeConfig{
			Direction: models.ScoreAbove,
			Threshold: 50,
		}),
		Actions: []models.ActionStep{
			models.NewActionStep("tag", models.AddTagConfig{TagName: "hot-lead"}),
		},
		IsActive: true,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithTrigger replaces the workflow trigger.
func WithTrigger(config models.TriggerConfig) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Trigger = models.NewTrigger(config)
	}
}

// WithActions replaces the action list.
func WithActions(actions ...models.ActionStep) func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.Actions = actions
	}
}

// Inactive deactivates the workflow.
func Inactive() func(*models.WorkflowDefinition) {
	return func(w *models.WorkflowDefinition) {
		w.IsActive = false
	}
}

// CreateTestExecution creates a pending execution of workflow against contactID.
func CreateTestExecution(workflow *models.WorkflowDefinition, contactID string, overrides ...func(*models.ExecutionRecord)) *models.ExecutionRecord {
	record := &models.ExecutionRecord{
		ID:           uuid.New().String(),
		WorkflowID:   workflow.ID,
		WorkflowName: workflow.Name,
		ContactID:    contactID,
		ContactName:  "Contact " + contactID,
		Status:       models.ExecutionPending,
		TriggeredBy: models.TriggeredBy{
			TriggerType: workflow.Trigger.Type,
			Description: "test",
		},
		Actions:          workflow.ResolvedActions(),
		ActionsCompleted: []models.ActionResult{},
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}

	for _, override := range overrides {
		override(record)
	}

	return record
}

// WithStatus sets the execution status.
func WithStatus(status models.ExecutionStatus) func(*models.ExecutionRecord) {
	return func(r *models.ExecutionRecord) {
		r.Status = status
	}
}

// PausedUntil pauses the execution with the given resume time.
func PausedUntil(resumeAt time.Time) func(*models.ExecutionRecord) {
	return func(r *models.ExecutionRecord) {
		r.Status = models.ExecutionPaused
		r.ResumeAt = &resumeAt
	}
}

// CreatedAt sets the creation time.
func CreatedAt(at time.Time) func(*models.ExecutionRecord) {
	return func(r *models.ExecutionRecord) {
		r.CreatedAt = at
	}
}

// Contact creates a contact snapshot.
func Contact(id string, overrides ...func(*models.Contact)) *models.Contact {
	contact := &models.Contact{
		ID:     id,
		Name:   "Contact " + id,
		Email:  id + "@example.com",
		Status: models.ContactLead,
		Score:  10,
	}

	for _, override := range overrides {
		override(contact)
	}

	return contact
}
