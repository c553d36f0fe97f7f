package web

import "github.com/dukex/crmflow/pkg/models"

// RunWorkflowRequest is the body of POST /workflows/:id/run.
type RunWorkflowRequest struct {
	ContactID string `json:"contact_id" validate:"required"`
}

type WorkflowListResponse struct {
	Workflows  []*models.WorkflowDefinition `json:"workflows"`
	TotalCount int                          `json:"total_count"`
}

type ExecutionListResponse struct {
	Executions []*models.ExecutionRecord `json:"executions"`
	Limit      int                       `json:"limit"`
}

// ContactEventResponse lists the executions a contact event enqueued.
type ContactEventResponse struct {
	EventID    string                    `json:"event_id"`
	Executions []*models.ExecutionRecord `json:"executions"`
}

// SchemasResponse describes the configuration accepted by every trigger and
// action type.
type SchemasResponse struct {
	Triggers map[models.TriggerType]*models.JSONSchema `json:"triggers"`
	Actions  map[models.ActionType]*models.JSONSchema  `json:"actions"`
}

func buildSchemas() SchemasResponse {
	response := SchemasResponse{
		Triggers: make(map[models.TriggerType]*models.JSONSchema, len(models.TriggerTypes)),
		Actions:  make(map[models.ActionType]*models.JSONSchema, len(models.ActionTypes)),
	}

	for _, t := range models.TriggerTypes {
		response.Triggers[t] = models.TriggerConfigSchema(t)
	}

	for _, t := range models.ActionTypes {
		response.Actions[t] = models.ActionConfigSchema(t)
	}

	return response
}
