package models

// JSONSchema is the subset of JSON Schema used to describe trigger and
// action configurations.
type JSONSchema struct {
	Type                 string               `json:"type"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	Required             []string             `json:"required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
	Title                string               `json:"title,omitempty"`
	Description          string               `json:"description,omitempty"`
}

// Property is a JSON Schema property.
type Property struct {
	Type             any                  `json:"type,omitempty"`
	Description      string               `json:"description,omitempty"`
	Enum             []any                `json:"enum,omitempty"`
	Format           string               `json:"format,omitempty"`
	MinLength        *int                 `json:"minLength,omitempty"`
	Minimum          *float64             `json:"minimum,omitempty"`
	ExclusiveMinimum *float64             `json:"exclusiveMinimum,omitempty"`
	Properties       map[string]*Property `json:"properties,omitempty"`
	Required         []string             `json:"required,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func statusEnum() []any {
	values := make([]any, len(ContactStatuses))
	for i, s := range ContactStatuses {
		values[i] = string(s)
	}

	return values
}

func stringProp(description string) *Property {
	return &Property{Type: "string", Description: description, MinLength: ptr(1)}
}

func object(title string, props map[string]*Property, required ...string) *JSONSchema {
	return &JSONSchema{
		Type:                 "object",
		Title:                title,
		Properties:           props,
		Required:             required,
		AdditionalProperties: ptr(false),
	}
}

// TriggerConfigSchema returns the schema a trigger config of type t must satisfy.
func TriggerConfigSchema(t TriggerType) *JSONSchema {
	switch t {
	case TriggerScoreChange:
		return object("score_change", map[string]*Property{
			"direction": {Type: "string", Enum: []any{"above", "below", "equals"}},
			"threshold": {Type: "number", Description: "Score threshold crossed by the event"},
		}, "direction", "threshold")
	case TriggerDaysSinceContact:
		return object("days_since_contact", map[string]*Property{
			"days": {Type: "integer", Minimum: ptr(1.0)},
		}, "days")
	case TriggerStatusChange:
		return object("status_change", map[string]*Property{
			"from_status": {Type: "string", Enum: append(statusEnum(), AnyStatus)},
			"to_status":   {Type: "string", Enum: statusEnum()},
		}, "to_status")
	case TriggerTagAdded, TriggerTagRemoved:
		return object(string(t), map[string]*Property{
			"tag_name": stringProp("Tag to match"),
		}, "tag_name")
	case TriggerFederationStatus:
		return object("federation_status", map[string]*Property{
			"federation_value": {Type: "boolean"},
		}, "federation_value")
	case TriggerManual:
		return object("manual", map[string]*Property{})
	case TriggerScheduled:
		return object("scheduled", map[string]*Property{
			"schedule":       stringProp("Five-field cron expression"),
			"timezone":       {Type: "string"},
			"contact_status": {Type: "string", Enum: statusEnum()},
			"contact_tag":    {Type: "string"},
		}, "schedule")
	default:
		return nil
	}
}

// ActionConfigSchema returns the schema an action config of type t must satisfy.
func ActionConfigSchema(t ActionType) *JSONSchema {
	switch t {
	case ActionSendEmail:
		return object("send_email", map[string]*Property{
			"subject":     {Type: "string"},
			"body":        {Type: "string"},
			"template_id": {Type: "string"},
			"to":          {Type: "string", Format: "email"},
		})
	case ActionAssignTask:
		return object("assign_task", map[string]*Property{
			"assign_to_user_id": stringProp("User receiving the task"),
			"title":             stringProp("Task title"),
			"description":       {Type: "string"},
			"due_in_hours":      {Type: "number", Minimum: ptr(0.0)},
		}, "assign_to_user_id", "title")
	case ActionUpdateStatus:
		return object("update_status", map[string]*Property{
			"status": {Type: "string", Enum: statusEnum()},
		}, "status")
	case ActionAddTag, ActionRemoveTag:
		return object(string(t), map[string]*Property{
			"tag_name": stringProp("Tag to add or remove"),
		}, "tag_name")
	case ActionUpdateScore:
		return object("update_score", map[string]*Property{
			"mode":  {Type: "string", Enum: []any{"add", "set"}},
			"value": {Type: "number"},
		}, "value")
	case ActionSendNotification:
		return object("send_notification", map[string]*Property{
			"channel": {Type: "string"},
			"message": stringProp("Notification text"),
			"user_id": {Type: "string"},
		}, "message")
	case ActionWaitDelay:
		return object("wait_delay", map[string]*Property{
			"wait_hours": {Type: "number", ExclusiveMinimum: ptr(0.0)},
		}, "wait_hours")
	case ActionConditionBranch:
		return object("condition_branch", map[string]*Property{
			"predicate": {
				Type: "object",
				Properties: map[string]*Property{
					"field": stringProp("Contact field"),
					"operator": {Type: "string", Enum: []any{
						"eq", "ne", "gt", "gte", "lt", "lte", "contains", "not_contains", "exists",
					}},
					"value": {},
				},
				Required: []string{"field", "operator"},
			},
			"true_target":  {Type: "integer", Minimum: ptr(-1.0)},
			"false_target": {Type: "integer", Minimum: ptr(-1.0)},
		}, "predicate", "true_target", "false_target")
	default:
		return nil
	}
}
