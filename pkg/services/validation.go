package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// DefinitionInput is a workflow definition as submitted by a caller, before
// its trigger and action configs are checked and decoded.
type DefinitionInput struct {
	Name        string            `json:"name"                  yaml:"name"                  validate:"required,min=3,max=255"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     TriggerInput      `json:"trigger"               yaml:"trigger"`
	Actions     []ActionStepInput `json:"actions"               yaml:"actions"`
	IsActive    bool              `json:"is_active"             yaml:"is_active"`
}

type TriggerInput struct {
	Type   string         `json:"type"             yaml:"type"             validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

type ActionStepInput struct {
	ID     string         `json:"id,omitempty"     yaml:"id,omitempty"`
	Type   string         `json:"type"             yaml:"type"             validate:"required"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// InputFromDefinition converts a stored definition back to its input form.
func InputFromDefinition(workflow *models.WorkflowDefinition) (DefinitionInput, error) {
	input := DefinitionInput{
		Name:        workflow.Name,
		Description: workflow.Description,
		IsActive:    workflow.IsActive,
	}

	config, err := toMap(workflow.Trigger.Config)
	if err != nil {
		return DefinitionInput{}, err
	}

	input.Trigger = TriggerInput{Type: string(workflow.Trigger.Type), Config: config}

	for _, step := range workflow.Actions {
		config, err := toMap(step.Config)
		if err != nil {
			return DefinitionInput{}, err
		}

		input.Actions = append(input.Actions, ActionStepInput{ID: step.ID, Type: string(step.Type), Config: config})
	}

	return input, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out map[string]any

	err = json.Unmarshal(data, &out)

	return out, err
}

// NewValidator returns a validator that knows the contact status rules.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		if name == "" {
			return field.Name
		}

		return name
	})

	_ = validate.RegisterValidation("contact_status", func(fl validator.FieldLevel) bool {
		return models.ValidContactStatus(fl.Field().String())
	})

	_ = validate.RegisterValidation("contact_status_or_any", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()

		return value == models.AnyStatus || models.ValidContactStatus(value)
	})

	return validate
}

type compiledSchemas struct {
	triggers map[models.TriggerType]*gojsonschema.Schema
	actions  map[models.ActionType]*gojsonschema.Schema
}

var configSchemas = sync.OnceValues(func() (*compiledSchemas, error) {
	compiled := &compiledSchemas{
		triggers: make(map[models.TriggerType]*gojsonschema.Schema, len(models.TriggerTypes)),
		actions:  make(map[models.ActionType]*gojsonschema.Schema, len(models.ActionTypes)),
	}

	for _, t := range models.TriggerTypes {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(models.TriggerConfigSchema(t)))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s trigger schema: %w", t, err)
		}

		compiled.triggers[t] = schema
	}

	for _, t := range models.ActionTypes {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(models.ActionConfigSchema(t)))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s action schema: %w", t, err)
		}

		compiled.actions[t] = schema
	}

	return compiled, nil
})

// definitionValidator turns a DefinitionInput into a definition, collecting
// every violation instead of stopping at the first.
type definitionValidator struct {
	validate *validator.Validate
	schemas  *compiledSchemas
	errs     *ConfigurationError
}

func (s *Store) validateInput(input DefinitionInput) (*models.WorkflowDefinition, error) {
	schemas, err := configSchemas()
	if err != nil {
		return nil, err
	}

	v := &definitionValidator{validate: s.validate, schemas: schemas, errs: &ConfigurationError{}}

	workflow := &models.WorkflowDefinition{
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		IsActive:    input.IsActive,
	}

	input.Name = workflow.Name
	v.checkStruct("", input)

	if trigger, ok := v.trigger(input.Trigger); ok {
		workflow.Trigger = trigger
	}

	workflow.Actions = v.actions(input.Actions)

	if input.IsActive && len(input.Actions) == 0 {
		v.errs.add("actions", "at least one action is required to activate a workflow")
	}

	if !v.errs.empty() {
		return nil, v.errs
	}

	return workflow, nil
}

func (v *definitionValidator) trigger(input TriggerInput) (models.Trigger, bool) {
	t := models.TriggerType(input.Type)
	if input.Type != "" && !t.Valid() {
		v.errs.add("trigger.type", "unknown trigger type %q", input.Type)

		return models.Trigger{}, false
	}

	if input.Type == "" {
		return models.Trigger{}, false
	}

	if !v.checkSchema("trigger.config", v.schemas.triggers[t], input.Config) {
		return models.Trigger{}, false
	}

	data, err := json.Marshal(configOrEmpty(input.Config))
	if err != nil {
		v.errs.add("trigger.config", "%v", err)

		return models.Trigger{}, false
	}

	config, err := models.DecodeTriggerConfig(t, data)
	if err != nil {
		v.errs.add("trigger.config", "%v", err)

		return models.Trigger{}, false
	}

	before := len(v.errs.Violations)
	v.checkStruct("trigger.config", config)

	if scheduled, ok := config.(models.ScheduledConfig); ok {
		_, err := models.ParseSchedule(scheduled.Schedule, scheduled.Timezone)
		if err != nil {
			v.errs.add("trigger.config.schedule", "%v", err)
		}
	}

	return models.NewTrigger(config), len(v.errs.Violations) == before
}

func (v *definitionValidator) actions(inputs []ActionStepInput) []models.ActionStep {
	steps := make([]models.ActionStep, 0, len(inputs))
	seen := make(map[string]int, len(inputs))

	for i, input := range inputs {
		field := fmt.Sprintf("actions[%d]", i)

		id := strings.TrimSpace(input.ID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}

		if first, dup := seen[id]; dup {
			v.errs.add(field+".id", "duplicate step id %q (also used by actions[%d])", id, first)
		} else {
			seen[id] = i
		}

		t := models.ActionType(input.Type)

		switch {
		case input.Type == "":
			v.errs.add(field+".type", "is required")

			continue
		case !t.Valid():
			v.errs.add(field+".type", "unknown action type %q", input.Type)

			continue
		}

		if !v.checkSchema(field+".config", v.schemas.actions[t], input.Config) {
			continue
		}

		data, err := json.Marshal(configOrEmpty(input.Config))
		if err != nil {
			v.errs.add(field+".config", "%v", err)

			continue
		}

		config, err := models.DecodeActionConfig(t, data)
		if err != nil {
			v.errs.add(field+".config", "%v", err)

			continue
		}

		v.checkStruct(field+".config", config)

		if branch, ok := config.(models.ConditionBranchConfig); ok {
			v.branch(field+".config", i, len(inputs), branch)
		}

		steps = append(steps, models.NewActionStep(id, config))
	}

	return steps
}

// branch checks that both targets point forward within the list or to the end.
func (v *definitionValidator) branch(field string, index, count int, config models.ConditionBranchConfig) {
	if config.Predicate.Operator != models.OpExists && config.Predicate.Value == nil {
		v.errs.add(field+".predicate.value", "is required for operator %q", config.Predicate.Operator)
	}

	targets := []struct {
		name  string
		value int
	}{
		{"true_target", config.TrueTarget},
		{"false_target", config.FalseTarget},
	}

	for _, target := range targets {
		switch {
		case target.value == models.EndOfActions:
		case target.value >= count:
			v.errs.add(field+"."+target.name, "index %d is out of range (%d actions)", target.value, count)
		case target.value <= index:
			v.errs.add(field+"."+target.name, "index %d must point after the branch at %d", target.value, index)
		}
	}
}

func (v *definitionValidator) checkSchema(field string, schema *gojsonschema.Schema, config map[string]any) bool {
	result, err := schema.Validate(gojsonschema.NewGoLoader(configOrEmpty(config)))
	if err != nil {
		v.errs.add(field, "%v", err)

		return false
	}

	for _, re := range result.Errors() {
		v.errs.add(joinField(field, schemaErrorField(re)), "%s", re.Description())
	}

	return result.Valid()
}

func (v *definitionValidator) checkStruct(field string, value any) {
	err := v.validate.Struct(value)
	if err == nil {
		return
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		v.errs.add(field, "%v", err)

		return
	}

	for _, fe := range validationErrors {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		v.errs.add(joinField(field, path), "%s", describeFieldError(fe))
	}
}

func schemaErrorField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == gojsonschema.STRING_CONTEXT_ROOT {
		field = ""
	}

	if re.Type() == "required" {
		if property, ok := re.Details()["property"].(string); ok {
			field = joinField(field, property)
		}
	}

	return field
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required unless " + fe.Param() + " is set"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "contact_status":
		return "must be a contact status"
	case "contact_status_or_any":
		return "must be a contact status or \"any\""
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func joinField(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}

func configOrEmpty(config map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}

	return config
}
