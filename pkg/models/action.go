package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionAssignTask       ActionType = "assign_task"
	ActionUpdateStatus     ActionType = "update_status"
	ActionAddTag           ActionType = "add_tag"
	ActionRemoveTag        ActionType = "remove_tag"
	ActionUpdateScore      ActionType = "update_score"
	ActionSendNotification ActionType = "send_notification"
	ActionWaitDelay        ActionType = "wait_delay"
	ActionConditionBranch  ActionType = "condition_branch"
)

// ActionTypes lists every known action variant.
var ActionTypes = []ActionType{
	ActionSendEmail,
	ActionAssignTask,
	ActionUpdateStatus,
	ActionAddTag,
	ActionRemoveTag,
	ActionUpdateScore,
	ActionSendNotification,
	ActionWaitDelay,
	ActionConditionBranch,
}

var ErrUnknownActionType = errors.New("unknown action type")

// EndOfActions is the branch target that skips to the end of the pipeline.
const EndOfActions = -1

func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}

	return false
}

// Critical reports whether a failure of this action terminates the execution.
func (t ActionType) Critical() bool {
	return t != ActionSendNotification
}

// ActionConfig is implemented by the configuration record of each action variant.
type ActionConfig interface {
	ActionType() ActionType
}

type SendEmailConfig struct {
	Subject    string `json:"subject"               validate:"required_without=TemplateID"`
	Body       string `json:"body"                  validate:"required_without=TemplateID"`
	TemplateID string `json:"template_id,omitempty"`
	To         string `json:"to,omitempty"          validate:"omitempty,email"`
}

func (SendEmailConfig) ActionType() ActionType { return ActionSendEmail }

type AssignTaskConfig struct {
	AssignToUserID string  `json:"assign_to_user_id"      validate:"required"`
	Title          string  `json:"title"                  validate:"required"`
	Description    string  `json:"description,omitempty"`
	DueInHours     float64 `json:"due_in_hours,omitempty" validate:"gte=0"`
}

func (AssignTaskConfig) ActionType() ActionType { return ActionAssignTask }

type UpdateStatusConfig struct {
	Status string `json:"status" validate:"required,contact_status"`
}

func (UpdateStatusConfig) ActionType() ActionType { return ActionUpdateStatus }

type AddTagConfig struct {
	TagName string `json:"tag_name" validate:"required"`
}

func (AddTagConfig) ActionType() ActionType { return ActionAddTag }

type RemoveTagConfig struct {
	TagName string `json:"tag_name" validate:"required"`
}

func (RemoveTagConfig) ActionType() ActionType { return ActionRemoveTag }

type ScoreMode string

const (
	ScoreModeAdd ScoreMode = "add"
	ScoreModeSet ScoreMode = "set"
)

// UpdateScoreConfig either adds Value to the current score or replaces it.
type UpdateScoreConfig struct {
	Mode  ScoreMode `json:"mode,omitempty" validate:"omitempty,oneof=add set"`
	Value float64   `json:"value"`
}

func (UpdateScoreConfig) ActionType() ActionType { return ActionUpdateScore }

// EffectiveMode defaults an unset mode to add.
func (c UpdateScoreConfig) EffectiveMode() ScoreMode {
	if c.Mode == "" {
		return ScoreModeAdd
	}

	return c.Mode
}

type SendNotificationConfig struct {
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"           validate:"required"`
	UserID  string `json:"user_id,omitempty"`
}

func (SendNotificationConfig) ActionType() ActionType { return ActionSendNotification }

type WaitDelayConfig struct {
	WaitHours float64 `json:"wait_hours" validate:"gt=0"`
}

func (WaitDelayConfig) ActionType() ActionType { return ActionWaitDelay }

type PredicateOperator string

const (
	OpEquals      PredicateOperator = "eq"
	OpNotEquals   PredicateOperator = "ne"
	OpGreater     PredicateOperator = "gt"
	OpGreaterEq   PredicateOperator = "gte"
	OpLess        PredicateOperator = "lt"
	OpLessEq      PredicateOperator = "lte"
	OpContains    PredicateOperator = "contains"
	OpNotContains PredicateOperator = "not_contains"
	OpExists      PredicateOperator = "exists"
)

// Predicate compares one contact field against a literal value.
type Predicate struct {
	Field    string            `json:"field"           validate:"required"`
	Operator PredicateOperator `json:"operator"        validate:"required,oneof=eq ne gt gte lt lte contains not_contains exists"`
	Value    any               `json:"value,omitempty"`
}

// ConditionBranchConfig jumps to TrueTarget or FalseTarget depending on the
// predicate. Targets are step indices or EndOfActions.
type ConditionBranchConfig struct {
	Predicate   Predicate `json:"predicate"`
	TrueTarget  int       `json:"true_target"  validate:"gte=-1"`
	FalseTarget int       `json:"false_target" validate:"gte=-1"`
}

func (ConditionBranchConfig) ActionType() ActionType { return ActionConditionBranch }

// NewActionConfig returns a zero config for the given action type.
func NewActionConfig(t ActionType) (ActionConfig, error) {
	switch t {
	case ActionSendEmail:
		return &SendEmailConfig{}, nil
	case ActionAssignTask:
		return &AssignTaskConfig{}, nil
	case ActionUpdateStatus:
		return &UpdateStatusConfig{}, nil
	case ActionAddTag:
		return &AddTagConfig{}, nil
	case ActionRemoveTag:
		return &RemoveTagConfig{}, nil
	case ActionUpdateScore:
		return &UpdateScoreConfig{}, nil
	case ActionSendNotification:
		return &SendNotificationConfig{}, nil
	case ActionWaitDelay:
		return &WaitDelayConfig{}, nil
	case ActionConditionBranch:
		return &ConditionBranchConfig{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
}

// ActionStep is one element of a workflow's ordered pipeline.
type ActionStep struct {
	ID     string       `json:"id"`
	Type   ActionType   `json:"type"`
	Config ActionConfig `json:"config"`
}

// NewActionStep builds a step from a typed config.
func NewActionStep(id string, config ActionConfig) ActionStep {
	return ActionStep{ID: id, Type: config.ActionType(), Config: config}
}

// Clone returns a copy of the step. Configs are stored by value, so copying
// the struct is enough except for the predicate literal.
func (s ActionStep) Clone() ActionStep {
	if branch, ok := s.Config.(ConditionBranchConfig); ok {
		if values, ok := branch.Predicate.Value.([]any); ok {
			branch.Predicate.Value = append([]any(nil), values...)
		}

		s.Config = branch
	}

	return s
}

func (s *ActionStep) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Type   ActionType      `json:"type"`
		Config json.RawMessage `json:"config"`
	}

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	config, err := DecodeActionConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}

	s.ID = raw.ID
	s.Type = raw.Type
	s.Config = config

	return nil
}

// DecodeActionConfig decodes raw JSON into the typed config of action type t.
func DecodeActionConfig(t ActionType, data []byte) (ActionConfig, error) {
	config, err := NewActionConfig(t)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 && string(data) != "null" {
		err = json.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s action config: %w", t, err)
		}
	}

	return derefActionConfig(config), nil
}

func derefActionConfig(config ActionConfig) ActionConfig {
	switch c := config.(type) {
	case *SendEmailConfig:
		return *c
	case *AssignTaskConfig:
		return *c
	case *UpdateStatusConfig:
		return *c
	case *AddTagConfig:
		return *c
	case *RemoveTagConfig:
		return *c
	case *UpdateScoreConfig:
		return *c
	case *SendNotificationConfig:
		return *c
	case *WaitDelayConfig:
		return *c
	case *ConditionBranchConfig:
		return *c
	default:
		return config
	}
}
