package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

type TriggerType string

const (
	TriggerScoreChange      TriggerType = "score_change"
	TriggerDaysSinceContact TriggerType = "days_since_contact"
	TriggerStatusChange     TriggerType = "status_change"
	TriggerTagAdded         TriggerType = "tag_added"
	TriggerTagRemoved       TriggerType = "tag_removed"
	TriggerFederationStatus TriggerType = "federation_status"
	TriggerManual           TriggerType = "manual"
	TriggerScheduled        TriggerType = "scheduled"
)

// TriggerTypes lists every known trigger variant.
var TriggerTypes = []TriggerType{
	TriggerScoreChange,
	TriggerDaysSinceContact,
	TriggerStatusChange,
	TriggerTagAdded,
	TriggerTagRemoved,
	TriggerFederationStatus,
	TriggerManual,
	TriggerScheduled,
}

// ErrUnknownTriggerType is returned when decoding a trigger of an unsupported type.
var ErrUnknownTriggerType = errors.New("unknown trigger type")

// Valid reports whether t is one of the known trigger variants.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}

	return false
}

// EventDriven reports whether the trigger is matched against contact events.
// Manual triggers are event-driven in the sense that they fire on an explicit
// call, but never match a contact event.
func (t TriggerType) EventDriven() bool {
	switch t {
	case TriggerScoreChange, TriggerStatusChange, TriggerTagAdded, TriggerTagRemoved, TriggerFederationStatus:
		return true
	default:
		return false
	}
}

// TimeDriven reports whether the trigger is evaluated by the periodic sweep.
func (t TriggerType) TimeDriven() bool {
	return t == TriggerDaysSinceContact || t == TriggerScheduled
}

// TriggerConfig is implemented by the configuration record of each trigger variant.
type TriggerConfig interface {
	TriggerType() TriggerType
}

type ScoreDirection string

const (
	ScoreAbove  ScoreDirection = "above"
	ScoreBelow  ScoreDirection = "below"
	ScoreEquals ScoreDirection = "equals"
)

type ScoreChangeConfig struct {
	Direction ScoreDirection `json:"direction" validate:"required,oneof=above below equals"`
	Threshold float64        `json:"threshold"`
}

func (ScoreChangeConfig) TriggerType() TriggerType { return TriggerScoreChange }

type DaysSinceContactConfig struct {
	Days int `json:"days" validate:"required,min=1"`
}

func (DaysSinceContactConfig) TriggerType() TriggerType { return TriggerDaysSinceContact }

// AnyStatus matches every previous status in a status_change trigger.
const AnyStatus = "any"

type StatusChangeConfig struct {
	FromStatus string `json:"from_status,omitempty" validate:"omitempty,contact_status_or_any"`
	ToStatus   string `json:"to_status"             validate:"required,contact_status"`
}

func (StatusChangeConfig) TriggerType() TriggerType { return TriggerStatusChange }

// MatchesAnyFrom reports whether the config accepts every previous status.
func (c StatusChangeConfig) MatchesAnyFrom() bool {
	return c.FromStatus == "" || c.FromStatus == AnyStatus
}

type TagAddedConfig struct {
	TagName string `json:"tag_name" validate:"required"`
}

func (TagAddedConfig) TriggerType() TriggerType { return TriggerTagAdded }

type TagRemovedConfig struct {
	TagName string `json:"tag_name" validate:"required"`
}

func (TagRemovedConfig) TriggerType() TriggerType { return TriggerTagRemoved }

type FederationStatusConfig struct {
	FederationValue bool `json:"federation_value"`
}

func (FederationStatusConfig) TriggerType() TriggerType { return TriggerFederationStatus }

type ManualConfig struct{}

func (ManualConfig) TriggerType() TriggerType { return TriggerManual }

// ScheduledConfig fires on every slot of a five-field cron expression. The
// optional contact filters select which contacts each slot runs against.
type ScheduledConfig struct {
	Schedule      string `json:"schedule"                 validate:"required"`
	Timezone      string `json:"timezone,omitempty"`
	ContactStatus string `json:"contact_status,omitempty" validate:"omitempty,contact_status"`
	ContactTag    string `json:"contact_tag,omitempty"`
}

func (ScheduledConfig) TriggerType() TriggerType { return TriggerScheduled }

// NewTriggerConfig returns a zero config for the given trigger type.
func NewTriggerConfig(t TriggerType) (TriggerConfig, error) {
	switch t {
	case TriggerScoreChange:
		return &ScoreChangeConfig{}, nil
	case TriggerDaysSinceContact:
		return &DaysSinceContactConfig{}, nil
	case TriggerStatusChange:
		return &StatusChangeConfig{}, nil
	case TriggerTagAdded:
		return &TagAddedConfig{}, nil
	case TriggerTagRemoved:
		return &TagRemovedConfig{}, nil
	case TriggerFederationStatus:
		return &FederationStatusConfig{}, nil
	case TriggerManual:
		return &ManualConfig{}, nil
	case TriggerScheduled:
		return &ScheduledConfig{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTriggerType, t)
	}
}

// Trigger is the tagged variant carried by a workflow definition.
type Trigger struct {
	Type   TriggerType   `json:"type"`
	Config TriggerConfig `json:"config"`
}

// NewTrigger builds a trigger from a typed config.
func NewTrigger(config TriggerConfig) Trigger {
	return Trigger{Type: config.TriggerType(), Config: config}
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   TriggerType     `json:"type"`
		Config json.RawMessage `json:"config"`
	}

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	config, err := DecodeTriggerConfig(raw.Type, raw.Config)
	if err != nil {
		return err
	}

	t.Type = raw.Type
	t.Config = config

	return nil
}

// DecodeTriggerConfig decodes raw JSON into the typed config of trigger type t.
func DecodeTriggerConfig(t TriggerType, data []byte) (TriggerConfig, error) {
	config, err := NewTriggerConfig(t)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 && string(data) != "null" {
		err = json.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s trigger config: %w", t, err)
		}
	}

	return derefTriggerConfig(config), nil
}

// derefTriggerConfig stores configs by value so that type switches over
// Trigger.Config only need to handle one form.
func derefTriggerConfig(config TriggerConfig) TriggerConfig {
	switch c := config.(type) {
	case *ScoreChangeConfig:
		return *c
	case *DaysSinceContactConfig:
		return *c
	case *StatusChangeConfig:
		return *c
	case *TagAddedConfig:
		return *c
	case *TagRemovedConfig:
		return *c
	case *FederationStatusConfig:
		return *c
	case *ManualConfig:
		return *c
	case *ScheduledConfig:
		return *c
	default:
		return config
	}
}
