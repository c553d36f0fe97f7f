// Package events defines the messages exchanged over the event bus: contact
// events fed into trigger evaluation and execution lifecycle notifications.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topics.
const (
	ContactEventsTopic = "crmflow.contact.events"
	ExecutionsTopic    = "crmflow.executions"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ContactEventReceivedEvent EventType = "contact.event.received"

	ExecutionCreatedEvent   EventType = "execution.created"
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionPausedEvent    EventType = "execution.paused"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
)

// ErrUnknownEventType is returned when decoding a message with an unregistered type.
var ErrUnknownEventType = errors.New("unknown event type")

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// ContactEventReceived carries a CRM contact change into the engine.
type ContactEventReceived struct {
	BaseEvent

	Event models.ContactEvent `json:"event"`
}

func (ContactEventReceived) GetType() EventType {
	return ContactEventReceivedEvent
}

func NewContactEventReceived(event models.ContactEvent) ContactEventReceived {
	return ContactEventReceived{
		BaseEvent: NewBaseEvent(ContactEventReceivedEvent, ""),
		Event:     event,
	}
}

// ExecutionEvent is the shared payload of execution lifecycle events.
type ExecutionEvent struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	ContactID   string                 `json:"contact_id"`
	Status      models.ExecutionStatus `json:"status"`
	Cursor      int                    `json:"cursor"`
}

func newExecutionEvent(eventType EventType, record *models.ExecutionRecord) ExecutionEvent {
	return ExecutionEvent{
		BaseEvent:   NewBaseEvent(eventType, record.WorkflowID),
		ExecutionID: record.ID,
		ContactID:   record.ContactID,
		Status:      record.Status,
		Cursor:      record.Cursor,
	}
}

type ExecutionCreated struct {
	ExecutionEvent

	TriggerType models.TriggerType `json:"trigger_type"`
	TriggeredBy string             `json:"triggered_by"`
}

func (ExecutionCreated) GetType() EventType {
	return ExecutionCreatedEvent
}

func NewExecutionCreated(record *models.ExecutionRecord) ExecutionCreated {
	return ExecutionCreated{
		ExecutionEvent: newExecutionEvent(ExecutionCreatedEvent, record),
		TriggerType:    record.TriggeredBy.TriggerType,
		TriggeredBy:    record.TriggeredBy.Description,
	}
}

type ExecutionStarted struct {
	ExecutionEvent
}

func (ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

func NewExecutionStarted(record *models.ExecutionRecord, workerID string) ExecutionStarted {
	event := ExecutionStarted{ExecutionEvent: newExecutionEvent(ExecutionStartedEvent, record)}
	event.WorkerID = workerID

	return event
}

type ExecutionPaused struct {
	ExecutionEvent

	ResumeAt time.Time `json:"resume_at"`
}

func (ExecutionPaused) GetType() EventType {
	return ExecutionPausedEvent
}

func NewExecutionPaused(record *models.ExecutionRecord, workerID string) ExecutionPaused {
	event := ExecutionPaused{ExecutionEvent: newExecutionEvent(ExecutionPausedEvent, record)}
	event.WorkerID = workerID

	if record.ResumeAt != nil {
		event.ResumeAt = *record.ResumeAt
	}

	return event
}

type ExecutionResumed struct {
	ExecutionEvent
}

func (ExecutionResumed) GetType() EventType {
	return ExecutionResumedEvent
}

func NewExecutionResumed(record *models.ExecutionRecord, workerID string) ExecutionResumed {
	event := ExecutionResumed{ExecutionEvent: newExecutionEvent(ExecutionResumedEvent, record)}
	event.WorkerID = workerID

	return event
}

type ExecutionCompleted struct {
	ExecutionEvent

	Duration time.Duration `json:"duration"`
}

func (ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

func NewExecutionCompleted(record *models.ExecutionRecord, workerID string) ExecutionCompleted {
	event := ExecutionCompleted{ExecutionEvent: newExecutionEvent(ExecutionCompletedEvent, record)}
	event.WorkerID = workerID

	if record.StartedAt != nil && record.CompletedAt != nil {
		event.Duration = record.CompletedAt.Sub(*record.StartedAt)
	}

	return event
}

type ExecutionFailed struct {
	ExecutionEvent

	Error string `json:"error"`
}

func (ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

func NewExecutionFailed(record *models.ExecutionRecord, workerID string) ExecutionFailed {
	event := ExecutionFailed{
		ExecutionEvent: newExecutionEvent(ExecutionFailedEvent, record),
		Error:          record.ErrorMessage,
	}
	event.WorkerID = workerID

	return event
}

// Topic returns the topic events of the given type are published to.
func Topic(eventType EventType) string {
	if eventType == ContactEventReceivedEvent {
		return ContactEventsTopic
	}

	return ExecutionsTopic
}

// New returns an empty event of the given type, ready to be decoded into.
func New(eventType EventType) (any, error) {
	switch eventType {
	case ContactEventReceivedEvent:
		return &ContactEventReceived{}, nil
	case ExecutionCreatedEvent:
		return &ExecutionCreated{}, nil
	case ExecutionStartedEvent:
		return &ExecutionStarted{}, nil
	case ExecutionPausedEvent:
		return &ExecutionPaused{}, nil
	case ExecutionResumedEvent:
		return &ExecutionResumed{}, nil
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}, nil
	case ExecutionFailedEvent:
		return &ExecutionFailed{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
}
