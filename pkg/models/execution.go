package models

import "time"

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// InFlightStatuses are the statuses that block deletion of a workflow.
var InFlightStatuses = []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionPaused}

// Terminal reports whether the record can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

func (s ExecutionStatus) InFlight() bool {
	return s == ExecutionPending || s == ExecutionRunning || s == ExecutionPaused
}

// CanTransitionTo encodes the execution state machine:
// pending -> running -> (completed | failed | paused), paused -> running.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed || next == ExecutionPaused
	case ExecutionPaused:
		return next == ExecutionRunning
	default:
		return false
	}
}

type ActionResultStatus string

const (
	ActionSucceeded ActionResultStatus = "succeeded"
	ActionFailed    ActionResultStatus = "failed"
	ActionSkipped   ActionResultStatus = "skipped"
	ActionWaiting   ActionResultStatus = "waiting"
)

// ActionResult is one ledger entry. Exactly one entry exists per step index
// below the cursor.
type ActionResult struct {
	StepID     string             `json:"step_id"`
	StepIndex  int                `json:"step_index"`
	ActionType ActionType         `json:"action_type"`
	Status     ActionResultStatus `json:"status"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Attempts   int                `json:"attempts"`
	Timestamp  time.Time          `json:"timestamp"`
}

// TriggeredBy describes the event or tick that started an execution.
type TriggeredBy struct {
	TriggerType TriggerType    `json:"trigger_type"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
}

// ExecutionRecord is one durable run of a workflow against one contact.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflow_id"`
	WorkflowName     string          `json:"workflow_name"`
	ContactID        string          `json:"contact_id"`
	ContactName      string          `json:"contact_name"`
	Status           ExecutionStatus `json:"status"`
	TriggeredBy      TriggeredBy     `json:"triggered_by"`
	DedupKey         string          `json:"dedup_key,omitempty"`
	Actions          []ActionStep    `json:"actions"`
	Cursor           int             `json:"cursor"`
	ActionsCompleted []ActionResult  `json:"actions_completed"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ResumeAt         *time.Time      `json:"resume_at,omitempty"`
	LeaseOwner       string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Finished reports whether the cursor has moved past the last action.
func (e *ExecutionRecord) Finished() bool {
	return e.Cursor >= len(e.Actions)
}

// CurrentStep returns the step at the cursor.
func (e *ExecutionRecord) CurrentStep() (ActionStep, bool) {
	if e.Cursor < 0 || e.Cursor >= len(e.Actions) {
		return ActionStep{}, false
	}

	return e.Actions[e.Cursor], true
}

// LedgerConsistent reports whether the ledger has exactly one entry per
// step below the cursor.
func (e *ExecutionRecord) LedgerConsistent() bool {
	if len(e.ActionsCompleted) != e.Cursor {
		return false
	}

	for i, result := range e.ActionsCompleted {
		if result.StepIndex != i {
			return false
		}
	}

	return true
}

// LeaseHeld reports whether some worker holds a live lease at now.
func (e *ExecutionRecord) LeaseHeld(now time.Time) bool {
	return e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// Runnable reports whether a worker may lease the record at now: pending
// records, paused records whose timer has elapsed, and running records
// whose previous owner let the lease expire.
func (e *ExecutionRecord) Runnable(now time.Time) bool {
	if e.Status.Terminal() || e.LeaseHeld(now) {
		return false
	}

	if e.Status == ExecutionPaused && e.ResumeAt != nil && e.ResumeAt.After(now) {
		return false
	}

	return true
}

// DueAt is the time at which the record should next be dispatched.
func (e *ExecutionRecord) DueAt() time.Time {
	if e.Status == ExecutionPaused && e.ResumeAt != nil {
		return *e.ResumeAt
	}

	return e.CreatedAt
}

// Clone returns a deep copy suitable for handing out of a repository.
func (e *ExecutionRecord) Clone() *ExecutionRecord {
	clone := *e

	clone.Actions = make([]ActionStep, len(e.Actions))
	for i, step := range e.Actions {
		clone.Actions[i] = step.Clone()
	}

	clone.ActionsCompleted = append([]ActionResult(nil), e.ActionsCompleted...)
	if clone.ActionsCompleted == nil {
		clone.ActionsCompleted = []ActionResult{}
	}

	return &clone
}
