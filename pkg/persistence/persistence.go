// Package persistence provides the storage abstraction for workflow definitions and execution records.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/crmflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	SweepRepository() SweepRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow definitions. Soft-deleted definitions
// are invisible to every read.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error)
	// Delete soft-deletes the workflow. It fails with ErrWorkflowInUse while
	// any execution of the workflow is pending, running or paused, checked
	// atomically with the delete.
	Delete(ctx context.Context, id string, at time.Time) error
	IncrementExecutionCount(ctx context.Context, id string, at time.Time) error
}

// ExecutionRepository stores execution records. It owns the lease fields of
// every record: Save ignores the incoming LeaseOwner/LeaseExpiresAt and only
// the lease methods change them.
type ExecutionRepository interface {
	// Create stores a new record. A non-empty DedupKey must be unique per
	// workflow; a repeat fails with ErrDuplicateTrigger.
	Create(ctx context.Context, record *models.ExecutionRecord) error

	// CreateForLiveWorkflow is Create guarded by the workflow: it fails with
	// ErrWorkflowNotFound when the workflow is missing or deleted, and a
	// concurrent Delete cannot miss the new record.
	CreateForLiveWorkflow(ctx context.Context, record *models.ExecutionRecord) error

	Get(ctx context.Context, id string) (*models.ExecutionRecord, error)

	// Save persists a leased record. It fails with ErrLeaseLost when owner
	// does not hold the lease and with ErrExecutionTerminal when the stored
	// record is already completed or failed. Saving a terminal record
	// releases the lease.
	Save(ctx context.Context, record *models.ExecutionRecord, owner string) error

	// ListByWorkflow and ListRecent return records newest first.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ExecutionRecord, error)

	CountInFlight(ctx context.Context, workflowID string) (int, error)

	// ListRunnable returns records a worker may lease at now, oldest due first.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.ExecutionRecord, error)

	// AcquireLease grants owner exclusive ownership of a runnable record until
	// now+ttl and returns the leased record. It fails with ErrLeaseUnavailable
	// when the record is not runnable at now.
	AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*models.ExecutionRecord, error)
	RenewLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id, owner string) error
}

// SweepRepository keeps the state of the time-driven trigger sweep.
type SweepRepository interface {
	// GetWatermark returns the end of the last sweep window evaluated for the workflow.
	GetWatermark(ctx context.Context, workflowID string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, workflowID string, at time.Time) error

	// SlotFired reports whether a scheduled slot was already marked.
	SlotFired(ctx context.Context, workflowID string, slot time.Time) (bool, error)

	// MarkSlotFired records that a scheduled slot fired. It returns false when
	// the slot was already marked.
	MarkSlotFired(ctx context.Context, workflowID string, slot time.Time) (bool, error)
}
