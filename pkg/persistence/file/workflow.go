package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
)

// WorkflowRepository handles workflow definition file operations.
type WorkflowRepository struct {
	store      *store
	executions *ExecutionRepository
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{store: newStore(root, "workflows")}
}

// GetAll returns every live workflow ordered by creation time.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.WorkflowDefinition, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	ids, err := wr.store.ids()
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		var workflow models.WorkflowDefinition

		found, err := wr.store.read(id, &workflow)
		if err != nil {
			return nil, persistence.NewWorkflowError("GetAll", id, err)
		}

		if found && !workflow.IsDeleted() {
			workflows = append(workflows, &workflow)
		}
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

// GetByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	return wr.get("GetByID", id)
}

func (wr *WorkflowRepository) get(op, id string) (*models.WorkflowDefinition, error) {
	var workflow models.WorkflowDefinition

	found, err := wr.store.read(id, &workflow)
	if err != nil {
		return nil, persistence.NewWorkflowError(op, id, err)
	}

	if !found || workflow.IsDeleted() {
		return nil, persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// Save saves a workflow to the file system.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.WorkflowDefinition) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	err := wr.store.write(workflow.ID, workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// Delete marks a workflow as deleted. The document is kept for audit.
// The execution store lock is taken after the workflow lock, matching
// ExecutionRepository.CreateForLiveWorkflow.
func (wr *WorkflowRepository) Delete(_ context.Context, id string, at time.Time) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.get("Delete", id)
	if err != nil {
		return err
	}

	if wr.executions != nil {
		wr.executions.store.mu.Lock()
		defer wr.executions.store.mu.Unlock()

		inFlight, err := wr.executions.countInFlight(id)
		if err != nil {
			return persistence.NewWorkflowError("Delete", id, err)
		}

		if inFlight > 0 {
			return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowInUse)
		}
	}

	deletedAt := at.UTC()
	workflow.DeletedAt = &deletedAt
	workflow.IsActive = false
	workflow.UpdatedAt = deletedAt

	err = wr.store.write(id, workflow)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

// IncrementExecutionCount bumps the advisory execution counters.
func (wr *WorkflowRepository) IncrementExecutionCount(_ context.Context, id string, at time.Time) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	workflow, err := wr.get("IncrementExecutionCount", id)
	if err != nil {
		return err
	}

	executedAt := at.UTC()
	workflow.ExecutionCount++
	workflow.LastExecutedAt = &executedAt

	err = wr.store.write(id, workflow)
	if err != nil {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, err)
	}

	return nil
}
