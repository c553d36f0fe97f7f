package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Store is the definition store. Writes are serialized per workflow id;
// reads go straight to the repository.
type Store struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	locks       *KeyedLocker
	logger      *slog.Logger
	now         func() time.Time
}

type StoreOption func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a new definition store.
func NewStore(persistence persistence.Persistence, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		persistence: persistence,
		validate:    NewValidator(),
		locks:       NewKeyedLocker(),
		logger:      logger.With("module", "definition_store"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// HealthCheck checks the health of the persistence layer.
func (s *Store) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Validate checks input without storing it.
func (s *Store) Validate(input DefinitionInput) (*models.WorkflowDefinition, error) {
	return s.validateInput(input)
}

// Create validates and stores a new workflow definition.
func (s *Store) Create(ctx context.Context, input DefinitionInput) (*models.WorkflowDefinition, error) {
	workflow, err := s.validateInput(input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	workflow.ID = uuid.New().String()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	unlock := s.locks.Lock(workflow.ID)
	defer unlock()

	err = s.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "Workflow created",
		"workflow_id", workflow.ID,
		"trigger_type", workflow.Trigger.Type,
		"actions", len(workflow.Actions),
		"active", workflow.IsActive)

	return workflow, nil
}

// Update replaces the definition of an existing workflow. Executions that
// already started keep the action list they were given.
func (s *Store) Update(ctx context.Context, workflowID string, input DefinitionInput) (*models.WorkflowDefinition, error) {
	workflow, err := s.validateInput(input)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(workflowID)
	defer unlock()

	existing, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	workflow.ID = workflowID
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = s.now()
	workflow.ExecutionCount = existing.ExecutionCount
	workflow.LastExecutedAt = existing.LastExecutedAt

	err = s.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "Workflow updated", "workflow_id", workflowID, "active", workflow.IsActive)

	return workflow, nil
}

// SetActive toggles whether the trigger evaluator may match the workflow.
// Deactivation never touches executions already in flight.
func (s *Store) SetActive(ctx context.Context, workflowID string, active bool) (*models.WorkflowDefinition, error) {
	unlock := s.locks.Lock(workflowID)
	defer unlock()

	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if active && len(workflow.Actions) == 0 {
		errs := &ConfigurationError{}
		errs.add("actions", "at least one action is required to activate a workflow")

		return nil, errs
	}

	if workflow.IsActive == active {
		return workflow, nil
	}

	workflow.IsActive = active
	workflow.UpdatedAt = s.now()

	err = s.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "Workflow activation changed", "workflow_id", workflowID, "active", active)

	return workflow, nil
}

// Delete soft-deletes a workflow. It fails with *InUseError while any
// execution of the workflow is pending, running or paused.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	unlock := s.locks.Lock(workflowID)
	defer unlock()

	_, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	inFlight, err := s.persistence.ExecutionRepository().CountInFlight(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to count in-flight executions: %w", err)
	}

	if inFlight > 0 {
		return &InUseError{WorkflowID: workflowID, InFlight: inFlight}
	}

	err = s.persistence.WorkflowRepository().Delete(ctx, workflowID, s.now())
	if errors.Is(err, persistence.ErrWorkflowInUse) {
		// Another process enqueued between the count and the delete.
		return &InUseError{WorkflowID: workflowID, InFlight: max(inFlight, 1)}
	}

	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "Workflow deleted", "workflow_id", workflowID)

	return nil
}

// Get retrieves a workflow by its ID.
func (s *Store) Get(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	return s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
}

// List returns every live workflow.
func (s *Store) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.persistence.WorkflowRepository().GetAll(ctx)
}

// ListActive returns the workflows the trigger evaluator may match.
func (s *Store) ListActive(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	workflows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.WorkflowDefinition, 0, len(workflows))

	for _, workflow := range workflows {
		if workflow.Matchable() {
			active = append(active, workflow)
		}
	}

	return active, nil
}

// Enqueue runs fn while holding the shared lock of workflowID, handing it
// the current definition. Delete cannot observe zero in-flight executions
// while fn is creating one.
func (s *Store) Enqueue(ctx context.Context, workflowID string, fn func(*models.WorkflowDefinition) error) error {
	unlock := s.locks.RLock(workflowID)
	defer unlock()

	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	return fn(workflow)
}

// RecordExecution bumps the advisory execution counters.
func (s *Store) RecordExecution(ctx context.Context, workflowID string, at time.Time) error {
	return s.persistence.WorkflowRepository().IncrementExecutionCount(ctx, workflowID, at)
}
