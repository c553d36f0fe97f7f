package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const workflowColumns = `
	id
  , name
  , description
  , trigger_type
  , trigger_config
  , actions
  , is_active
  , execution_count
  , last_executed_at
  , created_at
  , updated_at
  , deleted_at`

// GetAll returns all live workflows ordered by creation time.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE deleted_at IS NULL
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

// Save upserts a workflow definition. The advisory counters are owned by
// IncrementExecutionCount and are never overwritten here.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	triggerConfigJSON, err := json.Marshal(workflow.Trigger.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	actionsJSON, err := json.Marshal(workflow.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
		INSERT INTO workflows (id, name, description, trigger_type, trigger_config, actions,
			is_active, execution_count, last_executed_at, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_type = EXCLUDED.trigger_type,
			trigger_config = EXCLUDED.trigger_config,
			actions = EXCLUDED.actions,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Trigger.Type,
		triggerConfigJSON,
		actionsJSON,
		workflow.IsActive,
		workflow.ExecutionCount,
		workflow.LastExecutedAt,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// Delete soft deletes a workflow by setting deleted_at timestamp. The
// workflow row is locked before the in-flight count, so an execution being
// inserted under CreateForLiveWorkflow is either counted or rejected.
func (r *WorkflowRepository) Delete(ctx context.Context, id string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var lockedID string

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM workflows WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id,
	).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("Delete", id, err)
	}

	var inFlight int

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = $1 AND status IN ('pending', 'running', 'paused')`, id,
	).Scan(&inFlight)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if inFlight > 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowInUse)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE workflows SET deleted_at = $2, is_active = false, updated_at = $2 WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

func (r *WorkflowRepository) IncrementExecutionCount(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET execution_count = execution_count + 1, last_executed_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, err)
	}

	return r.expectOneRow("IncrementExecutionCount", id, result)
}

func (r *WorkflowRepository) expectOneRow(op, id string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError(op, id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.WorkflowDefinition, error) {
	var (
		workflow       models.WorkflowDefinition
		triggerType    string
		triggerConfig  []byte
		actionsJSON    []byte
		lastExecutedAt sql.NullTime
		deletedAt      sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&triggerType,
		&triggerConfig,
		&actionsJSON,
		&workflow.IsActive,
		&workflow.ExecutionCount,
		&lastExecutedAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	config, err := models.DecodeTriggerConfig(models.TriggerType(triggerType), triggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trigger of workflow %s: %w", workflow.ID, err)
	}

	workflow.Trigger = models.Trigger{Type: models.TriggerType(triggerType), Config: config}

	err = json.Unmarshal(actionsJSON, &workflow.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions of workflow %s: %w", workflow.ID, err)
	}

	workflow.LastExecutedAt = nullTime(lastExecutedAt)
	workflow.DeletedAt = nullTime(deletedAt)
	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}
