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
	"github.com/lib/pq"
)

// ExecutionRepository handles execution record database operations. Leases
// are taken with conditional updates, so concurrent workers in different
// processes never own the same record.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , workflow_id
  , workflow_name
  , contact_id
  , contact_name
  , status
  , triggered_by
  , dedup_key
  , actions
  , action_cursor
  , actions_completed
  , error_message
  , resume_at
  , lease_owner
  , lease_expires_at
  , started_at
  , completed_at
  , created_at
  , updated_at`

// runnableCondition matches records a worker may lease at $1.
const runnableCondition = `
	status IN ('pending', 'running', 'paused')
	AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $1)
	AND NOT (status = 'paused' AND resume_at IS NOT NULL AND resume_at > $1)`

const (
	uniqueViolation   = "23505"
	dedupKeyIndexName = "idx_executions_dedup_key"
)

func (r *ExecutionRepository) Create(ctx context.Context, record *models.ExecutionRecord) error {
	return r.insert(ctx, r.db, "Create", record)
}

// CreateForLiveWorkflow inserts the record while holding a share lock on a
// live workflow row. Delete takes that row FOR UPDATE before counting
// in-flight executions, so the two serialize across processes.
func (r *ExecutionRepository) CreateForLiveWorkflow(ctx context.Context, record *models.ExecutionRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewExecutionError("CreateForLiveWorkflow", record.ID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var id string

	err = tx.QueryRowContext(ctx,
		`SELECT id FROM workflows WHERE id = $1 AND deleted_at IS NULL FOR SHARE`,
		record.WorkflowID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewWorkflowError("CreateForLiveWorkflow", record.WorkflowID, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewExecutionError("CreateForLiveWorkflow", record.ID, err)
	}

	err = r.insert(ctx, tx, "CreateForLiveWorkflow", record)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewExecutionError("CreateForLiveWorkflow", record.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) insert(ctx context.Context, db execer, op string, record *models.ExecutionRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	if record.ActionsCompleted == nil {
		record.ActionsCompleted = []models.ActionResult{}
	}

	triggeredBy, actions, completed, err := marshalExecution(record)
	if err != nil {
		return persistence.NewExecutionError(op, record.ID, err)
	}

	query := `
		INSERT INTO executions (id, workflow_id, workflow_name, contact_id, contact_name, status,
			triggered_by, actions, action_cursor, actions_completed, error_message, resume_at,
			started_at, completed_at, created_at, updated_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = db.ExecContext(ctx, query,
		record.ID,
		record.WorkflowID,
		record.WorkflowName,
		record.ContactID,
		record.ContactName,
		record.Status,
		triggeredBy,
		actions,
		record.Cursor,
		completed,
		record.ErrorMessage,
		record.ResumeAt,
		record.StartedAt,
		record.CompletedAt,
		record.CreatedAt,
		record.UpdatedAt,
		nullString(record.DedupKey),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == dedupKeyIndexName {
				return persistence.NewExecutionError(op, record.ID, persistence.ErrDuplicateTrigger)
			}

			return persistence.NewExecutionError(op, record.ID, persistence.ErrExecutionAlreadyExists)
		}

		return persistence.NewExecutionError(op, record.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	record, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Get", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", id, err)
	}

	return record, nil
}

func (r *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord, owner string) error {
	triggeredBy, actions, completed, err := marshalExecution(record)
	if err != nil {
		return persistence.NewExecutionError("Save", record.ID, err)
	}

	query := `
		UPDATE executions SET
			status = $3,
			triggered_by = $4,
			actions = $5,
			action_cursor = $6,
			actions_completed = $7,
			error_message = $8,
			resume_at = $9,
			started_at = $10,
			completed_at = $11,
			contact_name = $12,
			updated_at = NOW(),
			lease_owner = CASE WHEN $13 THEN NULL ELSE lease_owner END,
			lease_expires_at = CASE WHEN $13 THEN NULL ELSE lease_expires_at END
		WHERE id = $1
			AND lease_owner = $2
			AND status NOT IN ('completed', 'failed')
		RETURNING lease_owner, lease_expires_at, updated_at
	`

	var (
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		updatedAt      time.Time
	)

	err = r.db.QueryRowContext(ctx, query,
		record.ID,
		owner,
		record.Status,
		triggeredBy,
		actions,
		record.Cursor,
		completed,
		record.ErrorMessage,
		record.ResumeAt,
		record.StartedAt,
		record.CompletedAt,
		record.ContactName,
		record.Status.Terminal(),
	).Scan(&leaseOwner, &leaseExpiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.explainRejectedWrite(ctx, "Save", record.ID)
		}

		return persistence.NewExecutionError("Save", record.ID, err)
	}

	record.LeaseOwner = leaseOwner.String
	record.LeaseExpiresAt = nullTime(leaseExpiresAt)
	record.UpdatedAt = updatedAt.UTC()

	return nil
}

// explainRejectedWrite turns a fenced update that matched no row into the
// precise sentinel error.
func (r *ExecutionRepository) explainRejectedWrite(ctx context.Context, op, id string) error {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewExecutionError(op, id, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError(op, id, err)
	}

	if models.ExecutionStatus(status).Terminal() {
		return persistence.NewExecutionError(op, id, persistence.ErrExecutionTerminal)
	}

	return persistence.NewExecutionError(op, id, persistence.ErrLeaseLost)
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE workflow_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	return r.list(ctx, query, workflowID, limitOrAll(limit))
}

func (r *ExecutionRepository) ListRecent(ctx context.Context, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`

	return r.list(ctx, query, limitOrAll(limit))
}

func (r *ExecutionRepository) CountInFlight(ctx context.Context, workflowID string) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = $1 AND status IN ('pending', 'running', 'paused')`,
		workflowID,
	).Scan(&count)
	if err != nil {
		return 0, persistence.NewWorkflowError("CountInFlight", workflowID, err)
	}

	return count, nil
}

func (r *ExecutionRepository) ListRunnable(ctx context.Context, now time.Time, limit int) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE ` + runnableCondition + `
		ORDER BY COALESCE(CASE WHEN status = 'paused' THEN resume_at END, created_at) ASC
		LIMIT $2
	`

	return r.list(ctx, query, now.UTC(), limitOrAll(limit))
}

func (r *ExecutionRepository) AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*models.ExecutionRecord, error) {
	query := `
		UPDATE executions SET
			lease_owner = $3,
			lease_expires_at = $4,
			updated_at = NOW()
		WHERE id = $2 AND ` + runnableCondition + `
		RETURNING ` + executionColumns

	record, err := scanExecution(r.db.QueryRowContext(ctx, query, now.UTC(), id, owner, now.Add(ttl).UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_, getErr := r.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}

			return nil, persistence.NewExecutionError("AcquireLease", id, persistence.ErrLeaseUnavailable)
		}

		return nil, persistence.NewExecutionError("AcquireLease", id, err)
	}

	return record, nil
}

func (r *ExecutionRepository) RenewLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE executions SET lease_expires_at = $3
		 WHERE id = $1 AND lease_owner = $2 AND status NOT IN ('completed', 'failed')`,
		id, owner, now.Add(ttl).UTC(),
	)
	if err != nil {
		return persistence.NewExecutionError("RenewLease", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("RenewLease", id, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("RenewLease", id, persistence.ErrLeaseLost)
	}

	return nil
}

func (r *ExecutionRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE executions SET lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2`,
		id, owner,
	)
	if err != nil {
		return persistence.NewExecutionError("ReleaseLease", id, err)
	}

	return nil
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	records := make([]*models.ExecutionRecord, 0)

	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

// limitOrAll maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}

	return limit
}

func marshalExecution(record *models.ExecutionRecord) (triggeredBy, actions, completed []byte, err error) {
	triggeredBy, err = json.Marshal(record.TriggeredBy)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal triggered_by: %w", err)
	}

	actions, err = json.Marshal(record.Actions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}

	results := record.ActionsCompleted
	if results == nil {
		results = []models.ActionResult{}
	}

	completed, err = json.Marshal(results)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal actions_completed: %w", err)
	}

	return triggeredBy, actions, completed, nil
}

func scanExecution(row scanner) (*models.ExecutionRecord, error) {
	var (
		record         models.ExecutionRecord
		status         string
		triggeredBy    []byte
		dedupKey       sql.NullString
		actions        []byte
		completed      []byte
		resumeAt       sql.NullTime
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.WorkflowID,
		&record.WorkflowName,
		&record.ContactID,
		&record.ContactName,
		&status,
		&triggeredBy,
		&dedupKey,
		&actions,
		&record.Cursor,
		&completed,
		&record.ErrorMessage,
		&resumeAt,
		&leaseOwner,
		&leaseExpiresAt,
		&startedAt,
		&completedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = models.ExecutionStatus(status)

	err = json.Unmarshal(triggeredBy, &record.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal triggered_by: %w", err)
	}

	err = json.Unmarshal(actions, &record.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}

	err = json.Unmarshal(completed, &record.ActionsCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions_completed: %w", err)
	}

	record.DedupKey = dedupKey.String
	record.ResumeAt = nullTime(resumeAt)
	record.LeaseOwner = leaseOwner.String
	record.LeaseExpiresAt = nullTime(leaseExpiresAt)
	record.StartedAt = nullTime(startedAt)
	record.CompletedAt = nullTime(completedAt)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	return &record, nil
}
