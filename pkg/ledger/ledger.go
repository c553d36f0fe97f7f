// Package ledger is the read side of execution records: the audit log the UI
// uses to show what each workflow did to each contact.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Ledger answers queries over execution records. Records are only ever
// written by the trigger evaluator and the action runner.
type Ledger struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger
}

func New(executions persistence.ExecutionRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		executions: executions,
		logger:     logger.With("module", "execution_ledger"),
	}
}

// ClampLimit maps a requested page size onto [1, MaxLimit]; zero or negative
// selects DefaultLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func (l *Ledger) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	record, err := l.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListByWorkflow returns the newest executions of one workflow, including
// executions of a workflow that was deleted since.
func (l *Ledger) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	records, err := l.executions.ListByWorkflow(ctx, workflowID, ClampLimit(limit))
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to list executions", "workflow_id", workflowID, "error", err)

		return nil, fmt.Errorf("failed to list executions of workflow %s: %w", workflowID, err)
	}

	return records, nil
}

// ListRecent returns the newest executions across all workflows.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]*models.ExecutionRecord, error) {
	records, err := l.executions.ListRecent(ctx, ClampLimit(limit))
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to list recent executions", "error", err)

		return nil, fmt.Errorf("failed to list recent executions: %w", err)
	}

	return records, nil
}

// Summary counts executions of a workflow by status over its newest records.
type Summary struct {
	WorkflowID string                         `json:"workflow_id"`
	Total      int                            `json:"total"`
	ByStatus   map[models.ExecutionStatus]int `json:"by_status"`
}

func (l *Ledger) Summarize(ctx context.Context, workflowID string) (*Summary, error) {
	records, err := l.ListByWorkflow(ctx, workflowID, MaxLimit)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		WorkflowID: workflowID,
		Total:      len(records),
		ByStatus:   map[models.ExecutionStatus]int{},
	}

	for _, record := range records {
		summary.ByStatus[record.Status]++
	}

	return summary, nil
}
