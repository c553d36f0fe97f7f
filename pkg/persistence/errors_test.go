package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("GetByID", "workflow-123", persistence.ErrWorkflowNotFound)
		executionErr := persistence.NewExecutionError("Get", "exec-456", persistence.ErrExecutionNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.False(t, persistence.IsWorkflowNotFound(executionErr))

		assert.True(t, errors.Is(workflowErr, persistence.ErrWorkflowNotFound))
		assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", executionErr), persistence.ErrExecutionNotFound))
	})

	t.Run("workflow error contains context", func(t *testing.T) {
		err := persistence.NewWorkflowError("Delete", "workflow-123", persistence.ErrWorkflowNotFound)

		assert.Contains(t, err.Error(), "Delete")
		assert.Contains(t, err.Error(), "workflow-123")
		assert.Contains(t, err.Error(), "workflow not found")
	})

	t.Run("lease errors", func(t *testing.T) {
		assert.True(t, persistence.IsLeaseError(persistence.NewExecutionError("Save", "e1", persistence.ErrLeaseLost)))
		assert.True(t, persistence.IsLeaseError(persistence.ErrLeaseUnavailable))
		assert.True(t, persistence.IsLeaseError(persistence.ErrExecutionTerminal))
		assert.False(t, persistence.IsLeaseError(persistence.ErrExecutionNotFound))
	})
}
