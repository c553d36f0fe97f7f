package ledger

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLedger(t *testing.T) (*Ledger, persistence.ExecutionRepository) {
	t.Helper()

	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return New(repo, logger), repo
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(10_000))
}

func TestLedger_Queries(t *testing.T) {
	ctx := context.Background()
	ledger, repo := setupLedger(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	workflow := testutil.CreateTestWorkflow()
	other := testutil.CreateTestWorkflow()

	var ids []string

	for i := range 3 {
		record := testutil.CreateTestExecution(workflow, "c1", testutil.CreatedAt(now.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, repo.Create(ctx, record))

		ids = append(ids, record.ID)
	}

	done := testutil.CreateTestExecution(other, "c2",
		testutil.WithStatus(models.ExecutionCompleted),
		testutil.CreatedAt(now.Add(time.Hour)))
	require.NoError(t, repo.Create(ctx, done))

	record, err := ledger.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, workflow.ID, record.WorkflowID)

	_, err = ledger.Get(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))

	byWorkflow, err := ledger.ListByWorkflow(ctx, workflow.ID, 0)
	require.NoError(t, err)
	require.Len(t, byWorkflow, 3)
	assert.Equal(t, ids[2], byWorkflow[0].ID)

	recent, err := ledger.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, done.ID, recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)

	empty, err := ledger.ListByWorkflow(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLedger_Summarize(t *testing.T) {
	ctx := context.Background()
	ledger, repo := setupLedger(t)
	workflow := testutil.CreateTestWorkflow()

	for _, status := range []models.ExecutionStatus{
		models.ExecutionPending,
		models.ExecutionCompleted,
		models.ExecutionCompleted,
		models.ExecutionFailed,
	} {
		require.NoError(t, repo.Create(ctx, testutil.CreateTestExecution(workflow, "c1", testutil.WithStatus(status))))
	}

	summary, err := ledger.Summarize(ctx, workflow.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.ByStatus[models.ExecutionCompleted])
	assert.Equal(t, 1, summary.ByStatus[models.ExecutionFailed])
	assert.Equal(t, 1, summary.ByStatus[models.ExecutionPending])
}
