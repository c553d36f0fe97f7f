package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceContract exercises the behavior every persistence
// implementation must share. newPersistence must return an empty store.
func RunPersistenceContract(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("workflow lifecycle", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.WorkflowRepository()
		ctx := context.Background()

		workflow := CreateTestWorkflow()
		require.NoError(t, repo.Save(ctx, workflow))
		assert.False(t, workflow.CreatedAt.IsZero())

		loaded, err := repo.GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.Name, loaded.Name)
		assert.Equal(t, workflow.Trigger, loaded.Trigger)
		assert.Equal(t, workflow.Actions, loaded.Actions)

		at := time.Now().UTC()
		require.NoError(t, repo.IncrementExecutionCount(ctx, workflow.ID, at))
		require.NoError(t, repo.IncrementExecutionCount(ctx, workflow.ID, at))

		loaded, err = repo.GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.ExecutionCount)
		require.NotNil(t, loaded.LastExecutedAt)
		assert.WithinDuration(t, at, *loaded.LastExecutedAt, time.Millisecond)

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, repo.Delete(ctx, workflow.ID, at))

		_, err = repo.GetByID(ctx, workflow.ID)
		assert.True(t, persistence.IsWorkflowNotFound(err))

		all, err = repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("missing workflow", func(t *testing.T) {
		p := newPersistence(t)

		_, err := p.WorkflowRepository().GetByID(context.Background(), "missing")
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("execution create and get", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()

		record := CreateTestExecution(CreateTestWorkflow(), "contact-1")
		require.NoError(t, repo.Create(ctx, record))

		err := repo.Create(ctx, record)
		require.ErrorIs(t, err, persistence.ErrExecutionAlreadyExists)

		loaded, err := repo.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionPending, loaded.Status)
		assert.Equal(t, record.Actions, loaded.Actions)
		assert.Empty(t, loaded.ActionsCompleted)

		_, err = repo.Get(ctx, "missing")
		assert.True(t, persistence.IsExecutionNotFound(err))
	})

	t.Run("dedup key is unique per workflow", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()
		workflow := CreateTestWorkflow()

		first := CreateTestExecution(workflow, "c1")
		first.DedupKey = "event:evt-1"
		require.NoError(t, repo.Create(ctx, first))

		again := CreateTestExecution(workflow, "c1")
		again.DedupKey = "event:evt-1"
		err := repo.Create(ctx, again)
		require.ErrorIs(t, err, persistence.ErrDuplicateTrigger)

		_, err = repo.Get(ctx, again.ID)
		assert.True(t, persistence.IsExecutionNotFound(err))

		otherWorkflow := CreateTestExecution(CreateTestWorkflow(), "c1")
		otherWorkflow.DedupKey = "event:evt-1"
		require.NoError(t, repo.Create(ctx, otherWorkflow))

		require.NoError(t, repo.Create(ctx, CreateTestExecution(workflow, "c1")))
		require.NoError(t, repo.Create(ctx, CreateTestExecution(workflow, "c1")))

		loaded, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "event:evt-1", loaded.DedupKey)
	})

	t.Run("create for live workflow", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		now := time.Now().UTC()

		workflow := CreateTestWorkflow()
		require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

		record := CreateTestExecution(workflow, "c1")
		require.NoError(t, p.ExecutionRepository().CreateForLiveWorkflow(ctx, record))

		orphan := CreateTestExecution(CreateTestWorkflow(), "c1")
		err := p.ExecutionRepository().CreateForLiveWorkflow(ctx, orphan)
		assert.True(t, persistence.IsWorkflowNotFound(err))

		err = p.WorkflowRepository().Delete(ctx, workflow.ID, now)
		require.ErrorIs(t, err, persistence.ErrWorkflowInUse)

		_, err = p.WorkflowRepository().GetByID(ctx, workflow.ID)
		require.NoError(t, err, "a refused delete leaves the workflow live")

		leased, err := p.ExecutionRepository().AcquireLease(ctx, record.ID, "worker-a", now, time.Minute)
		require.NoError(t, err)

		completedAt := now
		leased.Status = models.ExecutionCompleted
		leased.CompletedAt = &completedAt
		require.NoError(t, p.ExecutionRepository().Save(ctx, leased, "worker-a"))

		require.NoError(t, p.WorkflowRepository().Delete(ctx, workflow.ID, now))

		err = p.ExecutionRepository().CreateForLiveWorkflow(ctx, CreateTestExecution(workflow, "c2"))
		assert.True(t, persistence.IsWorkflowNotFound(err))
	})

	t.Run("lease is exclusive and fences saves", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()
		now := time.Now().UTC()

		record := CreateTestExecution(CreateTestWorkflow(), "contact-1")
		require.NoError(t, repo.Create(ctx, record))

		leased, err := repo.AcquireLease(ctx, record.ID, "worker-a", now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "worker-a", leased.LeaseOwner)

		_, err = repo.AcquireLease(ctx, record.ID, "worker-b", now, time.Minute)
		require.ErrorIs(t, err, persistence.ErrLeaseUnavailable)

		leased.Status = models.ExecutionRunning
		require.ErrorIs(t, repo.Save(ctx, leased, "worker-b"), persistence.ErrLeaseLost)
		require.NoError(t, repo.Save(ctx, leased, "worker-a"))

		require.NoError(t, repo.RenewLease(ctx, record.ID, "worker-a", now, time.Minute))
		require.ErrorIs(t, repo.RenewLease(ctx, record.ID, "worker-b", now, time.Minute), persistence.ErrLeaseLost)

		later := now.Add(2 * time.Minute)
		stolen, err := repo.AcquireLease(ctx, record.ID, "worker-b", later, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionRunning, stolen.Status)

		require.ErrorIs(t, repo.Save(ctx, leased, "worker-a"), persistence.ErrLeaseLost)

		require.NoError(t, repo.ReleaseLease(ctx, record.ID, "worker-a"))
		loaded, err := repo.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "worker-b", loaded.LeaseOwner)

		require.NoError(t, repo.ReleaseLease(ctx, record.ID, "worker-b"))
		loaded, err = repo.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Empty(t, loaded.LeaseOwner)
		assert.Nil(t, loaded.LeaseExpiresAt)
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()
		now := time.Now().UTC()

		record := CreateTestExecution(CreateTestWorkflow(), "contact-1")
		require.NoError(t, repo.Create(ctx, record))

		leased, err := repo.AcquireLease(ctx, record.ID, "worker-a", now, time.Minute)
		require.NoError(t, err)

		completedAt := now
		leased.Status = models.ExecutionCompleted
		leased.CompletedAt = &completedAt
		require.NoError(t, repo.Save(ctx, leased, "worker-a"))

		loaded, err := repo.Get(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, loaded.Status)
		assert.Empty(t, loaded.LeaseOwner)

		require.ErrorIs(t, repo.Save(ctx, leased, "worker-a"), persistence.ErrExecutionTerminal)

		_, err = repo.AcquireLease(ctx, record.ID, "worker-a", now, time.Minute)
		require.ErrorIs(t, err, persistence.ErrLeaseUnavailable)
	})

	t.Run("runnable and in-flight listing", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		workflow := CreateTestWorkflow()

		pending := CreateTestExecution(workflow, "c1", CreatedAt(now.Add(-3*time.Minute)))
		due := CreateTestExecution(workflow, "c2", PausedUntil(now.Add(-time.Minute)), CreatedAt(now.Add(-5*time.Minute)))
		notDue := CreateTestExecution(workflow, "c3", PausedUntil(now.Add(time.Hour)))
		done := CreateTestExecution(workflow, "c4", WithStatus(models.ExecutionCompleted))
		other := CreateTestExecution(CreateTestWorkflow(), "c5")

		for _, r := range []*models.ExecutionRecord{pending, due, notDue, done, other} {
			require.NoError(t, repo.Create(ctx, r))
		}

		runnable, err := repo.ListRunnable(ctx, now, 10)
		require.NoError(t, err)

		ids := make([]string, 0, len(runnable))
		for _, r := range runnable {
			ids = append(ids, r.ID)
		}

		assert.ElementsMatch(t, []string{pending.ID, due.ID, other.ID}, ids)
		assert.Equal(t, pending.ID, ids[0], "oldest due first")

		_, err = repo.AcquireLease(ctx, pending.ID, "worker-a", now, time.Minute)
		require.NoError(t, err)

		runnable, err = repo.ListRunnable(ctx, now, 10)
		require.NoError(t, err)
		assert.Len(t, runnable, 2)

		inFlight, err := repo.CountInFlight(ctx, workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, inFlight)
	})

	t.Run("ledger listings are newest first", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.ExecutionRepository()
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		workflow := CreateTestWorkflow()

		var ids []string

		for i := range 3 {
			r := CreateTestExecution(workflow, "c", CreatedAt(now.Add(time.Duration(i)*time.Second)))
			require.NoError(t, repo.Create(ctx, r))
			ids = append(ids, r.ID)
		}

		require.NoError(t, repo.Create(ctx, CreateTestExecution(CreateTestWorkflow(), "c", CreatedAt(now.Add(-time.Hour)))))

		byWorkflow, err := repo.ListByWorkflow(ctx, workflow.ID, 2)
		require.NoError(t, err)
		require.Len(t, byWorkflow, 2)
		assert.Equal(t, ids[2], byWorkflow[0].ID)
		assert.Equal(t, ids[1], byWorkflow[1].ID)

		recent, err := repo.ListRecent(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, recent, 4)
		assert.Equal(t, ids[2], recent[0].ID)
	})

	t.Run("sweep state", func(t *testing.T) {
		p := newPersistence(t)
		repo := p.SweepRepository()
		ctx := context.Background()

		_, ok, err := repo.GetWatermark(ctx, "wf-1")
		require.NoError(t, err)
		assert.False(t, ok)

		at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, repo.SetWatermark(ctx, "wf-1", at))

		watermark, ok, err := repo.GetWatermark(ctx, "wf-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, at.Equal(watermark))

		slot := at.Add(time.Hour)

		fired, err := repo.SlotFired(ctx, "wf-1", slot)
		require.NoError(t, err)
		assert.False(t, fired)

		fired, err = repo.MarkSlotFired(ctx, "wf-1", slot)
		require.NoError(t, err)
		assert.True(t, fired)

		fired, err = repo.MarkSlotFired(ctx, "wf-1", slot)
		require.NoError(t, err)
		assert.False(t, fired)

		fired, err = repo.SlotFired(ctx, "wf-1", slot)
		require.NoError(t, err)
		assert.True(t, fired)

		fired, err = repo.MarkSlotFired(ctx, "wf-2", slot)
		require.NoError(t, err)
		assert.True(t, fired)
	})
}
