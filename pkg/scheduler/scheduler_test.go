package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/mocks"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/queue/memory"
	"github.com/dukex/crmflow/pkg/runner"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error)

func (f executorFunc) Run(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error) {
	return f(ctx, record, owner)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createExecution(t *testing.T, repo persistence.ExecutionRepository, actions ...models.ActionStep) *models.ExecutionRecord {
	t.Helper()

	workflow := testutil.CreateTestWorkflow()
	if len(actions) > 0 {
		workflow.Actions = actions
	}

	record := testutil.CreateTestExecution(workflow, "c1")
	require.NoError(t, repo.Create(context.Background(), record))

	return record
}

func newRunner(repo persistence.ExecutionRepository, crm *mocks.CRM, opts ...runner.Option) *runner.Runner {
	return runner.New(repo, crm.Services(), testLogger(), opts...)
}

func TestScheduler_ProcessCompletesExecution(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	crm := mocks.NewCRM()
	crm.Mutator.On("AddTag", mock.Anything, "c1", "hot-lead").Return(testutil.Contact("c1"), nil).Once()

	s := New(repo, memory.New(), newRunner(repo, crm), testLogger())
	record := createExecution(t, repo)

	s.Process(context.Background(), record.ID)

	stored, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)
	assert.Empty(t, stored.LeaseOwner)

	crm.AssertExpectations(t)
}

func TestScheduler_ProcessSchedulesResume(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	q := memory.New()
	crm := mocks.NewCRM()

	s := New(repo, q, newRunner(repo, crm, runner.WithClock(clock)), testLogger(), WithClock(clock))
	record := createExecution(t, repo,
		models.NewActionStep("wait", models.WaitDelayConfig{WaitHours: 1}),
		models.NewActionStep("tag", models.AddTagConfig{TagName: "later"}),
	)

	s.Process(ctx, record.ID)

	stored, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPaused, stored.Status)
	assert.Empty(t, stored.LeaseOwner, "no worker holds a paused execution")

	ids, err := q.PopDue(ctx, now.Add(59*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.PopDue(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{record.ID}, ids)
}

func TestScheduler_ProcessSkipsLeasedExecution(t *testing.T) {
	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()

	var calls atomic.Int32

	executor := executorFunc(func(_ context.Context, record *models.ExecutionRecord, _ string) (*models.ExecutionRecord, error) {
		calls.Add(1)

		return record, nil
	})

	s := New(repo, memory.New(), executor, testLogger())
	record := createExecution(t, repo)

	_, err := repo.AcquireLease(ctx, record.ID, "someone-else", time.Now().UTC(), time.Minute)
	require.NoError(t, err)

	s.Process(ctx, record.ID)
	s.Process(ctx, "missing")

	assert.Equal(t, int32(0), calls.Load())

	stored, err := repo.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", stored.LeaseOwner)
}

func TestScheduler_OneWorkerPerExecution(t *testing.T) {
	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	release := make(chan struct{})

	var calls atomic.Int32

	executor := executorFunc(func(_ context.Context, record *models.ExecutionRecord, _ string) (*models.ExecutionRecord, error) {
		calls.Add(1)
		<-release

		return record, nil
	})

	a := New(repo, memory.New(), executor, testLogger(), WithWorkerID("worker-a"))
	b := New(repo, memory.New(), executor, testLogger(), WithWorkerID("worker-b"))
	record := createExecution(t, repo)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		a.Process(ctx, record.ID)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	b.Process(ctx, record.ID)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	wg.Wait()
}

func TestScheduler_HeartbeatKeepsLease(t *testing.T) {
	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	ttl := 60 * time.Millisecond

	executor := executorFunc(func(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error) {
		time.Sleep(3 * ttl)

		_, err := repo.AcquireLease(ctx, record.ID, "thief", time.Now().UTC(), ttl)
		assert.ErrorIs(t, err, persistence.ErrLeaseUnavailable)

		return record, nil
	})

	s := New(repo, memory.New(), executor, testLogger(), WithLeaseTTL(ttl))
	record := createExecution(t, repo)

	s.Process(ctx, record.ID)
}

type unrenewableLeases struct {
	persistence.ExecutionRepository
}

func (unrenewableLeases) RenewLease(context.Context, string, string, time.Time, time.Duration) error {
	return errors.New("db timeout")
}

func TestScheduler_ExpiredLeaseFencesSiblingWorker(t *testing.T) {
	ctx := context.Background()
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	ttl := 50 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})

	var (
		calls      atomic.Int32
		firstCtx   context.Context
		firstOwner string
		staleSave  error
	)

	executor := executorFunc(func(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error) {
		if calls.Add(1) == 1 {
			firstCtx, firstOwner = ctx, owner
			close(started)
			<-release

			return record, nil
		}

		assert.NotEqual(t, firstOwner, owner)
		staleSave = repo.Save(ctx, record, firstOwner)

		return record, nil
	})

	s := New(unrenewableLeases{repo}, memory.New(), executor, testLogger(),
		WithWorkerID("worker-a"),
		WithLeaseTTL(ttl))
	record := createExecution(t, repo)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.Process(ctx, record.ID)
	}()

	<-started
	time.Sleep(2 * ttl)

	s.Process(ctx, record.ID)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), calls.Load())
	require.ErrorIs(t, staleSave, persistence.ErrLeaseLost)
	require.Error(t, firstCtx.Err(), "a run whose lease lapsed is cancelled")
}

func TestScheduler_PollRecoversRunnable(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	q := memory.New()

	s := New(repo, q, executorFunc(nil), testLogger())

	pending := createExecution(t, repo)

	crashed := createExecution(t, repo)
	_, err := repo.AcquireLease(ctx, crashed.ID, "dead-worker", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	sleeping := testutil.CreateTestExecution(testutil.CreateTestWorkflow(), "c2", testutil.PausedUntil(now.Add(time.Hour)))
	require.NoError(t, repo.Create(ctx, sleeping))

	count, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := q.PopDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pending.ID, crashed.ID}, ids)
}

func TestScheduler_StartStop(t *testing.T) {
	repo := file.NewPersistence(t.TempDir()).ExecutionRepository()
	crm := mocks.NewCRM()
	crm.Mutator.On("AddTag", mock.Anything, "c1", "hot-lead").Return(testutil.Contact("c1"), nil)

	s := New(repo, memory.New(), newRunner(repo, crm), testLogger(),
		WithConcurrency(3),
		WithPollInterval(20*time.Millisecond),
		WithIdleInterval(5*time.Millisecond),
	)

	var ids []string
	for range 5 {
		ids = append(ids, createExecution(t, repo).ID)
	}

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		for _, id := range ids {
			record, err := repo.Get(context.Background(), id)
			if err != nil || record.Status != models.ExecutionCompleted {
				return false
			}
		}

		return true
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))

	crm.Mutator.AssertNumberOfCalls(t, "AddTag", 5)
}
