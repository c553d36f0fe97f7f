package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/events"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/mocks"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/persistence/file"
	"github.com/dukex/crmflow/pkg/queue/memory"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	persistence *file.Persistence
	store       *services.Store
	contacts    *mocks.MockContactDirectory
	queue       *memory.Queue
	bus         *mocks.MockEventBus
	evaluator   *Evaluator
	now         time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	f := &fixture{
		persistence: file.NewPersistence(t.TempDir()),
		contacts:    &mocks.MockContactDirectory{},
		queue:       memory.New(),
		bus:         &mocks.MockEventBus{},
		now:         now,
	}

	f.store = services.NewStore(f.persistence, logger)
	f.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	opts = append([]Option{WithPublisher(f.bus), WithClock(func() time.Time { return f.now })}, opts...)
	f.evaluator = NewEvaluator(f.store, f.persistence.ExecutionRepository(), f.contacts, f.queue, logger, opts...)

	return f
}

func (f *fixture) save(t *testing.T, workflow *models.WorkflowDefinition) *models.WorkflowDefinition {
	t.Helper()

	require.NoError(t, f.persistence.WorkflowRepository().Save(context.Background(), workflow))

	return workflow
}

func TestEvaluator_HandleEvent_EnqueuesMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hot := f.save(t, testutil.CreateTestWorkflow())
	f.save(t, testutil.CreateTestWorkflow(testutil.Inactive()))
	f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ScoreChangeConfig{Direction: models.ScoreAbove, Threshold: 90})))
	f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.TagAddedConfig{TagName: "vip"})))

	f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil).Once()

	records, err := f.evaluator.HandleEvent(ctx, models.ContactEvent{
		ID:        "evt-1",
		ContactID: "c1",
		EventType: models.EventScoreChanged,
		OldValue:  40.0,
		NewValue:  55.0,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, hot.ID, record.WorkflowID)
	assert.Equal(t, hot.Name, record.WorkflowName)
	assert.Equal(t, "Contact c1", record.ContactName)
	assert.Equal(t, models.ExecutionPending, record.Status)
	assert.Equal(t, 0, record.Cursor)
	assert.Empty(t, record.ActionsCompleted)
	assert.Equal(t, hot.Actions, record.Actions)
	assert.Equal(t, models.TriggerScoreChange, record.TriggeredBy.TriggerType)
	assert.Equal(t, "evt-1", record.TriggeredBy.EventID)
	assert.Equal(t, f.now, record.CreatedAt)

	stored, err := f.persistence.ExecutionRepository().Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, stored.Status)

	ids, err := f.queue.PopDue(ctx, f.now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{record.ID}, ids)

	workflow, err := f.store.Get(ctx, hot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), workflow.ExecutionCount)

	assert.Equal(t, []events.EventType{events.ExecutionCreatedEvent}, f.bus.PublishedTypes())
	f.contacts.AssertExpectations(t)
}

func TestEvaluator_HandleEvent_NoMatchSkipsContactLookup(t *testing.T) {
	f := newFixture(t)

	f.save(t, testutil.CreateTestWorkflow())

	records, err := f.evaluator.HandleEvent(context.Background(), models.ContactEvent{
		ContactID: "c1",
		EventType: models.EventScoreChanged,
		OldValue:  55.0,
		NewValue:  60.0,
	})
	require.NoError(t, err)
	assert.Empty(t, records)

	f.contacts.AssertNotCalled(t, "GetContact", mock.Anything, mock.Anything)
}

func TestEvaluator_HandleEvent_ContactLookupFailureStillEnqueues(t *testing.T) {
	f := newFixture(t)

	f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.TagAddedConfig{TagName: "vip"})))
	f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.TagAddedConfig{TagName: "vip"})))

	f.contacts.On("GetContact", mock.Anything, "c1").Return(nil, crm.Transient(errors.New("timeout"))).Once()

	records, err := f.evaluator.HandleEvent(context.Background(), models.ContactEvent{
		ContactID: "c1",
		EventType: models.EventTagAdded,
		NewValue:  "vip",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].ContactName)

	f.contacts.AssertExpectations(t)
}

func TestEvaluator_HandleEvent_RejectsInvalidEvents(t *testing.T) {
	f := newFixture(t)

	_, err := f.evaluator.HandleEvent(context.Background(), models.ContactEvent{EventType: models.EventTagAdded, NewValue: "vip"})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = f.evaluator.HandleEvent(context.Background(), models.ContactEvent{ContactID: "c1", EventType: "moon_phase"})
	require.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestEvaluator_HandleEvent_IgnoresDeletedWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.save(t, testutil.CreateTestWorkflow())
	require.NoError(t, f.store.Delete(ctx, workflow.ID))

	records, err := f.evaluator.HandleEvent(ctx, scoreEvent(10.0, 90.0))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEvaluator_ExecutionKeepsActionSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.save(t, testutil.CreateTestWorkflow())
	f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

	records, err := f.evaluator.HandleEvent(ctx, scoreEvent(10.0, 90.0))
	require.NoError(t, err)
	require.Len(t, records, 1)

	input, err := services.InputFromDefinition(workflow)
	require.NoError(t, err)

	input.Actions = append(input.Actions, services.ActionStepInput{
		ID:     "status",
		Type:   "update_status",
		Config: map[string]any{"status": "customer"},
	})

	_, err = f.store.Update(ctx, workflow.ID, input)
	require.NoError(t, err)

	stored, err := f.persistence.ExecutionRepository().Get(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Len(t, stored.Actions, 1)
}

func TestEvaluator_RecordsTriggerMetric(t *testing.T) {
	registry := prometheus.NewRegistry()

	m, err := metrics.New(registry)
	require.NoError(t, err)

	f := newFixture(t, WithMetrics(m))
	f.save(t, testutil.CreateTestWorkflow())
	f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

	_, err = f.evaluator.HandleEvent(context.Background(), scoreEvent(10.0, 90.0))
	require.NoError(t, err)

	count, err := promtestutil.GatherAndCount(registry, "crmflow_trigger_matches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEvaluator_RunNow(t *testing.T) {
	ctx := context.Background()

	t.Run("manual workflow", func(t *testing.T) {
		f := newFixture(t)
		workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ManualConfig{})))

		f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

		record, err := f.evaluator.RunNow(ctx, workflow.ID, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.TriggerManual, record.TriggeredBy.TriggerType)
		assert.Equal(t, "Contact c1", record.ContactName)

		length, err := f.queue.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, length)
	})

	t.Run("requires manual trigger", func(t *testing.T) {
		f := newFixture(t)
		workflow := f.save(t, testutil.CreateTestWorkflow())

		_, err := f.evaluator.RunNow(ctx, workflow.ID, "c1")
		require.ErrorIs(t, err, services.ErrManualTriggerRequired)
	})

	t.Run("requires active workflow", func(t *testing.T) {
		f := newFixture(t)
		workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ManualConfig{}), testutil.Inactive()))

		f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

		_, err := f.evaluator.RunNow(ctx, workflow.ID, "c1")
		require.ErrorIs(t, err, services.ErrWorkflowInactive)
	})

	t.Run("unknown contact", func(t *testing.T) {
		f := newFixture(t)
		workflow := f.save(t, testutil.CreateTestWorkflow(testutil.WithTrigger(models.ManualConfig{})))

		f.contacts.On("GetContact", mock.Anything, "ghost").Return(nil, crm.ErrContactNotFound)

		_, err := f.evaluator.RunNow(ctx, workflow.ID, "ghost")
		require.ErrorIs(t, err, crm.ErrContactNotFound)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.evaluator.RunNow(ctx, "missing", "c1")
		require.True(t, persistence.IsWorkflowNotFound(err))
	})
}

// flakyCreates fails the next creates of matching executions.
type flakyCreates struct {
	persistence.ExecutionRepository

	match    func(*models.ExecutionRecord) bool
	failures int
}

func (r *flakyCreates) CreateForLiveWorkflow(ctx context.Context, record *models.ExecutionRecord) error {
	if r.failures > 0 && r.match(record) {
		r.failures--

		return errors.New("db blip")
	}

	return r.ExecutionRepository.CreateForLiveWorkflow(ctx, record)
}

func (f *fixture) useExecutions(executions persistence.ExecutionRepository) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	f.evaluator = NewEvaluator(f.store, executions, f.contacts, f.queue, logger,
		WithPublisher(f.bus),
		WithClock(func() time.Time { return f.now }))
}

func (f *fixture) executionsOf(t *testing.T, workflowID string) []*models.ExecutionRecord {
	t.Helper()

	records, err := f.persistence.ExecutionRepository().ListByWorkflow(context.Background(), workflowID, 0)
	require.NoError(t, err)

	return records
}

func TestEvaluator_HandleEvent_RedeliveryEnqueuesOnlyMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.save(t, testutil.CreateTestWorkflow())
	second := f.save(t, testutil.CreateTestWorkflow())
	f.useExecutions(&flakyCreates{
		ExecutionRepository: f.persistence.ExecutionRepository(),
		match:               func(r *models.ExecutionRecord) bool { return r.WorkflowID == second.ID },
		failures:            1,
	})

	f.contacts.On("GetContact", mock.Anything, "c1").Return(testutil.Contact("c1"), nil)

	event := scoreEvent(10.0, 90.0)
	event.ID = "evt-7"

	records, err := f.evaluator.HandleEvent(ctx, event)
	require.Error(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.ID, records[0].WorkflowID)

	records, err = f.evaluator.HandleEvent(ctx, event)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].WorkflowID)

	assert.Len(t, f.executionsOf(t, first.ID), 1)
	assert.Len(t, f.executionsOf(t, second.ID), 1)

	records, err = f.evaluator.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEvaluator_HandleEvent_DeletedWhileEnqueuing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	workflow := f.save(t, testutil.CreateTestWorkflow())
	_, err := f.evaluator.enqueue(ctx, workflow.ID, "c1", "Contact c1", models.TriggeredBy{}, "",
		func(*models.WorkflowDefinition) error {
			return f.persistence.WorkflowRepository().Delete(ctx, workflow.ID, f.now)
		})
	assert.True(t, persistence.IsWorkflowNotFound(err))
	assert.Empty(t, f.executionsOf(t, workflow.ID))
}
