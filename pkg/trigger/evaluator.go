package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/eventbus"
	"github.com/dukex/crmflow/pkg/events"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/queue"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedEvent is returned for contact events no trigger listens to.
	ErrUnsupportedEvent = errors.New("unsupported contact event type")

	// ErrInvalidEvent is returned for contact events missing required fields.
	ErrInvalidEvent = errors.New("invalid contact event")

	errNotMatchable = errors.New("workflow is no longer matchable")
	errAlreadyFired = errors.New("trigger occurrence already enqueued")
)

// Evaluator turns contact events, manual runs and sweep ticks into pending
// execution records. It never performs side effects beyond enqueuing.
type Evaluator struct {
	store      *services.Store
	executions persistence.ExecutionRepository
	contacts   crm.ContactDirectory
	queue      queue.Queue
	publisher  eventbus.EventPublisher
	metrics    *metrics.Metrics
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Evaluator)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Evaluator) {
		e.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

func NewEvaluator(
	store *services.Store,
	executions persistence.ExecutionRepository,
	contacts crm.ContactDirectory,
	q queue.Queue,
	logger *slog.Logger,
	opts ...Option,
) *Evaluator {
	e := &Evaluator{
		store:      store,
		executions: executions,
		contacts:   contacts,
		queue:      q,
		validate:   services.NewValidator(),
		logger:     logger.With("module", "trigger_evaluator"),
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// HandleEvent matches one contact event against every active workflow and
// enqueues one execution per match.
func (e *Evaluator) HandleEvent(ctx context.Context, event models.ContactEvent) ([]*models.ExecutionRecord, error) {
	err := e.validate.Struct(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if _, ok := event.EventType.TriggerType(); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, event.EventType)
	}

	workflows, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	logger := e.logger.With("contact_id", event.ContactID, "event_type", event.EventType, "event_id", event.ID)
	logger.DebugContext(ctx, "Matching contact event", "workflows_count", len(workflows))

	var (
		records     []*models.ExecutionRecord
		errs        []error
		contactName *string
	)

	for _, workflow := range workflows {
		match, ok := MatchEvent(workflow.Trigger, event)
		if !ok {
			continue
		}

		if contactName == nil {
			name := e.contactName(ctx, event.ContactID)
			contactName = &name
		}

		triggeredBy := models.TriggeredBy{
			TriggerType: workflow.Trigger.Type,
			Description: match.Description,
			Details:     match.Details,
			EventID:     event.ID,
		}

		record, err := e.enqueue(ctx, workflow.ID, event.ContactID, *contactName, triggeredBy, eventDedupKey(event), nil)
		if errors.Is(err, errNotMatchable) || errors.Is(err, errAlreadyFired) {
			continue
		}

		if err != nil {
			errs = append(errs, err)

			continue
		}

		records = append(records, record)
	}

	logger.InfoContext(ctx, "Contact event evaluated", "matches_found", len(records))

	return records, errors.Join(errs...)
}

// RunNow enqueues one execution of a manual workflow for contactID.
func (e *Evaluator) RunNow(ctx context.Context, workflowID, contactID string) (*models.ExecutionRecord, error) {
	workflow, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Trigger.Type != models.TriggerManual {
		return nil, fmt.Errorf("%w: %s", services.ErrManualTriggerRequired, workflowID)
	}

	contact, err := e.contacts.GetContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contact %s: %w", contactID, err)
	}

	triggeredBy := models.TriggeredBy{
		TriggerType: models.TriggerManual,
		Description: "Manual run",
	}

	record, err := e.enqueue(ctx, workflowID, contact.ID, contact.Name, triggeredBy, "", func(current *models.WorkflowDefinition) error {
		if !current.IsActive {
			return fmt.Errorf("%w: %s", services.ErrWorkflowInactive, workflowID)
		}

		return nil
	})
	if errors.Is(err, errNotMatchable) {
		return nil, fmt.Errorf("%w: %s", services.ErrWorkflowInactive, workflowID)
	}

	return record, err
}

// enqueue creates a pending record against the current definition while
// holding the workflow's shared lock, then hands it to the dispatch queue.
// A non-empty dedupKey names the trigger occurrence; enqueuing it twice
// returns errAlreadyFired.
func (e *Evaluator) enqueue(
	ctx context.Context,
	workflowID, contactID, contactName string,
	triggeredBy models.TriggeredBy,
	dedupKey string,
	check func(*models.WorkflowDefinition) error,
) (*models.ExecutionRecord, error) {
	var record *models.ExecutionRecord

	err := e.store.Enqueue(ctx, workflowID, func(current *models.WorkflowDefinition) error {
		if check != nil {
			err := check(current)
			if err != nil {
				return err
			}
		}

		if !current.Matchable() {
			return errNotMatchable
		}

		record = &models.ExecutionRecord{
			ID:               uuid.New().String(),
			WorkflowID:       current.ID,
			WorkflowName:     current.Name,
			ContactID:        contactID,
			ContactName:      contactName,
			Status:           models.ExecutionPending,
			TriggeredBy:      triggeredBy,
			DedupKey:         dedupKey,
			Actions:          current.ResolvedActions(),
			Cursor:           0,
			ActionsCompleted: []models.ActionResult{},
			CreatedAt:        e.now(),
		}

		return e.executions.CreateForLiveWorkflow(ctx, record)
	})
	if persistence.IsWorkflowNotFound(err) {
		return nil, err
	}

	if persistence.IsDuplicateTrigger(err) {
		e.logger.DebugContext(ctx, "Trigger occurrence already enqueued",
			"workflow_id", workflowID, "contact_id", contactID, "dedup_key", dedupKey)

		return nil, errAlreadyFired
	}

	if err != nil {
		if errors.Is(err, errNotMatchable) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to enqueue execution for workflow %s: %w", workflowID, err)
	}

	logger := e.logger.With("workflow_id", workflowID, "execution_id", record.ID, "contact_id", contactID)

	err = e.queue.Push(ctx, record.ID, record.CreatedAt)
	if err != nil {
		logger.WarnContext(ctx, "Failed to push execution to queue, poller will pick it up", "error", err)
	}

	err = e.store.RecordExecution(ctx, workflowID, record.CreatedAt)
	if err != nil {
		logger.WarnContext(ctx, "Failed to update execution counters", "error", err)
	}

	e.metrics.TriggerMatched(triggeredBy.TriggerType)
	e.publish(ctx, record.ID, events.NewExecutionCreated(record))

	logger.InfoContext(ctx, "Execution enqueued",
		"trigger_type", triggeredBy.TriggerType,
		"triggered_by", triggeredBy.Description)

	return record, nil
}

func eventDedupKey(event models.ContactEvent) string {
	if event.ID == "" {
		return ""
	}

	return "event:" + event.ID
}

func (e *Evaluator) contactName(ctx context.Context, contactID string) string {
	contact, err := e.contacts.GetContact(ctx, contactID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to fetch contact name", "contact_id", contactID, "error", err)

		return ""
	}

	return contact.Name
}

func (e *Evaluator) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
