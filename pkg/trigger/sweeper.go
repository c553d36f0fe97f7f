package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
)

// DefaultSweepInterval is how often the time-driven triggers are evaluated.
const DefaultSweepInterval = time.Minute

// Sweeper evaluates days_since_contact and scheduled triggers over the
// window between the previous sweep and now. Each workflow keeps its own
// watermark, so a crashed or slow sweep resumes where it stopped.
type Sweeper struct {
	evaluator *Evaluator
	state     persistence.SweepRepository
	interval  time.Duration
	logger    *slog.Logger
}

type SweeperOption func(*Sweeper)

func WithInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func NewSweeper(evaluator *Evaluator, state persistence.SweepRepository, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		evaluator: evaluator,
		state:     state,
		interval:  DefaultSweepInterval,
		logger:    logger.With("module", "trigger_sweeper"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting trigger sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, err := s.Sweep(ctx, s.evaluator.now())
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Trigger sweep finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Trigger sweeper stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Sweep evaluates every active time-driven workflow once and returns the
// executions it enqueued.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]*models.ExecutionRecord, error) {
	workflows, err := s.evaluator.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	var (
		records []*models.ExecutionRecord
		errs    []error
	)

	for _, workflow := range workflows {
		if !workflow.Trigger.Type.TimeDriven() {
			continue
		}

		enqueued, err := s.sweepWorkflow(ctx, workflow, now)
		records = append(records, enqueued...)

		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", workflow.ID, err))
		}
	}

	return records, errors.Join(errs...)
}

func (s *Sweeper) sweepWorkflow(ctx context.Context, workflow *models.WorkflowDefinition, now time.Time) ([]*models.ExecutionRecord, error) {
	logger := s.logger.With("workflow_id", workflow.ID, "trigger_type", workflow.Trigger.Type)

	watermark, ok, err := s.state.GetWatermark(ctx, workflow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep watermark: %w", err)
	}

	if !ok {
		logger.InfoContext(ctx, "Initializing sweep watermark", "at", now)

		return nil, s.state.SetWatermark(ctx, workflow.ID, now)
	}

	from := watermark
	if workflow.UpdatedAt.After(from) {
		from = workflow.UpdatedAt
	}

	if !now.After(from) {
		return nil, nil
	}

	var records []*models.ExecutionRecord

	switch config := workflow.Trigger.Config.(type) {
	case models.DaysSinceContactConfig:
		records, err = s.sweepDaysSinceContact(ctx, workflow, config, from, now)
	case models.ScheduledConfig:
		records, err = s.sweepScheduled(ctx, workflow, config, from, now)
	default:
		return nil, fmt.Errorf("unexpected trigger config %T", workflow.Trigger.Config)
	}

	if err != nil {
		return records, err
	}

	err = s.state.SetWatermark(ctx, workflow.ID, now)
	if err != nil {
		return records, fmt.Errorf("failed to advance sweep watermark: %w", err)
	}

	logger.DebugContext(ctx, "Workflow swept", "from", from, "to", now, "enqueued", len(records))

	return records, nil
}

// sweepDaysSinceContact fires for contacts whose last contact crossed the
// threshold age inside the window. The crossing is the dedup key, so a
// retried window or a second sweeper never fires it again.
func (s *Sweeper) sweepDaysSinceContact(
	ctx context.Context,
	workflow *models.WorkflowDefinition,
	config models.DaysSinceContactConfig,
	from, to time.Time,
) ([]*models.ExecutionRecord, error) {
	age := time.Duration(config.Days) * 24 * time.Hour

	contacts, err := s.evaluator.contacts.ListContactsLastContactedBetween(ctx, from.Add(-age), to.Add(-age))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale contacts: %w", err)
	}

	var (
		records []*models.ExecutionRecord
		errs    []error
	)

	for _, contact := range contacts {
		triggeredBy := models.TriggeredBy{
			TriggerType: models.TriggerDaysSinceContact,
			Description: fmt.Sprintf("No contact for %d days", config.Days),
			Details:     map[string]any{"days": config.Days},
		}

		if contact.LastContactAt != nil {
			triggeredBy.Details["last_contact_at"] = contact.LastContactAt.UTC().Format(time.RFC3339)
		}

		record, err := s.evaluator.enqueue(ctx, workflow.ID, contact.ID, contact.Name, triggeredBy, staleContactDedupKey(contact), nil)
		if errors.Is(err, errNotMatchable) {
			return records, nil
		}

		if errors.Is(err, errAlreadyFired) {
			continue
		}

		if err != nil {
			errs = append(errs, err)

			continue
		}

		records = append(records, record)
	}

	return records, errors.Join(errs...)
}

func staleContactDedupKey(contact *models.Contact) string {
	if contact.LastContactAt == nil {
		return ""
	}

	return "days_since_contact:" + contact.ID + ":" + contact.LastContactAt.UTC().Format(time.RFC3339Nano)
}

func scheduledDedupKey(slot time.Time, contactID string) string {
	return "scheduled:" + slot.UTC().Format(time.RFC3339) + ":" + contactID
}

// sweepScheduled fires once per slot in the window. Each (slot, contact)
// is deduplicated at enqueue, and the slot is marked only after its whole
// fan-out succeeded, so a failed slot is retried by the next sweep.
func (s *Sweeper) sweepScheduled(
	ctx context.Context,
	workflow *models.WorkflowDefinition,
	config models.ScheduledConfig,
	from, to time.Time,
) ([]*models.ExecutionRecord, error) {
	slots, err := config.Slots(from, to)
	if err != nil {
		return nil, err
	}

	var (
		records []*models.ExecutionRecord
		errs    []error
	)

	for _, slot := range slots {
		fired, err := s.state.SlotFired(ctx, workflow.ID, slot)
		if err != nil {
			return records, fmt.Errorf("failed to read slot %s: %w", slot.Format(time.RFC3339), err)
		}

		if fired {
			continue
		}

		contacts, err := s.evaluator.contacts.ListContacts(ctx, config.ContactFilter())
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list contacts for slot %s: %w", slot.Format(time.RFC3339), err))

			continue
		}

		var slotErrs []error

		for _, contact := range contacts {
			triggeredBy := models.TriggeredBy{
				TriggerType: models.TriggerScheduled,
				Description: "Scheduled run " + config.Schedule,
				Details: map[string]any{
					"schedule": config.Schedule,
					"slot":     slot.Format(time.RFC3339),
				},
			}

			record, err := s.evaluator.enqueue(ctx, workflow.ID, contact.ID, contact.Name, triggeredBy,
				scheduledDedupKey(slot, contact.ID), nil)
			if errors.Is(err, errNotMatchable) {
				return records, nil
			}

			if errors.Is(err, errAlreadyFired) {
				continue
			}

			if err != nil {
				slotErrs = append(slotErrs, err)

				continue
			}

			records = append(records, record)
		}

		if len(slotErrs) > 0 {
			errs = append(errs, slotErrs...)

			continue
		}

		_, err = s.state.MarkSlotFired(ctx, workflow.ID, slot)
		if err != nil {
			return records, fmt.Errorf("failed to mark slot %s: %w", slot.Format(time.RFC3339), err)
		}
	}

	return records, errors.Join(errs...)
}
