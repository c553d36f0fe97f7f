// Package runner executes the action pipeline of a leased execution record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/eventbus"
	"github.com/dukex/crmflow/pkg/events"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/otelhelper"
	"github.com/dukex/crmflow/pkg/persistence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultActionTimeout = 30 * time.Second

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// maxRetries is the number of retries after the first attempt, per action type.
var maxRetries = map[models.ActionType]uint64{
	models.ActionSendEmail:        3,
	models.ActionAssignTask:       1,
	models.ActionUpdateStatus:     1,
	models.ActionAddTag:           1,
	models.ActionRemoveTag:        1,
	models.ActionUpdateScore:      1,
	models.ActionSendNotification: 0,
}

// Runner advances execution records one step at a time. After every step the
// record is saved under the caller's lease, so a crash never replays a step
// whose ledger entry was written.
type Runner struct {
	executions     persistence.ExecutionRepository
	services       crm.Services
	publisher      eventbus.EventPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time
	actionTimeout  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type Option func(*Runner)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithActionTimeout bounds every attempt of a side-effecting action. A
// timed-out attempt is retried like any other transient failure.
func WithActionTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.actionTimeout = timeout
		}
	}
}

// WithRetryBackoff sets the exponential backoff between retries.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(r *Runner) {
		r.initialBackoff = initial
		r.maxBackoff = maxInterval
	}
}

func New(executions persistence.ExecutionRepository, services crm.Services, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		executions:     executions,
		services:       services,
		tracer:         otel.Tracer("crmflow/runner"),
		logger:         logger.With("module", "action_runner"),
		now:            func() time.Time { return time.Now().UTC() },
		actionTimeout:  DefaultActionTimeout,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes record, which owner must hold the lease of, until it
// completes, pauses on a wait_delay or fails. It returns the record in its
// final saved state. An error is returned only when the run could not be
// recorded, for instance because the lease was lost or ctx was cancelled;
// action failures are recorded in the ledger and are not errors.
func (r *Runner) Run(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error) {
	if record.Status.Terminal() {
		return record, fmt.Errorf("execution %s is already %s", record.ID, record.Status)
	}

	state := &runState{record: record.Clone(), owner: owner}
	record = state.record

	logger := r.logger.With(
		"execution_id", record.ID,
		"workflow_id", record.WorkflowID,
		"contact_id", record.ContactID,
		"worker_id", owner,
	)

	err := r.start(ctx, state, logger)
	if err != nil {
		return record, err
	}

	for !record.Finished() {
		if ctx.Err() != nil {
			return record, ctx.Err()
		}

		step, _ := record.CurrentStep()
		stepLogger := logger.With("action_type", step.Type, "step_id", step.ID, "cursor", record.Cursor)

		var done bool

		switch config := step.Config.(type) {
		case models.WaitDelayConfig:
			return record, r.pause(ctx, state, step, config, stepLogger)
		case models.ConditionBranchConfig:
			done, err = r.branch(ctx, state, step, config, stepLogger)
		default:
			done, err = r.act(ctx, state, step, stepLogger)
		}

		if err != nil || done {
			return record, err
		}
	}

	return record, r.complete(ctx, state, logger)
}

func (r *Runner) start(ctx context.Context, state *runState, logger *slog.Logger) error {
	record := state.record
	firstRun := record.StartedAt == nil
	previous := record.Status

	now := r.now()
	record.Status = models.ExecutionRunning
	record.ResumeAt = nil

	if firstRun {
		record.StartedAt = &now
	}

	err := r.save(ctx, state)
	if err != nil {
		return err
	}

	r.metrics.ExecutionStatus(models.ExecutionRunning)

	if firstRun {
		logger.InfoContext(ctx, "Execution started", "actions", len(record.Actions))
		r.publish(ctx, record.ID, events.NewExecutionStarted(record, state.owner))
	} else {
		logger.InfoContext(ctx, "Execution resumed", "cursor", record.Cursor, "previous_status", previous)
		r.publish(ctx, record.ID, events.NewExecutionResumed(record, state.owner))
	}

	return nil
}

// act runs a side-effecting step with its retry policy and records the
// outcome. It reports done when the execution failed.
func (r *Runner) act(ctx context.Context, state *runState, step models.ActionStep, logger *slog.Logger) (bool, error) {
	record := state.record
	started := r.now()

	result, attempts, err := r.attempt(ctx, state, step, logger)
	if err != nil && interrupted(ctx, err) {
		return true, ctx.Err()
	}

	entry := models.ActionResult{
		StepID:     step.ID,
		StepIndex:  record.Cursor,
		ActionType: step.Type,
		Status:     models.ActionSucceeded,
		Result:     result,
		Attempts:   attempts,
		Timestamp:  r.now(),
	}

	if err != nil {
		entry.Status = models.ActionFailed
		entry.Error = err.Error()
	}

	record.ActionsCompleted = append(record.ActionsCompleted, entry)
	record.Cursor++

	r.metrics.ActionRecorded(step.Type, entry.Status, r.now().Sub(started))

	if err != nil && step.Type.Critical() {
		logger.WarnContext(ctx, "Action failed", "attempts", attempts, "error", err)

		return true, r.fail(ctx, state, fmt.Sprintf("step %d (%s) failed: %v", entry.StepIndex, step.Type, err))
	}

	if err != nil {
		logger.WarnContext(ctx, "Non-critical action failed, continuing", "attempts", attempts, "error", err)
	} else {
		logger.InfoContext(ctx, "Action succeeded", "attempts", attempts)
	}

	return false, r.save(ctx, state)
}

// attempt calls the action handler until it succeeds, fails permanently or
// runs out of retries.
func (r *Runner) attempt(ctx context.Context, state *runState, step models.ActionStep, logger *slog.Logger) (map[string]any, int, error) {
	var (
		result   map[string]any
		attempts int
	)

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = r.initialBackoff
	exponential.MaxInterval = r.maxBackoff
	exponential.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exponential, maxRetries[step.Type]), ctx)

	operation := func() error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, r.actionTimeout)
		defer cancel()

		attemptCtx, span := otelhelper.StartSpan(attemptCtx, r.tracer, "action."+string(step.Type),
			attribute.String(otelhelper.ExecutionIDKey, state.record.ID),
			attribute.String(otelhelper.WorkflowIDKey, state.record.WorkflowID),
			attribute.String(otelhelper.ContactIDKey, state.record.ContactID),
			attribute.String(otelhelper.ActionTypeKey, string(step.Type)),
			attribute.String(otelhelper.StepIDKey, step.ID),
			attribute.Int(otelhelper.StepIndexKey, state.record.Cursor),
			attribute.Int(otelhelper.AttemptKey, attempts),
		)
		defer span.End()

		res, err := r.perform(attemptCtx, state, step)
		if err == nil {
			result = res

			return nil
		}

		otelhelper.SetError(span, err, attribute.String(otelhelper.ExecutionIDKey, state.record.ID))

		if interrupted(ctx, err) {
			return backoff.Permanent(err)
		}

		err = classify(err)
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		r.metrics.ActionRetried(step.Type)
		logger.WarnContext(ctx, "Retrying action", "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return result, attempts, nil
	}

	if interrupted(ctx, err) {
		return nil, attempts, err
	}

	var perm *PermanentActionError
	if errors.As(err, &perm) {
		perm.Attempts = attempts

		return nil, attempts, perm
	}

	return nil, attempts, &PermanentActionError{Err: err, Attempts: attempts}
}

// branch evaluates the predicate against a fresh contact snapshot and jumps
// to the selected target. Steps jumped over get skipped entries.
func (r *Runner) branch(
	ctx context.Context,
	state *runState,
	step models.ActionStep,
	config models.ConditionBranchConfig,
	logger *slog.Logger,
) (bool, error) {
	record := state.record
	index := record.Cursor
	started := r.now()

	state.contact = nil

	var (
		outcome bool
		err     error
	)

	contactCtx, cancel := context.WithTimeout(ctx, r.actionTimeout)
	contact, err := state.loadContact(contactCtx, r.services.Contacts)

	cancel()

	if err != nil && interrupted(ctx, err) {
		return true, ctx.Err()
	}

	if err == nil {
		outcome, err = config.Predicate.Evaluate(contact)
		if err != nil {
			err = &EvaluationError{Field: config.Predicate.Field, Err: err}
		}
	} else {
		err = &EvaluationError{Field: config.Predicate.Field, Err: err}
	}

	entry := models.ActionResult{
		StepID:     step.ID,
		StepIndex:  index,
		ActionType: step.Type,
		Attempts:   1,
		Timestamp:  r.now(),
	}

	if err != nil {
		entry.Status = models.ActionFailed
		entry.Error = err.Error()
		record.ActionsCompleted = append(record.ActionsCompleted, entry)
		record.Cursor++

		r.metrics.ActionRecorded(step.Type, entry.Status, r.now().Sub(started))
		logger.WarnContext(ctx, "Branch predicate could not be evaluated", "error", err)

		return true, r.fail(ctx, state, fmt.Sprintf("step %d (%s) failed: %v", index, step.Type, err))
	}

	target := config.FalseTarget
	if outcome {
		target = config.TrueTarget
	}

	if target == models.EndOfActions {
		target = len(record.Actions)
	}

	if target <= index || target > len(record.Actions) {
		entry.Status = models.ActionFailed
		entry.Error = fmt.Sprintf("invalid branch target %d", target)
		entry.Result = map[string]any{"outcome": outcome, "target": target}
		record.ActionsCompleted = append(record.ActionsCompleted, entry)
		record.Cursor++

		r.metrics.ActionRecorded(step.Type, entry.Status, r.now().Sub(started))
		logger.WarnContext(ctx, "Branch target out of range", "target", target)

		return true, r.fail(ctx, state, fmt.Sprintf("step %d (%s) has invalid target %d", index, step.Type, target))
	}

	entry.Status = models.ActionSucceeded
	entry.Result = map[string]any{
		"outcome": outcome,
		"target":  target,
	}
	record.ActionsCompleted = append(record.ActionsCompleted, entry)

	for skipped := index + 1; skipped < target; skipped++ {
		bypassed := record.Actions[skipped]
		record.ActionsCompleted = append(record.ActionsCompleted, models.ActionResult{
			StepID:     bypassed.ID,
			StepIndex:  skipped,
			ActionType: bypassed.Type,
			Status:     models.ActionSkipped,
			Result:     map[string]any{"skipped_by": step.ID},
			Timestamp:  entry.Timestamp,
		})
	}

	record.Cursor = target

	r.metrics.ActionRecorded(step.Type, entry.Status, r.now().Sub(started))
	logger.InfoContext(ctx, "Branch evaluated", "outcome", outcome, "target", target)

	return false, r.save(ctx, state)
}

// pause records a waiting entry, moves the cursor past the wait and suspends
// the execution until resumeAt. No worker stays blocked on the delay.
func (r *Runner) pause(
	ctx context.Context,
	state *runState,
	step models.ActionStep,
	config models.WaitDelayConfig,
	logger *slog.Logger,
) error {
	record := state.record
	now := r.now()
	resumeAt := now.Add(hours(config.WaitHours))

	record.ActionsCompleted = append(record.ActionsCompleted, models.ActionResult{
		StepID:     step.ID,
		StepIndex:  record.Cursor,
		ActionType: step.Type,
		Status:     models.ActionWaiting,
		Result:     map[string]any{"resume_at": resumeAt.Format(time.RFC3339)},
		Attempts:   1,
		Timestamp:  now,
	})
	record.Cursor++
	record.Status = models.ExecutionPaused
	record.ResumeAt = &resumeAt

	err := r.save(ctx, state)
	if err != nil {
		return err
	}

	r.metrics.ActionRecorded(step.Type, models.ActionWaiting, 0)
	r.metrics.ExecutionStatus(models.ExecutionPaused)
	logger.InfoContext(ctx, "Execution paused", "resume_at", resumeAt)
	r.publish(ctx, record.ID, events.NewExecutionPaused(record, state.owner))

	return nil
}

func (r *Runner) fail(ctx context.Context, state *runState, message string) error {
	record := state.record
	now := r.now()

	record.Status = models.ExecutionFailed
	record.ErrorMessage = message
	record.CompletedAt = &now

	err := r.save(ctx, state)
	if err != nil {
		return err
	}

	r.metrics.ExecutionStatus(models.ExecutionFailed)
	r.logger.ErrorContext(ctx, "Execution failed", "execution_id", record.ID, "error", message)
	r.publish(ctx, record.ID, events.NewExecutionFailed(record, state.owner))

	return nil
}

func (r *Runner) complete(ctx context.Context, state *runState, logger *slog.Logger) error {
	record := state.record
	now := r.now()

	record.Status = models.ExecutionCompleted
	record.CompletedAt = &now

	err := r.save(ctx, state)
	if err != nil {
		return err
	}

	r.metrics.ExecutionStatus(models.ExecutionCompleted)
	logger.InfoContext(ctx, "Execution completed", "steps", len(record.ActionsCompleted))
	r.publish(ctx, record.ID, events.NewExecutionCompleted(record, state.owner))

	return nil
}

// save persists the record under the lease. The ledger write is detached from
// ctx cancellation so a step whose side effect happened is still recorded
// during shutdown.
func (r *Runner) save(ctx context.Context, state *runState) error {
	err := r.executions.Save(context.WithoutCancel(ctx), state.record, state.owner)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", state.record.ID, err)
	}

	return nil
}

func (r *Runner) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	err := r.publisher.Publish(ctx, key, event)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
