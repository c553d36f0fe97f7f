package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/crmflow/pkg/eventbus"
	"github.com/dukex/crmflow/pkg/events"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/scheduler"
	"github.com/dukex/crmflow/pkg/trigger"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Worker runs the execution scheduler, the time-driven sweep and the contact
// event consumer until its context ends.
type Worker struct {
	scheduler *scheduler.Scheduler
	sweeper   *trigger.Sweeper
	evaluator *trigger.Evaluator
	eventBus  eventbus.EventBus
	logger    *slog.Logger
}

func NewWorker(
	sched *scheduler.Scheduler,
	sweeper *trigger.Sweeper,
	evaluator *trigger.Evaluator,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		scheduler: sched,
		sweeper:   sweeper,
		evaluator: evaluator,
		eventBus:  eventBus,
		logger:    logger,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "worker_id", w.scheduler.WorkerID())

	err := w.eventBus.Handle(events.ContactEventReceivedEvent, w.handleContactEvent)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.scheduler.Start(gCtx)
		if err != nil {
			return err
		}

		<-gCtx.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()

		return w.scheduler.Stop(stopCtx)
	})

	g.Go(func() error {
		return w.sweeper.Run(gCtx)
	})

	w.logger.InfoContext(ctx, "Worker started successfully")

	err = g.Wait()

	w.logger.InfoContext(context.WithoutCancel(ctx), "Worker stopped")

	return err
}

// handleContactEvent feeds one contact event into trigger evaluation.
// Malformed events are dropped; storage failures are returned so the bus
// redelivers the message.
func (w *Worker) handleContactEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.ContactEventReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ContactEventReceived")

		return nil
	}

	contactEvent := received.Event
	if contactEvent.ID == "" {
		contactEvent.ID = received.ID
	}

	if contactEvent.Timestamp.IsZero() {
		contactEvent.Timestamp = received.Timestamp
	}

	records, err := w.evaluator.HandleEvent(ctx, contactEvent)
	if err != nil {
		if dropContactEvent(err) {
			w.logger.WarnContext(ctx, "Dropping contact event",
				"event_id", contactEvent.ID,
				"contact_id", contactEvent.ContactID,
				"error", err)

			return nil
		}

		return err
	}

	w.logger.DebugContext(ctx, "Contact event handled",
		"event_id", contactEvent.ID,
		"executions", len(records))

	return nil
}

func dropContactEvent(err error) bool {
	return errors.Is(err, trigger.ErrUnsupportedEvent) ||
		errors.Is(err, trigger.ErrInvalidEvent) ||
		persistence.IsWorkflowNotFound(err)
}
