package eventbus_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/crmflow/pkg/channels/gochannel"
	"github.com/dukex/crmflow/pkg/eventbus"
	"github.com/dukex/crmflow/pkg/events"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.ContactEventReceived, 1)

	require.NoError(t, bus.Handle(events.ContactEventReceivedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ContactEventReceived)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.NewContactEventReceived(models.ContactEvent{
		ID:        "evt-1",
		ContactID: "c-1",
		EventType: models.EventTagAdded,
		NewValue:  "vip",
	})
	require.NoError(t, bus.Publish(ctx, "c-1", sent))

	select {
	case event := <-received:
		assert.Equal(t, "c-1", event.Event.ContactID)
		assert.Equal(t, "vip", event.Event.NewValue)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := make(chan struct{}, 1)

	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, func(context.Context, any) error {
		completed <- struct{}{}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	record := &models.ExecutionRecord{ID: "exec-1", WorkflowID: "wf-1", Status: models.ExecutionRunning}
	require.NoError(t, bus.Publish(ctx, record.ID, events.NewExecutionStarted(record, "w1")))

	record.Status = models.ExecutionCompleted
	require.NoError(t, bus.Publish(ctx, record.ID, events.NewExecutionCompleted(record, "w1")))

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("completed event was not delivered")
	}

	assert.Empty(t, completed)
}
