package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/crmflow/pkg/channels/gochannel"
	"github.com/dukex/crmflow/pkg/channels/kafka"
	"github.com/dukex/crmflow/pkg/eventbus"
)

// NewEventBus builds the event bus for provider. Kafka brokers come from
// KAFKA_BROKERS; serviceName selects the consumer group.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		brokers, err := kafka.BrokersFromEnv()
		if err != nil {
			return nil, err
		}

		pub, sub, err := kafka.CreateChannel(wmLogger, brokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, err
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("%w: event bus %q", ErrUnsupportedURL, provider)
	}
}
