package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestBrokersFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " broker-1:9092, ,broker-2:9092")

	brokers, err := BrokersFromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, brokers)

	t.Setenv("KAFKA_BROKERS", "")

	_, err = BrokersFromEnv()
	require.ErrorIs(t, err, ErrNoBrokers)
}

func TestCreateChannel_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}

	ctx := context.Background()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_CREATE_TOPICS": "true",
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	publisher, subscriber, err := CreateChannel(watermill.NopLogger{}, brokers, "crmflow-test")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = publisher.Close()
		_ = subscriber.Close()
	})

	topic := "crmflow.test." + watermill.NewShortUUID()

	subCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	require.NoError(t, publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte(`{"ok":true}`))))

	messages, err := subscriber.Subscribe(subCtx, topic)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.JSONEq(t, `{"ok":true}`, string(msg.Payload))
		msg.Ack()
	case <-subCtx.Done():
		t.Fatal("message was not delivered")
	}
}
