package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/queue"
	queueredis "github.com/dukex/crmflow/pkg/queue/redis"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisURL string

func setupRedis(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	if redisURL != "" {
		return redisURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	redisURL = "redis://" + endpoint + "/0"

	return redisURL
}

func TestRedisQueue_Contract(t *testing.T) {
	testutil.RunQueueContract(t, func(t *testing.T) queue.Queue {
		url := setupRedis(t)

		q, err := queueredis.NewFromURL(context.Background(), url,
			queueredis.WithKey("crmflow:test:"+uuid.New().String()),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			require.NoError(t, q.Close())
		})

		return q
	})
}

func TestRedisQueue_InvalidURL(t *testing.T) {
	_, err := queueredis.NewFromURL(context.Background(), "not-a-url")
	require.Error(t, err)
}
