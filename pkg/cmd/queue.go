package cmd

import (
	"context"
	"fmt"

	"github.com/dukex/crmflow/pkg/queue"
	"github.com/dukex/crmflow/pkg/queue/memory"
	"github.com/dukex/crmflow/pkg/queue/redis"
)

// NewQueue opens the dispatch queue named by queueURL: memory:// for a
// single process, redis://host:port/db for a shared durable queue.
func NewQueue(ctx context.Context, queueURL string) (queue.Queue, error) {
	provider, _ := splitProvider(queueURL)

	switch provider {
	case "memory":
		return memory.New(), nil
	case "redis", "rediss":
		return redis.NewFromURL(ctx, queueURL)
	default:
		return nil, fmt.Errorf("%w: queue %q", ErrUnsupportedURL, queueURL)
	}
}
