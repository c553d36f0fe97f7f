// Package redis provides a durable dispatch queue on a Redis sorted set.
// Members are execution ids and scores are due times in unix milliseconds,
// so paused executions sit in Redis as durable timers until they are due.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dukex/crmflow/pkg/queue"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding queued executions.
const DefaultKey = "crmflow:queue:executions"

// popDueScript atomically claims the due members so that two workers
// polling the same set never receive the same id.
var popDueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
	redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

type Queue struct {
	client goredis.UniversalClient
	key    string
	owned  bool
}

type Option func(*Queue)

// WithKey overrides the sorted set key.
func WithKey(key string) Option {
	return func(q *Queue) {
		q.key = key
	}
}

// New wraps an existing client. The caller keeps ownership of the client.
func New(client goredis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, key: DefaultKey}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// NewFromURL connects to redis://host:port/db and verifies the connection.
func NewFromURL(ctx context.Context, url string, opts ...Option) (*Queue, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := New(client, opts...)
	q.owned = true

	return q, nil
}

func (q *Queue) Push(ctx context.Context, executionID string, dueAt time.Time) error {
	err := q.client.ZAdd(ctx, q.key, goredis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: executionID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push execution %s: %w", executionID, err)
	}

	return nil
}

func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := popDueScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to pop due executions: %w", err)
	}

	return ids, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queued executions: %w", err)
	}

	return int(n), nil
}

// Close closes the client when the queue created it.
func (q *Queue) Close() error {
	if !q.owned {
		return nil
	}

	return q.client.Close()
}

var _ queue.Queue = (*Queue)(nil)
