package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunQueueContract exercises the behavior every dispatch queue must share.
// newQueue must return an empty queue.
func RunQueueContract(t *testing.T, newQueue func(t *testing.T) queue.Queue) {
	t.Helper()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("pops only due ids in due order", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Push(ctx, "late", base.Add(time.Hour)))
		require.NoError(t, q.Push(ctx, "second", base.Add(-time.Minute)))
		require.NoError(t, q.Push(ctx, "first", base.Add(-time.Hour)))

		ids, err := q.PopDue(ctx, base, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, ids)

		ids, err = q.PopDue(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ids, err = q.PopDue(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"late"}, ids)
	})

	t.Run("respects limit", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for i := range 5 {
			require.NoError(t, q.Push(ctx, fmt.Sprintf("exec-%d", i), base.Add(time.Duration(i)*time.Second)))
		}

		ids, err := q.PopDue(ctx, base.Add(time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"exec-0", "exec-1"}, ids)
	})

	t.Run("re-push moves the due time", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		require.NoError(t, q.Push(ctx, "exec", base.Add(-time.Minute)))
		require.NoError(t, q.Push(ctx, "exec", base.Add(time.Hour)))

		ids, err := q.PopDue(ctx, base, 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("concurrent pops never share an id", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		const total = 50
		for i := range total {
			require.NoError(t, q.Push(ctx, fmt.Sprintf("exec-%d", i), base))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)

		for range 5 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for {
					ids, err := q.PopDue(ctx, base, 3)
					if err != nil || len(ids) == 0 {
						return
					}

					mu.Lock()
					for _, id := range ids {
						seen[id]++
					}
					mu.Unlock()
				}
			}()
		}

		wg.Wait()

		assert.Len(t, seen, total)

		for id, count := range seen {
			assert.Equal(t, 1, count, id)
		}
	})
}
