package memory

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/crmflow/pkg/queue"
	"github.com/dukex/crmflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_Contract(t *testing.T) {
	testutil.RunQueueContract(t, func(t *testing.T) queue.Queue {
		return New()
	})
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := New()
	require.NoError(t, q.Close())

	err := q.Push(context.Background(), "exec", time.Now())
	assert.ErrorIs(t, err, queue.ErrClosed)

	_, err = q.PopDue(context.Background(), time.Now(), 1)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
