// Package memory provides an in-process dispatch queue backed by a min-heap.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dukex/crmflow/pkg/queue"
)

type item struct {
	id    string
	dueAt time.Time
	index int
}

type dueHeap []*item

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].id < h[j].id
	}

	return h[i].dueAt.Before(h[j].dueAt)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return it
}

// Queue is a single-process queue. Its contents do not survive a restart;
// the scheduler's repository poll rebuilds it.
type Queue struct {
	mu     sync.Mutex
	heap   dueHeap
	byID   map[string]*item
	closed bool
}

func New() *Queue {
	return &Queue{byID: make(map[string]*item)}
}

func (q *Queue) Push(_ context.Context, executionID string, dueAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}

	if existing, ok := q.byID[executionID]; ok {
		existing.dueAt = dueAt
		heap.Fix(&q.heap, existing.index)

		return nil
	}

	it := &item{id: executionID, dueAt: dueAt}
	heap.Push(&q.heap, it)
	q.byID[executionID] = it

	return nil
}

func (q *Queue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	var ids []string

	for q.heap.Len() > 0 && len(ids) < limit {
		if q.heap[0].dueAt.After(now) {
			break
		}

		it := heap.Pop(&q.heap).(*item)
		delete(q.byID, it.id)
		ids = append(ids, it.id)
	}

	return ids, nil
}

func (q *Queue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.heap.Len(), nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

var _ queue.Queue = (*Queue)(nil)
