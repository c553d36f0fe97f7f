// Package queue defines the due-time ordered dispatch queue feeding the worker pool.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue holds execution ids keyed by the time they become due. Pushing an id
// that is already queued moves it to the new due time, so an id is never
// dispatched twice for one push.
type Queue interface {
	Push(ctx context.Context, executionID string, dueAt time.Time) error

	// PopDue removes and returns at most limit ids whose due time is at or
	// before now, earliest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	Len(ctx context.Context) (int, error)
	Close() error
}
