// Package scheduler leases runnable executions and drives them through the
// action runner on a bounded pool of workers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/models"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/queue"
	"github.com/google/uuid"
)

const (
	DefaultConcurrency  = 4
	DefaultLeaseTTL     = time.Minute
	DefaultPollInterval = 5 * time.Second

	defaultIdleInterval = 200 * time.Millisecond
	defaultBatchSize    = 100
)

// Executor runs a leased execution record.
type Executor interface {
	Run(ctx context.Context, record *models.ExecutionRecord, owner string) (*models.ExecutionRecord, error)
}

// Scheduler owns the worker pool. Workers pull due ids from the queue; a poll
// loop pushes every runnable record in the repository back onto the queue, so
// a lost queue entry or a crashed worker only delays an execution.
type Scheduler struct {
	executions   persistence.ExecutionRepository
	queue        queue.Queue
	executor     Executor
	workerID     string
	concurrency  int
	leaseTTL     time.Duration
	pollInterval time.Duration
	idleInterval time.Duration
	batchSize    int
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithIdleInterval sets how long a worker sleeps when the queue has nothing due.
func WithIdleInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.idleInterval = interval
		}
	}
}

func WithWorkerID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.workerID = id
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(
	executions persistence.ExecutionRepository,
	q queue.Queue,
	executor Executor,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		executions:   executions,
		queue:        q,
		executor:     executor,
		workerID:     "worker-" + uuid.New().String(),
		concurrency:  DefaultConcurrency,
		leaseTTL:     DefaultLeaseTTL,
		pollInterval: DefaultPollInterval,
		idleInterval: defaultIdleInterval,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = logger.With("module", "execution_scheduler", "worker_id", s.workerID)

	return s
}

// WorkerID prefixes every lease token this scheduler hands out.
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Start launches the poll loop and the workers. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.InfoContext(ctx, "Starting execution scheduler",
		"concurrency", s.concurrency,
		"lease_ttl", s.leaseTTL,
		"poll_interval", s.pollInterval)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()

	for i := range s.concurrency {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx, i)
		}()
	}

	return nil
}

// Stop cancels the workers and waits for in-flight executions to save their
// progress, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return nil
	}

	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "Execution scheduler stopped")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		_, err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Failed to poll runnable executions", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll pushes runnable records onto the queue: pending ones, paused ones
// whose timer elapsed and running ones whose lease expired.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	records, err := s.executions.ListRunnable(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	for _, record := range records {
		err = s.queue.Push(ctx, record.ID, record.DueAt())
		if err != nil {
			return 0, err
		}
	}

	depth, err := s.queue.Len(ctx)
	if err == nil {
		s.metrics.QueueDepth(depth)
	}

	if len(records) > 0 {
		s.logger.DebugContext(ctx, "Re-enqueued runnable executions", "count", len(records))
	}

	return len(records), nil
}

func (s *Scheduler) workerLoop(ctx context.Context, index int) {
	logger := s.logger.With("worker_index", index)

	for ctx.Err() == nil {
		ids, err := s.queue.PopDue(ctx, s.now(), 1)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
				logger.ErrorContext(ctx, "Failed to pop from queue", "error", err)
			}

			if !s.sleep(ctx) {
				return
			}

			continue
		}

		if len(ids) == 0 {
			if !s.sleep(ctx) {
				return
			}

			continue
		}

		s.Process(ctx, ids[0])
	}
}

func (s *Scheduler) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.idleInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Process leases one execution, runs it and releases it. Records that
// another worker holds, or that are not runnable yet, are left alone.
func (s *Scheduler) Process(ctx context.Context, executionID string) {
	owner := s.leaseToken()
	logger := s.logger.With("execution_id", executionID, "lease_owner", owner)

	record, err := s.executions.AcquireLease(ctx, executionID, owner, s.now(), s.leaseTTL)
	if err != nil {
		if persistence.IsLeaseError(err) || persistence.IsExecutionNotFound(err) {
			logger.DebugContext(ctx, "Execution not leasable, skipping", "error", err)
		} else {
			logger.ErrorContext(ctx, "Failed to lease execution", "error", err)
		}

		return
	}

	s.metrics.ExecutionLeased()
	defer s.metrics.ExecutionReleased()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})

	go func() {
		defer close(heartbeatDone)
		s.heartbeat(runCtx, cancel, executionID, owner, logger)
	}()

	result, err := s.executor.Run(runCtx, record, owner)

	cancel()
	<-heartbeatDone

	if err != nil {
		logger.WarnContext(ctx, "Execution run interrupted", "error", err)
	}

	releaseCtx := context.WithoutCancel(ctx)

	if err == nil && result != nil && result.Status == models.ExecutionPaused && result.ResumeAt != nil {
		pushErr := s.queue.Push(releaseCtx, executionID, *result.ResumeAt)
		if pushErr != nil {
			logger.WarnContext(ctx, "Failed to schedule resume, poller will pick it up", "error", pushErr)
		}
	}

	err = s.executions.ReleaseLease(releaseCtx, executionID, owner)
	if err != nil && !persistence.IsLeaseError(err) {
		logger.ErrorContext(ctx, "Failed to release lease", "error", err)
	}
}

// leaseToken names one lease. Workers of the same scheduler never share a
// token, so a worker whose lease lapsed cannot save over its sibling.
func (s *Scheduler) leaseToken() string {
	return s.workerID + "/" + uuid.NewString()
}

// heartbeat renews the lease until ctx ends. Losing the lease, or failing to
// renew it before it expires, cancels the run.
func (s *Scheduler) heartbeat(
	ctx context.Context,
	cancelRun context.CancelFunc,
	executionID, owner string,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()

	expiresAt := s.now().Add(s.leaseTTL)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()

			err := s.executions.RenewLease(ctx, executionID, owner, now, s.leaseTTL)
			if err == nil {
				expiresAt = now.Add(s.leaseTTL)

				continue
			}

			if persistence.IsLeaseError(err) {
				logger.WarnContext(ctx, "Lease lost, stopping execution", "error", err)
				cancelRun()

				return
			}

			if ctx.Err() != nil {
				return
			}

			if !now.Before(expiresAt) {
				logger.WarnContext(ctx, "Lease expired before it could be renewed, stopping execution", "error", err)
				cancelRun()

				return
			}

			logger.WarnContext(ctx, "Failed to renew lease", "error", err)
		}
	}
}
