package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/observability"
	"github.com/agentflow-labs/batchflow/status"
)

type batchJob struct {
	queue *queueState
	batch *Batch
}

// Scheduler is the BatchScheduler of spec §4.1: N named queues with
// independent admission policies, sharing one fixed worker pool.
//
// Grounded on llm/batch/processor.go's BatchProcessor (channel queue +
// WaitGroup-owned workers + timeout-driven flush), generalized here
// from one unnamed queue to many named queues sharing a single pool.
type Scheduler struct {
	mu     sync.RWMutex
	queues map[string]*queueState

	jobs    chan batchJob
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closeOnce sync.Once

	sink   observability.Sink
	logger *zap.Logger
}

// New creates a Scheduler with numBatchThreads workers shared across
// every queue later registered with AddQueue.
func New(numBatchThreads int, sink observability.Sink, logger *zap.Logger) *Scheduler {
	if sink == nil {
		sink = observability.NoopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		queues: make(map[string]*queueState),
		jobs:   make(chan batchJob, 4096),
		stopCh: make(chan struct{}),
		sink:   sink,
		logger: logger.With(zap.String("component", "scheduler")),
	}
	for i := 0; i < numBatchThreads; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// AddQueue registers a named queue with its batching policy, the
// Splitter used to divide oversized tasks (§4.3), and the callback
// invoked on every closed batch. Per §11.1, opts is validated
// (allowed_batch_sizes ascending, and equal to max_batch_size in its
// last entry when splitting is disabled) at registration time rather
// than deferring the failure to the first Schedule call.
func (s *Scheduler) AddQueue(name string, opts config.QueueOptions, split Splitter, onClosed OnBatchClosed) *status.Status {
	if err := opts.Validate(); err != nil {
		return status.Newf(status.InvalidArgument, "queue %q: %v", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[name]; exists {
		return status.Newf(status.InvalidArgument, "queue %q already registered", name)
	}
	s.queues[name] = newQueueState(name, opts, split, onClosed, s.onQueueTimeout)
	return nil
}

// Schedule admits task to the named queue, returning ResourceExhausted
// if the per-queue backlog bound would be exceeded and InvalidArgument
// if the task is oversized with splitting disabled or the queue is
// unknown. Any batches the admission closes are handed to the worker
// pool before Schedule returns.
func (s *Scheduler) Schedule(ctx context.Context, queueName string, task Task) *status.Status {
	s.mu.RLock()
	q, ok := s.queues[queueName]
	s.mu.RUnlock()
	if !ok {
		return status.Newf(status.InvalidArgument, "unknown queue %q", queueName)
	}

	q.mu.Lock()
	toClose, st := q.admitLocked(task)
	depth := q.depthLocked()
	q.mu.Unlock()

	s.sink.RecordSchedule(ctx, queueName, status.Ok(st))
	s.sink.SetQueueDepth(queueName, depth)
	if !status.Ok(st) {
		s.sink.RecordRejection(ctx, queueName)
		return st
	}

	for _, b := range toClose {
		s.dispatch(q, b)
	}
	return nil
}

// onQueueTimeout is armed per open batch (spec §4.1 closure trigger
// c); it fires on its own goroutine via time.AfterFunc, independent of
// any Schedule caller.
func (s *Scheduler) onQueueTimeout(q *queueState) {
	q.mu.Lock()
	if q.open == nil || q.open.Size() == 0 {
		q.mu.Unlock()
		return
	}
	if err := q.checkDepthLocked(1, false); err != nil {
		q.mu.Unlock()
		s.logger.Warn("batch timeout fired but backlog is full; batch stays open",
			zap.String("queue", q.name))
		return
	}
	b := q.closeOpenNoCheckLocked()
	depth := q.depthLocked()
	q.mu.Unlock()

	s.sink.SetQueueDepth(q.name, depth)
	s.dispatch(q, b)
}

func (s *Scheduler) dispatch(q *queueState, b *Batch) {
	select {
	case s.jobs <- batchJob{queue: q, batch: b}:
	case <-s.stopCh:
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			s.processJob(job)
		}
	}
}

func (s *Scheduler) processJob(job batchJob) {
	q := job.queue
	q.mu.Lock()
	q.closedCount--
	depth := q.depthLocked()
	q.mu.Unlock()

	s.sink.SetQueueDepth(q.name, depth)
	s.sink.RecordBatchSize(context.Background(), q.name, job.batch.Size())
	if !job.batch.firstEnqueue.IsZero() {
		delayMs := float64(time.Since(job.batch.firstEnqueue).Microseconds()) / 1000.0
		s.sink.RecordBatchDelay(context.Background(), q.name, delayMs)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("batch callback panicked",
				zap.String("queue", q.name), zap.Any("recover", r))
		}
	}()
	q.onClosed(job.batch)
}

// Close stops accepting new dispatches and waits for in-flight batch
// callbacks to finish. Queued-but-undispatched batches are abandoned;
// callers should drain Schedule before calling Close.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// QueueDepth returns the current backlog depth of a named queue
// (closed-but-undispatched batches plus one if the open batch is
// non-empty), or -1 if the queue does not exist.
func (s *Scheduler) QueueDepth(name string) int {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}
