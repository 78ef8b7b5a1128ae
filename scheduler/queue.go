package scheduler

import (
	"sync"
	"time"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/status"
)

// queueState holds one named queue's batch-formation state: the
// current open batch, a count of batches closed but not yet picked up
// by a worker, and the policy/callbacks supplied at AddQueue time.
//
// One mutex per queue (spec §5 "Scheduler per-queue state: one lock
// per queue"); queues never block each other.
type queueState struct {
	name string
	opts config.QueueOptions

	split    Splitter
	onClosed OnBatchClosed

	mu          sync.Mutex
	open        *Batch
	closedCount int
	timer       *time.Timer

	onTimeout func(q *queueState)
}

func newQueueState(name string, opts config.QueueOptions, split Splitter, onClosed OnBatchClosed, onTimeout func(*queueState)) *queueState {
	return &queueState{
		name:      name,
		opts:      opts,
		split:     split,
		onClosed:  onClosed,
		onTimeout: onTimeout,
	}
}

// depthLocked returns the current backlog depth per invariant 3:
// closed batches awaiting dispatch plus one if the open batch is
// non-empty. Caller must hold q.mu.
func (q *queueState) depthLocked() int {
	d := q.closedCount
	if q.open != nil && q.open.Size() > 0 {
		d++
	}
	return d
}

// startOpenLocked makes newBatch the queue's open batch and arms its
// timeout timer. Caller must hold q.mu.
func (q *queueState) startOpenLocked(newBatch *Batch) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.open = newBatch
	if newBatch == nil || newBatch.Size() == 0 {
		q.timer = nil
		return
	}
	timeout := q.opts.BatchTimeout
	q.timer = time.AfterFunc(timeout, func() {
		if q.onTimeout != nil {
			q.onTimeout(q)
		}
	})
}

// closeOpenNoCheckLocked detaches the open batch, marks it closed, and
// returns it for dispatch. Caller must hold q.mu and must already have
// verified capacity.
func (q *queueState) closeOpenNoCheckLocked() *Batch {
	b := q.open
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.open = nil
	q.closedCount++
	return b
}

// admitLocked implements spec §4.1's admission/placement algorithm,
// including §4.3 large-task splitting. Caller must hold q.mu.
func (q *queueState) admitLocked(task Task) ([]*Batch, *status.Status) {
	size := task.Size()
	effMax := q.opts.EffectiveMaxExecutionBatchSize()

	if q.open == nil {
		q.startOpenLocked(&Batch{QueueName: q.name})
	}
	openSize := q.open.Size()
	remaining := effMax - openSize

	switch {
	case size <= remaining:
		firstTask := q.open.firstEnqueue.IsZero()
		if firstTask {
			// This task turns an empty (uncounted) open batch into a
			// non-empty one, which itself counts toward the backlog
			// depth (depthLocked) whether or not it goes on to close
			// below — so the check belongs here, before admission,
			// not only on the close path.
			if err := q.checkDepthLocked(0, true); err != nil {
				return nil, err
			}
			q.open.firstEnqueue = time.Now()
		}
		q.open.tasks = append(q.open.tasks, task)
		if firstTask {
			q.armTimerLocked()
		}
		if q.open.Size() >= effMax {
			return []*Batch{q.closeOpenNoCheckLocked()}, nil
		}
		return nil, nil

	case q.opts.EnableLargeBatchSplitting:
		return q.admitSplitLocked(task, remaining, effMax)

	default:
		if size > q.opts.MaxBatchSize {
			return nil, status.Newf(status.InvalidArgument,
				"task size %d exceeds max_batch_size %d", size, q.opts.MaxBatchSize)
		}
		n := 0
		if q.open.Size() > 0 {
			n = 1
		}
		// The fresh open batch below always starts non-empty (it
		// holds task), so it counts toward depth in addition to
		// whatever this closes.
		if err := q.checkDepthLocked(n, true); err != nil {
			return nil, err
		}
		var toClose []*Batch
		if n == 1 {
			toClose = append(toClose, q.closeOpenNoCheckLocked())
		}
		fresh := &Batch{QueueName: q.name, tasks: []Task{task}, firstEnqueue: time.Now()}
		q.startOpenLocked(fresh)
		return toClose, nil
	}
}

// admitSplitLocked implements spec §4.3: split an oversized task into
// pieces sized [remaining, max, max, ..., leftover], closing every
// piece except a non-zero leftover, which becomes the new open batch.
func (q *queueState) admitSplitLocked(task Task, remaining, max int) ([]*Batch, *status.Status) {
	rem := task.Size()
	var closedSizes []int
	if remaining > 0 {
		closedSizes = append(closedSizes, remaining)
		rem -= remaining
	}
	full := rem / max
	for i := 0; i < full; i++ {
		closedSizes = append(closedSizes, max)
	}
	leftover := rem % max

	n := len(closedSizes)
	// The resulting open batch is non-empty iff there's a leftover
	// piece; account for it alongside the n closes this produces.
	if err := q.checkDepthLocked(n, leftover > 0); err != nil {
		return nil, err
	}

	sizes := append(append([]int{}, closedSizes...), func() []int {
		if leftover > 0 {
			return []int{leftover}
		}
		return nil
	}()...)

	pieces, err := q.split(task, sizes)
	if err != nil {
		return nil, status.FromError(err)
	}
	if len(pieces) != len(sizes) {
		return nil, status.Newf(status.Internal, "splitter returned %d pieces, expected %d", len(pieces), len(sizes))
	}

	var toClose []*Batch
	idx := 0
	if remaining > 0 {
		q.open.tasks = append(q.open.tasks, pieces[idx])
		if q.open.firstEnqueue.IsZero() {
			q.open.firstEnqueue = time.Now()
		}
		toClose = append(toClose, q.closeOpenNoCheckLocked())
		idx++
	}
	for i := 0; i < full; i++ {
		b := &Batch{QueueName: q.name, tasks: []Task{pieces[idx]}, firstEnqueue: time.Now()}
		q.open = b
		toClose = append(toClose, q.closeOpenNoCheckLocked())
		idx++
	}

	if leftover > 0 {
		fresh := &Batch{QueueName: q.name, tasks: []Task{pieces[idx]}, firstEnqueue: time.Now()}
		q.startOpenLocked(fresh)
	} else {
		q.startOpenLocked(&Batch{QueueName: q.name})
	}

	return toClose, nil
}

// checkDepthLocked verifies that closing closedAdds more batches,
// ending with an open batch that is non-empty iff finalOpenNonEmpty,
// would not push this queue's backlog depth (depthLocked) past
// max_enqueued_batches (spec §4.1 invariant, §8 property 3). Must be
// called before the admission it guards takes effect.
func (q *queueState) checkDepthLocked(closedAdds int, finalOpenNonEmpty bool) *status.Status {
	depth := q.closedCount + closedAdds
	if finalOpenNonEmpty {
		depth++
	}
	if depth > q.opts.MaxEnqueuedBatches {
		return status.Newf(status.ResourceExhausted,
			"queue %q: %d enqueued batches would exceed max_enqueued_batches %d",
			q.name, depth, q.opts.MaxEnqueuedBatches)
	}
	return nil
}

// armTimerLocked arms the open batch's timeout timer, measured from
// the moment its first task landed (spec §4.1 closure trigger c).
// Caller must hold q.mu.
func (q *queueState) armTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(q.opts.BatchTimeout, func() {
		if q.onTimeout != nil {
			q.onTimeout(q)
		}
	})
}
