package resource

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

// BatchIndexRow is one row of a legacy-mode index tensor: a task's guid
// plus its [start, end) offset into the shared concatenated tensor.
type BatchIndexRow struct {
	Key   int64
	Start int64
	End   int64
}

type unbatchWaitingTensor struct {
	deadline time.Time
	tensor   *tensor.Tensor
}

type unbatchWaitingCallback struct {
	deadline time.Time
	sink     ResultSink
	done     func()
}

// UnbatchResource is the rendezvous of spec §4.4: a tensor produced by
// a legacy-mode batch (one split piece of data per BatchIndexRow.Key) and the
// caller waiting on that same key may arrive in either order, so each
// direction gets its own waiting map under one lock.
//
// Grounded on batch_kernels.cc's UnbatchResource::Compute/EnforceTimeout.
type UnbatchResource struct {
	timeout time.Duration
	ops     tensor.Ops
	logger  *zap.Logger

	mu               sync.Mutex
	waitingTensors   map[int64]unbatchWaitingTensor
	waitingCallbacks map[int64]unbatchWaitingCallback

	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUnbatchResource starts the ~1ms deadline evictor immediately.
// Callers must call Close to stop it.
func NewUnbatchResource(timeout time.Duration, ops tensor.Ops, logger *zap.Logger) *UnbatchResource {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &UnbatchResource{
		timeout:          timeout,
		ops:              ops,
		logger:           logger.With(zap.String("component", "unbatch_resource")),
		waitingTensors:   make(map[int64]unbatchWaitingTensor),
		waitingCallbacks: make(map[int64]unbatchWaitingCallback),
		ticker:           time.NewTicker(time.Millisecond),
		stopCh:           make(chan struct{}),
	}
	u.wg.Add(1)
	go u.evictLoop()
	return u
}

func (u *UnbatchResource) evictLoop() {
	defer u.wg.Done()
	for {
		select {
		case <-u.ticker.C:
			u.enforceTimeout()
		case <-u.stopCh:
			return
		}
	}
}

// Close stops the deadline evictor. Idempotent.
func (u *UnbatchResource) Close() {
	u.stopOnce.Do(func() {
		u.ticker.Stop()
		close(u.stopCh)
	})
	u.wg.Wait()
}

// Compute implements spec §4.4's rendezvous. data/batchIndex come from
// a legacy-mode batch closure; batchKey is the single key this caller
// is waiting to receive. sink/done are this caller's completion
// handle, delivered either immediately (if the tensor already arrived)
// or later, by a future Compute call or by eviction.
func (u *UnbatchResource) Compute(data *tensor.Tensor, batchIndex []BatchIndexRow, batchKey int64, sink ResultSink, done func()) *status.Status {
	if len(batchIndex) > 0 {
		var dataRows int
		if data != nil {
			dataRows = data.Shape.Rows()
		}
		if len(batchIndex) > dataRows {
			return status.New(status.InvalidArgument, "batch_index row count exceeds data's leading dimension")
		}
	}

	var keys []int64
	var pieces []*tensor.Tensor
	if len(batchIndex) > 0 {
		sizes := make([]int, len(batchIndex))
		keys = make([]int64, len(batchIndex))
		for i, row := range batchIndex {
			sizes[i] = int(row.End - row.Start)
			keys[i] = row.Key
		}
		split, err := u.ops.Split(data, sizes)
		if err != nil {
			return status.FromError(err)
		}
		pieces = split
	}

	type scheduledDone struct {
		sink ResultSink
		t    *tensor.Tensor
		st   *status.Status
		done func()
	}
	var toFire []scheduledDone

	u.mu.Lock()
	if wt, ok := u.waitingTensors[batchKey]; ok {
		delete(u.waitingTensors, batchKey)
		toFire = append(toFire, scheduledDone{sink: sink, t: wt.tensor, done: done})
	} else if _, exists := u.waitingCallbacks[batchKey]; exists {
		u.mu.Unlock()
		return status.New(status.AlreadyExists, "an Unbatch call is already waiting on this batch key")
	} else {
		u.waitingCallbacks[batchKey] = unbatchWaitingCallback{
			deadline: time.Now().Add(u.timeout),
			sink:     sink,
			done:     done,
		}
	}

	var keyErr *status.Status
	for i, key := range keys {
		if cb, ok := u.waitingCallbacks[key]; ok {
			delete(u.waitingCallbacks, key)
			toFire = append(toFire, scheduledDone{sink: cb.sink, t: pieces[i], done: cb.done})
			continue
		}
		if _, exists := u.waitingTensors[key]; exists {
			keyErr = status.New(status.AlreadyExists, "a tensor for this batch key has already been delivered")
			continue
		}
		u.waitingTensors[key] = unbatchWaitingTensor{
			deadline: time.Now().Add(u.timeout),
			tensor:   pieces[i],
		}
	}
	u.mu.Unlock()

	for _, f := range toFire {
		f.sink.SetOutput(0, f.t)
		f.sink.SetStatus(nil)
		f.done()
	}
	return keyErr
}

// enforceTimeout evicts expired waiters (spec §4.4): waiting tensors
// are dropped silently, waiting callbacks are delivered "deadline
// exceeded".
func (u *UnbatchResource) enforceTimeout() {
	now := time.Now()

	type expiredCallback struct {
		sink ResultSink
		done func()
	}
	var expired []expiredCallback

	u.mu.Lock()
	for k, wt := range u.waitingTensors {
		if wt.deadline.Before(now) {
			delete(u.waitingTensors, k)
		}
	}
	for k, cb := range u.waitingCallbacks {
		if cb.deadline.Before(now) {
			delete(u.waitingCallbacks, k)
			expired = append(expired, expiredCallback{sink: cb.sink, done: cb.done})
		}
	}
	u.mu.Unlock()

	for _, e := range expired {
		e.sink.SetStatus(status.New(status.DeadlineExceeded, "unbatch wait deadline exceeded"))
		e.done()
	}
}
