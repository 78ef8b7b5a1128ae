package resource

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

type unbatchGradBatch struct {
	batchIndex []BatchIndexRow
	missing    map[int64]struct{}
	sink       ResultSink
	done       func()
}

// pendingGradEmit is an Emit (spec §4.5) whose tensors have already
// been popped from availableTensors under lock; the concatenation and
// callback invocation itself happen after the lock is released.
type pendingGradEmit struct {
	pieces []*tensor.Tensor
	sink   ResultSink
	done   func()
}

// UnbatchGradResource is the key-indexed accumulator of spec §4.5: the
// gradient for a given batch key may arrive before or after the driver
// call that names it as one of several keys it needs concatenated, in
// caller-specified row order.
//
// Grounded on batch_kernels.cc's UnbatchGradResource::Compute/OutputBatch.
type UnbatchGradResource struct {
	ops    tensor.Ops
	logger *zap.Logger

	mu               sync.Mutex
	availableTensors map[int64]*tensor.Tensor
	availableBatches map[int64]*unbatchGradBatch
	desired          map[int64]int64
}

func NewUnbatchGradResource(ops tensor.Ops, logger *zap.Logger) *UnbatchGradResource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UnbatchGradResource{
		ops:              ops,
		logger:           logger.With(zap.String("component", "unbatch_grad_resource")),
		availableTensors: make(map[int64]*tensor.Tensor),
		availableBatches: make(map[int64]*unbatchGradBatch),
		desired:          make(map[int64]int64),
	}
}

// Compute implements spec §4.5. data/batchIndex describe the rows this
// caller ultimately wants concatenated, in order; grad is the gradient
// tensor arriving for batchKey itself. sink/done fire exactly once,
// either synchronously below or later, when the last missing key for
// this caller's batch arrives via another Compute call. Every
// concatenation and callback invocation happens outside g.mu, per the
// "callbacks fire outside the lock" discipline (spec §5).
func (g *UnbatchGradResource) Compute(data *tensor.Tensor, batchIndex []BatchIndexRow, grad *tensor.Tensor, batchKey int64, sink ResultSink, done func()) *status.Status {
	var emits []pendingGradEmit
	var failed []func()
	var immediate *tensor.Tensor

	g.mu.Lock()
	if _, exists := g.availableTensors[batchKey]; exists {
		g.mu.Unlock()
		return status.New(status.InvalidArgument, "a gradient for this batch key has already been recorded")
	}
	g.availableTensors[batchKey] = grad

	dataRows := 0
	if data != nil {
		dataRows = data.Shape.Rows()
	}

	var st *status.Status
	switch {
	case dataRows > 0:
		if len(batchIndex) == 0 {
			delete(g.availableTensors, batchKey)
			st = status.New(status.InvalidArgument, "batch_index must be non-empty when data is non-empty")
			break
		}

		missing := make(map[int64]struct{})
		for _, row := range batchIndex {
			if _, ok := g.availableTensors[row.Key]; !ok {
				missing[row.Key] = struct{}{}
			}
		}

		if len(missing) == 0 {
			if emit, emitErr := g.popEmitLocked(batchIndex, sink, done); emitErr != nil {
				st = emitErr
			} else {
				emits = append(emits, *emit)
			}
		} else {
			g.availableBatches[batchKey] = &unbatchGradBatch{
				batchIndex: batchIndex,
				missing:    missing,
				sink:       sink,
				done:       done,
			}
			for k := range missing {
				if existing, conflict := g.desired[k]; conflict && existing != batchKey {
					st = status.New(status.InvalidArgument, "batch key is already desired by another pending batch")
					break
				}
				g.desired[k] = batchKey
			}
		}
	default:
		immediate = tensor.New(append(tensor.Shape{0}, grad.Shape[1:]...))
	}

	if owner, ok := g.desired[batchKey]; ok {
		delete(g.desired, batchKey)
		if batch, exists := g.availableBatches[owner]; exists {
			delete(batch.missing, batchKey)
			if len(batch.missing) == 0 {
				delete(g.availableBatches, owner)
				if emit, emitErr := g.popEmitLocked(batch.batchIndex, batch.sink, batch.done); emitErr != nil {
					failed = append(failed, func() {
						batch.sink.SetStatus(emitErr)
						batch.done()
					})
				} else {
					emits = append(emits, *emit)
				}
			}
		}
	}
	g.mu.Unlock()

	if immediate != nil {
		sink.SetOutput(0, immediate)
		sink.SetStatus(nil)
		done()
	}
	for _, e := range emits {
		g.fireEmit(e)
	}
	for _, f := range failed {
		f()
	}
	return st
}

// popEmitLocked pops every row's tensor out of availableTensors under
// lock (spec §4.5 Emit, step 1), deferring the concatenation itself
// until after the lock is released. Callers must hold g.mu.
func (g *UnbatchGradResource) popEmitLocked(batchIndex []BatchIndexRow, sink ResultSink, done func()) (*pendingGradEmit, *status.Status) {
	pieces := make([]*tensor.Tensor, len(batchIndex))
	for i, row := range batchIndex {
		t, ok := g.availableTensors[row.Key]
		if !ok {
			return nil, status.New(status.Internal, "bad bookkeeping: expected gradient tensor missing at emit")
		}
		delete(g.availableTensors, row.Key)
		pieces[i] = t
	}
	return &pendingGradEmit{pieces: pieces, sink: sink, done: done}, nil
}

func (g *UnbatchGradResource) fireEmit(e pendingGradEmit) {
	concatenated, err := g.ops.Concat(e.pieces)
	if err != nil {
		e.sink.SetStatus(status.FromError(err))
		e.done()
		return
	}
	e.sink.SetOutput(0, concatenated)
	e.sink.SetStatus(nil)
	e.done()
}
