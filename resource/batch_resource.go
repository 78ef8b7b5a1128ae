package resource

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/observability"
	"github.com/agentflow-labs/batchflow/scheduler"
	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

// Mode selects which of the two op-invocation shapes BatchResource
// emits (spec §4.2 "Invocation-mode variants").
type Mode int

const (
	// FunctionMode invokes an Executor over the concatenated batch and
	// fans its outputs back out. No index tensor.
	FunctionMode Mode = iota
	// LegacyMode emits the concatenated inputs themselves as outputs
	// on the last task, empty outputs on every other task, plus an
	// index tensor and a per-task guid — no Executor call.
	LegacyMode
)

// BatchResource is the BatchResource of spec §4.2: one scheduler
// shared across the named queues registered through AddQueue, each
// wired with a Splitter (splitTask) and an OnBatchClosed callback bound
// to Mode.
//
// Grounded on batch_kernels.cc's BatchResource::RegisterInput/
// ConcatInputTensors/ProcessBatch/ProcessFuncBatch/SplitOutputTensors.
type BatchResource struct {
	sched    *scheduler.Scheduler
	ops      tensor.Ops
	executor Executor
	sink     observability.Sink
	tracer   trace.Tracer
	logger   *zap.Logger
	mode     Mode

	mu        sync.RWMutex
	queueOpts map[string]config.QueueOptions
}

// NewBatchResource builds a BatchResource sharing sched's worker pool.
// tracer may be nil, in which case executor invocations are not spanned.
func NewBatchResource(sched *scheduler.Scheduler, ops tensor.Ops, executor Executor, sink observability.Sink, tracer trace.Tracer, logger *zap.Logger, mode Mode) *BatchResource {
	if sink == nil {
		sink = observability.NoopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchResource{
		sched:     sched,
		ops:       ops,
		executor:  executor,
		sink:      sink,
		tracer:    tracer,
		logger:    logger.With(zap.String("component", "batch_resource")),
		mode:      mode,
		queueOpts: make(map[string]config.QueueOptions),
	}
}

// AddQueue registers a named queue with opts, wiring splitTask and the
// mode-appropriate batch callback. Spec §4.2 has the source create
// queues lazily on first RegisterInput for a name, driven by per-op
// attributes baked in at kernel-construction time; a standalone
// library has no such implicit setup phase, so callers register each
// named queue explicitly, once, before RegisterInput targets it.
func (br *BatchResource) AddQueue(name string, opts config.QueueOptions) *status.Status {
	br.mu.Lock()
	br.queueOpts[name] = opts
	br.mu.Unlock()

	onClosed := scheduler.OnBatchClosed(br.processFuncBatch)
	if br.mode == LegacyMode {
		onClosed = br.processLegacyBatch
	}
	if st := br.sched.AddQueue(name, opts, br.splitTask, onClosed); st != nil {
		br.mu.Lock()
		delete(br.queueOpts, name)
		br.mu.Unlock()
		return st
	}
	return nil
}

// RegisterInput ingests one op invocation's worth of inputs (spec
// §4.2): validates rank and leading-dimension agreement, mints a guid,
// and schedules the resulting Task. On validation failure the error is
// returned without consuming done.
func (br *BatchResource) RegisterInput(ctx context.Context, queueName string, inputs, capturedInputs []*tensor.Tensor, sink ResultSink, done func()) *status.Status {
	if len(inputs) == 0 {
		return status.New(status.InvalidArgument, "at least one input tensor is required")
	}
	leadingSize := inputs[0].Shape.Rows()
	for i, in := range inputs {
		if len(in.Shape) == 0 {
			return status.New(status.InvalidArgument, "batching input tensors must have at least one dimension")
		}
		if i > 0 && in.Shape.Rows() != leadingSize {
			return status.New(status.InvalidArgument,
				"batching input tensors supplied in a given op invocation must have equal 0th-dimension size")
		}
	}

	task := &Task{
		GUID:              newGUID(),
		Inputs:            inputs,
		CapturedInputs:    capturedInputs,
		Sink:              sink,
		Done:              done,
		PropagatedContext: ctx,
		StartTime:         time.Now(),
		Status:            &status.FirstErrorCell{},
	}
	return br.sched.Schedule(ctx, queueName, task)
}

func (br *BatchResource) queueOptionsOf(name string) config.QueueOptions {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.queueOpts[name]
}

// splitTask implements scheduler.Splitter for oversized tasks (spec
// §4.3): splits every input along sizes, wraps each piece's Done in an
// incremental Barrier, and arranges for the barrier's fire to
// concatenate the pieces' outputs back into the parent's Sink.
func (br *BatchResource) splitTask(t scheduler.Task, sizes []int) ([]scheduler.Task, error) {
	parent := t.(*Task)
	numOutputs := parent.Sink.NumOutputs()
	parent.Output = NewOutputMatrix(len(sizes), numOutputs)
	if parent.Status == nil {
		parent.Status = &status.FirstErrorCell{}
	}

	barrier := NewBarrier(func() {
		br.dischargeSplit(parent, numOutputs)
	})

	splitInputs := make([][]*tensor.Tensor, len(parent.Inputs))
	for i, in := range parent.Inputs {
		parts, err := br.ops.Split(in, sizes)
		if err != nil {
			return nil, err
		}
		splitInputs[i] = parts
	}

	pieces := make([]scheduler.Task, len(sizes))
	for i := range sizes {
		pieceInputs := make([]*tensor.Tensor, len(parent.Inputs))
		for j := range parent.Inputs {
			pieceInputs[j] = splitInputs[j][i]
		}
		pieces[i] = &Task{
			GUID:              parent.GUID,
			Inputs:            pieceInputs,
			CapturedInputs:    parent.CapturedInputs,
			Sink:              parent.Sink,
			Done:              barrier.Inc(),
			PropagatedContext: parent.PropagatedContext,
			StartTime:         parent.StartTime,
			IsPartial:         true,
			SplitIndex:        i,
			Output:            parent.Output,
			Status:            parent.Status,
		}
	}
	barrier.Seal()
	return pieces, nil
}

// dischargeSplit is the barrier's fire closure: it concatenates each
// output column's per-piece tensor (written by processFuncBatch as
// each piece's containing batch closes) and delivers the result, plus
// the accumulated first-error status, to the parent's Sink exactly
// once (spec §4.2 "Completion barrier for split tasks").
func (br *BatchResource) dischargeSplit(parent *Task, numOutputs int) {
	for col := 0; col < numOutputs; col++ {
		pieces := parent.Output.Column(col)
		if anyNil(pieces) {
			// An earlier failure in one piece's batch means this
			// column was never populated; the status cell already
			// carries the reason.
			continue
		}
		concatenated, err := br.ops.Concat(pieces)
		if err != nil {
			parent.Status.Update(status.FromError(err))
			continue
		}
		parent.Sink.SetOutput(col, concatenated)
	}
	parent.Sink.SetStatus(parent.Status.Status())
	parent.Done()
}

func anyNil(ts []*tensor.Tensor) bool {
	for _, t := range ts {
		if t == nil {
			return true
		}
	}
	return false
}

// roundToLowestAllowed returns the smallest entry in allowed that is
// >= n, n unchanged if allowed is empty, or n with a degraded-mode
// warning if n exceeds every entry (spec §9 Open Question i).
func (br *BatchResource) roundToLowestAllowed(allowed []int, n int, queueName string) int {
	if len(allowed) == 0 {
		return n
	}
	for _, a := range allowed {
		if a >= n {
			return a
		}
	}
	br.logger.Warn("batch size exceeds largest allowed size; ignoring allowed_batch_sizes constraint",
		zap.String("queue", queueName), zap.Int("batch_size", n), zap.Ints("allowed_batch_sizes", allowed))
	return n
}

// concatInputs implements ConcatInputTensors (spec §4.2): pads the
// batch up to an allowed size using row 0 (or the sole row) of the
// first task's corresponding input as the padding source, then
// concatenates every task's input plus padding along the leading
// dimension, one output tensor per input position.
func (br *BatchResource) concatInputs(tasks []*Task, allowed []int, queueName string) ([]*tensor.Tensor, int, *status.Status) {
	if len(tasks) == 0 {
		return nil, 0, status.New(status.InvalidArgument, "empty batch")
	}

	batchSize := 0
	for _, t := range tasks {
		batchSize += t.Size()
	}
	paddedSize := br.roundToLowestAllowed(allowed, batchSize, queueName)
	paddingAmount := paddedSize - batchSize
	br.sink.RecordPaddingSize(context.Background(), queueName, paddingAmount)

	numInputs := len(tasks[0].Inputs)
	concatenated := make([]*tensor.Tensor, 0, numInputs)
	for i := 0; i < numInputs; i++ {
		toConcat := make([]*tensor.Tensor, 0, len(tasks)+1)
		for _, t := range tasks {
			toConcat = append(toConcat, t.Inputs[i])
		}

		if paddingAmount > 0 {
			source := tasks[0].Inputs[i]
			rows := source.Shape.Rows()
			if rows == 0 {
				return nil, 0, status.Newf(status.InvalidArgument,
					"cannot use an empty tensor with zero rows as padding when batching (input %d)", i)
			}
			padding := source
			if rows > 1 {
				sliced, err := br.ops.Slice(source, 0, 1)
				if err != nil {
					return nil, 0, status.FromError(err)
				}
				padding = sliced
			}
			for p := 0; p < paddingAmount; p++ {
				toConcat = append(toConcat, padding)
			}
		}

		out, err := br.ops.Concat(toConcat)
		if err != nil {
			return nil, 0, status.FromError(err)
		}
		concatenated = append(concatenated, out)
	}
	return concatenated, paddingAmount, nil
}

// splitOutputsFanout implements SplitOutputTensors (spec §4.2): splits
// every executor output column by [task sizes..., padding?] and
// delivers each task's slice, concurrently across columns via
// errgroup, mirroring agent/guardrails/chain.go's fan-out-and-collect
// pattern for validator execution.
func (br *BatchResource) splitOutputsFanout(outputs []*tensor.Tensor, tasks []*Task, paddingAmount int) *status.Status {
	if len(tasks) == 0 {
		return status.New(status.Internal, "batch size expected to be positive")
	}
	if len(outputs) != tasks[0].Sink.NumOutputs() {
		return status.Newf(status.Internal, "wrong number of batched output tensors: got %d, want %d",
			len(outputs), tasks[0].Sink.NumOutputs())
	}

	sizes := make([]int, 0, len(tasks)+1)
	total := 0
	for _, t := range tasks {
		sizes = append(sizes, t.Size())
		total += t.Size()
	}
	if paddingAmount > 0 {
		sizes = append(sizes, paddingAmount)
		total += paddingAmount
	}

	g, _ := errgroup.WithContext(context.Background())
	for i, out := range outputs {
		i, out := i, out
		g.Go(func() error {
			if len(out.Shape) == 0 {
				return status.New(status.FailedPrecondition, "batched output tensor has 0 dimensions")
			}
			if out.Shape.Rows() != total {
				return status.New(status.FailedPrecondition,
					"batched output tensor's 0th dimension does not equal the sum of the 0th dimension sizes of the input tensors")
			}
			pieces, err := br.ops.Split(out, sizes)
			if err != nil {
				return status.FromError(err)
			}
			for j, task := range tasks {
				if task.IsPartial {
					task.Output.Set(task.SplitIndex, i, pieces[j])
				} else {
					task.Sink.SetOutput(i, pieces[j])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return status.FromError(err)
	}
	return nil
}

// processFuncBatch is the FunctionMode OnBatchClosed callback (spec
// §4.2 "Function mode"): pad, concatenate, run the executor under the
// batch's propagated context, fan outputs back out, fire every task's
// completion exactly once.
func (br *BatchResource) processFuncBatch(batch *scheduler.Batch) {
	tasks := castTasks(batch.Tasks())
	if len(tasks) == 0 {
		return
	}
	lastTask := tasks[len(tasks)-1]

	fail := func(st *status.Status) {
		for _, t := range tasks {
			if t.IsPartial {
				t.Status.Update(st)
				t.Done()
			} else {
				t.Sink.SetStatus(st)
				t.Done()
			}
		}
	}

	opts := br.queueOptionsOf(batch.QueueName)
	concatenated, paddingAmount, st := br.concatInputs(tasks, opts.AllowedBatchSizes, batch.QueueName)
	if st != nil {
		fail(st)
		return
	}

	args := append(append([]*tensor.Tensor{}, concatenated...), lastTask.CapturedInputs...)

	ctx := lastTask.PropagatedContext
	if ctx == nil {
		ctx = context.Background()
	}
	var span trace.Span
	if br.tracer != nil {
		ctx, span = br.tracer.Start(ctx, "batchflow.resource.execute", trace.WithAttributes(
			attribute.String("queue", batch.QueueName),
			attribute.Int("batch_size", batch.Size()),
		))
	}

	outputs, err := br.executor.Run(ctx, args)
	if span != nil {
		span.End()
	}
	if err != nil {
		fail(status.FromError(err))
		return
	}

	if st := br.splitOutputsFanout(outputs, tasks, paddingAmount); st != nil {
		fail(st)
		return
	}
	for _, t := range tasks {
		if t.IsPartial {
			t.Done()
		} else {
			t.Sink.SetStatus(nil)
			t.Done()
		}
	}
}

// processLegacyBatch is the LegacyMode OnBatchClosed callback (spec
// §4.2 "Legacy batch mode"): no Executor call. The concatenated,
// padded inputs become the output of the last task; every other task
// gets empty, leading-zero-dim placeholders; an index tensor and a
// per-task guid scalar complete the invocation for a downstream
// Unbatch op to consume.
func (br *BatchResource) processLegacyBatch(batch *scheduler.Batch) {
	tasks := castTasks(batch.Tasks())
	if len(tasks) == 0 {
		return
	}
	lastTask := tasks[len(tasks)-1]
	numInputs := len(tasks[0].Inputs)

	fail := func(st *status.Status) {
		for _, t := range tasks {
			t.Sink.SetStatus(st)
			t.Done()
		}
	}

	opts := br.queueOptionsOf(batch.QueueName)
	concatenated, _, st := br.concatInputs(tasks, opts.AllowedBatchSizes, batch.QueueName)
	if st != nil {
		fail(st)
		return
	}

	for i := 0; i < numInputs; i++ {
		lastTask.Sink.SetOutput(i, concatenated[i])
		for _, t := range tasks[:len(tasks)-1] {
			t.Sink.SetOutput(i, emptyLike(t.Inputs[i]))
		}
	}

	index := buildIndexTensor(tasks)
	lastTask.Sink.SetOutput(numInputs, index)
	for _, t := range tasks[:len(tasks)-1] {
		t.Sink.SetOutput(numInputs, tensor.New(tensor.Shape{0, 3}))
	}

	for _, t := range tasks {
		t.Sink.SetOutput(numInputs+1, guidScalar(t.GUID))
	}
	for _, t := range tasks {
		t.Sink.SetStatus(nil)
		t.Done()
	}
}

func emptyLike(t *tensor.Tensor) *tensor.Tensor {
	shape := append(tensor.Shape{0}, t.Shape[1:]...)
	return tensor.New(shape)
}

func guidScalar(guid int64) *tensor.Tensor {
	out := tensor.New(tensor.Shape{1})
	out.Data[0] = float64(guid)
	return out
}

// buildIndexTensor emits EmitIndexTensor's (guid, start, end) rows in
// the concatenated tensor's (unpadded) leading-dim coordinates.
func buildIndexTensor(tasks []*Task) *tensor.Tensor {
	out := tensor.New(tensor.Shape{len(tasks), 3})
	offset := 0
	for i, t := range tasks {
		row := out.Row(i)
		row[0] = float64(t.GUID)
		row[1] = float64(offset)
		row[2] = float64(offset + t.Size())
		offset += t.Size()
	}
	return out
}

func castTasks(ts []scheduler.Task) []*Task {
	out := make([]*Task, len(ts))
	for i, t := range ts {
		out[i] = t.(*Task)
	}
	return out
}

// newGUID mints a unique 64-bit task identifier from a random UUID
// (spec §3), the same generator family as rag/weaviate_store.go and
// agent/persistence/redis_task_store.go use for record IDs, hashed
// down to an int64 to serve as a BatchKey (spec §4.4).
func newGUID() int64 {
	id := uuid.New()
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}
