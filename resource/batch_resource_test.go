package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/observability"
	"github.com/agentflow-labs/batchflow/scheduler"
	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

// fakeSink is a ResultSink a test can poll; it records every delivered
// output column and the terminal status, then signals done.
type fakeSink struct {
	mu      sync.Mutex
	numOut  int
	outputs map[int]*tensor.Tensor
	status  *status.Status
	doneCh  chan struct{}
	done    sync.Once
}

func newFakeSink(numOut int) *fakeSink {
	return &fakeSink{numOut: numOut, outputs: make(map[int]*tensor.Tensor), doneCh: make(chan struct{})}
}

func (f *fakeSink) SetOutput(index int, t *tensor.Tensor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[index] = t
}

func (f *fakeSink) SetStatus(st *status.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func (f *fakeSink) NumOutputs() int { return f.numOut }

func (f *fakeSink) Output(index int) *tensor.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[index]
}

func (f *fakeSink) Status() *status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSink) markDone() { f.done.Do(func() { close(f.doneCh) }) }

func (f *fakeSink) waitDone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-f.doneCh:
	case <-time.After(timeout):
		t.Fatalf("sink never signalled done within %v", timeout)
	}
}

func rowTensor(rows int, val float64) *tensor.Tensor {
	tn := tensor.New(tensor.Shape{rows, 1})
	for i := 0; i < rows; i++ {
		tn.Data[i] = val
	}
	return tn
}

// echoExecutor returns its args unchanged, confirming the fanout path
// reassembles exactly what concatInputs produced.
var echoExecutor = ExecutorFunc(func(ctx context.Context, args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return args, nil
})

func newTestBatchResource(t *testing.T, numBatchThreads int, mode Mode) (*BatchResource, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(numBatchThreads, observability.NoopSink{}, zap.NewNop())
	t.Cleanup(sched.Close)
	br := NewBatchResource(sched, tensor.CPUOps{}, echoExecutor, observability.NoopSink{}, nil, zap.NewNop(), mode)
	return br, sched
}

func TestBatchResource_SimpleBatchConcatenatesAndEchoes(t *testing.T) {
	br, _ := newTestBatchResource(t, 2, FunctionMode)
	opts := config.QueueOptions{MaxBatchSize: 4, MaxExecutionBatchSize: 4, BatchTimeout: time.Hour, MaxEnqueuedBatches: 10}
	if st := br.AddQueue("q", opts); st != nil {
		t.Fatalf("AddQueue: %v", st)
	}

	sinkA := newFakeSink(1)
	sinkB := newFakeSink(1)
	ctx := context.Background()

	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(2, 1)}, nil, sinkA, sinkA.markDone); st != nil {
		t.Fatalf("RegisterInput A: %v", st)
	}
	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(2, 2)}, nil, sinkB, sinkB.markDone); st != nil {
		t.Fatalf("RegisterInput B: %v", st)
	}

	sinkA.waitDone(t, 2*time.Second)
	sinkB.waitDone(t, 2*time.Second)

	if !status.Ok(sinkA.Status()) || !status.Ok(sinkB.Status()) {
		t.Fatalf("expected OK statuses, got A=%v B=%v", sinkA.Status(), sinkB.Status())
	}
	if got := sinkA.Output(0).Shape.Rows(); got != 2 {
		t.Fatalf("sinkA output rows = %d, want 2", got)
	}
	if got := sinkB.Output(0).Shape.Rows(); got != 2 {
		t.Fatalf("sinkB output rows = %d, want 2", got)
	}
}

// S2 (spec §8): padding pads up to an allowed batch size and is
// discarded from every task's output.
func TestBatchResource_PadsToAllowedBatchSize(t *testing.T) {
	br, _ := newTestBatchResource(t, 1, FunctionMode)
	opts := config.QueueOptions{
		MaxBatchSize:          8,
		MaxExecutionBatchSize: 8,
		BatchTimeout:          10 * time.Millisecond,
		MaxEnqueuedBatches:    10,
		AllowedBatchSizes:     []int{4, 8},
	}
	if st := br.AddQueue("q", opts); st != nil {
		t.Fatalf("AddQueue: %v", st)
	}

	sink := newFakeSink(1)
	ctx := context.Background()
	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(3, 9)}, nil, sink, sink.markDone); st != nil {
		t.Fatalf("RegisterInput: %v", st)
	}

	sink.waitDone(t, 2*time.Second)
	if !status.Ok(sink.Status()) {
		t.Fatalf("expected OK status, got %v", sink.Status())
	}
	// Only this lone task was in the batch; its output must be exactly
	// its own 3 rows, with the padding up to 4 discarded by fanout.
	if got := sink.Output(0).Shape.Rows(); got != 3 {
		t.Fatalf("output rows = %d, want 3 (padding must not leak into the caller's result)", got)
	}
}

// S3 (spec §8): a task larger than the open queue's remaining slot is
// split, executed as multiple pieces, and reassembled transparently.
func TestBatchResource_SplitsOversizedTask(t *testing.T) {
	br, _ := newTestBatchResource(t, 2, FunctionMode)
	opts := config.QueueOptions{
		MaxBatchSize:              4,
		MaxExecutionBatchSize:     4,
		BatchTimeout:              10 * time.Millisecond,
		MaxEnqueuedBatches:        10,
		EnableLargeBatchSplitting: true,
	}
	if st := br.AddQueue("q", opts); st != nil {
		t.Fatalf("AddQueue: %v", st)
	}

	sink := newFakeSink(1)
	ctx := context.Background()
	// 10 rows, max batch size 4: splits into pieces of 4, 4, 2.
	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(10, 7)}, nil, sink, sink.markDone); st != nil {
		t.Fatalf("RegisterInput: %v", st)
	}

	sink.waitDone(t, 2*time.Second)
	if !status.Ok(sink.Status()) {
		t.Fatalf("expected OK status, got %v", sink.Status())
	}
	out := sink.Output(0)
	if out.Shape.Rows() != 10 {
		t.Fatalf("reassembled output rows = %d, want 10", out.Shape.Rows())
	}
	for i := 0; i < 10; i++ {
		if out.Data[i] != 7 {
			t.Fatalf("row %d = %v, want 7", i, out.Data[i])
		}
	}
}

func TestBatchResource_LegacyModeEmitsIndexAndGuid(t *testing.T) {
	br, _ := newTestBatchResource(t, 1, LegacyMode)
	opts := config.QueueOptions{MaxBatchSize: 5, MaxExecutionBatchSize: 5, BatchTimeout: time.Hour, MaxEnqueuedBatches: 10}
	if st := br.AddQueue("q", opts); st != nil {
		t.Fatalf("AddQueue: %v", st)
	}

	sinkA := newFakeSink(3) // input echo + index + guid
	sinkB := newFakeSink(3)
	ctx := context.Background()
	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(2, 1)}, nil, sinkA, sinkA.markDone); st != nil {
		t.Fatalf("RegisterInput A: %v", st)
	}
	if st := br.RegisterInput(ctx, "q", []*tensor.Tensor{rowTensor(3, 2)}, nil, sinkB, sinkB.markDone); st != nil {
		t.Fatalf("RegisterInput B: %v", st)
	}
	sinkA.waitDone(t, 2*time.Second)
	sinkB.waitDone(t, 2*time.Second)

	// A enqueued first and is not last: it should get an empty,
	// leading-zero-dim placeholder on output 0.
	if got := sinkA.Output(0).Shape.Rows(); got != 0 {
		t.Fatalf("non-last task output rows = %d, want 0", got)
	}
	// B is last: its output 0 is the whole concatenated+padded batch.
	if got := sinkB.Output(0).Shape.Rows(); got != 5 {
		t.Fatalf("last task output rows = %d, want 5", got)
	}

	index := sinkB.Output(1)
	if index.Shape.Rows() != 2 || index.Shape.RowElems() != 3 {
		t.Fatalf("index tensor shape = %v, want [2,3]", index.Shape)
	}
	// Row 0: task A, offset [0,2). Row 1: task B, offset [2,5).
	row0 := index.Row(0)
	row1 := index.Row(1)
	if row0[1] != 0 || row0[2] != 2 {
		t.Fatalf("row0 offsets = %v, want [0,2]", row0[1:3])
	}
	if row1[1] != 2 || row1[2] != 5 {
		t.Fatalf("row1 offsets = %v, want [2,5]", row1[1:3])
	}

	if sinkA.Output(2).Shape.Rows() != 1 || sinkB.Output(2).Shape.Rows() != 1 {
		t.Fatalf("expected a 1-element guid scalar on every task")
	}
}

func TestBatchResource_RejectsMismatchedLeadingDims(t *testing.T) {
	br, _ := newTestBatchResource(t, 1, FunctionMode)
	opts := config.QueueOptions{MaxBatchSize: 4, MaxExecutionBatchSize: 4, BatchTimeout: time.Hour, MaxEnqueuedBatches: 10}
	if st := br.AddQueue("q", opts); st != nil {
		t.Fatalf("AddQueue: %v", st)
	}

	sink := newFakeSink(1)
	st := br.RegisterInput(context.Background(), "q",
		[]*tensor.Tensor{rowTensor(2, 1), rowTensor(3, 1)}, nil, sink, sink.markDone)
	if st == nil || st.Code != status.InvalidArgument {
		t.Fatalf("expected InvalidArgument for mismatched leading dims, got %v", st)
	}
}
