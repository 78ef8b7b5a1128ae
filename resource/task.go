package resource

import (
	"context"
	"sync"
	"time"

	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
)

// ResultSink is a Task's opaque handle back to its submitter (spec §3
// "context"): where executor outputs land, where a terminal status
// lands, and how many output columns this invocation expects.
type ResultSink interface {
	// SetOutput delivers the tensor for output column index.
	SetOutput(index int, t *tensor.Tensor)
	// SetStatus delivers the invocation's terminal status. A nil or OK
	// status need not be delivered explicitly; callers may skip it.
	SetStatus(st *status.Status)
	// NumOutputs reports how many output columns this invocation
	// expects, driving output fanout and legacy-mode slot allocation.
	NumOutputs() int
}

// Task is one caller submission, or a split piece of one (spec §3). It
// implements scheduler.Task via Size.
type Task struct {
	GUID           int64
	Inputs         []*tensor.Tensor
	CapturedInputs []*tensor.Tensor
	Sink           ResultSink
	Done           func()

	// PropagatedContext is restored around executor invocation so that
	// caller-side tracing/cancellation stays active (spec §4.2).
	PropagatedContext context.Context
	StartTime         time.Time

	// IsPartial and SplitIndex are set by splitTask (spec §4.3); a
	// partial Task's result is written into Output rather than
	// delivered straight to Sink.
	IsPartial  bool
	SplitIndex int

	// Output and Status are shared across every piece of one
	// submission once it has been split. Output is nil for an unsplit
	// Task; RegisterInput allocates Status for every Task.
	Output *OutputMatrix
	Status *status.FirstErrorCell
}

// Size implements scheduler.Task. A Task's size is its leading
// dimension, shared across every one of its Inputs (enforced at
// RegisterInput).
func (t *Task) Size() int {
	if len(t.Inputs) == 0 {
		return 0
	}
	return t.Inputs[0].Shape.Rows()
}

// OutputMatrix is the shared N x M matrix backing a split submission's
// completion barrier (spec §3, §9): N split pieces by M executor
// output columns. Each piece writes exactly one row, at a distinct
// index, so there is no contention in practice; the mutex here trades
// the source's lock-free row ownership for a simpler, still-correct
// Go shape.
type OutputMatrix struct {
	mu   sync.Mutex
	rows [][]*tensor.Tensor
}

// NewOutputMatrix allocates an n-row, m-column OutputMatrix.
func NewOutputMatrix(n, m int) *OutputMatrix {
	rows := make([][]*tensor.Tensor, n)
	for i := range rows {
		rows[i] = make([]*tensor.Tensor, m)
	}
	return &OutputMatrix{rows: rows}
}

// Set records the tensor produced by split piece row for output
// column col.
func (om *OutputMatrix) Set(row, col int, t *tensor.Tensor) {
	om.mu.Lock()
	om.rows[row][col] = t
	om.mu.Unlock()
}

// Column returns every split piece's tensor for output column col, in
// split order, ready for concatenation at barrier discharge.
func (om *OutputMatrix) Column(col int) []*tensor.Tensor {
	om.mu.Lock()
	defer om.mu.Unlock()
	out := make([]*tensor.Tensor, len(om.rows))
	for i, row := range om.rows {
		out[i] = row[col]
	}
	return out
}

// NumRows returns the number of split pieces this matrix was sized for.
func (om *OutputMatrix) NumRows() int {
	return len(om.rows)
}
