package scheduler

import "time"

// Task is the scheduler's view of one caller submission or split
// piece: just a row count. Everything else (inputs, callbacks, status)
// lives in resource.Task, which implements this interface.
type Task interface {
	Size() int
}

// Splitter divides a Task that overflows the open batch into pieces
// whose sizes are exactly sizes, in order. Supplied per-queue by the
// component that knows how to slice its own payload (spec §4.3).
type Splitter func(task Task, sizes []int) ([]Task, error)

// OnBatchClosed is invoked once per closed batch, on a scheduler
// worker goroutine. The call blocks that worker for its duration
// (spec §5's intentional back-pressure).
type OnBatchClosed func(batch *Batch)

// Batch is an ordered list of Tasks formed by the scheduler for a
// single executor invocation (spec §3).
type Batch struct {
	QueueName    string
	tasks        []Task
	firstEnqueue time.Time
}

// Tasks returns the batch's tasks in enqueue order.
func (b *Batch) Tasks() []Task {
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

// Size is the sum of every task's Size() in the batch.
func (b *Batch) Size() int {
	n := 0
	for _, t := range b.tasks {
		n += t.Size()
	}
	return n
}

// NumTasks returns the number of tasks in the batch.
func (b *Batch) NumTasks() int {
	return len(b.tasks)
}

// FirstEnqueue is the wall-clock time the batch's first task was
// appended, used for timeout-based closure and delay metrics.
func (b *Batch) FirstEnqueue() time.Time {
	return b.firstEnqueue
}
