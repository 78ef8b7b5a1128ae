package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow-labs/batchflow/config"
	"github.com/agentflow-labs/batchflow/observability"
	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/testutil"
)

type fakeTask struct {
	size int
	id   int
}

func (f fakeTask) Size() int { return f.size }

// splitByRows splits a fakeTask into len(sizes) fakeTask pieces,
// preserving the task's id for traceability.
func splitByRows(task Task, sizes []int) ([]Task, error) {
	out := make([]Task, len(sizes))
	for i, s := range sizes {
		out[i] = fakeTask{size: s, id: task.(fakeTask).id}
	}
	return out, nil
}

func recordingCallback() (OnBatchClosed, func() []*Batch) {
	var mu sync.Mutex
	var got []*Batch
	cb := func(b *Batch) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}
	getter := func() []*Batch {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Batch, len(got))
		copy(out, got)
		return out
	}
	return cb, getter
}

func TestScheduler_SimpleBatching(t *testing.T) {
	// S1: two tasks of size 3 and 5, max_batch_size=8, no timeout race.
	s := New(2, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, closed := recordingCallback()
	opts := config.QueueOptions{MaxBatchSize: 8, BatchTimeout: time.Hour, MaxEnqueuedBatches: 10}
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 3, id: 1})))
	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 5, id: 2})))

	require.True(t, testutil.WaitFor(func() bool { return len(closed()) == 1 }, time.Second))
	batches := closed()
	assert.Equal(t, 8, batches[0].Size())
	assert.Equal(t, 2, batches[0].NumTasks())
}

func TestScheduler_Padding_ClosesOnTimeout(t *testing.T) {
	// S2: lone task of size 3, closes via timeout rather than size.
	s := New(1, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, closed := recordingCallback()
	opts := config.QueueOptions{MaxBatchSize: 8, BatchTimeout: 20 * time.Millisecond, MaxEnqueuedBatches: 10}
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 3, id: 1})))

	require.True(t, testutil.WaitFor(func() bool { return len(closed()) == 1 }, time.Second))
	assert.Equal(t, 3, closed()[0].Size())
}

func TestScheduler_LargeTaskSplitting(t *testing.T) {
	// S3: max_batch_size=4, splitting enabled, open slot=1, submission size=7.
	s := New(2, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, closed := recordingCallback()
	opts := config.QueueOptions{
		MaxBatchSize:              4,
		MaxExecutionBatchSize:     4,
		BatchTimeout:              time.Hour,
		MaxEnqueuedBatches:        10,
		EnableLargeBatchSplitting: true,
	}
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 3, id: 0})))
	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 7, id: 1})))

	require.True(t, testutil.WaitFor(func() bool { return len(closed()) == 2 }, time.Second))
	var sizes []int
	for _, b := range closed() {
		sizes = append(sizes, b.Size())
	}
	assert.ElementsMatch(t, []int{4, 4}, sizes)
	assert.Equal(t, 1, s.QueueDepth("q")) // leftover piece of size 2 stays open
}

func TestScheduler_Backpressure(t *testing.T) {
	// S4: max_enqueued_batches=2, third submission rejected without
	// consuming its callback.
	s := New(0, observability.NoopSink{}, zap.NewNop()) // no workers: nothing drains the backlog
	defer s.Close()

	var callbackFired atomic.Bool
	cb := func(*Batch) { callbackFired.Store(true) }
	opts := config.QueueOptions{MaxBatchSize: 1, BatchTimeout: time.Hour, MaxEnqueuedBatches: 2}
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 1, id: 1})))
	require.NoError(t, errOf(s.Schedule(context.Background(), "q", fakeTask{size: 1, id: 2})))

	st := s.Schedule(context.Background(), "q", fakeTask{size: 1, id: 3})
	require.NotNil(t, st)
	assert.Equal(t, status.ResourceExhausted, st.Code)
	assert.False(t, callbackFired.Load())
}

func TestScheduler_UnknownQueue(t *testing.T) {
	s := New(1, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	st := s.Schedule(context.Background(), "missing", fakeTask{size: 1})
	require.NotNil(t, st)
	assert.Equal(t, status.InvalidArgument, st.Code)
}

func TestScheduler_OversizedTaskWithoutSplitting(t *testing.T) {
	s := New(1, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, _ := recordingCallback()
	opts := config.QueueOptions{MaxBatchSize: 4, BatchTimeout: time.Hour, MaxEnqueuedBatches: 10}
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	st := s.Schedule(context.Background(), "q", fakeTask{size: 5})
	require.NotNil(t, st)
	assert.Equal(t, status.InvalidArgument, st.Code)
}

func TestScheduler_AddQueue_ValidatesOptions(t *testing.T) {
	s := New(1, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, _ := recordingCallback()
	opts := config.QueueOptions{
		MaxBatchSize:      8,
		AllowedBatchSizes: []int{4, 6}, // doesn't end in max_batch_size, splitting disabled
	}
	st := s.AddQueue("q", opts, splitByRows, cb)
	require.NotNil(t, st)
	assert.Equal(t, status.InvalidArgument, st.Code)
}

func TestScheduler_DuplicateQueueName(t *testing.T) {
	s := New(1, observability.NoopSink{}, zap.NewNop())
	defer s.Close()

	cb, _ := recordingCallback()
	opts := config.DefaultQueueOptions()
	require.NoError(t, errOf(s.AddQueue("q", opts, splitByRows, cb)))

	st := s.AddQueue("q", opts, splitByRows, cb)
	require.NotNil(t, st)
}

func errOf(st *status.Status) error {
	if status.Ok(st) {
		return nil
	}
	return st
}
