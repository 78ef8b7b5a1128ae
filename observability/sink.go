package observability

import "context"

// Sink is the metrics surface the scheduler and resource packages
// depend on. Both Metrics (OTel) and Collector (Prometheus) implement
// it so callers can swap sinks without touching batching code.
type Sink interface {
	// RecordSchedule counts one Schedule call against a queue.
	RecordSchedule(ctx context.Context, queue string, accepted bool)
	// RecordBatchSize records a closed batch's task-row count.
	RecordBatchSize(ctx context.Context, queue string, size int)
	// RecordPaddingSize records the padding rows added to a batch.
	RecordPaddingSize(ctx context.Context, queue string, padding int)
	// RecordBatchDelay records the wall-clock time from a batch's
	// first enqueue to its closure.
	RecordBatchDelay(ctx context.Context, queue string, delayMs float64)
	// RecordRejection counts a ResourceExhausted rejection.
	RecordRejection(ctx context.Context, queue string)
	// SetQueueDepth reports the current open+closed batch count for a queue.
	SetQueueDepth(queue string, depth int)
}

// NoopSink discards everything. Useful as a zero-value default so
// Scheduler/BatchResource never need a nil check.
type NoopSink struct{}

var _ Sink = NoopSink{}

func (NoopSink) RecordSchedule(context.Context, string, bool)    {}
func (NoopSink) RecordBatchSize(context.Context, string, int)    {}
func (NoopSink) RecordPaddingSize(context.Context, string, int)  {}
func (NoopSink) RecordBatchDelay(context.Context, string, float64) {}
func (NoopSink) RecordRejection(context.Context, string)         {}
func (NoopSink) SetQueueDepth(string, int)                        {}
