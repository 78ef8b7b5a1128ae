package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentflow-labs/batchflow/scheduler"

// Metrics is the OTel-backed Sink: counters/histograms for schedule
// admission, batch size, padding, and closure delay, plus a Tracer for
// spanning executor invocations.
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter

	scheduleTotal  metric.Int64Counter
	rejectionTotal metric.Int64Counter
	batchSize      metric.Int64Histogram
	paddingSize    metric.Int64Histogram
	batchDelayMs   metric.Float64Histogram
	queueDepth     metric.Int64Gauge
}

// NewMetrics builds the batchflow OTel instrumentation set.
func NewMetrics() (*Metrics, error) {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	m := &Metrics{tracer: tracer, meter: meter}

	var err error
	m.scheduleTotal, err = meter.Int64Counter("batchflow.schedule.total",
		metric.WithDescription("Total Schedule calls"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	m.rejectionTotal, err = meter.Int64Counter("batchflow.schedule.rejected",
		metric.WithDescription("Schedule calls rejected as resource exhausted"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, err
	}

	m.batchSize, err = meter.Int64Histogram("batchflow.batch.size",
		metric.WithDescription("Closed batch size in rows"),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, err
	}

	m.paddingSize, err = meter.Int64Histogram("batchflow.batch.padding_size",
		metric.WithDescription("Padding rows added to a closed batch"),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, err
	}

	m.batchDelayMs, err = meter.Float64Histogram("batchflow.batch.delay_ms",
		metric.WithDescription("Wall time from first enqueue to batch closure"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.queueDepth, err = meter.Int64Gauge("batchflow.queue.depth",
		metric.WithDescription("Open+closed batch count per queue"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

var _ Sink = (*Metrics)(nil)

func (m *Metrics) RecordSchedule(ctx context.Context, queue string, accepted bool) {
	m.scheduleTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("accepted", accepted),
	))
}

func (m *Metrics) RecordBatchSize(ctx context.Context, queue string, size int) {
	m.batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) RecordPaddingSize(ctx context.Context, queue string, padding int) {
	m.paddingSize.Record(ctx, int64(padding), metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) RecordBatchDelay(ctx context.Context, queue string, delayMs float64) {
	m.batchDelayMs.Record(ctx, delayMs, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) RecordRejection(ctx context.Context, queue string) {
	m.rejectionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.Record(context.Background(), int64(depth), metric.WithAttributes(attribute.String("queue", queue)))
}

// Tracer exposes the underlying tracer for spanning executor calls.
func (m *Metrics) Tracer() trace.Tracer { return m.tracer }
