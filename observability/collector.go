package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector is the Prometheus-backed Sink for operators who scrape
// /metrics directly instead of running an OTel collector.
type Collector struct {
	scheduleTotal  *prometheus.CounterVec
	rejectionTotal *prometheus.CounterVec
	batchSize      *prometheus.HistogramVec
	paddingSize    *prometheus.HistogramVec
	batchDelayMs   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers batchflow's Prometheus metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "observability")),
	}

	c.scheduleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_total",
			Help:      "Total Schedule calls by queue and acceptance",
		},
		[]string{"queue", "accepted"},
	)

	c.rejectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_rejected_total",
			Help:      "Schedule calls rejected as resource exhausted",
		},
		[]string{"queue"},
	)

	c.batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Closed batch size in rows",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"queue"},
	)

	c.paddingSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_padding_size",
			Help:      "Padding rows added to a closed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"queue"},
	)

	c.batchDelayMs = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_delay_milliseconds",
			Help:      "Wall time from first enqueue to batch closure",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Open+closed batch count per queue",
		},
		[]string{"queue"},
	)

	return c
}

var _ Sink = (*Collector)(nil)

func (c *Collector) RecordSchedule(_ context.Context, queue string, accepted bool) {
	c.scheduleTotal.WithLabelValues(queue, boolLabel(accepted)).Inc()
}

func (c *Collector) RecordBatchSize(_ context.Context, queue string, size int) {
	c.batchSize.WithLabelValues(queue).Observe(float64(size))
}

func (c *Collector) RecordPaddingSize(_ context.Context, queue string, padding int) {
	c.paddingSize.WithLabelValues(queue).Observe(float64(padding))
}

func (c *Collector) RecordBatchDelay(_ context.Context, queue string, delayMs float64) {
	c.batchDelayMs.WithLabelValues(queue).Observe(delayMs)
}

func (c *Collector) RecordRejection(_ context.Context, queue string) {
	c.rejectionTotal.WithLabelValues(queue).Inc()
}

func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
