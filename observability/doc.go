// Package observability instruments the scheduler and resources with
// metrics. Two sinks satisfy the same Sink interface: an OTel-backed
// Metrics for collector-based deployments, and a Prometheus-backed
// Collector for direct /metrics scraping.
package observability
