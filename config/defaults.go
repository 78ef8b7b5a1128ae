// =============================================================================
// batchflow default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: DefaultSchedulerConfig(),
		Queues:    map[string]QueueOptions{},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		NumBatchThreads: 4,
		IdleQueueTTL:    0,
	}
}

// DefaultQueueOptions returns reasonable QueueOptions for a single
// named queue: no splitting, no padding, a 10ms coalescing window.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		MaxBatchSize:              8,
		MaxExecutionBatchSize:     0,
		BatchTimeout:              10 * time.Millisecond,
		MaxEnqueuedBatches:        10,
		AllowedBatchSizes:         nil,
		EnableLargeBatchSplitting: false,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:     false,
		ServiceName: "batchflow",
	}
}
