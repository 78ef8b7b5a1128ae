// =============================================================================
// batchflow configuration loader
// =============================================================================
// Unified config loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("batchflow.yaml").
//	    WithEnvPrefix("BATCHFLOW").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structures
// =============================================================================

// Config is batchflow's complete configuration structure.
type Config struct {
	// Scheduler is the shared worker-pool and housekeeping configuration.
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Queues maps queue name to its QueueOptions. Queues not listed
	// here may still be created with hard-coded options via AddQueue.
	Queues map[string]QueueOptions `yaml:"queues" env:"-"`

	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry controls metrics/tracing emission.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// SchedulerConfig configures the scheduler's shared worker pool (spec
// §6 num_batch_threads).
type SchedulerConfig struct {
	// NumBatchThreads is the size of the fixed worker pool shared
	// across all queues.
	NumBatchThreads int `yaml:"num_batch_threads" env:"NUM_BATCH_THREADS"`
	// IdleQueueTTL is loaded and stored, but the scheduler does not
	// read it: named queues are never evicted, whatever its value.
	IdleQueueTTL time.Duration `yaml:"idle_queue_ttl" env:"IDLE_QUEUE_TTL"`
}

// QueueOptions is the per-named-queue batching policy (spec §3, §6).
type QueueOptions struct {
	// MaxBatchSize bounds a batch when splitting is disabled.
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// MaxExecutionBatchSize bounds a batch when splitting is enabled.
	// Defaults to max(AllowedBatchSizes) or MaxBatchSize when zero.
	MaxExecutionBatchSize int `yaml:"max_execution_batch_size" env:"MAX_EXECUTION_BATCH_SIZE"`
	// BatchTimeout is the maximum wait from a batch's first task until closure.
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
	// MaxEnqueuedBatches caps the per-queue backlog.
	MaxEnqueuedBatches int `yaml:"max_enqueued_batches" env:"MAX_ENQUEUED_BATCHES"`
	// AllowedBatchSizes is a sorted ascending set of acceptable
	// execution sizes used to pad batches up.
	AllowedBatchSizes []int `yaml:"allowed_batch_sizes" env:"-"`
	// EnableLargeBatchSplitting enables splitting oversized tasks
	// across multiple batches (spec §4.3).
	EnableLargeBatchSplitting bool `yaml:"enable_large_batch_splitting" env:"ENABLE_LARGE_BATCH_SPLITTING"`
}

// LogConfig is the logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is one of json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths is the list of zap output sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig controls metrics/tracing emission.
type TelemetryConfig struct {
	// Enabled makes batchflowd serve the Prometheus /metrics endpoint.
	// The Prometheus Collector is built either way; batchflowd builds
	// no OTel sink or tracer.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// ServiceName is the Prometheus metric namespace.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader is the configuration loader (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BATCHFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the overall configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Scheduler.NumBatchThreads <= 0 {
		errs = append(errs, "scheduler.num_batch_threads must be positive")
	}

	for name, q := range c.Queues {
		if err := q.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("queue %q: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Validate checks one QueueOptions for the cross-field constraints
// the original batching kernel enforces at queue-creation time
// (SPEC_FULL.md §11.1): allowed_batch_sizes must be strictly
// ascending, and when splitting is disabled its last entry must equal
// max_batch_size.
func (q *QueueOptions) Validate() error {
	if q.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	for i := 1; i < len(q.AllowedBatchSizes); i++ {
		if q.AllowedBatchSizes[i] <= q.AllowedBatchSizes[i-1] {
			return fmt.Errorf("allowed_batch_sizes must be strictly ascending")
		}
	}
	if !q.EnableLargeBatchSplitting && len(q.AllowedBatchSizes) > 0 {
		last := q.AllowedBatchSizes[len(q.AllowedBatchSizes)-1]
		if last != q.MaxBatchSize {
			return fmt.Errorf("allowed_batch_sizes must end in max_batch_size when splitting is disabled")
		}
	}
	return nil
}

// EffectiveMaxExecutionBatchSize returns MaxExecutionBatchSize, falling
// back to max(AllowedBatchSizes) then MaxBatchSize when unset (spec §6).
func (q *QueueOptions) EffectiveMaxExecutionBatchSize() int {
	if q.MaxExecutionBatchSize > 0 {
		return q.MaxExecutionBatchSize
	}
	if len(q.AllowedBatchSizes) > 0 {
		return q.AllowedBatchSizes[len(q.AllowedBatchSizes)-1]
	}
	return q.MaxBatchSize
}
