// Package config provides configuration loading for batchflow: queue
// policies (QueueOptions) and scheduler-wide settings, loaded from a
// YAML file with environment-variable overrides.
//
// Precedence: defaults -> YAML file -> environment variables.
package config
