// Package telemetry provides structured logging and metrics for the restore
// engine.
package telemetry

import "time"

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// TimeFormat selects the timestamp format (rfc3339, unix, unixms).
	TimeFormat string
}

// MetricsConfig configures the Prometheus metrics collector.
type MetricsConfig struct {
	// Enabled turns metrics collection on.
	Enabled bool

	// ListenAddr is the address the metrics HTTP endpoint binds to while a
	// restore is running (e.g. ":9090"). Empty disables the listener.
	ListenAddr string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets overrides the default duration buckets.
	DefaultHistogramBuckets []float64
}

// DefaultLoggingConfig returns console logging at info level on stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	}
}
