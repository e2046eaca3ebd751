package telemetry

import "time"

// Config contains the telemetry configuration for the orchestrator.
type Config struct {
	// ServiceName identifies this process in logs and traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Metrics configures Prometheus metrics collection.
	Metrics MetricsConfig

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool

	// Namespace is the metric name prefix.
	Namespace string
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool

	// Exporter selects the span exporter: "stdout", "otlp", or "none".
	Exporter string

	// Endpoint is the OTLP gRPC endpoint, for the otlp exporter.
	Endpoint string

	// Insecure disables transport security for the otlp exporter.
	Insecure bool

	// SamplingRate is the trace sampling ratio (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds span batch export.
	ExportTimeout time.Duration
}

// DefaultConfig returns a configuration suitable for CLI use: console
// logs at info level, metrics and tracing disabled.
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Namespace: "caravel",
		},
		Tracing: TracingConfig{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}
