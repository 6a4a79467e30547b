package config

// LoggingConfig selects the slog handler and redaction behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// ObservabilityConfig configures structured logging, OpenTelemetry tracing,
// and the Prometheus metrics listener.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig controls the one-span-per-run OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus /metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (o *ObservabilityConfig) applyDefaults() {
	if o.Logging.Level == "" {
		o.Logging.Level = "info"
	}
	if o.Logging.Format == "" {
		o.Logging.Format = "json"
	}
	if o.Tracing.ServiceName == "" {
		o.Tracing.ServiceName = "cliorchd"
	}
	if o.Tracing.SampleRatio == 0 {
		o.Tracing.SampleRatio = 1.0
	}
	if o.Metrics.Addr == "" {
		o.Metrics.Addr = ":9090"
	}
}
