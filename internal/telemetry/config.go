package telemetry

// Config holds configuration for the tracer
type Config struct {
	// ServiceName is the name of the service
	ServiceName string `mapstructure:"service_name"`

	// ServiceVersion is the version of the service
	ServiceVersion string `mapstructure:"service_version"`

	// Enabled determines whether tracing is enabled.
	// When false, a noop tracer is used.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	// If empty, spans are sampled but not exported.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure sends spans over plain HTTP.
	Insecure bool `mapstructure:"insecure"`

	// Headers are added to every export request, e.g. collector auth.
	Headers map[string]string `mapstructure:"headers"`

	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultConfig returns the default configuration.
// Tracing is disabled by default.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "loom",
		ServiceVersion: "dev",
		Enabled:        false,
		SampleRate:     1.0,
	}
}
