package config

import (
	"fmt"
)

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	// Tracing configures OpenTelemetry trace export.
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty" jsonschema:"title=Tracing,description=OpenTelemetry tracing"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" jsonschema:"title=Metrics,description=Prometheus metrics"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Enable trace export,default=false"`

	// Exporter selects the span exporter: otlp or stdout.
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty" jsonschema:"title=Exporter,description=Span exporter,enum=otlp,enum=stdout,default=otlp"`

	// EndpointURL is the OTLP gRPC collector address.
	EndpointURL string `yaml:"endpoint_url,omitempty" json:"endpoint_url,omitempty" jsonschema:"title=Endpoint URL,description=OTLP gRPC collector,default=localhost:4317"`

	// SamplingRate in [0,1]. 1 samples everything.
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" jsonschema:"title=Sampling Rate,description=Trace sampling ratio,minimum=0,maximum=1,default=1"`

	// ServiceName reported on spans.
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty" jsonschema:"title=Service Name,description=Reported service name,default=trawl"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Serve /metrics,default=true"`
}

// SetDefaults applies defaults.
func (c *ObservabilityConfig) SetDefaults() {
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.EndpointURL == "" {
		c.Tracing.EndpointURL = "localhost:4317"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "trawl"
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
}

// Validate checks the observability configuration.
func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	switch c.Tracing.Exporter {
	case "", "otlp", "stdout":
	default:
		return fmt.Errorf("unknown tracing.exporter %q (valid: otlp, stdout)", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter != "stdout" && c.Tracing.EndpointURL == "" {
		return fmt.Errorf("tracing.endpoint_url is required when tracing is enabled")
	}
	return nil
}

// IsMetricsEnabled reports whether /metrics should be served.
func (c *ObservabilityConfig) IsMetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}
