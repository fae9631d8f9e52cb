package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig toggles metric collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics creates the instruments behind the Prometheus exporter. The
// exporter registers with the default Prometheus registry, so promhttp
// serves everything.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("trawl")

	pipelineDuration, err := meter.Float64Histogram(
		"trawl_pipeline_duration_seconds",
		metric.WithDescription("Research pipeline run duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline duration histogram: %w", err)
	}

	pipelineRuns, err := meter.Int64Counter(
		"trawl_pipeline_runs_total",
		metric.WithDescription("Total pipeline runs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline runs counter: %w", err)
	}

	pipelineErrors, err := meter.Int64Counter(
		"trawl_pipeline_errors_total",
		metric.WithDescription("Total pipeline runs ending in error"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline errors counter: %w", err)
	}

	pipelineTurns, err := meter.Int64Histogram(
		"trawl_pipeline_turns",
		metric.WithDescription("LLM turns consumed per pipeline run"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline turns histogram: %w", err)
	}

	rollbacks, err := meter.Int64Counter(
		"trawl_rollbacks_total",
		metric.WithDescription("Total orchestrator rollbacks by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollbacks counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"trawl_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"trawl_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"trawl_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"trawl_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"trawl_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"trawl_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"trawl_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		"trawl_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"trawl_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return &PrometheusMetrics{
		pipelineDuration: pipelineDuration,
		pipelineRuns:     pipelineRuns,
		pipelineErrors:   pipelineErrors,
		pipelineTurns:    pipelineTurns,
		rollbacks:        rollbacks,
		llmDuration:      llmDuration,
		llmInputTokens:   llmInputTokens,
		llmOutputTokens:  llmOutputTokens,
		llmErrors:        llmErrors,
		toolDuration:     toolDuration,
		toolCalls:        toolCalls,
		toolErrors:       toolErrors,
		httpDuration:     httpDuration,
		httpRequests:     httpRequests,
	}, nil
}
