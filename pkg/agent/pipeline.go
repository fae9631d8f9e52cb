package agent

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/llm"
	"github.com/veritylab/trawl/pkg/mcp"
)

// Pipeline wires a full research stack from configuration: the primary and
// summary LLM clients, the MCP tool manager, and the sub-agent catalog.
// A Pipeline is reusable across tasks but runs one task at a time; servers
// keep a pool of them.
type Pipeline struct {
	cfg        *config.Config
	model      *llm.Client
	summarizer *llm.Client
	tools      *mcp.Manager
	tracer     trace.Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineTracer sets the tracer propagated to every component.
func WithPipelineTracer(tracer trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithToolManager replaces the MCP manager (tests).
func WithToolManager(manager *mcp.Manager) PipelineOption {
	return func(p *Pipeline) { p.tools = manager }
}

// NewPipeline builds a Pipeline from a validated configuration.
func NewPipeline(cfg *config.Config, opts ...PipelineOption) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	p := &Pipeline{
		cfg:    cfg,
		tracer: noop.NewTracerProvider().Tracer("agent"),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.model = llm.NewClient(llm.Config{
		BaseURL:          cfg.LLM.BaseURL,
		APIKey:           cfg.LLM.APIKey,
		Model:            cfg.LLM.Model,
		MaxTokens:        cfg.LLM.MaxTokens,
		MaxContextLength: cfg.LLM.MaxContextLength,
		Temperature:      cfg.LLM.Temperature,
		TopP:             cfg.LLM.TopP,
		Timeout:          cfg.LLM.Timeout,
		MaxRetries:       cfg.LLM.MaxRetries,
		RetryDelay:       cfg.LLM.RetryDelay,
	}, llm.WithTracer(p.tracer))

	p.summarizer = llm.NewClient(llm.Config{
		BaseURL:          cfg.SummaryLLM.BaseURL,
		APIKey:           cfg.SummaryLLM.APIKey,
		Model:            cfg.SummaryLLM.Model,
		MaxTokens:        cfg.SummaryLLM.MaxTokens,
		MaxContextLength: cfg.LLM.MaxContextLength,
		Timeout:          cfg.SummaryLLM.Timeout,
		MaxRetries:       cfg.LLM.MaxRetries,
		RetryDelay:       cfg.LLM.RetryDelay,
	}, llm.WithTracer(p.tracer))

	if p.tools == nil {
		p.tools = mcp.NewManager(cfg.EnabledTools(),
			mcp.WithTracer(p.tracer),
			mcp.WithDemoMode(cfg.Server.DemoMode))
	}
	return p, nil
}

// Model returns the primary model name, for API responses.
func (p *Pipeline) Model() string {
	return p.model.Model()
}

// Usage returns cumulative token usage of the primary model.
func (p *Pipeline) Usage() llm.Usage {
	return p.model.Usage()
}

// Run executes one research task, streaming events to sink. The sink is
// closed before Run returns, after the last event.
func (p *Pipeline) Run(ctx context.Context, task string, sink *Sink) Result {
	defer sink.Close()

	main := p.cfg.Agent.MainAgent
	keep := -1
	if main.KeepToolResult != nil {
		keep = *main.KeepToolResult
	}

	orch := New(Config{
		Role:                 RoleMain,
		MaxTurns:             main.MaxTurns,
		KeepToolResult:       keep,
		ContextCompressLimit: main.ContextCompressLimit,
		MaxAttempts:          main.MaxAttempts,
	}, p.model, p.tools,
		WithSummarizer(p.summarizer),
		WithSink(sink),
		WithTracer(p.tracer),
		WithSubAgents(p.cfg.Agent.SubAgents),
	)
	return orch.Run(ctx, task)
}

// Close shuts down the tool connections.
func (p *Pipeline) Close() error {
	if p.tools == nil {
		return nil
	}
	return p.tools.Close()
}
