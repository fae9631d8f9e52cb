package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/llm"
	"github.com/veritylab/trawl/pkg/mcp"
	"github.com/veritylab/trawl/pkg/observability"
)

// LLM is the completion surface the loop drives. *llm.Client satisfies it.
type LLM interface {
	Generate(ctx context.Context, messages []llm.Message, maxTokens int) (llm.Completion, error)
	EstimateTokens(text string) int
	MaxContextLength() int
	MaxTokens() int
	Model() string
}

// ToolInvoker executes tool calls against the configured servers.
// *mcp.Manager satisfies it.
type ToolInvoker interface {
	Catalog(ctx context.Context) []mcp.ServerTools
	Invoke(ctx context.Context, server, tool string, args map[string]any) mcp.ToolResult
}

// Config bounds one orchestrator.
type Config struct {
	// Role selects the prompts: RoleMain for the top-level researcher,
	// anything else gets the browsing objective.
	Role string

	// MaxTurns bounds LLM turns per attempt. Rollbacks refund a turn, so
	// an absolute ceiling of MaxTurns plus a fixed buffer also applies.
	MaxTurns int

	// KeepToolResult selects the context strategy: -1 keeps the full
	// history and guards against overflow, N >= 0 keeps only the newest N
	// tool results verbatim.
	KeepToolResult int

	// ContextCompressLimit compacts the conversation every K turns via the
	// summary model. 0 disables compaction. Never applies to nested runs.
	ContextCompressLimit int

	// MaxAttempts bounds whole-task retries after a missed final answer.
	MaxAttempts int
}

func (c *Config) setDefaults() {
	if c.Role == "" {
		c.Role = RoleMain
	}
	if c.MaxTurns < 1 {
		c.MaxTurns = 20
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
}

// subAgentSpec is one nested agent exposed in the catalog as a tool server.
type subAgentSpec struct {
	role    string          // bare name, also the nested agent's role
	server  string          // catalog server name, "agent-" + role
	cfg     config.SubAgentConfig
	allowed map[string]bool // tool servers visible to the nested run
}

// Orchestrator runs the research loop: prompt, parse, execute, repeat,
// with rollback on malformed or unproductive turns and a finalization pass
// that extracts the boxed answer.
type Orchestrator struct {
	cfg        Config
	model      LLM
	summarizer LLM
	tools      ToolInvoker
	formatter  *Formatter
	sink       *Sink
	tracer     trace.Tracer
	subAgents  map[string]subAgentSpec
	allowed    map[string]bool

	// nested marks a sub-agent run: it shares the parent's sink and
	// formatter and suppresses the outer lifecycle events.
	nested bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSummarizer sets the model used for compaction and cheap summaries.
// Defaults to the main model.
func WithSummarizer(summarizer LLM) Option {
	return func(o *Orchestrator) {
		if summarizer != nil {
			o.summarizer = summarizer
		}
	}
}

// WithSink attaches the event stream consumer.
func WithSink(sink *Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithTracer sets the tracer for spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithSubAgents exposes nested agents, keyed by bare name, as "agent-<name>"
// entries in the tool catalog.
func WithSubAgents(subs map[string]*config.SubAgentConfig) Option {
	return func(o *Orchestrator) {
		for name, sub := range subs {
			if sub == nil {
				continue
			}
			spec := subAgentSpec{role: name, server: subAgentPrefix + name, cfg: *sub}
			if len(sub.Tools) > 0 {
				spec.allowed = make(map[string]bool, len(sub.Tools))
				for _, server := range sub.Tools {
					spec.allowed[server] = true
				}
			}
			o.subAgents[spec.server] = spec
		}
	}
}

// New builds an orchestrator over the given model and tool surface.
func New(cfg Config, model LLM, tools ToolInvoker, opts ...Option) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		model:     model,
		tools:     tools,
		formatter: NewFormatter(),
		tracer:    noop.NewTracerProvider().Tracer("agent"),
		subAgents: make(map[string]subAgentSpec),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.summarizer == nil {
		o.summarizer = model
	}
	return o
}

// Run executes the task to completion, retrying whole attempts with failure
// experience when the first pass misses a final answer. The result carries
// the outcome, the answer, and the accumulated source registry.
func (o *Orchestrator) Run(ctx context.Context, task string) Result {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, observability.SpanPipelineRun,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentRole, o.cfg.Role),
			attribute.String(observability.AttrLLMModel, o.model.Model()),
		))
	defer span.End()

	if !o.nested {
		o.formatter.Reset()
		o.emit(ctx, Event{Kind: EventAgentStarted, Agent: o.cfg.Role, Text: task})
	}

	var (
		res       Result
		summaries []string
	)
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		attemptTask := task + BuildFailureExperience(summaries)

		var hist *History
		res, hist = o.runAttempt(ctx, attemptTask)
		res.Attempts = attempt

		if res.Outcome != OutcomeMaxTurns || attempt == o.cfg.MaxAttempts {
			break
		}

		summary, err := o.failurePostMortem(ctx, hist)
		if err != nil {
			slog.Warn("Failure post-mortem failed, retrying without it",
				"agent", o.cfg.Role, "attempt", attempt, "error", err)
			continue
		}
		summaries = append(summaries, summary)
		slog.Info("Retrying task with failure experience",
			"agent", o.cfg.Role, "attempt", attempt+1, "max_attempts", o.cfg.MaxAttempts)
	}

	res.Sources = o.formatter.Registry()

	span.SetAttributes(
		attribute.Int("agent.turns", res.Turns),
		attribute.String("agent.outcome", string(res.Outcome)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	observability.GetGlobalMetrics().RecordPipelineRun(ctx, o.cfg.Role, time.Since(start), res.Turns, res.Err)

	if !o.nested {
		if res.FinalText != "" {
			o.emit(ctx, Event{
				Kind:     EventFinalAnswer,
				Agent:    o.cfg.Role,
				Text:     res.FinalText,
				Boxed:    res.FinalAnswer,
				Registry: res.Sources,
			})
		}
		o.emit(ctx, Event{
			Kind:    EventAgentEnded,
			Agent:   o.cfg.Role,
			Outcome: res.Outcome,
			Message: res.ErrorMessage(),
		})
	}
	return res
}

// runAttempt executes one full research loop and its finalization.
func (o *Orchestrator) runAttempt(ctx context.Context, task string) (Result, *History) {
	catalog := o.visibleCatalog(ctx)
	hist := NewHistory(BuildSystemPrompt(time.Now(), catalog, o.cfg.Role), task)
	queries := newQueryIndex()
	summaryPrompt := SummarizePrompt(o.cfg.Role, task)

	var (
		turnCount            int
		totalCalls           int
		consecutiveRollbacks int
		lastPrompt           int
		lastCompletion       int
		lastBoxed            string
	)

	// rollback erases the bad assistant turn and refunds its turn. A
	// non-nil result aborts the attempt: the loop is stuck.
	rollback := func(reason string) *Result {
		hist.PopAssistant()
		turnCount--
		consecutiveRollbacks++
		slog.Warn("Rolled back turn",
			"agent", o.cfg.Role, "reason", reason, "consecutive", consecutiveRollbacks)
		observability.GetGlobalMetrics().RecordRollback(ctx, reason)
		o.emit(ctx, Event{Kind: EventRollback, Agent: o.cfg.Role, Reason: reason})
		if consecutiveRollbacks >= maxConsecutiveRollbacks {
			return &Result{Outcome: OutcomeTooManyRollbacks, Turns: turnCount}
		}
		return nil
	}

	for {
		if o.cfg.ContextCompressLimit > 0 && !o.nested &&
			turnCount > 0 && turnCount%o.cfg.ContextCompressLimit == 0 {
			if summary, err := compressHistory(ctx, o.summarizer, hist); err != nil {
				slog.Warn("Context compression failed, continuing uncompressed",
					"agent", o.cfg.Role, "error", err)
			} else {
				hist.Compact(BuildCompressedTask(hist.Task(), summary))
				turnCount = 0
				slog.Info("Compacted conversation",
					"agent", o.cfg.Role, "messages", hist.Len(), "summary_chars", len(summary))
			}
		}

		if turnCount >= o.cfg.MaxTurns || totalCalls >= o.cfg.MaxTurns+extraAttemptsBuffer {
			break
		}

		turnCtx, turnSpan := o.tracer.Start(ctx, observability.SpanAgentTurn,
			trace.WithAttributes(attribute.String(observability.AttrAgentRole, o.cfg.Role)))

		o.emit(turnCtx, Event{Kind: EventLLMStarted, Agent: o.cfg.Role})
		completion, err := o.model.Generate(turnCtx, hist.Messages(), 0)
		if err != nil {
			turnSpan.RecordError(err)
			turnSpan.End()
			return Result{
				Outcome: OutcomeFatal,
				Turns:   turnCount,
				Err:     fmt.Errorf("llm call failed on turn %d: %w", turnCount+1, err),
			}, hist
		}
		turnCount++
		totalCalls++
		lastPrompt, lastCompletion = completion.PromptTokens, completion.CompletionTokens

		hist.Append(llm.RoleAssistant, completion.Text)
		o.emit(turnCtx, Event{Kind: EventLLMChunk, Agent: o.cfg.Role, Text: completion.Text})
		o.emit(turnCtx, Event{Kind: EventLLMEnded, Agent: o.cfg.Role, Usage: &TurnUsage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.CompletionTokens,
		}})

		parsed := ParseResponse(completion.Text)
		o.emit(turnCtx, Event{
			Kind:      EventParseResult,
			Agent:     o.cfg.Role,
			ToolCalls: parsed.ToolCalls,
			Boxed:     parsed.Boxed,
		})
		if parsed.Boxed != "" {
			lastBoxed = parsed.Boxed
		}

		// A response with protocol tags but no decodable call cannot be
		// executed; erase it and let the model try again.
		if !parsed.WellFormed() {
			reason := RollbackFormat
			if parsed.ParseErr != nil {
				reason = RollbackParse
			}
			turnSpan.End()
			if aborted := rollback(reason); aborted != nil {
				return *aborted, hist
			}
			continue
		}

		// Refusals are rolled back even when a tool call is present.
		if IsRefusal(completion.Text) {
			turnSpan.End()
			if aborted := rollback(RollbackRefusal); aborted != nil {
				return *aborted, hist
			}
			continue
		}

		// A clean response without a tool call ends the research phase.
		if len(parsed.ToolCalls) == 0 {
			turnSpan.End()
			break
		}

		call := parsed.ToolCalls[0]

		// Verbatim repeats of an executed query are rolled back, unless
		// the loop is one rollback away from aborting; then execution is
		// the cheaper way out.
		if queries.count(call) >= 1 && consecutiveRollbacks < maxConsecutiveRollbacks-1 {
			turnSpan.End()
			if aborted := rollback(RollbackDuplicateQuery); aborted != nil {
				return *aborted, hist
			}
			continue
		}

		o.emit(turnCtx, Event{
			Kind:   EventToolStarted,
			Agent:  o.cfg.Role,
			Server: call.Server,
			Tool:   call.Tool,
			Args:   call.Args,
		})
		result := o.execute(turnCtx, call)

		if result.IsError {
			reason := string(result.ErrorKind)
			if reason == "" {
				reason = string(mcp.ErrorKindServer)
			}
			o.emit(turnCtx, Event{
				Kind:      EventToolFailed,
				Agent:     o.cfg.Role,
				Server:    call.Server,
				Tool:      call.Tool,
				ErrorKind: reason,
				Message:   result.Content,
			})
			turnSpan.End()
			if aborted := rollback(reason); aborted != nil {
				return *aborted, hist
			}
			continue
		}

		consecutiveRollbacks = 0
		queries.record(call)

		framed, registered := o.formatter.FormatResult(call, result)
		var page *PageInfo
		if !strings.HasPrefix(call.Server, subAgentPrefix) && isBrowseTool(call.Tool) {
			page = o.formatter.ResolvePage(call, result)
		}
		o.emit(turnCtx, Event{
			Kind:    EventToolSucceeded,
			Agent:   o.cfg.Role,
			Server:  call.Server,
			Tool:    call.Tool,
			Args:    call.Args,
			Payload: framed,
			Results: registered,
			Page:    page,
		})

		// With the full-history strategy, a result that would blow the
		// context window is dropped together with the call that produced
		// it, and the loop goes straight to finalization.
		if o.cfg.KeepToolResult == -1 &&
			wouldOverflow(o.model, lastPrompt, lastCompletion, framed, summaryPrompt) {
			hist.PopTurnPair()
			turnCount = o.cfg.MaxTurns
			slog.Warn("Context near limit, forcing finalization",
				"agent", o.cfg.Role, "turns", turnCount)
			turnSpan.End()
			break
		}

		hist.Append(llm.RoleUser, framed)

		if o.cfg.KeepToolResult >= 0 {
			if demoted := hist.DemoteToolResults(o.cfg.KeepToolResult); demoted > 0 {
				slog.Debug("Demoted old tool results",
					"agent", o.cfg.Role, "demoted", demoted, "keep", o.cfg.KeepToolResult)
			}
		}
		turnSpan.End()
	}

	reachedMaxTurns := turnCount >= o.cfg.MaxTurns ||
		totalCalls >= o.cfg.MaxTurns+extraAttemptsBuffer
	res := o.finalize(ctx, hist, summaryPrompt, turnCount, reachedMaxTurns, lastBoxed)
	return res, hist
}

// finalize turns the research transcript into the final response and the
// boxed answer.
func (o *Orchestrator) finalize(ctx context.Context, hist *History, summaryPrompt string, turns int, reachedMaxTurns bool, lastBoxed string) Result {
	ctx, span := o.tracer.Start(ctx, observability.SpanFinalization,
		trace.WithAttributes(attribute.String(observability.AttrAgentRole, o.cfg.Role)))
	defer span.End()

	if !o.nested {
		o.emit(ctx, Event{Kind: EventFinalizationStarted, Agent: o.cfg.Role})
	}

	// Under compaction the transcript no longer holds the evidence an
	// answer would need once the budget is gone. Answering would be a
	// guess; report incompleteness and let the retry carry the experience.
	if o.cfg.ContextCompressLimit > 0 && reachedMaxTurns {
		slog.Warn("Turn budget exhausted under compaction, skipping answer generation",
			"agent", o.cfg.Role, "turns", turns)
		return Result{Outcome: OutcomeMaxTurns, FinalText: maxTurnsIncompleteAnswer, Turns: turns}
	}

	hist.PopUser()
	hist.Append(llm.RoleUser, summaryPrompt)

	retries := finalAnswerRetries
	if o.cfg.KeepToolResult != -1 {
		retries = 1
	}

	var finalText, finalBoxed string
	for i := 0; i < retries; i++ {
		completion, err := o.model.Generate(ctx, hist.Messages(), 0)
		if err != nil {
			span.RecordError(err)
			return Result{
				Outcome: OutcomeFatal,
				Turns:   turns,
				Err:     fmt.Errorf("final answer generation failed: %w", err),
			}
		}
		hist.Append(llm.RoleAssistant, completion.Text)
		finalText = completion.Text

		if boxed, ok := ExtractBoxed(completion.Text); ok && boxed != "" {
			finalBoxed = boxed
			break
		}
		slog.Warn("Final response missing boxed answer",
			"agent", o.cfg.Role, "attempt", i+1, "retries", retries)
		hist.PopAssistant()
	}

	if finalText == "" {
		finalText = noAnswerText
	}

	// Without compaction there is no retry loop to lean on, so the last
	// boxed answer seen mid-research beats returning nothing.
	if finalBoxed == "" && o.cfg.ContextCompressLimit == 0 && lastBoxed != "" {
		finalBoxed = lastBoxed
		slog.Info("Falling back to intermediate boxed answer", "agent", o.cfg.Role)
	}

	if finalBoxed == "" {
		return Result{Outcome: OutcomeMaxTurns, FinalText: finalText, Turns: turns}
	}
	return Result{
		Outcome:     OutcomeSuccess,
		FinalAnswer: finalBoxed,
		FinalText:   finalText,
		Turns:       turns,
	}
}

// failurePostMortem compresses a failed attempt into a structured summary
// for the next attempt. The request ends on a primed assistant message so
// the model continues the analysis instead of starting a fresh turn.
func (o *Orchestrator) failurePostMortem(ctx context.Context, hist *History) (string, error) {
	clone := hist.Clone()
	clone.PopUser()
	clone.Append(llm.RoleUser, FailureSummaryPrompt)
	clone.Append(llm.RoleAssistant, FailureSummaryAssistantPrefix)

	completion, err := o.model.Generate(ctx, clone.Messages(), 0)
	if err != nil {
		return "", fmt.Errorf("failure summary generation failed: %w", err)
	}
	summary := StripThinkTags(FailureSummaryAssistantPrefix + completion.Text)
	if summary == "" {
		return "", fmt.Errorf("failure summary came back empty")
	}
	return summary, nil
}

// execute routes a call to a nested agent or to the tool layer.
func (o *Orchestrator) execute(ctx context.Context, call ToolCall) mcp.ToolResult {
	if spec, ok := o.subAgents[call.Server]; ok {
		if call.Tool != subAgentToolName {
			return mcp.ToolResult{
				ToolName:  call.Tool,
				Content:   fmt.Sprintf("Tool '%s' not found on server '%s'.", call.Tool, call.Server),
				IsError:   true,
				ErrorKind: mcp.ErrorKindSchema,
			}
		}
		return o.runSubAgent(ctx, spec, call)
	}
	if strings.HasPrefix(call.Server, subAgentPrefix) {
		return mcp.ToolResult{
			ToolName:  call.Tool,
			Content:   fmt.Sprintf("Server '%s' not found.", call.Server),
			IsError:   true,
			ErrorKind: mcp.ErrorKindSchema,
		}
	}
	return o.tools.Invoke(ctx, call.Server, call.Tool, call.Args)
}

// runSubAgent runs a nested agent over the subtask and folds its report
// back in as a tool result. The nested run shares the sink and the source
// registry but not the outer lifecycle events.
func (o *Orchestrator) runSubAgent(ctx context.Context, spec subAgentSpec, call ToolCall) mcp.ToolResult {
	subtask := strings.TrimSpace(stringArg(call.Args, "subtask"))
	if subtask == "" {
		return mcp.ToolResult{
			ToolName:  call.Tool,
			Content:   "Missing required argument 'subtask'.",
			IsError:   true,
			ErrorKind: mcp.ErrorKindSchema,
		}
	}

	ctx, span := o.tracer.Start(ctx, observability.SpanSubAgent,
		trace.WithAttributes(attribute.String(observability.AttrAgentRole, spec.role)))
	defer span.End()

	o.emit(ctx, Event{Kind: EventSubAgentStarted, Agent: spec.role, Text: subtask})

	keep := 5
	if spec.cfg.KeepToolResult != nil {
		keep = *spec.cfg.KeepToolResult
	}
	nested := &Orchestrator{
		cfg: Config{
			Role:           spec.role,
			MaxTurns:       spec.cfg.MaxTurns,
			KeepToolResult: keep,
			MaxAttempts:    1,
		},
		model:      o.model,
		summarizer: o.summarizer,
		tools:      o.tools,
		formatter:  o.formatter,
		sink:       o.sink,
		tracer:     o.tracer,
		allowed:    spec.allowed,
		nested:     true,
	}
	nested.cfg.setDefaults()

	res := nested.Run(ctx, subtask)
	report := StripThinkTags(res.FinalText)

	if res.Outcome == OutcomeFatal || res.Outcome == OutcomeTooManyRollbacks || report == "" {
		message := res.ErrorMessage()
		if message == "" {
			message = "Sub-agent produced no report."
		}
		o.emit(ctx, Event{Kind: EventSubAgentEnded, Agent: spec.role, Outcome: res.Outcome, Message: message})
		return mcp.ToolResult{
			ToolName:  call.Tool,
			Content:   fmt.Sprintf("Sub-agent '%s' failed: %s", spec.role, message),
			IsError:   true,
			ErrorKind: mcp.ErrorKindServer,
		}
	}

	o.emit(ctx, Event{Kind: EventSubAgentEnded, Agent: spec.role, Text: report, Outcome: res.Outcome})
	return mcp.ToolResult{ToolName: call.Tool, Content: report}
}

// visibleCatalog returns the tool catalog this agent may use, with
// sub-agents appended as synthetic servers on the top-level run.
func (o *Orchestrator) visibleCatalog(ctx context.Context) []mcp.ServerTools {
	catalog := o.tools.Catalog(ctx)
	if o.allowed != nil {
		filtered := make([]mcp.ServerTools, 0, len(catalog))
		for _, server := range catalog {
			if o.allowed[server.Server] {
				filtered = append(filtered, server)
			}
		}
		catalog = filtered
	}

	if !o.nested && len(o.subAgents) > 0 {
		names := make([]string, 0, len(o.subAgents))
		for server := range o.subAgents {
			names = append(names, server)
		}
		sort.Strings(names)
		for _, server := range names {
			catalog = append(catalog, subAgentCatalogEntry(o.subAgents[server]))
		}
	}
	return catalog
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	o.sink.Emit(ctx, ev)
}

// subAgentToolName is the single tool every nested agent exposes.
const subAgentToolName = "search_and_browse"

func subAgentCatalogEntry(spec subAgentSpec) mcp.ServerTools {
	return mcp.ServerTools{
		Server: spec.server,
		Tools: []mcp.ToolInfo{{
			Name: subAgentToolName,
			Description: "Dispatch a focused research subtask to a nested agent that searches " +
				"and browses the web on its own, then returns a structured report of its findings. " +
				"Use this for self-contained questions that need several searches to resolve.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subtask": map[string]any{
						"type": "string",
						"description": "A single, self-contained research subtask. Include all " +
							"context the agent needs; it cannot see this conversation.",
					},
				},
				"required": []string{"subtask"},
			},
		}},
	}
}

// isBrowseTool reports whether a tool fetches a page, for page-metadata
// resolution on the event stream.
func isBrowseTool(tool string) bool {
	return strings.Contains(tool, "scrape") ||
		strings.Contains(tool, "browse") ||
		strings.Contains(tool, "fetch")
}
