package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritylab/trawl/pkg/agent"
	"github.com/veritylab/trawl/pkg/auth"
	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/llm"
	"github.com/veritylab/trawl/pkg/observability"
)

const (
	// eventBuffer sizes the per-task event channel.
	eventBuffer = 64
	// heartbeatInterval paces keep-alive comments on quiet streams.
	heartbeatInterval = 15 * time.Second
)

// Server is the trawl HTTP surface: the two chat-completions endpoints,
// the health probe, and optionally the Prometheus scrape handler. It owns
// the pipeline pool and shuts it down with the listener.
type Server struct {
	cfg       *config.Config
	pool      *Pool
	folder    *HistoryFolder
	validator *auth.Validator
	obs       *observability.Manager
	tracer    trace.Tracer

	buildRunner func(int) (Runner, error)

	httpSrv     *http.Server
	tasksCtx    context.Context
	cancelTasks context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithRunnerFactory replaces pipeline construction (tests).
func WithRunnerFactory(build func(int) (Runner, error)) Option {
	return func(s *Server) { s.buildRunner = build }
}

// WithObservabilityManager replaces the observability stack (tests).
func WithObservabilityManager(m *observability.Manager) Option {
	return func(s *Server) { s.obs = m }
}

// WithHistoryFolder replaces the history folder (tests).
func WithHistoryFolder(f *HistoryFolder) Option {
	return func(s *Server) { s.folder = f }
}

// New builds the server from a validated configuration: observability,
// auth, the summarizer behind history folding, and the pipeline pool.
// Pipelines are built eagerly, so New fails fast on broken tool or LLM
// configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.obs == nil {
		obs := observability.NewManager(observability.Config{
			Tracing: observability.TracerConfig{
				Enabled:      cfg.Observability.Tracing.Enabled,
				ExporterType: cfg.Observability.Tracing.Exporter,
				EndpointURL:  cfg.Observability.Tracing.EndpointURL,
				SamplingRate: cfg.Observability.Tracing.SamplingRate,
				ServiceName:  cfg.Observability.Tracing.ServiceName,
			},
			Metrics: observability.MetricsConfig{Enabled: cfg.Observability.IsMetricsEnabled()},
		})
		if err := obs.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize observability: %w", err)
		}
		s.obs = obs
	}
	s.tracer = s.obs.GetTracer("server")

	validator, err := auth.NewValidator(ctx, &cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	s.validator = validator

	if s.buildRunner == nil {
		pipelineTracer := s.obs.GetTracer("pipeline")
		s.buildRunner = func(int) (Runner, error) {
			return agent.NewPipeline(cfg, agent.WithPipelineTracer(pipelineTracer))
		}
	}
	pool, err := NewPool(cfg.Pool.PipelinePoolSize, cfg.Pool.MaxConcurrentRequests, s.buildRunner)
	if err != nil {
		return nil, fmt.Errorf("build pipeline pool: %w", err)
	}
	s.pool = pool

	if s.folder == nil {
		zero := 0.0
		summarizer := llm.NewClient(llm.Config{
			BaseURL:          cfg.SummaryLLM.BaseURL,
			APIKey:           cfg.SummaryLLM.APIKey,
			Model:            cfg.SummaryLLM.Model,
			MaxTokens:        cfg.SummaryLLM.MaxTokens,
			MaxContextLength: cfg.LLM.MaxContextLength,
			Temperature:      &zero,
			Timeout:          cfg.SummaryLLM.Timeout,
			MaxRetries:       cfg.LLM.MaxRetries,
			RetryDelay:       cfg.LLM.RetryDelay,
		}, llm.WithTracer(s.tracer))
		s.folder = NewHistoryFolder(cfg.History, cfg.SummaryLLM.Model, summarizer)
	}

	// Request contexts derive from tasksCtx so expired-grace shutdown can
	// cancel in-flight tasks.
	s.tasksCtx, s.cancelTasks = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.tasksCtx },
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMiddleware(s.tracer, s.obs.GetMetrics()))
	r.Get("/health", s.handleHealth)
	if s.cfg.Observability.IsMetricsEnabled() {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))
		r.Post("/v1/chat/completions", s.handleChat(1))
		r.Post("/v2/chat/completions", s.handleChat(2))
	})
	return r
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveRequests int64  `json:"active_requests"`
	PoolSize       int    `json:"pool_size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		ActiveRequests: s.pool.Active(),
		PoolSize:       s.pool.Size(),
	})
}

// handleChat serves one chat-completions request for the given adapter
// version.
func (s *Server) handleChat(version int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "",
				fmt.Sprintf("invalid request body: %v", err))
			return
		}
		task := s.folder.Fold(r.Context(), req.Messages)
		if task == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "", "No user message found")
			return
		}
		model := req.Model
		if model == "" {
			model = DefaultModelName
		}

		runner, err := s.pool.Acquire(r.Context())
		if err != nil {
			if errors.Is(err, ErrPoolClosed) {
				writeError(w, http.StatusServiceUnavailable, "service_unavailable", "",
					"server is shutting down")
				return
			}
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", "",
				fmt.Sprintf("no pipeline available: %v", err))
			return
		}
		defer s.pool.Release(runner)

		if req.Stream {
			s.streamCompletion(w, r, version, runner, task, model)
			return
		}
		s.blockingCompletion(w, r, runner, task, model)
	}
}

// streamCompletion runs the task and renders its event stream over SSE.
// The response always terminates with a finish_reason chunk and [DONE],
// failed tasks included; a dead client stops writes but the loop keeps
// draining so the pipeline can unwind.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, version int, runner Runner, task, model string) {
	sse := newSSEWriter(w)
	sse.prepare()
	w.WriteHeader(http.StatusOK)

	out := &chunkStream{sse: sse, id: newCompletionID(), model: model}
	var adapter streamAdapter
	if version == 2 {
		adapter = newAdapterV2(out)
	} else {
		adapter = newAdapterV1(out)
	}

	writeOK := out.role() == nil

	taskCtx := r.Context()
	if s.cfg.Server.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, s.cfg.Server.TaskTimeout)
		defer cancel()
	}

	sink := agent.NewSink(eventBuffer)
	var res agent.Result
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		res = runner.Run(taskCtx, task, sink)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	events := sink.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			heartbeat.Reset(heartbeatInterval)
			if writeOK {
				if err := adapter.handle(ev); err != nil {
					writeOK = false
					slog.Debug("Stream write failed, draining remaining events", "error", err)
				}
			}
		case <-heartbeat.C:
			if writeOK && sse.comment("heartbeat") != nil {
				writeOK = false
			}
		}
	}
	<-runDone
	if !writeOK {
		return
	}
	if adapter.finish(res) != nil {
		return
	}
	if out.finishStop() != nil {
		return
	}
	_ = sse.done()
}

// blockingCompletion runs the task to completion and returns a single
// response with aggregated token usage.
func (s *Server) blockingCompletion(w http.ResponseWriter, r *http.Request, runner Runner, task, model string) {
	taskCtx := r.Context()
	if s.cfg.Server.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, s.cfg.Server.TaskTimeout)
		defer cancel()
	}

	sink := agent.NewSink(eventBuffer)
	var res agent.Result
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		res = runner.Run(taskCtx, task, sink)
	}()

	var usage UsageInfo
	for ev := range sink.Events() {
		if ev.Kind == agent.EventLLMEnded && ev.Usage != nil {
			usage.PromptTokens += ev.Usage.PromptTokens
			usage.CompletionTokens += ev.Usage.CompletionTokens
		}
	}
	<-runDone
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ResponseChoice{{
			Index:        0,
			Message:      ResponseMessage{Role: "assistant", Content: blockingContent(res)},
			FinishReason: "stop",
		}},
		Usage: usage,
	})
}

// blockingContent renders the non-streaming message body: the cleaned
// answer, or an error note when the task produced none.
func blockingContent(res agent.Result) string {
	text := res.FinalAnswer
	if text == "" {
		text = agent.StripThinkTags(res.FinalText)
	}
	if text != "" {
		clean, _ := extractCitations(text)
		return clean
	}
	msg := res.ErrorMessage()
	if msg == "" {
		msg = "Task produced no answer."
	}
	return fmt.Sprintf("\n\n❌ **Error:** %s\n\n", msg)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	slog.Info("Server listening", "addr", ln.Addr().String(),
		"pool_size", s.pool.Size(), "max_concurrent", s.cfg.Pool.MaxConcurrentRequests)

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	return s.shutdown()
}

// shutdown drains gracefully: reject new acquisitions, give running tasks
// the configured grace period, then cancel stragglers and close the pool.
func (s *Server) shutdown() error {
	grace := s.cfg.Server.ShutdownGrace
	slog.Info("Shutting down", "grace", grace, "active", s.pool.Active())
	s.pool.RejectNew()

	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := s.httpSrv.Shutdown(graceCtx); err != nil &&
			!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			slog.Debug("HTTP shutdown", "error", err)
		}
	}()

	if err := s.pool.WaitIdle(graceCtx); err != nil {
		slog.Warn("Grace period expired, cancelling active tasks", "active", s.pool.Active())
	}
	s.cancelTasks()
	<-shutdownDone
	s.httpSrv.Close()

	err := s.pool.Close()
	if obsErr := s.obs.Shutdown(context.Background()); obsErr != nil && err == nil {
		err = obsErr
	}
	return err
}

// apiError is the OpenAI-style error envelope body.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Message: message, Type: errType, Code: code}})
}
