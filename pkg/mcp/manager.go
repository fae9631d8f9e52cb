// Package mcp connects the agent to its tool servers over the Model Context
// Protocol. A Manager owns one lazily connected client per configured server
// and folds every failure mode into a classified ToolResult instead of a Go
// error, because the conversation loop needs failed calls as conversation
// content, not as aborts.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/httpclient"
	"github.com/veritylab/trawl/pkg/observability"
)

// Manager routes tool calls to their servers.
type Manager struct {
	clientName    string
	clientVersion string
	demoMode      bool
	tracer        trace.Tracer
	servers       map[string]*serverConn
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientInfo sets the name and version announced during the MCP
// handshake.
func WithClientInfo(name, version string) Option {
	return func(m *Manager) {
		m.clientName = name
		m.clientVersion = version
	}
}

// WithDemoMode enables truncation of oversized tool results.
func WithDemoMode(enabled bool) Option {
	return func(m *Manager) {
		m.demoMode = enabled
	}
}

// WithTracer sets the tracer for tool execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// NewManager creates a manager for the enabled servers in cfg. Connections
// are established lazily on first catalog load or invocation.
func NewManager(cfg map[string]*config.ToolConfig, opts ...Option) *Manager {
	m := &Manager{
		clientName:    "trawl",
		clientVersion: "dev",
		tracer:        noop.NewTracerProvider().Tracer("mcp"),
		servers:       make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(m)
	}

	for name, sc := range cfg {
		if sc == nil || !sc.IsEnabled() {
			continue
		}
		m.servers[name] = newServerConn(name, sc, m.clientName, m.clientVersion)
	}
	return m
}

// Servers returns the configured server names in sorted order.
func (m *Manager) Servers() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog connects every configured server that is not yet connected and
// returns their visible tools, sorted by server name. An unreachable server
// is logged and skipped so one broken server does not take the whole catalog
// down; invoking it later reports the failure in-band.
func (m *Manager) Catalog(ctx context.Context) []ServerTools {
	out := make([]ServerTools, 0, len(m.servers))
	for _, name := range m.Servers() {
		conn := m.servers[name]
		if err := conn.ensure(ctx); err != nil {
			slog.Warn("Skipping unreachable MCP server", "server", name, "error", err)
			continue
		}
		out = append(out, ServerTools{Server: name, Tools: conn.visibleTools()})
	}
	return out
}

// Invoke runs one tool call. Failures never surface as Go errors: they come
// back in the ToolResult with IsError set and ErrorKind classifying them.
// The per-call timeout from the server's configuration is applied here.
func (m *Manager) Invoke(ctx context.Context, server, tool string, args map[string]any) ToolResult {
	ctx, span := m.tracer.Start(ctx, observability.SpanToolExecution, trace.WithAttributes(
		attribute.String(observability.AttrToolServer, server),
		attribute.String(observability.AttrToolName, tool),
	))
	defer span.End()

	start := time.Now()
	result := m.invoke(ctx, server, tool, args)

	var callErr error
	if result.IsError {
		callErr = fmt.Errorf("%s: %s", result.ErrorKind, result.Content)
		span.SetStatus(codes.Error, string(result.ErrorKind))
		span.SetAttributes(attribute.String(observability.AttrErrorType, string(result.ErrorKind)))
	}
	observability.GetGlobalMetrics().RecordToolExecution(ctx, server, tool, time.Since(start), callErr)

	return result
}

func (m *Manager) invoke(ctx context.Context, server, tool string, args map[string]any) ToolResult {
	conn, ok := m.servers[server]
	if !ok {
		return errorResult(tool, ErrorKindSchema, fmt.Sprintf("Server '%s' not found.", server))
	}

	if err := conn.ensure(ctx); err != nil {
		return errorResult(tool, classifyCallError(err), err.Error())
	}

	if !conn.hasTool(tool) {
		return errorResult(tool, ErrorKindSchema, fmt.Sprintf("Tool '%s' not found on server '%s'.", tool, server))
	}

	callCtx := ctx
	if conn.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, conn.cfg.Timeout)
		defer cancel()
	}

	content, isError, err := conn.call(callCtx, tool, args)
	if err != nil {
		return errorResult(tool, classifyCallError(err), err.Error())
	}
	if isError {
		return errorResult(tool, classifyReportedError(content), m.truncate(conn, content))
	}

	return ToolResult{
		ToolName:  tool,
		Content:   m.truncate(conn, content),
		ErrorKind: ErrorKindNone,
	}
}

// Close shuts down every server connection.
func (m *Manager) Close() error {
	var errs []error
	for name, conn := range m.servers {
		if err := conn.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// truncate enforces the demo-mode result cap. The cap counts characters, not
// bytes, so multi-byte output is never split mid-rune.
func (m *Manager) truncate(conn *serverConn, content string) string {
	if !m.demoMode {
		return content
	}
	limit := conn.cfg.MaxResultSize
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}
	return string([]rune(content)[:limit]) + TruncationMarker
}

func errorResult(tool string, kind ErrorKind, content string) ToolResult {
	return ToolResult{ToolName: tool, Content: content, IsError: true, ErrorKind: kind}
}

// classifyCallError maps a Go-level call failure onto an ErrorKind.
func classifyCallError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	var rpcErr *rpcCallError
	if errors.As(err, &rpcErr) {
		// -32601 method not found, -32602 invalid params.
		switch rpcErr.code {
		case -32601, -32602:
			return ErrorKindSchema
		}
		return ErrorKindServer
	}
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		if retryErr.StatusCode == http.StatusTooManyRequests {
			return ErrorKindRateLimited
		}
		return ErrorKindTransport
	}
	return ErrorKindTransport
}

// classifyReportedError maps a tool-reported error message onto an
// ErrorKind. Tools report failures as plain text, so this goes by wording.
func classifyReportedError(content string) ErrorKind {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "429"):
		return ErrorKindRateLimited
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return ErrorKindTimeout
	}
	return ErrorKindServer
}
