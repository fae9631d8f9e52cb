package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/httpclient"
)

type rpcCall struct {
	Method    string
	SessionID string
	Params    map[string]any
}

// fakeMCPServer speaks enough JSON-RPC to stand in for a streamable-http
// MCP server. onCall produces the result object for tools/call requests.
type fakeMCPServer struct {
	*httptest.Server

	tools  []map[string]any
	onCall func(name string, args map[string]any) map[string]any

	mu    sync.Mutex
	calls []rpcCall
}

func newFakeMCPServer(t *testing.T, tools []map[string]any, onCall func(string, map[string]any) map[string]any) *fakeMCPServer {
	t.Helper()

	f := &fakeMCPServer{tools: tools, onCall: onCall}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.calls = append(f.calls, rpcCall{
			Method:    req.Method,
			SessionID: r.Header.Get("mcp-session-id"),
			Params:    req.Params,
		})
		f.mu.Unlock()

		var result map[string]any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": f.tools}
		case "tools/call":
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]any)
			result = f.onCall(name, args)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("mcp-session-id", "sess-1")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeMCPServer) recordedCalls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rpcCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
}

func errorTextResult(text string) map[string]any {
	result := textResult(text)
	result["isError"] = true
	return result
}

func searchTools() []map[string]any {
	return []map[string]any{
		{
			"name":        "search",
			"description": "Web search",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
			},
		},
		{
			"name":        "scrape",
			"description": "Fetch a page",
			"inputSchema": map[string]any{"type": "object"},
		},
	}
}

func httpToolConfig(endpoint string) *config.ToolConfig {
	return &config.ToolConfig{
		Transport:     config.TransportHTTP,
		Endpoint:      endpoint,
		Timeout:       5 * time.Second,
		MaxResultSize: config.DefaultMaxResultSize,
	}
}

func TestInvoke(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(name string, args map[string]any) map[string]any {
		assert.Equal(t, "search", name)
		assert.Equal(t, "golang", args["q"])
		return textResult("three results")
	})

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(fake.URL)})
	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "golang"})

	assert.False(t, result.IsError)
	assert.Equal(t, ErrorKindNone, result.ErrorKind)
	assert.Equal(t, "search", result.ToolName)
	assert.Equal(t, "three results", result.Content)

	// The session ID handed out on initialize must ride every later request.
	calls := fake.recordedCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, "initialize", calls[0].Method)
	assert.Equal(t, "tools/list", calls[1].Method)
	assert.Equal(t, "tools/call", calls[2].Method)
	assert.Empty(t, calls[0].SessionID)
	assert.Equal(t, "sess-1", calls[1].SessionID)
	assert.Equal(t, "sess-1", calls[2].SessionID)
}

func TestInvokeUnknownServer(t *testing.T) {
	m := NewManager(map[string]*config.ToolConfig{})
	result := m.Invoke(context.Background(), "missing", "search", nil)

	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindSchema, result.ErrorKind)
	assert.Equal(t, "Server 'missing' not found.", result.Content)
}

func TestInvokeDisabledServer(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("never reached")
	})

	cfg := httpToolConfig(fake.URL)
	cfg.Enabled = config.BoolPtr(false)
	m := NewManager(map[string]*config.ToolConfig{"tool-search": cfg})

	result := m.Invoke(context.Background(), "tool-search", "search", nil)
	assert.Equal(t, ErrorKindSchema, result.ErrorKind)
	assert.Equal(t, "Server 'tool-search' not found.", result.Content)
	assert.Empty(t, fake.recordedCalls())
}

func TestInvokeUnknownTool(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("never reached")
	})

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(fake.URL)})
	result := m.Invoke(context.Background(), "tool-search", "summarize", nil)

	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindSchema, result.ErrorKind)
	assert.Equal(t, "Tool 'summarize' not found on server 'tool-search'.", result.Content)
}

func TestInvokeDisabledToolHidden(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("never reached")
	})

	cfg := httpToolConfig(fake.URL)
	cfg.DisabledTools = []string{"scrape"}
	m := NewManager(map[string]*config.ToolConfig{"tool-search": cfg})

	catalog := m.Catalog(context.Background())
	require.Len(t, catalog, 1)
	require.Len(t, catalog[0].Tools, 1)
	assert.Equal(t, "search", catalog[0].Tools[0].Name)

	result := m.Invoke(context.Background(), "tool-search", "scrape", map[string]any{"url": "https://example.com"})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindSchema, result.ErrorKind)
}

func TestInvokeToolReportedError(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return errorTextResult("upstream returned 500")
	})

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(fake.URL)})
	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})

	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindServer, result.ErrorKind)
	assert.Equal(t, "upstream returned 500", result.Content)
}

func TestInvokeRateLimitedReportedError(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return errorTextResult("429 Too Many Requests from upstream search API")
	})

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(fake.URL)})
	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})

	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindRateLimited, result.ErrorKind)
}

func TestInvokeTimeout(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		time.Sleep(300 * time.Millisecond)
		return textResult("too late")
	})

	cfg := httpToolConfig(fake.URL)
	cfg.Timeout = 50 * time.Millisecond
	m := NewManager(map[string]*config.ToolConfig{"tool-search": cfg})

	// Connect eagerly so only the call itself races the deadline.
	require.Len(t, m.Catalog(context.Background()), 1)

	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})
	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindTimeout, result.ErrorKind)
}

func TestInvokeTransportFailure(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("unused")
	})
	endpoint := fake.URL
	fake.Close()

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(endpoint)})
	result := m.Invoke(context.Background(), "tool-search", "search", nil)

	assert.True(t, result.IsError)
	assert.Equal(t, ErrorKindTransport, result.ErrorKind)
	assert.NotEmpty(t, result.Content)
}

func TestInvokeTruncation(t *testing.T) {
	long := strings.Repeat("x", 500)
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult(long)
	})

	cfg := httpToolConfig(fake.URL)
	cfg.MaxResultSize = 100

	t.Run("demo_mode_truncates", func(t *testing.T) {
		m := NewManager(map[string]*config.ToolConfig{"tool-search": cfg}, WithDemoMode(true))
		result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})

		require.False(t, result.IsError)
		assert.True(t, strings.HasSuffix(result.Content, TruncationMarker))
		assert.Equal(t, strings.Repeat("x", 100)+TruncationMarker, result.Content)
	})

	t.Run("normal_mode_passes_through", func(t *testing.T) {
		m := NewManager(map[string]*config.ToolConfig{"tool-search": cfg})
		result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})

		require.False(t, result.IsError)
		assert.Equal(t, long, result.Content)
	})
}

func TestCatalog(t *testing.T) {
	alpha := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("a")
	})
	beta := newFakeMCPServer(t, []map[string]any{
		{"name": "read_file", "description": "Read a file", "inputSchema": map[string]any{"type": "object"}},
	}, func(string, map[string]any) map[string]any {
		return textResult("b")
	})

	m := NewManager(map[string]*config.ToolConfig{
		"tool-search": httpToolConfig(alpha.URL),
		"tool-file":   httpToolConfig(beta.URL),
	})

	catalog := m.Catalog(context.Background())
	require.Len(t, catalog, 2)
	assert.Equal(t, "tool-file", catalog[0].Server)
	assert.Equal(t, "tool-search", catalog[1].Server)
	assert.Equal(t, "read_file", catalog[0].Tools[0].Name)
	assert.Equal(t, "Web search", catalog[1].Tools[0].Description)
	assert.Equal(t, "object", catalog[1].Tools[0].InputSchema["type"])
}

func TestCatalogSkipsUnreachableServer(t *testing.T) {
	alive := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("a")
	})
	dead := newFakeMCPServer(t, nil, nil)
	deadEndpoint := dead.URL
	dead.Close()

	m := NewManager(map[string]*config.ToolConfig{
		"tool-search": httpToolConfig(alive.URL),
		"tool-dead":   httpToolConfig(deadEndpoint),
	})

	assert.Equal(t, []string{"tool-dead", "tool-search"}, m.Servers())

	catalog := m.Catalog(context.Background())
	require.Len(t, catalog, 1)
	assert.Equal(t, "tool-search", catalog[0].Server)
}

func TestInvokeSSEFramedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var result map[string]any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": protocolVersion}
		case "tools/list":
			result = map[string]any{"tools": searchTools()}
		case "tools/call":
			result = textResult("streamed answer")
		}

		payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
	}))
	t.Cleanup(srv.Close)

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(srv.URL)})
	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})

	assert.False(t, result.IsError)
	assert.Equal(t, "streamed answer", result.Content)
}

func TestClassifyCallError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"wrapped_deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorKindTimeout},
		{"invalid_params", &rpcCallError{code: -32602, message: "invalid params"}, ErrorKindSchema},
		{"method_not_found", &rpcCallError{code: -32601, message: "no such method"}, ErrorKindSchema},
		{"internal_rpc_error", &rpcCallError{code: -32603, message: "boom"}, ErrorKindServer},
		{"rate_limited", &httpclient.RetryableError{StatusCode: http.StatusTooManyRequests, Message: "max HTTP retries (3) exceeded"}, ErrorKindRateLimited},
		{"service_unavailable", &httpclient.RetryableError{StatusCode: http.StatusServiceUnavailable, Message: "max HTTP retries (3) exceeded"}, ErrorKindTransport},
		{"plain_failure", errors.New("connection refused"), ErrorKindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCallError(tt.err))
		})
	}
}

func TestClassifyReportedError(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    ErrorKind
	}{
		{"rate_limit_text", "Rate limit exceeded, slow down", ErrorKindRateLimited},
		{"too_many_requests", "got Too Many Requests", ErrorKindRateLimited},
		{"status_429", "HTTP 429 from upstream", ErrorKindRateLimited},
		{"timed_out", "request timed out after 30s", ErrorKindTimeout},
		{"deadline", "context deadline exceeded", ErrorKindTimeout},
		{"generic", "scrape failed: page requires login", ErrorKindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyReportedError(tt.content))
		})
	}
}

func TestManagerClose(t *testing.T) {
	fake := newFakeMCPServer(t, searchTools(), func(string, map[string]any) map[string]any {
		return textResult("ok")
	})

	m := NewManager(map[string]*config.ToolConfig{"tool-search": httpToolConfig(fake.URL)})
	require.False(t, m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"}).IsError)
	require.NoError(t, m.Close())

	// Closed managers reconnect on the next call rather than failing.
	result := m.Invoke(context.Background(), "tool-search", "search", map[string]any{"q": "x"})
	assert.False(t, result.IsError)
}
