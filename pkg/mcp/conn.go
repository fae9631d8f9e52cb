package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/httpclient"
)

const (
	// protocolVersion is the MCP revision spoken during initialize.
	protocolVersion = "2024-11-05"

	// defaultSSETimeout bounds reading a single SSE-framed response.
	defaultSSETimeout = 5 * time.Minute

	// httpMaxRetries is the retry budget for JSON-RPC requests.
	httpMaxRetries = 3
)

// serverConn is one configured tool server with a lazily established
// connection. stdio servers run as subprocesses through mcp-go; http and sse
// servers are spoken to with JSON-RPC over the retrying HTTP client, which
// handles both plain JSON and SSE-framed responses.
type serverConn struct {
	name          string
	cfg           *config.ToolConfig
	clientName    string
	clientVersion string
	disabled      map[string]bool

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	tools     []ToolInfo
	connected bool

	// sessionID carries the streamable-http session between requests.
	sessionMu sync.RWMutex
	sessionID string

	requestID atomic.Int64
}

func newServerConn(name string, cfg *config.ToolConfig, clientName, clientVersion string) *serverConn {
	var disabled map[string]bool
	if len(cfg.DisabledTools) > 0 {
		disabled = make(map[string]bool, len(cfg.DisabledTools))
		for _, tool := range cfg.DisabledTools {
			disabled[tool] = true
		}
	}
	return &serverConn{
		name:          name,
		cfg:           cfg,
		clientName:    clientName,
		clientVersion: clientVersion,
		disabled:      disabled,
	}
}

// ensure establishes the connection on first use.
func (s *serverConn) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	var err error
	if s.cfg.Transport == config.TransportStdio {
		err = s.connectStdio(ctx)
	} else {
		err = s.connectHTTP(ctx)
	}
	if err != nil {
		return err
	}

	s.connected = true
	return nil
}

// connectStdio launches the server subprocess and performs the MCP
// handshake through mcp-go. Caller holds s.mu.
func (s *serverConn) connectStdio(ctx context.Context) error {
	cli, err := client.NewStdioMCPClient(s.cfg.Command, s.cfg.Env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    s.clientName,
		Version: s.clientVersion,
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := cli.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]ToolInfo, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}

	s.stdio = cli
	s.tools = tools

	slog.Info("Connected to MCP server",
		"server", s.name,
		"transport", "stdio",
		"command", s.cfg.Command,
		"tools", len(tools),
	)
	return nil
}

// connectHTTP performs the MCP handshake over JSON-RPC. Caller holds s.mu.
func (s *serverConn) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: s.cfg.Timeout}),
		httpclient.WithMaxRetries(httpMaxRetries),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := s.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    s.clientName,
			"version": s.clientVersion,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", initResp.Error.Message)
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	tools := make([]ToolInfo, 0, len(rawTools))
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, ToolInfo{Name: name, Description: desc, InputSchema: schema})
	}

	s.tools = tools

	slog.Info("Connected to MCP server",
		"server", s.name,
		"transport", s.cfg.Transport,
		"endpoint", s.cfg.Endpoint,
		"tools", len(tools),
	)
	return nil
}

// visibleTools returns the catalog entries minus the disabled set.
func (s *serverConn) visibleTools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		if s.disabled[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// hasTool reports whether the server advertises the tool and it is not
// disabled. Disabled tools are treated as if the server never listed them.
func (s *serverConn) hasTool(name string) bool {
	if s.disabled[name] {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// call invokes one tool and returns the joined text content plus the
// server-reported error flag. Only text blocks contribute to the content;
// image and resource blocks are dropped.
func (s *serverConn) call(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	if s.cfg.Transport == config.TransportStdio {
		return s.callStdio(ctx, tool, args)
	}
	return s.callHTTP(ctx, tool, args)
}

func (s *serverConn) callStdio(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	s.mu.Lock()
	cli := s.stdio
	s.mu.Unlock()

	if cli == nil {
		return "", false, fmt.Errorf("MCP client not connected")
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	resp, err := cli.CallTool(ctx, req)
	if err != nil {
		return "", false, err
	}

	var texts []string
	for _, block := range resp.Content {
		if text, ok := block.(mcpgo.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	return strings.Join(texts, "\n"), resp.IsError, nil
}

func (s *serverConn) callHTTP(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	resp, err := s.rpc(ctx, "tools/call", map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return "", false, err
	}
	if resp.Error != nil {
		return "", false, &rpcCallError{code: resp.Error.Code, message: resp.Error.Message}
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return "", false, fmt.Errorf("unexpected result type from tools/call")
	}

	isError, _ := resultMap["isError"].(bool)
	var texts []string
	if blocks, ok := resultMap["content"].([]any); ok {
		for _, raw := range blocks {
			m, ok := raw.(map[string]any)
			if !ok || m["type"] != "text" {
				continue
			}
			if text, ok := m["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	return strings.Join(texts, "\n"), isError, nil
}

// JSON-RPC framing for the http and sse transports.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcCallError is a JSON-RPC level failure from tools/call, kept typed so
// invalid-params and unknown-tool codes can be told apart from server faults.
type rpcCallError struct {
	code    int
	message string
}

func (e *rpcCallError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.code, e.message)
}

// rpc sends one JSON-RPC request and decodes the response, transparently
// handling SSE-framed replies and the streamable-http session header.
func (s *serverConn) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		slog.Debug("MCP request failed",
			"server", s.name,
			"method", method,
			"error", err.Error(),
		)
		return nil, err
	}

	if id := resp.Header.Get("mcp-session-id"); id != "" {
		s.sessionMu.Lock()
		s.sessionID = id
		s.sessionMu.Unlock()
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return s.readSSE(resp)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// readSSE reads the first complete JSON-RPC response from an SSE stream.
// Servers using the streamable-http transport may answer a POST with an
// event stream carrying a single response event.
func (s *serverConn) readSSE(resp *http.Response) (*rpcResponse, error) {
	type outcome struct {
		resp *rpcResponse
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("MCP event stream read error", "server", s.name, "error", err)
				}
				break
			}
			line = strings.TrimSpace(line)

			// Blank line ends the event.
			if line == "" {
				if data.Len() > 0 {
					var out rpcResponse
					if err := json.Unmarshal([]byte(data.String()), &out); err == nil {
						ch <- outcome{resp: &out}
						return
					}
					data.Reset()
				}
				continue
			}

			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(rest))
			}
		}

		if data.Len() > 0 {
			var out rpcResponse
			if err := json.Unmarshal([]byte(data.String()), &out); err == nil {
				ch <- outcome{resp: &out}
				return
			}
		}
		ch <- outcome{err: fmt.Errorf("event stream ended without a complete response")}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-time.After(defaultSSETimeout):
		// Unblocks the reader goroutine.
		resp.Body.Close()
		return nil, fmt.Errorf("timeout reading event stream after %v", defaultSSETimeout)
	}
}

// close shuts the connection down. The stdio subprocess is terminated; HTTP
// connections need no teardown beyond dropping the client.
func (s *serverConn) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.stdio != nil {
		err = s.stdio.Close()
		s.stdio = nil
	}
	s.http = nil
	s.tools = nil
	s.connected = false
	return err
}

// schemaToMap converts an mcp-go input schema into a plain map for catalog
// rendering via a marshal round-trip.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
