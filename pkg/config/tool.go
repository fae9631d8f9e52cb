package config

import (
	"fmt"
	"net/url"
	"time"
)

// ToolTransport selects how an MCP server is reached.
type ToolTransport string

const (
	// TransportHTTP is MCP streamable HTTP.
	TransportHTTP ToolTransport = "http"
	// TransportSSE is the legacy MCP SSE transport.
	TransportSSE ToolTransport = "sse"
	// TransportStdio launches a local MCP server process.
	TransportStdio ToolTransport = "stdio"
)

// DefaultMaxResultSize caps tool result text in demo mode.
const DefaultMaxResultSize = 100_000

// ToolConfig configures one MCP tool server.
type ToolConfig struct {
	// Enabled toggles the server. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Whether this server is connected,default=true"`

	// Transport is how the server is reached (http, sse, stdio).
	Transport ToolTransport `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,description=MCP transport,enum=http,enum=sse,enum=stdio,default=http"`

	// Endpoint is the server URL for http/sse transports.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" jsonschema:"title=Endpoint,description=Server URL (http/sse transports)"`

	// Command launches the server for the stdio transport.
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command,description=Executable (stdio transport)"`

	// Args are passed to Command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args,description=Arguments for Command"`

	// Env sets environment variables for the stdio process, KEY=VALUE.
	Env []string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Env,description=Environment for the stdio process"`

	// Headers are sent on every http/sse request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" jsonschema:"title=Headers,description=Extra HTTP headers"`

	// Timeout per tool call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-call timeout,default=120s"`

	// DisabledTools hides individual tools from the catalog.
	DisabledTools []string `yaml:"disabled_tools,omitempty" json:"disabled_tools,omitempty" jsonschema:"title=Disabled Tools,description=Tool names hidden from the catalog"`

	// MaxResultSize caps result text in demo mode, in characters.
	MaxResultSize int `yaml:"max_result_size,omitempty" json:"max_result_size,omitempty" jsonschema:"title=Max Result Size,description=Demo-mode truncation cap in characters,default=100000"`
}

// SetDefaults applies defaults.
func (c *ToolConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxResultSize == 0 {
		c.MaxResultSize = DefaultMaxResultSize
	}
}

// IsEnabled reports whether the server should be connected.
func (c *ToolConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the tool server configuration.
func (c *ToolConfig) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportSSE:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for %s transport", c.Transport)
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint %q", c.Endpoint)
		}
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (valid: http, sse, stdio)", c.Transport)
	}
	if c.MaxResultSize < 0 {
		return fmt.Errorf("max_result_size must be >= 0")
	}
	return nil
}
