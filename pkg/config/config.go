// Package config defines the trawl configuration tree and its loading
// pipeline: raw bytes → YAML parse → env expansion → mapstructure decode →
// env-key overrides → defaults → validation.
package config

import (
	"fmt"
)

// Config is the root configuration for a trawl deployment.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP server settings"`

	// Auth configures optional JWT bearer authentication.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth,description=JWT bearer authentication"`

	// LLM configures the primary chat-completions endpoint.
	LLM LLMConfig `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=Primary LLM endpoint"`

	// SummaryLLM configures the summarizer endpoint. Unset fields fall back
	// to the primary LLM.
	SummaryLLM SummaryLLMConfig `yaml:"summary_llm,omitempty" json:"summary_llm,omitempty" jsonschema:"title=Summary LLM,description=Summarizer endpoint"`

	// Agent configures the orchestrator loop and sub-agents.
	Agent AgentsConfig `yaml:"agent,omitempty" json:"agent,omitempty" jsonschema:"title=Agent,description=Orchestrator settings"`

	// Tools maps tool server names to their MCP connection settings.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=MCP tool servers"`

	// Pool configures the pipeline pool and request limiter.
	Pool PoolConfig `yaml:"pool,omitempty" json:"pool,omitempty" jsonschema:"title=Pool,description=Pipeline pool and concurrency limits"`

	// History configures client-conversation folding.
	History HistoryConfig `yaml:"history,omitempty" json:"history,omitempty" jsonschema:"title=History,description=Client history compression"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Tracing and metrics"`
}

// SetDefaults applies default values across the tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.LLM.SetDefaults()
	c.SummaryLLM.SetDefaults(&c.LLM)
	c.Agent.SetDefaults()
	c.Pool.SetDefaults()
	c.History.SetDefaults()
	c.Observability.SetDefaults()

	if c.Tools == nil {
		c.Tools = make(map[string]*ToolConfig)
	}
	for name := range c.Tools {
		if c.Tools[name] != nil {
			c.Tools[name].SetDefaults()
		}
	}
}

// Validate checks the whole tree and reports the first problem found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.SummaryLLM.Validate(); err != nil {
		return fmt.Errorf("summary_llm: %w", err)
	}
	if err := c.Agent.Validate(c.Tools); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	for name, tool := range c.Tools {
		if tool == nil {
			return fmt.Errorf("tools.%s: empty tool config", name)
		}
		if err := tool.Validate(); err != nil {
			return fmt.Errorf("tools.%s: %w", name, err)
		}
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// Default returns a fully defaulted configuration with no tool servers.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// EnabledTools returns the tool configs with Enabled set, keyed by name.
func (c *Config) EnabledTools() map[string]*ToolConfig {
	out := make(map[string]*ToolConfig, len(c.Tools))
	for name, tool := range c.Tools {
		if tool != nil && tool.IsEnabled() {
			out[name] = tool
		}
	}
	return out
}

// BoolPtr returns a pointer to b. Used by defaulting code for tri-state
// boolean fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 {
	return &f
}
