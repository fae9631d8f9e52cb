package config

import (
	"fmt"
	"strings"
)

// AgentsConfig configures the main orchestrator and its sub-agents.
type AgentsConfig struct {
	// MainAgent is the top-level research loop.
	MainAgent MainAgentConfig `yaml:"main_agent,omitempty" json:"main_agent,omitempty" jsonschema:"title=Main Agent,description=Top-level research loop"`

	// SubAgents maps a sub-agent name (e.g. "browsing") to its settings.
	// Each becomes an "agent-<name>" entry in the tool catalog.
	SubAgents map[string]*SubAgentConfig `yaml:"sub_agents,omitempty" json:"sub_agents,omitempty" jsonschema:"title=Sub Agents,description=Nested agents exposed as tools"`
}

// MainAgentConfig bounds the top-level loop.
type MainAgentConfig struct {
	// MaxTurns bounds LLM turns before forced finalization.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty" jsonschema:"title=Max Turns,description=Turn budget of the main loop,minimum=1,default=20"`

	// KeepToolResult selects the context strategy: -1 keeps everything,
	// N >= 0 keeps only the newest N tool results verbatim.
	KeepToolResult *int `yaml:"keep_tool_result,omitempty" json:"keep_tool_result,omitempty" jsonschema:"title=Keep Tool Result,description=Sliding window size or -1 for full history,default=-1"`

	// ContextCompressLimit triggers summarizer compaction every K turns.
	// 0 disables compaction.
	ContextCompressLimit int `yaml:"context_compress_limit,omitempty" json:"context_compress_limit,omitempty" jsonschema:"title=Context Compress Limit,description=Compaction period in turns (0 disables),minimum=0,default=0"`

	// MaxAttempts bounds whole-task retries after a missed final answer.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"title=Max Attempts,description=Whole-task attempt budget,minimum=1,default=2"`
}

// SubAgentConfig bounds one nested agent and scopes its tools.
type SubAgentConfig struct {
	// MaxTurns bounds the nested loop.
	MaxTurns int `yaml:"max_turns,omitempty" json:"max_turns,omitempty" jsonschema:"title=Max Turns,description=Turn budget of the nested loop,minimum=1,default=10"`

	// KeepToolResult is the nested context strategy (same semantics as the
	// main agent; compaction never applies to sub-agents).
	KeepToolResult *int `yaml:"keep_tool_result,omitempty" json:"keep_tool_result,omitempty" jsonschema:"title=Keep Tool Result,description=Sliding window size or -1,default=5"`

	// Tools lists the tool server names this sub-agent may use.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Tool servers visible to this sub-agent"`
}

// SetDefaults applies defaults to the agent tree.
func (c *AgentsConfig) SetDefaults() {
	c.MainAgent.SetDefaults()
	if c.SubAgents == nil {
		c.SubAgents = make(map[string]*SubAgentConfig)
	}
	for name := range c.SubAgents {
		if c.SubAgents[name] != nil {
			c.SubAgents[name].SetDefaults()
		}
	}
}

// SetDefaults applies main-agent defaults.
func (c *MainAgentConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 20
	}
	if c.KeepToolResult == nil {
		keep := -1
		c.KeepToolResult = &keep
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
}

// SetDefaults applies sub-agent defaults.
func (c *SubAgentConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 10
	}
	if c.KeepToolResult == nil {
		keep := 5
		c.KeepToolResult = &keep
	}
}

// Validate checks the agent tree against the configured tool servers.
func (c *AgentsConfig) Validate(tools map[string]*ToolConfig) error {
	if c.MainAgent.MaxTurns < 1 {
		return fmt.Errorf("main_agent.max_turns must be positive")
	}
	if c.MainAgent.KeepToolResult != nil && *c.MainAgent.KeepToolResult < -1 {
		return fmt.Errorf("main_agent.keep_tool_result must be -1 or >= 0")
	}
	if c.MainAgent.ContextCompressLimit < 0 {
		return fmt.Errorf("main_agent.context_compress_limit must be >= 0")
	}
	if c.MainAgent.MaxAttempts < 1 {
		return fmt.Errorf("main_agent.max_attempts must be positive")
	}

	for name, sub := range c.SubAgents {
		if sub == nil {
			return fmt.Errorf("sub_agents.%s: empty sub-agent config", name)
		}
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sub_agents: empty sub-agent name")
		}
		if sub.MaxTurns < 1 {
			return fmt.Errorf("sub_agents.%s: max_turns must be positive", name)
		}
		if sub.KeepToolResult != nil && *sub.KeepToolResult < -1 {
			return fmt.Errorf("sub_agents.%s: keep_tool_result must be -1 or >= 0", name)
		}
		for _, tool := range sub.Tools {
			if _, ok := tools[tool]; !ok {
				return fmt.Errorf("sub_agents.%s: unknown tool server %q", name, tool)
			}
		}
	}
	return nil
}
