package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Host to bind.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Bind address,default=0.0.0.0"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,description=Listen port,minimum=1,maximum=65535,default=8000"`

	// ReadTimeout bounds request header+body reads.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" jsonschema:"title=Read Timeout,description=HTTP read timeout,default=60s"`

	// WriteTimeout bounds response writes. Zero disables it, which SSE
	// streams require.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" jsonschema:"title=Write Timeout,description=HTTP write timeout (0 for SSE),default=0s"`

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty" json:"shutdown_grace,omitempty" jsonschema:"title=Shutdown Grace,description=Graceful shutdown window,default=30s"`

	// TaskTimeout bounds one research task end to end. Zero disables it.
	TaskTimeout time.Duration `yaml:"task_timeout,omitempty" json:"task_timeout,omitempty" jsonschema:"title=Task Timeout,description=Per-task wall clock bound,default=30m"`

	// DemoMode enables tool-result truncation for public demos.
	DemoMode bool `yaml:"demo_mode,omitempty" json:"demo_mode,omitempty" jsonschema:"title=Demo Mode,description=Truncate oversized tool results,default=false"`
}

// SetDefaults applies defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 30 * time.Minute
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownGrace < 0 || c.TaskTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Address returns host:port for net.Listen.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PoolConfig sizes the pipeline pool and the request limiter.
type PoolConfig struct {
	// PipelinePoolSize is the number of pre-built pipelines.
	PipelinePoolSize int `yaml:"pipeline_pool_size,omitempty" json:"pipeline_pool_size,omitempty" jsonschema:"title=Pipeline Pool Size,description=Pre-built pipeline count,minimum=1,default=5"`

	// MaxConcurrentRequests is the global admission limit.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests,omitempty" json:"max_concurrent_requests,omitempty" jsonschema:"title=Max Concurrent Requests,description=Global semaphore size,minimum=1,default=10"`
}

// SetDefaults applies defaults.
func (c *PoolConfig) SetDefaults() {
	if c.PipelinePoolSize == 0 {
		c.PipelinePoolSize = 5
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 10
	}
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.PipelinePoolSize < 1 {
		return fmt.Errorf("pipeline_pool_size must be positive")
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if c.MaxConcurrentRequests < c.PipelinePoolSize {
		return fmt.Errorf("max_concurrent_requests (%d) must be at least pipeline_pool_size (%d)",
			c.MaxConcurrentRequests, c.PipelinePoolSize)
	}
	return nil
}

// HistoryConfig controls folding of multi-message client conversations.
type HistoryConfig struct {
	// MaxHistoryTokens triggers compression above this size.
	MaxHistoryTokens int `yaml:"max_history_tokens,omitempty" json:"max_history_tokens,omitempty" jsonschema:"title=Max History Tokens,description=Compression threshold,minimum=1,default=30000"`

	// CompressionEnabled uses the summarizer for oversized histories;
	// when off, oversized histories are truncated instead.
	CompressionEnabled *bool `yaml:"compression_enabled,omitempty" json:"compression_enabled,omitempty" jsonschema:"title=Compression Enabled,description=Summarize oversized client histories,default=true"`
}

// SetDefaults applies defaults.
func (c *HistoryConfig) SetDefaults() {
	if c.MaxHistoryTokens == 0 {
		c.MaxHistoryTokens = 30000
	}
	if c.CompressionEnabled == nil {
		c.CompressionEnabled = BoolPtr(true)
	}
}

// Validate checks the history configuration.
func (c *HistoryConfig) Validate() error {
	if c.MaxHistoryTokens < 1 {
		return fmt.Errorf("max_history_tokens must be positive")
	}
	return nil
}

// IsCompressionEnabled reports whether oversized histories are summarized.
func (c *HistoryConfig) IsCompressionEnabled() bool {
	return c.CompressionEnabled == nil || *c.CompressionEnabled
}
