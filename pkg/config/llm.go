package config

import (
	"fmt"
	"net/url"
	"time"
)

// LLMConfig configures the primary OpenAI-compatible chat endpoint.
type LLMConfig struct {
	// BaseURL of the chat-completions API, e.g. "http://localhost:61005/v1".
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=OpenAI-compatible endpoint (use ${BASE_URL})"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key (use ${API_KEY})"`

	// Model name sent on every request.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// MaxTokens is the completion budget per call.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Completion token budget,minimum=1,default=8192"`

	// MaxContextLength is the model's context window in tokens, used for
	// overflow prediction.
	MaxContextLength int `yaml:"max_context_length,omitempty" json:"max_context_length,omitempty" jsonschema:"title=Max Context Length,description=Model context window in tokens,minimum=1024,default=131072"`

	// Temperature for sampling.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// TopP nucleus sampling parameter.
	TopP *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty" jsonschema:"title=Top P,description=Nucleus sampling probability mass,minimum=0,maximum=1,default=0.95"`

	// Timeout per LLM call. Deep-research completions run long.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-call timeout,default=600s"`

	// MaxRetries bounds transport-level retries per call.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,description=Transport retry budget per call,minimum=0,default=10"`

	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" jsonschema:"title=Retry Delay,description=Base backoff delay,default=2s"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.MaxContextLength == 0 {
		c.MaxContextLength = 131072
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.7)
	}
	if c.TopP == nil {
		c.TopP = Float64Ptr(0.95)
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required (set BASE_URL or llm.base_url)")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required (set MODEL_NAME or llm.model)")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.MaxContextLength < 1024 {
		return fmt.Errorf("max_context_length must be at least 1024")
	}
	if c.MaxTokens >= c.MaxContextLength {
		return fmt.Errorf("max_tokens (%d) must be smaller than max_context_length (%d)",
			c.MaxTokens, c.MaxContextLength)
	}
	return nil
}

// SummaryLLMConfig configures the summarizer endpoint. Unset connection
// fields inherit from the primary LLM.
type SummaryLLMConfig struct {
	// BaseURL of the summarizer endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Summarizer endpoint (use ${SUMMARY_LLM_BASE_URL})"`

	// APIKey for the summarizer endpoint.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=Summarizer API key"`

	// Model used for compaction and history compression.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Summarizer model,default=gpt-4o-mini"`

	// MaxTokens per summarizer call.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Summarizer completion budget,minimum=1,default=4096"`

	// Timeout per summarizer call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Per-call timeout,default=300s"`
}

// SetDefaults applies defaults, inheriting connection details from primary.
func (c *SummaryLLMConfig) SetDefaults(primary *LLMConfig) {
	if c.BaseURL == "" {
		c.BaseURL = primary.BaseURL
	}
	if c.APIKey == "" {
		c.APIKey = primary.APIKey
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Validate checks the summarizer configuration.
func (c *SummaryLLMConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}
