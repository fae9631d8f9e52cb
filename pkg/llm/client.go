package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/veritylab/trawl/pkg/httpclient"
	"github.com/veritylab/trawl/pkg/observability"
	"github.com/veritylab/trawl/pkg/tokens"
)

const (
	// degenerateTail is the suffix length checked for repetition.
	degenerateTail = 50
	// degenerateRepeats is how many suffix occurrences mark a completion
	// as degenerate.
	degenerateRepeats = 5
	// degenerateRetries bounds retries of degenerate or empty completions.
	degenerateRetries = 3
)

// Config configures a Client.
type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	MaxTokens        int
	MaxContextLength int
	Temperature      *float64
	TopP             *float64
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
}

// Client talks to one OpenAI-compatible chat-completions endpoint.
// Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *httpclient.Client
	counter    *tokens.Counter
	tracer     trace.Tracer

	mu    sync.Mutex
	usage Usage
}

// Option configures a Client.
type Option func(*Client)

// WithTracer sets the tracer for per-call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithHTTPClient replaces the retrying HTTP client (tests).
func WithHTTPClient(hc *httpclient.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(cfg.RetryDelay),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		counter: tokens.Default(),
		tracer:  noop.NewTracerProvider().Tracer("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.config.Model
}

// MaxTokens returns the configured completion budget.
func (c *Client) MaxTokens() int {
	return c.config.MaxTokens
}

// MaxContextLength returns the model's context window in tokens.
func (c *Client) MaxContextLength() int {
	return c.config.MaxContextLength
}

// EstimateTokens counts tokens in text with the client's encoding.
func (c *Client) EstimateTokens(text string) int {
	return c.counter.Count(text, c.config.Model)
}

// Usage returns cumulative token usage.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Generate runs one blocking chat completion. maxTokens <= 0 uses the
// configured budget. A "length" finish retries once with a 10% larger
// budget; degenerate or empty completions are retried a bounded number of
// times before failing.
func (c *Client) Generate(ctx context.Context, messages []Message, maxTokens int) (Completion, error) {
	if len(messages) == 0 {
		return Completion{}, fmt.Errorf("no messages to send")
	}
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}

	ctx, span := c.tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(attribute.String(observability.AttrLLMModel, c.config.Model)))
	defer span.End()

	var (
		completion Completion
		err        error
		grewLength bool
		accepted   bool
	)
	start := time.Now()

	for attempt := 0; attempt < degenerateRetries; attempt++ {
		completion, err = c.complete(ctx, messages, maxTokens)
		if err != nil {
			break
		}

		if completion.FinishReason == "length" && !grewLength {
			grewLength = true
			maxTokens = int(float64(maxTokens) * 1.1)
			slog.Warn("Completion hit length limit, retrying with larger budget",
				"model", c.config.Model, "max_tokens", maxTokens)
			continue
		}

		if isDegenerate(completion.Text) {
			slog.Warn("Degenerate completion detected, retrying",
				"model", c.config.Model, "attempt", attempt+1)
			continue
		}
		if strings.TrimSpace(completion.Text) == "" && completion.FinishReason != "length" {
			slog.Warn("Empty completion, retrying", "model", c.config.Model, "attempt", attempt+1)
			continue
		}

		accepted = true
		break
	}

	if err == nil && !accepted {
		// Length-capped text is still usable; degenerate or empty text is not.
		usable := completion.FinishReason == "length" &&
			strings.TrimSpace(completion.Text) != "" && !isDegenerate(completion.Text)
		if !usable {
			err = fmt.Errorf("unusable completion after %d attempts (finish_reason=%q, %d chars)",
				degenerateRetries, completion.FinishReason, len(completion.Text))
		}
	}

	observability.GetGlobalMetrics().RecordLLMCall(ctx, c.config.Model,
		time.Since(start), completion.PromptTokens, completion.CompletionTokens, err)

	if err != nil {
		span.RecordError(err)
		return Completion{}, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, completion.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, completion.CompletionTokens),
	)

	c.mu.Lock()
	c.usage.PromptTokens += completion.PromptTokens
	c.usage.CompletionTokens += completion.CompletionTokens
	c.usage.Calls++
	c.mu.Unlock()

	return completion, nil
}

// complete performs one request/response cycle.
func (c *Client) complete(ctx context.Context, messages []Message, maxTokens int) (Completion, error) {
	reqBody := chatRequest{
		Model:       c.config.Model,
		Messages:    make([]chatMessage, len(messages)),
		MaxTokens:   maxTokens,
		Temperature: c.config.Temperature,
		TopP:        c.config.TopP,
		Stream:      false,
	}
	for i, m := range messages {
		reqBody.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	// A history ending on an assistant message primes the model to continue
	// that message rather than start a new turn.
	if messages[len(messages)-1].Role == RoleAssistant {
		reqBody.ContinueFinalMessage = true
		addPrompt := false
		reqBody.AddGenerationPrompt = &addPrompt
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil && resp == nil {
		return Completion{}, fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("LLM request failed: %s", parseErrorResponse(resp.StatusCode, body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Completion{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("response contained no choices")
	}

	choice := parsed.Choices[0]
	completion := Completion{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if parsed.Usage != nil {
		completion.PromptTokens = parsed.Usage.PromptTokens
		completion.CompletionTokens = parsed.Usage.CompletionTokens
	} else {
		for _, m := range messages {
			completion.PromptTokens += c.counter.CountMessage(m.Role, m.Content, c.config.Model)
		}
		completion.CompletionTokens = c.EstimateTokens(completion.Text)
	}

	return completion, nil
}

// parseErrorResponse extracts a readable message from an error body.
func parseErrorResponse(statusCode int, body []byte) string {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", statusCode, parsed.Error.Message)
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return fmt.Sprintf("HTTP %d", statusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", statusCode, text)
}

// isDegenerate reports whether the completion tail repeats pathologically.
func isDegenerate(text string) bool {
	runes := []rune(text)
	if len(runes) < degenerateTail {
		return false
	}
	tail := string(runes[len(runes)-degenerateTail:])
	return strings.Count(text, tail) > degenerateRepeats
}
