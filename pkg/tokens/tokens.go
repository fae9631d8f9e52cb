// Package tokens provides token counting for context-window accounting.
// Counts come from tiktoken encodings with a character-based fallback, so a
// count is always available even for models tiktoken has never heard of.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// defaultEncoding covers gpt-4o and newer OpenAI-compatible models.
	defaultEncoding = "o200k_base"
	// legacyEncoding covers gpt-4 / gpt-3.5 era models.
	legacyEncoding = "cl100k_base"

	// messageOverhead approximates the per-message framing tokens
	// (role, separators) the chat format adds around content.
	messageOverhead = 4
)

// Counter counts tokens, caching loaded encodings per model.
type Counter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a Counter with an empty encoding cache.
func NewCounter() *Counter {
	return &Counter{
		cache: make(map[string]*tiktoken.Tiktoken),
	}
}

// Count returns the token count of text for model. When no encoding can be
// loaded it falls back to an estimate of one token per four characters.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}
	enc := c.encodingFor(model)
	if enc == nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessage returns the token count of one chat message including the
// framing overhead of the chat format.
func (c *Counter) CountMessage(role, content, model string) int {
	return c.Count(role, model) + c.Count(content, model) + messageOverhead
}

func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.cache[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[model]; ok {
		return enc
	}

	enc = loadEncoding(model)
	c.cache[model] = enc
	return enc
}

func loadEncoding(model string) *tiktoken.Tiktoken {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	name := defaultEncoding
	if isLegacyModel(model) {
		name = legacyEncoding
	}
	if enc, err := tiktoken.GetEncoding(name); err == nil {
		return enc
	}
	// Offline or unknown encoding: the caller falls back to estimation.
	return nil
}

func isLegacyModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "gpt-4-") || strings.HasPrefix(m, "gpt-3.5") ||
		m == "gpt-4"
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var (
	defaultCounter *Counter
	defaultOnce    sync.Once
)

// Default returns a process-wide shared Counter.
func Default() *Counter {
	defaultOnce.Do(func() {
		defaultCounter = NewCounter()
	})
	return defaultCounter
}
