package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOpenAIHeadersRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "12")
	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 12*time.Second, info.RetryAfter)
}

func TestParseOpenAIHeadersResetDurations(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-tokens", "6m30s")
	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 6*time.Minute+30*time.Second, info.RetryAfter)

	h2 := http.Header{}
	h2.Set("x-ratelimit-reset-requests", "1s")
	info2 := ParseOpenAIHeaders(h2)
	assert.Equal(t, time.Second, info2.RetryAfter)
}

func TestParseOpenAIHeadersRetryAfterWins(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "3")
	h.Set("x-ratelimit-reset-tokens", "10m")
	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
}

func TestParseOpenAIHeadersRemaining(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "41")
	h.Set("x-ratelimit-remaining-tokens", "99000")
	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 41, info.RequestsRemaining)
	assert.Equal(t, 99000, info.TokensRemaining)
}

func TestParseOpenAIHeadersEmpty(t *testing.T) {
	info := ParseOpenAIHeaders(http.Header{})
	assert.Equal(t, RateLimitInfo{}, info)
}

func TestParseOpenAIHeadersGarbage(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "soon")
	h.Set("x-ratelimit-remaining-requests", "lots")
	info := ParseOpenAIHeaders(h)
	assert.Equal(t, RateLimitInfo{}, info)
}

func TestParseRetryAfterHeaderSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", "5")
	info := ParseRetryAfterHeader(h)
	assert.Equal(t, 5*time.Second, info.RetryAfter)
}

func TestParseRetryAfterHeaderHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	info := ParseRetryAfterHeader(h)
	assert.True(t, info.RetryAfter > 20*time.Second && info.RetryAfter <= 30*time.Second,
		"got %v", info.RetryAfter)
}
