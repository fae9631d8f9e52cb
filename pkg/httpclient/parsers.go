package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAIHeaders reads the rate-limit headers of OpenAI-compatible APIs.
// Unknown or absent headers leave zero values.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	// OpenAI uses duration strings like "1s" or "6m0s" for reset times.
	if reset := headers.Get("x-ratelimit-reset-tokens"); reset != "" {
		if d, err := time.ParseDuration(reset); err == nil && info.RetryAfter == 0 {
			info.RetryAfter = d
		}
	}
	if reset := headers.Get("x-ratelimit-reset-requests"); reset != "" {
		if d, err := time.ParseDuration(reset); err == nil && info.RetryAfter == 0 {
			info.RetryAfter = d
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.TokensRemaining = n
		}
	}

	return info
}

// ParseRetryAfterHeader handles the plain Retry-After header for servers that
// speak nothing more specific.
func ParseRetryAfterHeader(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				info.RetryAfter = d
			}
		}
	}
	return info
}
