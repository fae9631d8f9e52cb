package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError carries enough context for a caller to decide whether and
// when to retry at its own layer.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (status %d, retry after %v)", e.Message, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a RetryableError.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// RetryAfter returns the suggested wait before retrying, or zero.
func RetryAfter(err error) time.Duration {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.RetryAfter
	}
	return 0
}
