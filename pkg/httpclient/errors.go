package httpclient

import (
	"errors"
	"fmt"
)

// RetryableError reports a transient failure that persisted through all
// retries.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient failure surfaced after
// retry exhaustion.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
