// Package httpclient provides an HTTP client with retry and exponential
// backoff for transient provider errors.
package httpclient

import (
	"log/slog"
	"math"
	"net/http"
	"time"
)

type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(time.Duration)
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = delay
	}
}

// WithSleepFunc overrides the backoff sleep. Tests use this to avoid real
// delays.
func WithSleepFunc(sleep func(time.Duration)) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   4 * time.Second,
		sleep:      time.Sleep,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// retryable reports whether a status code indicates a transient failure.
func retryable(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Do executes the request, retrying transient transport and 5xx/429 failures
// with exponential backoff. Non-retryable responses are returned as-is so
// callers can decode provider error bodies.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, &RetryableError{
						Message: "failed to recreate request body for retry",
						Err:     err,
					}
				}
				req.Body = body
			}
			delay := c.backoff(attempt)
			slog.Debug("Retrying HTTP request",
				"url", req.URL.Redacted(),
				"attempt", attempt,
				"delay", delay)
			c.sleep(delay)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Transport-level failure, retry unless the context is done.
			if req.Context().Err() != nil {
				return nil, req.Context().Err()
			}
			lastErr = err
			lastResp = nil
			continue
		}

		if !retryable(resp.StatusCode) {
			return resp, nil
		}

		resp.Body.Close()
		lastResp = resp
		lastErr = nil
	}

	statusCode := 0
	if lastResp != nil {
		statusCode = lastResp.StatusCode
	}
	return nil, &RetryableError{
		StatusCode: statusCode,
		Message:    "retries exhausted",
		Err:        lastErr,
	}
}

// backoff returns the delay before the given attempt (1-based), doubling from
// the base delay and capped at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseDelay
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}
