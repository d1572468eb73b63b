// Package llms implements chat completion providers behind a single Provider
// interface. One provider instance is registered per provider id; the
// connector layer handles model fallback across them.
package llms

import (
	"context"
	"errors"
	"fmt"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. Model carries the bare
// model name without the provider prefix.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// JSONResponse asks the provider for a JSON object response where the
	// API supports it.
	JSONResponse bool
}

// Response is a provider-neutral completion result.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Provider executes completion requests against one upstream API.
type Provider interface {
	// Name returns the provider id ("openai", "anthropic", "google", ...).
	Name() string

	// Complete performs a single blocking completion call.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Sentinel errors the connector maps to fallback reasons.
var (
	// ErrAuth marks a 401/403 from the upstream API.
	ErrAuth = errors.New("authentication failed")

	// ErrEmptyResponse marks a well-formed API reply with no usable text.
	ErrEmptyResponse = errors.New("provider returned empty response")

	// ErrContentFiltered marks a response withheld by a safety filter.
	ErrContentFiltered = errors.New("response blocked by content filter")
)

// APIError wraps an upstream error payload.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}
