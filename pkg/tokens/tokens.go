// Package tokens provides deterministic subword token counting and the USD
// cost table for model calls. Budget enforcement throughout the engine uses
// Counter.Count, never character heuristics.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with a tiktoken encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model identifier. Models the
// encoder does not know fall back to cl100k_base.
func NewCounter(model string) (*Counter, error) {
	name := EncodingForModel(model)

	cacheMu.RLock()
	cached, exists := encodingCache[name]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", name, err)
	}

	cacheMu.Lock()
	encodingCache[name] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// EncodingForModel returns the tiktoken encoding name for a model string.
// The provider prefix of "provider/model" identifiers is ignored.
func EncodingForModel(model string) string {
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	prefixes := []struct {
		prefix   string
		encoding string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4", "cl100k_base"},
		{"gpt-3.5", "cl100k_base"},
		{"claude", "cl100k_base"},
		{"gemini", "cl100k_base"},
		{"text-embedding", "cl100k_base"},
	}

	for _, p := range prefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.encoding
		}
	}
	return "cl100k_base"
}
