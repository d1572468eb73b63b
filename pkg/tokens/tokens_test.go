package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model    string
		expected string
	}{
		{"openai/gpt-4o", "o200k_base"},
		{"openai/gpt-4o-mini", "o200k_base"},
		{"openai/gpt-4-turbo", "cl100k_base"},
		{"anthropic/claude-3-5-sonnet-20241022", "cl100k_base"},
		{"google/gemini-1.5-pro", "cl100k_base"},
		{"openai/text-embedding-3-small", "cl100k_base"},
		{"some/unknown-model", "cl100k_base"},
		{"gpt-4o", "o200k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.expected, EncodingForModel(tt.model))
		})
	}
}

func TestCounterCount(t *testing.T) {
	c, err := NewCounter("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", c.Model())

	assert.Zero(t, c.Count(""))
	assert.Greater(t, c.Count("hello world"), 0)

	// Token counts grow with input; never character-length heuristics.
	short := c.Count("hi")
	long := c.Count("a considerably longer sentence about token counting behavior")
	assert.Greater(t, long, short)

	// Multi-byte text still counts in tokens, not bytes.
	unicode := c.Count("héllo wörld ünïcode")
	assert.Less(t, unicode, len("héllo wörld ünïcode"))
}

func TestCounterReusesCachedEncoding(t *testing.T) {
	a, err := NewCounter("openai/gpt-4o")
	require.NoError(t, err)
	b, err := NewCounter("openai/gpt-4o-mini")
	require.NoError(t, err)

	assert.Equal(t, a.Count("same text"), b.Count("same text"))
}

func TestCostEstimate(t *testing.T) {
	table := DefaultCostTable()

	t.Run("known model", func(t *testing.T) {
		// 1000 prompt tokens at $2.5/M plus 500 completion at $10/M.
		cost := table.Estimate("openai/gpt-4o", 1000, 500)
		assert.InDelta(t, 0.0075, cost, 1e-9)
	})

	t.Run("unknown model is free", func(t *testing.T) {
		assert.Zero(t, table.Estimate("openai/gpt-99", 1000, 500))
	})

	t.Run("zero usage", func(t *testing.T) {
		assert.Zero(t, table.Estimate("openai/gpt-4o", 0, 0))
	})
}
