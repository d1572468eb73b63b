package llms

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider returns deterministic canned responses without network access.
// It backs the LLM_MOCK mode used in tests and offline demos.
type MockProvider struct {
	// Respond overrides the canned behavior when set.
	Respond func(req Request) (*Response, error)
}

// NewMockProvider creates a mock provider with the default canned behavior.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Respond != nil {
		return p.Respond(req)
	}

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}

	var content string
	if req.JSONResponse {
		content = `{"key_decisions":["mock decision"],"rationale":{"mock decision":"mock rationale"},"trade_offs":["mock trade-off"],"open_questions":[],"technical_specs":{"stack":"mock"}}`
	} else {
		content = fmt.Sprintf("[mock %s] response to: %s", req.Model, truncateForMock(prompt))
	}

	return &Response{
		Content:          content,
		PromptTokens:     len(strings.Fields(prompt)),
		CompletionTokens: len(strings.Fields(content)),
		FinishReason:     "stop",
	}, nil
}

func truncateForMock(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
