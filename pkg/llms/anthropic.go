package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/brdfb/maestro/pkg/httpclient"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider talks to the Anthropic messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content      []anthropicContent `json:"content"`
	StopReason   string             `json:"stop_reason"`
	Usage        anthropicUsage     `json:"usage"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey string, client *httpclient.Client) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, baseURL: anthropicBaseURL, httpClient: client}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		// The messages API has no system role in the transcript.
		if m.Role == RoleSystem {
			role = "user"
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	if req.JSONResponse {
		// Anthropic has no response_format knob; steer via a prefill-style
		// instruction appended to the system prompt.
		if body.System != "" {
			body.System += "\n\n"
		}
		body.System += "Respond with a single valid JSON object and nothing else."
	}

	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: anthropic status %d", ErrAuth, resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Content:          text,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		FinishReason:     parsed.StopReason,
	}, nil
}
