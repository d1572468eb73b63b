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
	openaiBaseURL     = "https://api.openai.com/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenAIProvider talks to the OpenAI chat completions API. It also serves
// OpenRouter, which exposes the same wire format under a different base URL.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *httpclient.Client
}

type openaiRequest struct {
	Model          string           `json:"model"`
	Messages       []openaiMessage  `json:"messages"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature"`
	ResponseFormat *openaiRespFmt   `json:"response_format,omitempty"`
}

type openaiRespFmt struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey string, client *httpclient.Client) *OpenAIProvider {
	return &OpenAIProvider{name: "openai", apiKey: apiKey, baseURL: openaiBaseURL, httpClient: client}
}

// NewOpenRouterProvider creates an OpenRouter provider on the OpenAI wire
// format.
func NewOpenRouterProvider(apiKey string, client *httpclient.Client) *OpenAIProvider {
	return &OpenAIProvider{name: "openrouter", apiKey: apiKey, baseURL: openrouterBaseURL, httpClient: client}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONResponse {
		body.ResponseFormat = &openaiRespFmt{Type: "json_object"}
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, openaiMessage{Role: string(m.Role), Content: m.Content})
	}

	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return nil, fmt.Errorf("%w: %s status %d", ErrAuth, p.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeOpenAIError(p.name, resp.StatusCode, respBody)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &APIError{Provider: p.name, StatusCode: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, ErrContentFiltered
	}
	if choice.Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Content:          choice.Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		FinishReason:     choice.FinishReason,
	}, nil
}

func decodeOpenAIError(provider string, status int, body []byte) error {
	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return &APIError{Provider: provider, StatusCode: status, Message: parsed.Error.Message}
	}
	return &APIError{Provider: provider, StatusCode: status, Message: string(body)}
}
