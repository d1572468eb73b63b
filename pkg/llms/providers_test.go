package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brdfb/maestro/pkg/httpclient"
)

func testClient() *httpclient.Client {
	return httpclient.New(httpclient.WithMaxRetries(0))
}

func TestOpenAIComplete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

			var req openaiRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "gpt-4o", req.Model)
			require.Len(t, req.Messages, 2)
			assert.Equal(t, "system", req.Messages[0].Role)

			json.NewEncoder(w).Encode(openaiResponse{
				Choices: []openaiChoice{{
					Message:      openaiMessage{Role: "assistant", Content: "hello back"},
					FinishReason: "stop",
				}},
				Usage: openaiUsage{PromptTokens: 12, CompletionTokens: 3},
			})
		}))
		defer server.Close()

		p := NewOpenAIProvider("sk-test", testClient())
		p.baseURL = server.URL

		resp, err := p.Complete(context.Background(), Request{
			Model:    "gpt-4o",
			System:   "be brief",
			Messages: []Message{{Role: RoleUser, Content: "hello"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "hello back", resp.Content)
		assert.Equal(t, 12, resp.PromptTokens)
		assert.Equal(t, 3, resp.CompletionTokens)
	})

	t.Run("auth failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		p := NewOpenAIProvider("sk-bad", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "gpt-4o"})
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("content filter", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(openaiResponse{
				Choices: []openaiChoice{{FinishReason: "content_filter"}},
			})
		}))
		defer server.Close()

		p := NewOpenAIProvider("sk-test", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "gpt-4o"})
		assert.ErrorIs(t, err, ErrContentFiltered)
	})

	t.Run("empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(openaiResponse{})
		}))
		defer server.Close()

		p := NewOpenAIProvider("sk-test", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "gpt-4o"})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("API error payload", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "model not found", "type": "invalid_request_error"},
			})
		}))
		defer server.Close()

		p := NewOpenAIProvider("sk-test", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "nope"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "model not found", apiErr.Message)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})
}

func TestAnthropicComplete(t *testing.T) {
	t.Run("success with json steering", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/messages", r.URL.Path)
			assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
			assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

			var req anthropicRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Contains(t, req.System, "valid JSON object")

			json.NewEncoder(w).Encode(anthropicResponse{
				Content:    []anthropicContent{{Type: "text", Text: `{"ok":true}`}},
				StopReason: "end_turn",
				Usage:      anthropicUsage{InputTokens: 20, OutputTokens: 5},
			})
		}))
		defer server.Close()

		p := NewAnthropicProvider("key-123", testClient())
		p.baseURL = server.URL

		resp, err := p.Complete(context.Background(), Request{
			Model:        "claude-3-5-sonnet-20241022",
			System:       "summarize",
			Messages:     []Message{{Role: RoleUser, Content: "payload"}},
			JSONResponse: true,
		})
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, resp.Content)
		assert.Equal(t, 20, resp.PromptTokens)
	})

	t.Run("error payload", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "invalid_request_error", "message": "max_tokens required"},
			})
		}))
		defer server.Close()

		p := NewAnthropicProvider("key-123", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "claude-3-5-sonnet-20241022"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Contains(t, apiErr.Message, "max_tokens")
	})
}

func TestGeminiComplete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
			assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))

			var req geminiRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Contents, 2)
			assert.Equal(t, "model", req.Contents[1].Role)

			json.NewEncoder(w).Encode(geminiResponse{
				Candidates: []geminiCandidate{{
					Content:      geminiContent{Parts: []geminiPart{{Text: "answer"}}},
					FinishReason: "STOP",
				}},
				UsageMetadata: geminiUsage{PromptTokenCount: 9, CandidatesTokenCount: 1},
			})
		}))
		defer server.Close()

		p := NewGeminiProvider("g-key", testClient())
		p.baseURL = server.URL

		resp, err := p.Complete(context.Background(), Request{
			Model: "gemini-1.5-flash",
			Messages: []Message{
				{Role: RoleUser, Content: "hi"},
				{Role: RoleAssistant, Content: "earlier"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "answer", resp.Content)
		assert.Equal(t, 9, resp.PromptTokens)
	})

	t.Run("safety block", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(geminiResponse{
				Candidates: []geminiCandidate{{FinishReason: "SAFETY"}},
			})
		}))
		defer server.Close()

		p := NewGeminiProvider("g-key", testClient())
		p.baseURL = server.URL

		_, err := p.Complete(context.Background(), Request{Model: "gemini-1.5-flash"})
		assert.ErrorIs(t, err, ErrContentFiltered)
	})
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider()

	resp, err := p.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "design a cache"}},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "design a cache")

	resp, err = p.Complete(context.Background(), Request{Model: "gpt-4o-mini", JSONResponse: true})
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(resp.Content)))
}

func TestProviderRegistryMockMode(t *testing.T) {
	t.Setenv("LLM_MOCK", "1")

	r := NewProviderRegistry(testClient())
	for _, name := range []string{"openai", "anthropic", "google", "openrouter"} {
		p, err := r.Provider(name)
		require.NoError(t, err)
		assert.Equal(t, "mock", p.Name())
	}
}
