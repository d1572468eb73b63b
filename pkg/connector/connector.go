// Package connector sits between agents and the provider registry. It walks
// the candidate model list (primary plus fallbacks), maps failures to stable
// reason codes and reports cost and timing for each successful call.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/httpclient"
	"github.com/brdfb/maestro/pkg/llms"
	"github.com/brdfb/maestro/pkg/tokens"
)

// Failure reason codes attached to skipped or failed candidates.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonProviderDisabled  = "provider_disabled"
	ReasonEmptyResponse     = "empty_response"
	ReasonContentFiltered   = "content_filtered"
	ReasonAuthFailed        = "auth_failed"
	ReasonAPIError          = "api_error"
	ReasonNetworkError      = "network_error"
	ReasonInvalidModel      = "invalid_model"
)

// Result is one successful completion with call accounting.
type Result struct {
	Content          string  `json:"content"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMS       int64   `json:"duration_ms"`

	// Fallback is set when a non-primary candidate produced the response.
	// FallbackReason carries the primary candidate's failure reason.
	Fallback       bool   `json:"fallback,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// CandidateFailure records why one candidate model could not serve a call.
type CandidateFailure struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// AllProvidersFailedError reports that every candidate model failed.
type AllProvidersFailedError struct {
	Agent    string
	Failures []CandidateFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Model, f.Reason))
	}
	return fmt.Sprintf("all providers failed for agent %q: %s", e.Agent, strings.Join(parts, ", "))
}

// Connector resolves models to providers and executes completion calls.
type Connector struct {
	providers *llms.ProviderRegistry
	costs     *tokens.CostTable
}

// New creates a connector over the given provider registry.
func New(providers *llms.ProviderRegistry, costs *tokens.CostTable) *Connector {
	if costs == nil {
		costs = tokens.DefaultCostTable()
	}
	return &Connector{providers: providers, costs: costs}
}

// NewFromEnv builds a connector with providers constructed from the
// environment and the given retry tuning.
func NewFromEnv(retry config.RetryConfig) *Connector {
	client := httpclient.New(
		httpclient.WithMaxRetries(retry.MaxRetries),
		httpclient.WithBaseDelay(retry.BaseDelay),
		httpclient.WithMaxDelay(retry.MaxDelay),
	)
	return New(llms.NewProviderRegistry(client), tokens.DefaultCostTable())
}

// Call request parameters beyond the agent configuration.
type CallOptions struct {
	System       string
	Messages     []llms.Message
	JSONResponse bool

	// MaxTokens overrides the agent default when positive. Temperature
	// overrides whenever set, so an explicit zero is expressible.
	MaxTokens   int
	Temperature *float64
}

// Call tries the agent's primary model, then each fallback model in order.
// The first usable candidate wins; if none succeed the returned error is an
// *AllProvidersFailedError listing every candidate's failure reason.
func (c *Connector) Call(ctx context.Context, agentName string, agent *config.AgentConfig, opts CallOptions) (*Result, error) {
	candidates := append([]string{agent.Model}, agent.FallbackModels...)
	failures := make([]CandidateFailure, 0, len(candidates))

	maxTokens := agent.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	var temperature float64
	if agent.Temperature != nil {
		temperature = *agent.Temperature
	}
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		provider, modelName, failure := c.resolve(candidate)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}

		start := time.Now()
		resp, err := provider.Complete(ctx, llms.Request{
			Model:        modelName,
			System:       opts.System,
			Messages:     opts.Messages,
			Temperature:  temperature,
			MaxTokens:    maxTokens,
			JSONResponse: opts.JSONResponse,
		})
		duration := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, CandidateFailure{
				Model:  candidate,
				Reason: classifyError(err),
				Detail: err.Error(),
			})
			continue
		}

		result := &Result{
			Content:          resp.Content,
			Model:            candidate,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			CostUSD:          c.costs.Estimate(candidate, resp.PromptTokens, resp.CompletionTokens),
			DurationMS:       duration.Milliseconds(),
		}
		if i > 0 {
			result.Fallback = true
			result.FallbackReason = failures[0].Reason
		}
		return result, nil
	}

	return nil, &AllProvidersFailedError{Agent: agentName, Failures: failures}
}

// resolve maps a "provider/model" candidate to a usable provider instance or
// a candidate failure.
func (c *Connector) resolve(candidate string) (llms.Provider, string, *CandidateFailure) {
	providerName, modelName, err := config.SplitModel(candidate)
	if err != nil {
		return nil, "", &CandidateFailure{Model: candidate, Reason: ReasonInvalidModel, Detail: err.Error()}
	}
	if config.ProviderDisabled(providerName) && !config.MockMode() {
		return nil, "", &CandidateFailure{Model: candidate, Reason: ReasonProviderDisabled}
	}
	provider, err := c.providers.Provider(providerName)
	if err != nil {
		return nil, "", &CandidateFailure{Model: candidate, Reason: ReasonMissingCredential, Detail: err.Error()}
	}
	return provider, modelName, nil
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, llms.ErrAuth):
		return ReasonAuthFailed
	case errors.Is(err, llms.ErrEmptyResponse):
		return ReasonEmptyResponse
	case errors.Is(err, llms.ErrContentFiltered):
		return ReasonContentFiltered
	case httpclient.IsRetryable(err):
		return ReasonNetworkError
	default:
		var apiErr *llms.APIError
		if errors.As(err, &apiErr) {
			return ReasonAPIError
		}
		return ReasonNetworkError
	}
}
