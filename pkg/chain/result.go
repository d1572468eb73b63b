// Package chain orchestrates one request through the builder, critic,
// refinement and closer stages.
package chain

import "fmt"

// Stage result names. Refinement iterations append -vN suffixes.
const (
	AgentMultiCritic = "multi-critic"
)

// RunResult is one stage outcome in a chain's ordered result list.
type RunResult struct {
	Agent            string  `json:"agent"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Response         string  `json:"response"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	DurationMS       int64   `json:"duration_ms"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	FallbackUsed   bool   `json:"fallback_used"`
	FallbackReason string `json:"fallback_reason,omitempty"`

	InjectedContextTokens  int `json:"injected_context_tokens"`
	SessionContextTokens   int `json:"session_context_tokens"`
	KnowledgeContextTokens int `json:"knowledge_context_tokens"`

	SessionID      string `json:"session_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`

	// ConvergenceReason is set on the closer result when refinement ran.
	ConvergenceReason string `json:"convergence_reason,omitempty"`
}

// UnknownAgentError reports a request for an agent name that is not
// configured.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Name)
}

// StageFailedError reports that a required stage could not complete.
type StageFailedError struct {
	Stage string
	Cause error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Cause)
}

func (e *StageFailedError) Unwrap() error { return e.Cause }

// AllCriticsFailedError reports that no selected critic produced a response.
type AllCriticsFailedError struct {
	Critics []string
}

func (e *AllCriticsFailedError) Error() string {
	return fmt.Sprintf("all %d critics failed", len(e.Critics))
}
