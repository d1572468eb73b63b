package config

import (
	"fmt"
	"strings"
)

// MemoryStrategy selects how knowledge-context candidates are scored.
type MemoryStrategy string

const (
	StrategySemantic MemoryStrategy = "semantic"
	StrategyHybrid   MemoryStrategy = "hybrid"
	StrategyKeywords MemoryStrategy = "keywords"
)

// MemoryConfig configures context retrieval for a single agent.
type MemoryConfig struct {
	// Strategy for the knowledge slice (semantic, hybrid, keywords).
	Strategy MemoryStrategy `yaml:"strategy,omitempty"`

	// SessionLimit is the maximum number of recent same-session turns.
	SessionLimit int `yaml:"session_limit,omitempty"`

	// MinRelevance filters knowledge candidates, range [0,1].
	MinRelevance float64 `yaml:"min_relevance,omitempty"`

	// TimeDecayHours is the exponential age-decay constant.
	TimeDecayHours float64 `yaml:"time_decay_hours,omitempty"`

	// MaxContextTokens is the total injection budget.
	MaxContextTokens int `yaml:"max_context_tokens,omitempty"`

	// SessionEnabled toggles the recent-turn slice.
	SessionEnabled *bool `yaml:"session_enabled,omitempty"`

	// KnowledgeEnabled toggles the cross-session slice.
	KnowledgeEnabled *bool `yaml:"knowledge_enabled,omitempty"`

	// SameAgentOnly restricts knowledge candidates to the current agent.
	SameAgentOnly bool `yaml:"same_agent_only,omitempty"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyKeywords
	}
	if c.SessionLimit == 0 {
		c.SessionLimit = 5
	}
	if c.MinRelevance == 0 {
		c.MinRelevance = 0.35
	}
	if c.TimeDecayHours == 0 {
		c.TimeDecayHours = 96
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 600
	}
	if c.SessionEnabled == nil {
		c.SessionEnabled = BoolPtr(true)
	}
	if c.KnowledgeEnabled == nil {
		c.KnowledgeEnabled = BoolPtr(true)
	}
}

func (c *MemoryConfig) Validate() error {
	switch c.Strategy {
	case StrategySemantic, StrategyHybrid, StrategyKeywords:
	default:
		return fmt.Errorf("invalid memory strategy %q (valid: semantic, hybrid, keywords)", c.Strategy)
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("min_relevance must be in [0,1], got %v", c.MinRelevance)
	}
	if c.TimeDecayHours <= 0 {
		return fmt.Errorf("time_decay_hours must be positive, got %v", c.TimeDecayHours)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive, got %d", c.MaxContextTokens)
	}
	return nil
}

// AgentConfig configures one named agent role.
type AgentConfig struct {
	// Model identifier in "provider/model" form.
	Model string `yaml:"model"`

	// SystemPrompt is the agent's fixed system instruction.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature for generation. An explicit zero is a valid setting.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// FallbackModels are tried in order when the primary model fails.
	FallbackModels []string `yaml:"fallback_models,omitempty"`

	// MemoryEnabled turns on context injection and conversation storage.
	MemoryEnabled bool `yaml:"memory_enabled,omitempty"`

	// Memory holds the per-agent retrieval configuration.
	Memory MemoryConfig `yaml:"memory,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.2)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1500
	}
	c.Memory.SetDefaults()
}

func (c *AgentConfig) Validate(name string) error {
	if c.Model == "" {
		return fmt.Errorf("agent %q: model is required", name)
	}
	if !strings.Contains(c.Model, "/") {
		return fmt.Errorf("agent %q: model %q must be in provider/model form", name, c.Model)
	}
	if c.Temperature != nil && *c.Temperature < 0 {
		return fmt.Errorf("agent %q: temperature must be >= 0", name)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("agent %q: max_tokens must be positive", name)
	}
	for _, fb := range c.FallbackModels {
		if !strings.Contains(fb, "/") {
			return fmt.Errorf("agent %q: fallback model %q must be in provider/model form", name, fb)
		}
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("agent %q: %w", name, err)
	}
	return nil
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
