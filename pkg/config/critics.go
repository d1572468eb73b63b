package config

import (
	"fmt"
	"regexp"
	"strings"
)

// CriticConfig registers one critic agent for the fan-out stage.
type CriticConfig struct {
	// Name of the agent acting as this critic.
	Name string `yaml:"name"`

	// Weight orders critic sections in the consensus; >= 1.5 marks priority.
	Weight float64 `yaml:"weight,omitempty"`

	// Keywords drive dynamic selection scoring. Stored lowercased.
	Keywords []string `yaml:"keywords,omitempty"`
}

// CriticsConfig configures critic registration and dynamic selection.
type CriticsConfig struct {
	Members []CriticConfig `yaml:"members"`

	// DynamicSelection toggles keyword-based critic selection. When false the
	// full member list runs every time.
	DynamicSelection *bool `yaml:"dynamic_selection,omitempty"`

	MinCritics int `yaml:"min_critics,omitempty"`
	MaxCritics int `yaml:"max_critics,omitempty"`

	// FallbackCritics extend an under-sized selection, in order.
	FallbackCritics []string `yaml:"fallback_critics,omitempty"`
}

func (c *CriticsConfig) SetDefaults() {
	if c.DynamicSelection == nil {
		c.DynamicSelection = BoolPtr(true)
	}
	if c.MinCritics == 0 {
		c.MinCritics = 1
	}
	if c.MaxCritics == 0 {
		c.MaxCritics = len(c.Members)
	}
	for i := range c.Members {
		if c.Members[i].Weight == 0 {
			c.Members[i].Weight = 1.0
		}
		for j, kw := range c.Members[i].Keywords {
			c.Members[i].Keywords[j] = strings.ToLower(kw)
		}
	}
}

func (c *CriticsConfig) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("critics: at least one member is required")
	}
	seen := make(map[string]bool)
	for _, m := range c.Members {
		if m.Name == "" {
			return fmt.Errorf("critics: member name is required")
		}
		if seen[m.Name] {
			return fmt.Errorf("critics: duplicate member %q", m.Name)
		}
		seen[m.Name] = true
		if m.Weight <= 0 {
			return fmt.Errorf("critic %q: weight must be positive", m.Name)
		}
	}
	if c.MinCritics < 1 || c.MinCritics > c.MaxCritics || c.MaxCritics > len(c.Members) {
		return fmt.Errorf("critics: cardinality must satisfy 1 <= min (%d) <= max (%d) <= members (%d)",
			c.MinCritics, c.MaxCritics, len(c.Members))
	}
	for _, fb := range c.FallbackCritics {
		if !seen[fb] {
			return fmt.Errorf("critics: fallback critic %q is not a member", fb)
		}
	}
	return nil
}

// Member returns the registration for a critic name.
func (c *CriticsConfig) Member(name string) (CriticConfig, bool) {
	for _, m := range c.Members {
		if m.Name == name {
			return m, true
		}
	}
	return CriticConfig{}, false
}

// RefinementConfig bounds the builder/critic refinement loop.
type RefinementConfig struct {
	Enabled       *bool `yaml:"enabled,omitempty"`
	MaxIterations int   `yaml:"max_iterations,omitempty"`

	// CriticalKeywords mark a review block as a critical issue. Lowercased.
	CriticalKeywords []string `yaml:"critical_keywords,omitempty"`

	// IssuePatterns are regexes matched against review blocks.
	IssuePatterns []string `yaml:"issue_patterns,omitempty"`

	// ReselectCritics re-runs critic selection each iteration; when false the
	// initial selection is pinned.
	ReselectCritics *bool `yaml:"reselect_critics,omitempty"`

	compiled []*regexp.Regexp
}

func (c *RefinementConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 3
	}
	if len(c.CriticalKeywords) == 0 {
		c.CriticalKeywords = []string{"critical", "security", "vulnerability", "must fix"}
	}
	for i, kw := range c.CriticalKeywords {
		c.CriticalKeywords[i] = strings.ToLower(kw)
	}
	if c.ReselectCritics == nil {
		c.ReselectCritics = BoolPtr(true)
	}
}

func (c *RefinementConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("refinement: max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	c.compiled = c.compiled[:0]
	for _, pattern := range c.IssuePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("refinement: invalid issue pattern %q: %w", pattern, err)
		}
		c.compiled = append(c.compiled, re)
	}
	return nil
}

// CompiledPatterns returns the issue regexes compiled during Validate.
func (c *RefinementConfig) CompiledPatterns() []*regexp.Regexp {
	return c.compiled
}

// CompressionConfig configures semantic compression between chain stages.
type CompressionConfig struct {
	// Model is the cheap/fast "provider/model" used for compression calls.
	Model string `yaml:"model,omitempty"`

	// TargetTokens is the summary token budget.
	TargetTokens int `yaml:"target_tokens,omitempty"`

	// Character-length trigger thresholds per agent class.
	StandardThreshold int `yaml:"standard_threshold,omitempty"`
	MemoryThreshold   int `yaml:"memory_threshold,omitempty"`
	CloserThreshold   int `yaml:"closer_threshold,omitempty"`
}

func (c *CompressionConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "openai/gpt-4o-mini"
	}
	if c.TargetTokens == 0 {
		c.TargetTokens = 500
	}
	if c.StandardThreshold == 0 {
		c.StandardThreshold = 1200
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = 800
	}
	if c.CloserThreshold == 0 {
		c.CloserThreshold = 1500
	}
}

func (c *CompressionConfig) Validate() error {
	if !strings.Contains(c.Model, "/") {
		return fmt.Errorf("compression: model %q must be in provider/model form", c.Model)
	}
	if c.TargetTokens <= 0 {
		return fmt.Errorf("compression: target_tokens must be positive")
	}
	return nil
}
