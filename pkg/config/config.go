// Package config defines the engine configuration model: agent roles, critic
// registration, refinement bounds, memory retrieval tuning, storage locations
// and the server surface. Every struct follows the SetDefaults/Validate pair
// convention; Load applies both after YAML decoding and env expansion.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Reserved agent role names the chain depends on.
const (
	RoleBuilder = "builder"
	RoleCloser  = "closer"
)

// Config is the root engine configuration.
type Config struct {
	// Agents maps role name to agent configuration. "builder" and "closer"
	// are required; critic members reference entries here by name.
	Agents map[string]*AgentConfig `yaml:"agents"`

	Critics     CriticsConfig     `yaml:"critics"`
	Refinement  RefinementConfig  `yaml:"refinement,omitempty"`
	Compression CompressionConfig `yaml:"compression,omitempty"`
	Embedder    EmbedderConfig    `yaml:"embedder,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
	Storage     StorageConfig     `yaml:"storage,omitempty"`
	Retry       RetryConfig       `yaml:"retry,omitempty"`

	// LogLevel for the process logger (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`
}

func (c *Config) SetDefaults() {
	for _, agent := range c.Agents {
		agent.SetDefaults()
	}
	c.Critics.SetDefaults()
	c.Refinement.SetDefaults()
	c.Compression.SetDefaults()
	c.Embedder.SetDefaults()
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Retry.SetDefaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	for _, role := range []string{RoleBuilder, RoleCloser} {
		if _, ok := c.Agents[role]; !ok {
			return fmt.Errorf("agent %q is required", role)
		}
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
	}
	if err := c.Critics.Validate(); err != nil {
		return err
	}
	for _, m := range c.Critics.Members {
		if _, ok := c.Agents[m.Name]; !ok {
			return fmt.Errorf("critic %q has no matching agent", m.Name)
		}
	}
	if err := c.Refinement.Validate(); err != nil {
		return err
	}
	if err := c.Compression.Validate(); err != nil {
		return err
	}
	if err := c.Embedder.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return c.Retry.Validate()
}

// Agent returns the configuration for a role name.
func (c *Config) Agent(name string) (*AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok
}

// AgentNames returns all configured role names, sorted.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a YAML configuration file, expands environment references,
// applies defaults and validates the result. Env files (.env.local, .env)
// are loaded first so ${VAR} references resolve against them.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration bytes with env expansion, defaults and
// validation applied.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a runnable configuration without a config file: a mock
// friendly builder, two critics and a closer. Intended for quick starts and
// tests.
func Default() *Config {
	cfg := &Config{
		Agents: map[string]*AgentConfig{
			RoleBuilder: {
				Model:         "openai/gpt-4o",
				SystemPrompt:  "You are the builder. Produce a complete, concrete first answer.",
				MemoryEnabled: true,
			},
			"critic_arch": {
				Model:        "anthropic/claude-3-5-sonnet-20241022",
				SystemPrompt: "You review architecture and design soundness.",
			},
			"critic_simplicity": {
				Model:        "openai/gpt-4o-mini",
				SystemPrompt: "You review for unnecessary complexity.",
			},
			RoleCloser: {
				Model:         "openai/gpt-4o",
				SystemPrompt:  "You merge the build and reviews into a final answer.",
				MemoryEnabled: true,
			},
		},
		Critics: CriticsConfig{
			Members: []CriticConfig{
				{Name: "critic_arch", Weight: 1.5, Keywords: []string{"architecture", "design", "scale", "database"}},
				{Name: "critic_simplicity", Weight: 1.0, Keywords: []string{"simple", "refactor", "cleanup"}},
			},
			MinCritics:      1,
			MaxCritics:      2,
			FallbackCritics: []string{"critic_arch"},
		},
	}
	cfg.SetDefaults()
	return cfg
}
