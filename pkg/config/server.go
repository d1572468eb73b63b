package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// RequestTimeout bounds a single chain run end to end.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Minute
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server: port must be in 1..65535, got %d", c.Port)
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig locates the conversation database and run log directory.
type StorageConfig struct {
	// DBPath is the SQLite file; ":memory:" is accepted for tests.
	DBPath string `yaml:"db_path,omitempty"`

	// LogDir receives per-call scrubbed JSON run logs.
	LogDir string `yaml:"log_dir,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/conversations.db"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
}

func (c *StorageConfig) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("storage: db_path is required")
	}
	return nil
}

// EmbedderConfig configures the embedding backend used for semantic memory.
type EmbedderConfig struct {
	// Backend is "openai" or "ollama".
	Backend string `yaml:"backend,omitempty"`

	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the backend endpoint (mainly for ollama).
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimensions of produced vectors; informational, the engine trusts the
	// backend response.
	Dimensions int `yaml:"dimensions,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "openai"
	}
	if c.Model == "" {
		switch c.Backend {
		case "ollama":
			c.Model = "nomic-embed-text"
		default:
			c.Model = "text-embedding-3-small"
		}
	}
	if c.BaseURL == "" && c.Backend == "ollama" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Dimensions == 0 {
		c.Dimensions = 1536
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedder: unknown backend %q (valid: openai, ollama)", c.Backend)
	}
	return nil
}

// RetryConfig tunes transient-failure retry for provider HTTP calls.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `yaml:"max_delay,omitempty"`
}

func (c *RetryConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 4 * time.Second
	}
}

func (c *RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("retry: max_retries must be >= 0")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry: delays must satisfy 0 < base_delay <= max_delay")
	}
	return nil
}
