package config

import (
	"fmt"
	"time"
)

// LLMConfig configures providers and models for supervisor and worker
// agents.
type LLMConfig struct {
	// DefaultProvider is used when a run does not name one.
	DefaultProvider string `yaml:"default_provider"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// SupervisorModel is the default model for supervisor runs.
	SupervisorModel string `yaml:"supervisor_model"`

	// WorkerModel is the default model for spawned workers. Falls back to
	// SupervisorModel when empty.
	WorkerModel string `yaml:"worker_model"`

	// RequestTimeout bounds a single completion request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Retry governs transport-level retries on completion requests.
	Retry RetryConfig `yaml:"retry"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
}

// RetryConfig configures exponential backoff for transient failures.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       bool          `yaml:"jitter"`
}

func (c *LLMConfig) applyDefaults() {
	if c.DefaultProvider == "" {
		c.DefaultProvider = "anthropic"
	}
	if c.Providers == nil {
		c.Providers = map[string]LLMProviderConfig{}
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 8 * time.Second
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = 2.0
	}
}

func (c *LLMConfig) validate() error {
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return fmt.Errorf("llm.default_provider %q has no entry under llm.providers", c.DefaultProvider)
	}
	for name := range c.Providers {
		switch name {
		case "anthropic", "openai", "google":
		default:
			return fmt.Errorf("llm.providers: unknown provider %q", name)
		}
	}
	return nil
}
