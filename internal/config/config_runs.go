package config

import (
	"fmt"
	"time"
)

// RunsConfig bounds the supervisor loop.
type RunsConfig struct {
	// MaxIterations caps supervisor loop iterations per run.
	MaxIterations int `yaml:"max_iterations"`

	// MaxWorkersPerRun caps total workers spawned across a run's lifetime,
	// counted over all interrupt/resume cycles.
	MaxWorkersPerRun int `yaml:"max_workers_per_run"`

	// MaxSpawnRetries caps re-spawns per tool_call_id after worker failure.
	MaxSpawnRetries int `yaml:"max_spawn_retries"`

	// HeartbeatInterval is how often a heartbeat event is published while
	// the supervisor is blocked on an LLM call.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// RunTimeout fails runs that have not reached a terminal status. Zero
	// disables the sweep.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

func (c *RunsConfig) applyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxWorkersPerRun == 0 {
		c.MaxWorkersPerRun = 20
	}
	if c.MaxSpawnRetries == 0 {
		c.MaxSpawnRetries = 3
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

func (c *RunsConfig) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("runs.max_iterations must be at least 1")
	}
	if c.MaxWorkersPerRun < 1 {
		return fmt.Errorf("runs.max_workers_per_run must be at least 1")
	}
	return nil
}

// ToolsConfig configures tool execution for both roles.
type ToolsConfig struct {
	// DefaultTimeout bounds a single tool call unless the tool declares
	// its own limit.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxInlineOutputBytes is the largest tool result embedded directly in
	// the conversation; larger outputs are stored as artifacts and
	// referenced by hash.
	MaxInlineOutputBytes int `yaml:"max_inline_output_bytes"`

	// MaxConcurrency caps parallel tool calls within one assistant turn.
	MaxConcurrency int `yaml:"max_concurrency"`

	// HTTPFetch configures the http_fetch builtin.
	HTTPFetch HTTPFetchConfig `yaml:"http_fetch"`
}

// HTTPFetchConfig bounds the http_fetch tool.
type HTTPFetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent"`

	// AllowedHosts is the exact-match host allowlist. Empty denies every
	// host; fetch access is an operator opt-in.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

func (c *ToolsConfig) applyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxInlineOutputBytes == 0 {
		c.MaxInlineOutputBytes = 16 * 1024
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.HTTPFetch.Timeout == 0 {
		c.HTTPFetch.Timeout = 30 * time.Second
	}
	if c.HTTPFetch.MaxBodyBytes == 0 {
		c.HTTPFetch.MaxBodyBytes = 2 * 1024 * 1024
	}
	if c.HTTPFetch.UserAgent == "" {
		c.HTTPFetch.UserAgent = "foreman/1.0"
	}
}
