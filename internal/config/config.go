// Package config loads and validates the foreman configuration from YAML
// or JSON5 files, with $include composition and environment expansion.
package config

import (
	"fmt"
)

// Config is the root configuration for the orchestration core.
type Config struct {
	// Version is the configuration file version. Defaults to CurrentVersion
	// when omitted.
	Version int `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Runs      RunsConfig      `yaml:"runs"`
	Tools     ToolsConfig     `yaml:"tools"`
	Workers   WorkersConfig   `yaml:"workers"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Barrier   BarrierConfig   `yaml:"barrier"`
	Stream    StreamConfig    `yaml:"stream"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// Load reads the configuration file at path, resolves $include directives,
// expands environment variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	tree, err := readTree(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decodeStrict(tree)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.LLM.validate(); err != nil {
		return err
	}
	if err := c.Runs.validate(); err != nil {
		return err
	}
	if err := c.Workers.validate(); err != nil {
		return err
	}
	if err := c.Barrier.validate(); err != nil {
		return err
	}
	if err := c.Stream.validate(); err != nil {
		return err
	}
	if err := c.Artifacts.validate(); err != nil {
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	cfg.Server.applyDefaults()
	cfg.Database.applyDefaults()
	cfg.LLM.applyDefaults()
	cfg.Runs.applyDefaults()
	cfg.Tools.applyDefaults()
	cfg.Workers.applyDefaults()
	cfg.Workspace.applyDefaults()
	cfg.Barrier.applyDefaults()
	cfg.Stream.applyDefaults()
	cfg.Artifacts.applyDefaults()
	cfg.Scheduler.applyDefaults()
	cfg.Logging.applyDefaults()
}
