package config

import (
	"fmt"
	"time"
)

// WorkersConfig configures the worker processor and job queue timing.
type WorkersConfig struct {
	// PoolSize is the number of jobs one processor executes concurrently.
	PoolSize int `yaml:"pool_size"`

	// PollInterval is the queue poll cadence when no job is claimed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatInterval is how often a running worker stamps its job row.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// StaleAfter requeues running jobs whose heartbeat is older than this.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxAttempts bounds claim attempts per job before the job fails with
	// retries exhausted.
	MaxAttempts int `yaml:"max_attempts"`

	// OrphanSweepAge cancels queued jobs whose run is already terminal.
	OrphanSweepAge time.Duration `yaml:"orphan_sweep_age"`

	// MaxIterations caps a standard worker's agent loop.
	MaxIterations int `yaml:"max_iterations"`

	// JobTimeout bounds one job execution end to end. Jobs that exceed it
	// fail with worker_timeout.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

func (c *WorkersConfig) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 120 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.OrphanSweepAge == 0 {
		c.OrphanSweepAge = 5 * time.Minute
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 10 * time.Minute
	}
}

func (c *WorkersConfig) validate() error {
	if c.StaleAfter <= c.HeartbeatInterval {
		return fmt.Errorf("workers.stale_after (%s) must exceed workers.heartbeat_interval (%s)",
			c.StaleAfter, c.HeartbeatInterval)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("workers.pool_size must be at least 1")
	}
	return nil
}

// WorkspaceConfig configures workspace-mode workers that operate on git
// checkouts.
type WorkspaceConfig struct {
	// Root is the directory under which per-run checkouts are created.
	Root string `yaml:"root"`

	// CloneTimeout bounds git clone and fetch operations.
	CloneTimeout time.Duration `yaml:"clone_timeout"`

	// CommandTimeout bounds each subprocess a workspace worker launches.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// BranchPrefix is prepended to the run id to form the work branch.
	BranchPrefix string `yaml:"branch_prefix"`

	// KeepCheckouts skips cleanup after the job finishes, for debugging.
	KeepCheckouts bool `yaml:"keep_checkouts"`

	// AgentCommand is the coding-agent executable a workspace worker
	// launches inside the checkout. Bare names resolve through PATH.
	AgentCommand string `yaml:"agent_command"`

	// AgentArgs are extra arguments inserted before the model and task.
	AgentArgs []string `yaml:"agent_args"`
}

func (c *WorkspaceConfig) applyDefaults() {
	if c.Root == "" {
		c.Root = "/var/lib/foreman/workspaces"
	}
	if c.CloneTimeout == 0 {
		c.CloneTimeout = 5 * time.Minute
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Minute
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "foreman/"
	}
	if c.AgentCommand == "" {
		c.AgentCommand = "agent-run"
	}
}

// BarrierConfig configures fan-in coordination.
type BarrierConfig struct {
	// Deadline is how long a waiting barrier may stay open before the
	// reaper force-resumes the run with timeout placeholders.
	Deadline time.Duration `yaml:"deadline"`

	// ReapInterval is the reaper sweep cadence.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

func (c *BarrierConfig) applyDefaults() {
	if c.Deadline == 0 {
		c.Deadline = 10 * time.Minute
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 30 * time.Second
	}
}

func (c *BarrierConfig) validate() error {
	if c.Deadline < time.Minute {
		return fmt.Errorf("barrier.deadline must be at least 1m, got %s", c.Deadline)
	}
	return nil
}
