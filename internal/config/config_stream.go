package config

import (
	"fmt"
	"time"
)

// StreamConfig configures the live event stream.
type StreamConfig struct {
	// QueueSize is the per-consumer frame buffer. Consumers that stay full
	// receive a lagging_consumer frame and are disconnected.
	QueueSize int `yaml:"queue_size"`

	// HeartbeatInterval is the quiet period after which a heartbeat frame
	// keeps the connection alive.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReplayPageSize is the event batch size used while replaying history
	// before switching to live delivery.
	ReplayPageSize int `yaml:"replay_page_size"`
}

func (c *StreamConfig) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReplayPageSize == 0 {
		c.ReplayPageSize = 500
	}
}

func (c *StreamConfig) validate() error {
	if c.QueueSize < 16 {
		return fmt.Errorf("stream.queue_size must be at least 16, got %d", c.QueueSize)
	}
	return nil
}

// ArtifactsConfig configures the content-addressed artifact store.
type ArtifactsConfig struct {
	// Backend selects "local" or "s3".
	Backend string `yaml:"backend"`

	// Root is the local store directory.
	Root string `yaml:"root"`

	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// S3Config configures S3-compatible artifact storage.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

func (c *ArtifactsConfig) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.Root == "" {
		c.Root = "/var/lib/foreman/artifacts"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
}

func (c *ArtifactsConfig) validate() error {
	switch c.Backend {
	case "local":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required when artifacts.backend is s3")
		}
	default:
		return fmt.Errorf("artifacts.backend must be local or s3, got %q", c.Backend)
	}
	return nil
}

// SchedulerConfig configures background maintenance jobs. Each schedule is
// a cron expression; empty uses the default.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`

	// BarrierReapSchedule sweeps expired barriers.
	BarrierReapSchedule string `yaml:"barrier_reap_schedule"`

	// StaleReclaimSchedule requeues jobs with stale heartbeats.
	StaleReclaimSchedule string `yaml:"stale_reclaim_schedule"`

	// OrphanSweepSchedule fails created jobs never admitted to a barrier.
	OrphanSweepSchedule string `yaml:"orphan_sweep_schedule"`

	// RunTimeoutSchedule fails runs past runs.run_timeout.
	RunTimeoutSchedule string `yaml:"run_timeout_schedule"`

	// RetentionSchedule prunes events of old terminal runs.
	RetentionSchedule string `yaml:"retention_schedule"`

	// RetentionDays keeps events of terminal runs for this many days.
	// Zero disables pruning entirely.
	RetentionDays int `yaml:"retention_days"`
}

func (c *SchedulerConfig) applyDefaults() {
	if c.BarrierReapSchedule == "" {
		c.BarrierReapSchedule = "@every 30s"
	}
	if c.StaleReclaimSchedule == "" {
		c.StaleReclaimSchedule = "@every 1m"
	}
	if c.OrphanSweepSchedule == "" {
		c.OrphanSweepSchedule = "@every 5m"
	}
	if c.RunTimeoutSchedule == "" {
		c.RunTimeoutSchedule = "@every 1m"
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "0 3 * * *"
	}
}
