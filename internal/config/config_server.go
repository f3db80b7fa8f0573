package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP gateway. Metrics are served from the
// same listener under /metrics.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadHeaderTimeout bounds slow-header attacks on the listener.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// WebSocket enables the /ws endpoint mirroring the SSE stream.
	WebSocket bool `yaml:"websocket"`
}

func (c *ServerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the relational store backing runs, events,
// jobs and barriers.
type DatabaseConfig struct {
	// Driver selects the SQL dialect: "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// URL is the postgres connection string or the sqlite file path.
	URL string `yaml:"url"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *DatabaseConfig) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

func (c *DatabaseConfig) validate() error {
	switch c.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Driver)
	}
	if c.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	return nil
}
