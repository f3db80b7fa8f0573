package config

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// AddSource includes file and line in records.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns adds regexes on top of the built-in secret patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

func (c *LoggingConfig) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

// TracingConfig controls OpenTelemetry tracing. Disabled unless an
// endpoint is configured.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}
