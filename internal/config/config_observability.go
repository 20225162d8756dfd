package config

import "time"

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// RedactPatterns adds extra regexps to the logger's built-in secret
	// redaction list.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig configures the OpenTelemetry exporter. Disabled by
// default; set Enabled to ship spans to Endpoint.
type TracingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	Environment    string        `yaml:"environment"`
	Endpoint       string        `yaml:"endpoint"`
	SamplingRate   float64       `yaml:"sampling_rate"`
	EnableInsecure bool          `yaml:"enable_insecure"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}
