package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SchemaVersion is the only supported schema_version of every file read by
// this package.
const SchemaVersion = "v1"

// Config holds the runtime configuration, usually loaded from scr.yaml.
//
// Example YAML structure:
//
//	schema_version: v1
//	lock_timeout_ms: 5000
//	scheduler:
//	  workers: 4
//	  queue_size: 256
//	metrics:
//	  enabled: true
//	  address: ":9090"
//	tracing:
//	  enabled: false
//	log_levels:
//	  default: info
//	  manager.*: debug
//	components_file: components.yaml
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// LockTimeoutMillis bounds component lock acquisition and latch waits
	LockTimeoutMillis int `yaml:"lock_timeout_ms"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// LogLevels maps logger name patterns to levels; "default" sets the
	// global level
	LogLevels map[string]string `yaml:"log_levels"`

	// ComponentsFile is the component configuration file, relative paths
	// are resolved against the directory of the runtime config
	ComponentsFile string `yaml:"components_file"`

	// DescriptorsFile lists component descriptors to load on start
	DescriptorsFile string `yaml:"descriptors_file"`
}

// SchedulerConfig sizes the worker pool running asynchronous component work.
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	TLSCAPath string `yaml:"tls_ca_path"`
	Insecure  bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SchemaVersion:     SchemaVersion,
		LockTimeoutMillis: 5000,
		Scheduler: SchedulerConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		LogLevels: map[string]string{"default": "info"},
	}
}

// Load reads and validates a runtime configuration file. Keys missing from
// the file keep their default.
func Load(path string) (*Config, error) {
	k, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime config from %q: %w", path, err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config from %q: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime config validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	if c.ComponentsFile != "" && !filepath.IsAbs(c.ComponentsFile) {
		c.ComponentsFile = filepath.Join(dir, c.ComponentsFile)
	}
	if c.DescriptorsFile != "" && !filepath.IsAbs(c.DescriptorsFile) {
		c.DescriptorsFile = filepath.Join(dir, c.DescriptorsFile)
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return NewConfigError(fmt.Sprintf("unsupported schema_version: %q (expected %q)", c.SchemaVersion, SchemaVersion))
	}
	if c.LockTimeoutMillis < 1 {
		return NewConfigError("lock_timeout_ms must be at least 1")
	}
	if c.Scheduler.Workers < 1 {
		return NewConfigError("scheduler.workers must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		return NewConfigError("scheduler.queue_size must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return NewConfigError("metrics.address must be set when metrics are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}
	return nil
}

// LockTimeout returns LockTimeoutMillis as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMillis) * time.Millisecond
}

// DefaultLogLevel returns the global log level.
func (c *Config) DefaultLogLevel() string {
	if lvl, ok := c.LogLevels["default"]; ok && lvl != "" {
		return lvl
	}
	return "info"
}

// PackageLogLevels returns the per logger levels without the default.
func (c *Config) PackageLogLevels() map[string]string {
	out := make(map[string]string, len(c.LogLevels))
	for name, lvl := range c.LogLevels {
		if name != "default" {
			out[name] = lvl
		}
	}
	return out
}

// loadFile reads a YAML file into a koanf instance. Keys are split on "/"
// because log level patterns and component property names contain dots.
func loadFile(path string) (*koanf.Koanf, error) {
	k := koanf.New("/")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, err
	}
	return k, nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
