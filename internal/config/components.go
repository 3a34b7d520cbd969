package config

import (
	"fmt"

	"github.com/knadh/koanf/v2"
)

// ComponentsFile holds the configuration of components, keyed by component
// name. It does not describe components; descriptors come with their
// bundle.
//
// Example YAML structure:
//
//	schema_version: v1
//	components:
//	  - name: greeter
//	    enabled: true
//	    properties:
//	      greeting: hello
//	      clock.target: "(zone=utc)"
//	  - name: ticker
//	    enabled: false
type ComponentsFile struct {
	SchemaVersion string            `yaml:"schema_version"`
	Components    []ComponentConfig `yaml:"components"`
}

// ComponentConfig configures one component.
type ComponentConfig struct {
	// Name is the component name the entry applies to
	Name string `yaml:"name"`

	// Enabled overrides the descriptor's enabled flag; nil keeps it
	Enabled *bool `yaml:"enabled,omitempty"`

	// Properties are the configuration properties. A component whose entry
	// has no properties has no configuration.
	Properties map[string]interface{} `yaml:"properties,omitempty"`
}

// IsEnabled reports the effective enabled flag given the descriptor
// default.
func (c ComponentConfig) IsEnabled(def bool) bool {
	if c.Enabled == nil {
		return def
	}
	return *c.Enabled
}

// Lookup returns the entry for name.
func (f *ComponentsFile) Lookup(name string) (ComponentConfig, bool) {
	for _, c := range f.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentConfig{}, false
}

// Validate checks the schema version and that names are present and unique.
func (f *ComponentsFile) Validate() error {
	if f.SchemaVersion != SchemaVersion {
		return NewConfigError(fmt.Sprintf(
			"unsupported schema_version: %q (expected %q)",
			f.SchemaVersion, SchemaVersion,
		))
	}

	seen := make(map[string]bool, len(f.Components))
	for i, c := range f.Components {
		if c.Name == "" {
			return NewConfigError(fmt.Sprintf("components[%d]: name is required", i))
		}
		if seen[c.Name] {
			return NewConfigError(fmt.Sprintf("components[%d]: duplicate component name %q", i, c.Name))
		}
		seen[c.Name] = true
	}
	return nil
}

// LoadComponentsFile loads and validates a component configuration file.
func LoadComponentsFile(path string) (*ComponentsFile, error) {
	k, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load components config from %q: %w", path, err)
	}

	var cfg ComponentsFile
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse components config from %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("components config validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}
