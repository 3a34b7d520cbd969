package config

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/v2"

	"github.com/moolen/scr/internal/metadata"
)

// DescriptorsFile is a YAML rendering of component descriptors.
//
//	schema_version: v1
//	components:
//	  - name: greeter
//	    implementation: demo.Greeter
//	    namespace: "1.4"
//	    service:
//	      interfaces: [demo.Greeter]
//	    references:
//	      - name: clock
//	        interface: demo.Clock
//	        policy: dynamic
type DescriptorsFile struct {
	SchemaVersion string                       `yaml:"schema_version"`
	Components    []metadata.ComponentMetadata `yaml:"components"`
}

// LoadDescriptors reads a descriptors file and validates every component in
// it. All validation errors are reported together.
func LoadDescriptors(path string) ([]*metadata.ComponentMetadata, error) {
	k, err := loadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors from %q: %w", path, err)
	}

	var f DescriptorsFile
	if err := k.UnmarshalWithConf("", &f, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse descriptors from %q: %w", path, err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, NewConfigError(fmt.Sprintf(
			"%s: unsupported schema_version: %q (expected %q)",
			path, f.SchemaVersion, SchemaVersion,
		))
	}

	out := make([]*metadata.ComponentMetadata, 0, len(f.Components))
	seen := make(map[string]bool, len(f.Components))
	var errs []error
	for i := range f.Components {
		meta := &f.Components[i]
		if err := meta.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[meta.Name] {
			errs = append(errs, NewConfigError(fmt.Sprintf("components[%d]: duplicate component name %q", i, meta.Name)))
			continue
		}
		seen[meta.Name] = true
		out = append(out, meta)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid descriptors in %q: %w", path, errors.Join(errs...))
	}
	return out, nil
}
