package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteComponentsFile writes cfg to path through a temp file in the same
// directory and a rename, so readers and the watcher never see a partial
// file.
func WriteComponentsFile(path string, cfg *ComponentsFile) error {
	return writeYAML(path, cfg)
}

// WriteConfig writes a runtime configuration the same way.
func WriteConfig(path string, cfg *Config) error {
	return writeYAML(path, cfg)
}

// WriteDescriptorsFile writes descriptors the same way.
func WriteDescriptorsFile(path string, f *DescriptorsFile) error {
	return writeYAML(path, f)
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	return nil
}
