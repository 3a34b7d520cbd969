package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeFile(t, "scr.yaml", `schema_version: v1
scheduler:
  workers: 8
log_levels:
  manager.*: debug
components_file: components.yaml
descriptors_file: /etc/scr/descriptors.yaml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 256, cfg.Scheduler.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Equal(t, "info", cfg.DefaultLogLevel())
	assert.Equal(t, map[string]string{"manager.*": "debug"}, cfg.PackageLogLevels())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "components.yaml"), cfg.ComponentsFile)
	assert.Equal(t, "/etc/scr/descriptors.yaml", cfg.DescriptorsFile)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"schema version", "schema_version: v2\n"},
		{"lock timeout", "schema_version: v1\nlock_timeout_ms: -1\n"},
		{"workers", "schema_version: v1\nscheduler:\n  workers: -2\n"},
		{"tracing endpoint", "schema_version: v1\ntracing:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "scr.yaml", tt.content))
			var cerr *ConfigError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
