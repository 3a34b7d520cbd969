package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/manager"
)

func resetFlags() {
	configPath = ""
	componentsPath = ""
	descriptorsPath = ""
	metricsAddress = ""
	demoEnabled = false
	dumpOnly = false
	shutdownTimeout = 15 * time.Second
	validateComponentsPath = ""
	initForce = false
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseLogLevelFlags(t *testing.T) {
	t.Setenv("LOG_LEVEL_SCR_RUNTIME", "warn")

	def, levels, err := parseLogLevelFlags(
		map[string]string{"default": "info", "scheduler": "error", "scr.runtime": "debug"},
		[]string{"debug", "manager.*=warn"},
	)
	require.NoError(t, err)
	assert.Equal(t, "debug", def)
	assert.Equal(t, map[string]string{
		"scheduler":   "error",
		"scr.runtime": "warn",
		"manager.*":   "warn",
	}, levels)
}

func TestParseLogLevelFlagsRejectsUnknownLevel(t *testing.T) {
	_, _, err := parseLogLevelFlags(nil, []string{"manager=loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"manager"`)

	_, _, err = parseLogLevelFlags(nil, []string{"loud"})
	require.Error(t, err)
}

func TestConvertEnvKeyToPackageName(t *testing.T) {
	assert.Equal(t, "scr.runtime", convertEnvKeyToPackageName("LOG_LEVEL_SCR_RUNTIME"))
	assert.Equal(t, "manager", convertEnvKeyToPackageName("LOG_LEVEL_MANAGER"))
}

func TestInitWritesLoadableFiles(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote scr.yaml")

	cfg, err := config.Load(filepath.Join(dir, runtimeConfigName))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, componentsName), cfg.ComponentsFile)
	assert.Equal(t, filepath.Join(dir, descriptorsName), cfg.DescriptorsFile)

	components, err := config.LoadComponentsFile(cfg.ComponentsFile)
	require.NoError(t, err)
	_, ok := components.Lookup("greeter")
	assert.True(t, ok)

	metas, err := config.LoadDescriptors(cfg.DescriptorsFile)
	require.NoError(t, err)
	assert.NotEmpty(t, metas)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	_, err = execute(t, "init", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = execute(t, "init", "--force", dir)
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	out, err := execute(t, "validate", "--components", filepath.Join(dir, componentsName), filepath.Join(dir, descriptorsName))
	require.NoError(t, err)

	var summary validationSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &summary))
	assert.Equal(t, len(summary.Components), summary.Descriptors)
	assert.Equal(t, 2, summary.Configured)
}

func TestValidateRejectsUnknownComponent(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	components := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(components, []byte("schema_version: v1\ncomponents:\n  - name: nope\n"), 0o644))

	_, err = execute(t, "validate", "--components", components, filepath.Join(dir, descriptorsName))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestValidateRejectsUnknownImplementation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`schema_version: v1
components:
  - name: lost
    implementation: nowhere.Lost
`), 0o644))

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere.Lost")
}

func TestRunDump(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	out, err := execute(t, "run", "--dump", "--config", filepath.Join(dir, runtimeConfigName))
	require.NoError(t, err)

	var described []manager.Description
	require.NoError(t, yaml.Unmarshal([]byte(out), &described))
	names := make([]string, 0, len(described))
	for _, d := range described {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "greeter")
	assert.Contains(t, names, "widgets")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: v9\n"), 0o644))

	_, err := execute(t, "run", "--dump", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}
