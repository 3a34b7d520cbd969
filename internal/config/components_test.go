package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validComponents() string {
	return `schema_version: v1
components:
  - name: greeter
    properties:
      greeting: hello
      clock.target: "(zone=utc)"
  - name: ticker
    enabled: false
`
}

func TestLoadComponentsFile(t *testing.T) {
	cfg, err := LoadComponentsFile(writeFile(t, "components.yaml", validComponents()))
	require.NoError(t, err)
	require.Len(t, cfg.Components, 2)

	greeter, ok := cfg.Lookup("greeter")
	require.True(t, ok)
	assert.Equal(t, "hello", greeter.Properties["greeting"])
	assert.Equal(t, "(zone=utc)", greeter.Properties["clock.target"])
	assert.True(t, greeter.IsEnabled(true))
	assert.False(t, greeter.IsEnabled(false))

	ticker, ok := cfg.Lookup("ticker")
	require.True(t, ok)
	assert.False(t, ticker.IsEnabled(true))
	assert.Nil(t, ticker.Properties)

	_, ok = cfg.Lookup("absent")
	assert.False(t, ok)
}

func TestComponentsFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"schema version", "schema_version: v9\ncomponents: []\n"},
		{"missing name", "schema_version: v1\ncomponents:\n  - enabled: true\n"},
		{"duplicate", "schema_version: v1\ncomponents:\n  - name: a\n  - name: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadComponentsFile(writeFile(t, "components.yaml", tt.content))
			var cerr *ConfigError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}
