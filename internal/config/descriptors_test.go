package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/metadata"
)

func TestLoadDescriptors(t *testing.T) {
	path := writeFile(t, "descriptors.yaml", `schema_version: v1
components:
  - name: greeter
    implementation: demo.Greeter
    namespace: "1.4"
    service:
      interfaces: [demo.Greeter]
    references:
      - name: clock
        interface: demo.Clock
        policy: dynamic
        policy_option: greedy
  - name: widgets
    implementation: demo.Widget
    factory: demo.widgets
`)

	metas, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, metas, 2)

	greeter := metas[0]
	assert.Equal(t, "greeter", greeter.Name)
	assert.Equal(t, "activate", greeter.Activate)
	require.Len(t, greeter.References, 1)
	assert.Equal(t, metadata.PolicyDynamic, greeter.References[0].Policy)
	assert.Equal(t, metadata.PolicyOptionGreedy, greeter.References[0].PolicyOption)
	assert.Equal(t, []string{"demo.Greeter"}, greeter.Service.Interfaces)

	assert.Equal(t, "demo.widgets", metas[1].Factory)
}

func TestLoadDescriptorsReportsAllErrors(t *testing.T) {
	path := writeFile(t, "descriptors.yaml", `schema_version: v1
components:
  - implementation: demo.Nameless
  - name: old
    implementation: demo.Old
    namespace: "1.0"
    modified: modified
  - name: fine
    implementation: demo.Fine
`)

	_, err := LoadDescriptors(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "old")
}

func TestLoadDescriptorsSchemaVersion(t *testing.T) {
	_, err := LoadDescriptors(writeFile(t, "descriptors.yaml", "schema_version: v0\ncomponents: []\n"))
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}
