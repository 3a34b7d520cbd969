package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateFillsDefaults(t *testing.T) {
	m := &ComponentMetadata{
		Name:           "greeter",
		Implementation: "demo.Greeter",
		Service:        &ServiceMetadata{Interfaces: []string{"demo.Greeter"}},
		References: []ReferenceMetadata{
			{Interface: "demo.Clock"},
		},
	}

	require.NoError(t, m.Validate())
	assert.True(t, m.IsValidated())

	ref := m.References[0]
	assert.Equal(t, "demo.Clock", ref.Name)
	assert.Equal(t, CardinalityMandatory, ref.Cardinality)
	assert.Equal(t, PolicyStatic, ref.Policy)
	assert.Equal(t, PolicyOptionReluctant, ref.PolicyOption)
	assert.False(t, ref.IsOptional())
	assert.False(t, ref.IsMultiple())
	assert.True(t, ref.IsStatic())
	assert.True(t, ref.IsReluctant())
	assert.Equal(t, "demo.Clock.target", ref.TargetPropertyName())

	assert.Equal(t, ConfigurationOptional, m.ConfigurationPolicy)
	assert.Equal(t, ScopeSingleton, m.ServiceScope())
	assert.False(t, m.IsImmediate(), "components providing a service are delayed by default")
	assert.Equal(t, "greeter", m.ConfigurationPIDOrName())
}

func TestImmediateDefaults(t *testing.T) {
	noService := &ComponentMetadata{Name: "a", Implementation: "x"}
	assert.True(t, noService.IsImmediate())

	factory := &ComponentMetadata{Name: "b", Implementation: "x", Factory: "b.factory",
		Service: &ServiceMetadata{Interfaces: []string{"x"}}}
	assert.True(t, factory.IsImmediate())

	explicit := &ComponentMetadata{Name: "c", Implementation: "x", Immediate: boolPtr(true),
		Service: &ServiceMetadata{Interfaces: []string{"x"}}}
	assert.True(t, explicit.IsImmediate())

	delayedWithoutService := &ComponentMetadata{Name: "d", Implementation: "x", Immediate: boolPtr(false)}
	assert.Error(t, delayedWithoutService.Validate())
}

func TestValidateNamespaceGating(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		mutate    func(m *ComponentMetadata)
		wantErr   string
	}{
		{
			name:      "greedy needs 1.2",
			namespace: "1.1",
			mutate: func(m *ComponentMetadata) {
				m.References = []ReferenceMetadata{{Name: "clock", Interface: "demo.Clock", PolicyOption: PolicyOptionGreedy}}
			},
			wantErr: "requires namespace 1.2",
		},
		{
			name:      "greedy accepted on 1.3",
			namespace: "1.3",
			mutate: func(m *ComponentMetadata) {
				m.References = []ReferenceMetadata{{Name: "clock", Interface: "demo.Clock", PolicyOption: PolicyOptionGreedy}}
			},
		},
		{
			name:      "modified needs 1.1",
			namespace: "",
			mutate:    func(m *ComponentMetadata) { m.Modified = "modified" },
			wantErr:   "modified",
		},
		{
			name:      "updated needs 1.2",
			namespace: "1.1",
			mutate: func(m *ComponentMetadata) {
				m.References = []ReferenceMetadata{{Name: "clock", Interface: "demo.Clock", Updated: "updatedClock"}}
			},
			wantErr: "updated",
		},
		{
			name:      "factory properties need 1.4",
			namespace: "1.3",
			mutate: func(m *ComponentMetadata) {
				m.Factory = "f"
				m.FactoryProperties = map[string]interface{}{"a": 1}
			},
			wantErr: "factory_properties",
		},
		{
			name:      "unknown namespace",
			namespace: "2.0",
			wantErr:   "newer than supported",
		},
		{
			name:      "garbage namespace",
			namespace: "one.two",
			wantErr:   "invalid version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &ComponentMetadata{Name: "c", Implementation: "demo.C", Namespace: tt.namespace}
			if tt.mutate != nil {
				tt.mutate(m)
			}
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestValidateRejectsBadReferences(t *testing.T) {
	tests := map[string][]ReferenceMetadata{
		"duplicate":   {{Name: "a", Interface: "x"}, {Name: "a", Interface: "y"}},
		"cardinality": {{Name: "a", Interface: "x", Cardinality: "2..3"}},
		"policy":      {{Name: "a", Interface: "x", Policy: "lazy"}},
		"interface":   {{Name: "a"}},
	}
	for name, refs := range tests {
		t.Run(name, func(t *testing.T) {
			m := &ComponentMetadata{Name: "c", Implementation: "demo.C", References: refs}
			assert.Error(t, m.Validate())
			assert.False(t, m.IsValidated())
		})
	}
}

func TestReferenceLookupAndCardinality(t *testing.T) {
	m := &ComponentMetadata{
		Name:           "c",
		Implementation: "demo.C",
		References: []ReferenceMetadata{
			{Name: "logs", Interface: "demo.Log", Cardinality: CardinalityOptionalMultiple, Policy: PolicyDynamic},
		},
	}
	require.NoError(t, m.Validate())

	ref, ok := m.Reference("logs")
	require.True(t, ok)
	assert.True(t, ref.IsOptional())
	assert.True(t, ref.IsMultiple())
	assert.False(t, ref.IsStatic())

	_, ok = m.Reference("missing")
	assert.False(t, ok)
}
