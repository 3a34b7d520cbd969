// Package metadata holds the read-only component descriptions the runtime
// manages: the component itself, the service it provides and the references
// it declares. Descriptions are built in code (or by an external descriptor
// reader) and validated before a component manager is created for them.
package metadata

import (
	"fmt"
	"sort"
)

// Cardinality of a reference.
type Cardinality string

const (
	CardinalityOptional          Cardinality = "0..1"
	CardinalityMandatory         Cardinality = "1..1"
	CardinalityOptionalMultiple  Cardinality = "0..n"
	CardinalityMandatoryMultiple Cardinality = "1..n"
)

// Policy decides whether a bound reference may change while active.
type Policy string

const (
	PolicyStatic  Policy = "static"
	PolicyDynamic Policy = "dynamic"
)

// PolicyOption decides whether a better service replaces a bound one.
type PolicyOption string

const (
	PolicyOptionReluctant PolicyOption = "reluctant"
	PolicyOptionGreedy    PolicyOption = "greedy"
)

// ConfigurationPolicy decides how configuration gates activation.
type ConfigurationPolicy string

const (
	ConfigurationOptional ConfigurationPolicy = "optional"
	ConfigurationRequire  ConfigurationPolicy = "require"
	ConfigurationIgnore   ConfigurationPolicy = "ignore"
)

// ServiceScope of a provided service.
type ServiceScope string

const (
	ScopeSingleton ServiceScope = "singleton"
	ScopeBundle    ServiceScope = "bundle"
)

// ReferenceMetadata describes one declared service dependency.
type ReferenceMetadata struct {
	Name         string       `yaml:"name"`
	Interface    string       `yaml:"interface"`
	Cardinality  Cardinality  `yaml:"cardinality,omitempty"`
	Policy       Policy       `yaml:"policy,omitempty"`
	PolicyOption PolicyOption `yaml:"policy_option,omitempty"`
	Target       string       `yaml:"target,omitempty"`
	Bind         string       `yaml:"bind,omitempty"`
	Unbind       string       `yaml:"unbind,omitempty"`
	Updated      string       `yaml:"updated,omitempty"`
}

// IsOptional reports a minimum cardinality of zero.
func (r *ReferenceMetadata) IsOptional() bool {
	return r.Cardinality == CardinalityOptional || r.Cardinality == CardinalityOptionalMultiple
}

// IsMultiple reports an upper cardinality of n.
func (r *ReferenceMetadata) IsMultiple() bool {
	return r.Cardinality == CardinalityOptionalMultiple || r.Cardinality == CardinalityMandatoryMultiple
}

func (r *ReferenceMetadata) IsStatic() bool {
	return r.Policy != PolicyDynamic
}

func (r *ReferenceMetadata) IsReluctant() bool {
	return r.PolicyOption != PolicyOptionGreedy
}

// TargetPropertyName is the component property that overrides Target.
func (r *ReferenceMetadata) TargetPropertyName() string {
	return r.Name + ".target"
}

// ServiceMetadata describes the provided service.
type ServiceMetadata struct {
	Interfaces []string     `yaml:"interfaces"`
	Scope      ServiceScope `yaml:"scope,omitempty"`
}

// ComponentMetadata describes one component.
type ComponentMetadata struct {
	Name           string `yaml:"name"`
	Implementation string `yaml:"implementation"`
	// Namespace is the descriptor namespace version, e.g. "1.3".
	Namespace string `yaml:"namespace,omitempty"`
	// Disabled components are not enabled when their bundle starts.
	Disabled  bool  `yaml:"disabled,omitempty"`
	Immediate *bool `yaml:"immediate,omitempty"`
	// Factory is the component factory identifier; empty for plain components.
	Factory             string                 `yaml:"factory,omitempty"`
	FactoryProperties   map[string]interface{} `yaml:"factory_properties,omitempty"`
	ConfigurationPolicy ConfigurationPolicy    `yaml:"configuration_policy,omitempty"`
	ConfigurationPID    string                 `yaml:"configuration_pid,omitempty"`
	Properties          map[string]interface{} `yaml:"properties,omitempty"`
	Service             *ServiceMetadata       `yaml:"service,omitempty"`
	References          []ReferenceMetadata    `yaml:"references,omitempty"`
	Activate            string                 `yaml:"activate,omitempty"`
	Deactivate          string                 `yaml:"deactivate,omitempty"`
	Modified            string                 `yaml:"modified,omitempty"`

	validated bool
}

// IsFactory reports whether the component is a component factory.
func (m *ComponentMetadata) IsFactory() bool {
	return m.Factory != ""
}

// IsImmediate defaults to true for components without a service and for
// factories, false otherwise.
func (m *ComponentMetadata) IsImmediate() bool {
	if m.Immediate != nil {
		return *m.Immediate
	}
	return m.Service == nil || m.IsFactory()
}

// ProvidesService reports whether a service is declared.
func (m *ComponentMetadata) ProvidesService() bool {
	return m.Service != nil && len(m.Service.Interfaces) > 0
}

// ServiceScope returns the declared scope, singleton by default.
func (m *ComponentMetadata) ServiceScope() ServiceScope {
	if m.Service == nil || m.Service.Scope == "" {
		return ScopeSingleton
	}
	return m.Service.Scope
}

// ConfigurationPIDOrName returns ConfigurationPID or, when unset, Name.
func (m *ComponentMetadata) ConfigurationPIDOrName() string {
	if m.ConfigurationPID != "" {
		return m.ConfigurationPID
	}
	return m.Name
}

// IsConfigurationRequired reports configuration policy "require".
func (m *ComponentMetadata) IsConfigurationRequired() bool {
	return m.ConfigurationPolicy == ConfigurationRequire
}

// IsConfigurationIgnored reports configuration policy "ignore".
func (m *ComponentMetadata) IsConfigurationIgnored() bool {
	return m.ConfigurationPolicy == ConfigurationIgnore
}

// Reference returns the reference called name.
func (m *ComponentMetadata) Reference(name string) (*ReferenceMetadata, bool) {
	for i := range m.References {
		if m.References[i].Name == name {
			return &m.References[i], true
		}
	}
	return nil, false
}

// IsValidated reports whether Validate succeeded.
func (m *ComponentMetadata) IsValidated() bool {
	return m.validated
}

// CopyProperties returns a copy of Properties.
func (m *ComponentMetadata) CopyProperties() map[string]interface{} {
	out := make(map[string]interface{}, len(m.Properties))
	for k, v := range m.Properties {
		out[k] = v
	}
	return out
}

// Sorted returns a copy of components ordered by name.
func Sorted(components []*ComponentMetadata) []*ComponentMetadata {
	out := append([]*ComponentMetadata(nil), components...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidationError reports an invalid component description.
type ValidationError struct {
	Component string
	Field     string
	Msg       string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("component %q: %s", e.Component, e.Msg)
	}
	return fmt.Sprintf("component %q: %s: %s", e.Component, e.Field, e.Msg)
}

func newValidationError(component, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Component: component, Field: field, Msg: fmt.Sprintf(format, args...)}
}
