package metadata

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// Namespace versions that introduced optional descriptor features.
var (
	namespace10 = version.Must(version.NewVersion("1.0"))
	namespace11 = version.Must(version.NewVersion("1.1"))
	namespace12 = version.Must(version.NewVersion("1.2"))
	namespace14 = version.Must(version.NewVersion("1.4"))

	// LatestNamespace is the newest namespace this runtime understands.
	LatestNamespace = namespace14
)

// NamespaceVersion parses Namespace, defaulting to 1.0.
func (m *ComponentMetadata) NamespaceVersion() (*version.Version, error) {
	if m.Namespace == "" {
		return namespace10, nil
	}
	v, err := version.NewVersion(m.Namespace)
	if err != nil {
		return nil, newValidationError(m.Name, "namespace", "invalid version %q: %v", m.Namespace, err)
	}
	return v, nil
}

// Validate checks the description and fills in defaults: cardinality 1..1,
// static reluctant policy, optional configuration policy, singleton scope.
// Features newer than the declared namespace are rejected.
func (m *ComponentMetadata) Validate() error {
	if m.Name == "" {
		return newValidationError("", "name", "is required")
	}
	if m.Implementation == "" {
		return newValidationError(m.Name, "implementation", "is required")
	}

	ns, err := m.NamespaceVersion()
	if err != nil {
		return err
	}
	if ns.GreaterThan(LatestNamespace) {
		return newValidationError(m.Name, "namespace", "version %s is newer than supported %s", ns, LatestNamespace)
	}
	requires := func(field string, min *version.Version) error {
		if ns.LessThan(min) {
			return newValidationError(m.Name, field, "requires namespace %s or later (declared %s)", min, ns)
		}
		return nil
	}

	switch m.ConfigurationPolicy {
	case "":
		m.ConfigurationPolicy = ConfigurationOptional
	case ConfigurationOptional, ConfigurationRequire, ConfigurationIgnore:
		if err := requires("configuration_policy", namespace11); err != nil {
			return err
		}
	default:
		return newValidationError(m.Name, "configuration_policy", "unknown policy %q", m.ConfigurationPolicy)
	}

	if m.Modified != "" {
		if err := requires("modified", namespace11); err != nil {
			return err
		}
	}
	if len(m.FactoryProperties) > 0 {
		if !m.IsFactory() {
			return newValidationError(m.Name, "factory_properties", "only allowed on factory components")
		}
		if err := requires("factory_properties", namespace14); err != nil {
			return err
		}
	}

	if m.Service != nil {
		if len(m.Service.Interfaces) == 0 {
			return newValidationError(m.Name, "service.interfaces", "at least one interface is required")
		}
		switch m.Service.Scope {
		case "":
			m.Service.Scope = ScopeSingleton
		case ScopeSingleton, ScopeBundle:
		default:
			return newValidationError(m.Name, "service.scope", "unknown scope %q", m.Service.Scope)
		}
		if m.Service.Scope == ScopeBundle && m.IsFactory() {
			return newValidationError(m.Name, "service.scope", "factory components cannot use bundle scope")
		}
	}

	if m.Immediate != nil && *m.Immediate && m.IsFactory() {
		// factories are never immediate in the service sense; the flag is ignored
		m.Immediate = nil
	}
	if m.Immediate != nil && !*m.Immediate && m.Service == nil {
		return newValidationError(m.Name, "immediate", "a component without a service must be immediate")
	}

	if m.Activate == "" {
		m.Activate = "activate"
	}
	if m.Deactivate == "" {
		m.Deactivate = "deactivate"
	}

	seen := make(map[string]bool, len(m.References))
	for i := range m.References {
		ref := &m.References[i]
		field := fmt.Sprintf("references[%d]", i)
		if ref.Name == "" {
			ref.Name = ref.Interface
		}
		if ref.Name == "" {
			return newValidationError(m.Name, field, "name or interface is required")
		}
		if ref.Interface == "" {
			return newValidationError(m.Name, field, "interface is required")
		}
		if seen[ref.Name] {
			return newValidationError(m.Name, field, "duplicate reference name %q", ref.Name)
		}
		seen[ref.Name] = true

		switch ref.Cardinality {
		case "":
			ref.Cardinality = CardinalityMandatory
		case CardinalityOptional, CardinalityMandatory, CardinalityOptionalMultiple, CardinalityMandatoryMultiple:
		default:
			return newValidationError(m.Name, field, "unknown cardinality %q", ref.Cardinality)
		}
		switch ref.Policy {
		case "":
			ref.Policy = PolicyStatic
		case PolicyStatic, PolicyDynamic:
		default:
			return newValidationError(m.Name, field, "unknown policy %q", ref.Policy)
		}
		switch ref.PolicyOption {
		case "":
			ref.PolicyOption = PolicyOptionReluctant
		case PolicyOptionReluctant:
		case PolicyOptionGreedy:
			if err := requires(field+".policy_option", namespace12); err != nil {
				return err
			}
		default:
			return newValidationError(m.Name, field, "unknown policy option %q", ref.PolicyOption)
		}
		if ref.Updated != "" {
			if err := requires(field+".updated", namespace12); err != nil {
				return err
			}
		}
	}

	m.validated = true
	return nil
}
