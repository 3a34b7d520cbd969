package manager

import "sort"

// Description is a point in time view of a component, rendered by the CLI.
type Description struct {
	Name           string                 `json:"name" yaml:"name"`
	ID             int64                  `json:"id" yaml:"id"`
	State          string                 `json:"state" yaml:"state"`
	Implementation string                 `json:"implementation" yaml:"implementation"`
	Factory        string                 `json:"factory,omitempty" yaml:"factory,omitempty"`
	Services       []string               `json:"services,omitempty" yaml:"services,omitempty"`
	Scope          string                 `json:"scope,omitempty" yaml:"scope,omitempty"`
	ServiceID      int64                  `json:"serviceId,omitempty" yaml:"service_id,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
	References     []ReferenceDescription `json:"references,omitempty" yaml:"references,omitempty"`
	Instances      int                    `json:"instances" yaml:"instances"`
}

// ReferenceDescription describes one reference and what is bound to it.
type ReferenceDescription struct {
	Name         string  `json:"name" yaml:"name"`
	Interface    string  `json:"interface" yaml:"interface"`
	Cardinality  string  `json:"cardinality" yaml:"cardinality"`
	Policy       string  `json:"policy" yaml:"policy"`
	PolicyOption string  `json:"policyOption" yaml:"policy_option"`
	Filter       string  `json:"filter,omitempty" yaml:"filter,omitempty"`
	Satisfied    bool    `json:"satisfied" yaml:"satisfied"`
	Bound        []int64 `json:"bound,omitempty" yaml:"bound,omitempty"`
}

func (m *manager) describe() Description {
	d := Description{
		Name:           m.meta.Name,
		ID:             m.ID(),
		State:          m.State().String(),
		Implementation: m.meta.Implementation,
		Factory:        m.meta.Factory,
		Services:       m.impl.serviceInterfaces(),
		Properties:     m.properties(),
	}
	if m.meta.Service != nil {
		d.Scope = string(m.meta.ServiceScope())
	}
	if ref := m.ServiceReference(); ref != nil {
		d.ServiceID = ref.ID()
	}
	for _, dm := range m.deps {
		bound := dm.Bound()
		sort.Slice(bound, func(i, j int) bool { return bound[i] < bound[j] })
		d.References = append(d.References, ReferenceDescription{
			Name:         dm.ref.Name,
			Interface:    dm.ref.Interface,
			Cardinality:  string(dm.ref.Cardinality),
			Policy:       string(dm.ref.Policy),
			PolicyOption: string(dm.ref.PolicyOption),
			Filter:       dm.Filter(),
			Satisfied:    dm.IsSatisfied(),
			Bound:        bound,
		})
	}
	return d
}
