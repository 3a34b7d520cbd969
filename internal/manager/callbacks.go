package manager

import (
	"context"

	"github.com/moolen/scr/internal/framework"
)

// Component implementation objects opt into lifecycle callbacks by
// implementing the interfaces below. Reference callbacks are only invoked
// when the reference declares the matching method name (bind, unbind,
// updated); Modified is only invoked when the component declares a modified
// method.

// Activator is called once all references are bound. An error fails the
// activation and unbinds everything again.
type Activator interface {
	Activate(ctx context.Context, cc *ComponentContext) error
}

// Deactivator is called before references are unbound. Errors are logged.
type Deactivator interface {
	Deactivate(ctx context.Context, cc *ComponentContext, reason Reason) error
}

// Modifier receives new component properties without a reactivation.
type Modifier interface {
	Modified(ctx context.Context, cc *ComponentContext, props map[string]interface{}) error
}

// ReferenceBinder receives a service for the named reference.
type ReferenceBinder interface {
	Bind(ctx context.Context, reference string, service interface{}, ref framework.ServiceReference) error
}

// ReferenceUnbinder is told that a bound service goes away.
type ReferenceUnbinder interface {
	Unbind(ctx context.Context, reference string, service interface{}, ref framework.ServiceReference) error
}

// ReferenceUpdater is told that the properties of a bound service changed.
// Returning reactivate asks a static reference to rebind through a
// deactivation.
type ReferenceUpdater interface {
	Updated(ctx context.Context, reference string, service interface{}, ref framework.ServiceReference) (reactivate bool, err error)
}

