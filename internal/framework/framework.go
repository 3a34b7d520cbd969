// Package framework defines the narrow interfaces through which the component
// runtime talks to the hosting service registry and module system.
//
// The runtime core never depends on a concrete registry: it obtains service
// objects, registers services, queries references and listens for service
// events through BundleContext, and loads implementation types and checks
// permissions through Bundle. internal/registry provides an in-memory
// implementation.
package framework

import (
	"context"
)

// Standard service and component property keys.
const (
	ObjectClass      = "objectClass"
	ServiceID        = "service.id"
	ServiceRanking   = "service.ranking"
	ServiceScope     = "service.scope"
	ServicePID       = "service.pid"
	ComponentName    = "component.name"
	ComponentID      = "component.id"
	ComponentFactory = "component.factory"
)

// Service scopes.
const (
	ScopeSingleton = "singleton"
	ScopeBundle    = "bundle"
)

// Permission actions.
const (
	ActionGet      = "get"
	ActionRegister = "register"
)

// Permission names a service interface and the action performed on it.
type Permission struct {
	Service string
	Action  string
}

// ServiceReference identifies one registered service.
type ServiceReference interface {
	ID() int64
	Ranking() int
	// Property returns nil for absent keys.
	Property(key string) interface{}
	// Properties returns a copy.
	Properties() map[string]interface{}
	Interfaces() []string
	// Bundle returns nil once the service is unregistered.
	Bundle() Bundle
}

// ServiceRegistration is returned by RegisterService.
type ServiceRegistration interface {
	Reference() ServiceReference
	SetProperties(ctx context.Context, props map[string]interface{}) error
	Unregister(ctx context.Context) error
}

// ServiceFactory produces per-consumer service objects. A service registered
// with a value implementing ServiceFactory gets bundle scope.
type ServiceFactory interface {
	GetService(ctx context.Context, consumer Bundle, registration ServiceRegistration) (interface{}, error)
	UngetService(ctx context.Context, consumer Bundle, registration ServiceRegistration, service interface{})
}

// Filter is a compiled LDAP style filter.
type Filter interface {
	Matches(props map[string]interface{}) bool
	MatchReference(ref ServiceReference) bool
	String() string
}

// ServiceListener receives service events synchronously on the goroutine
// that caused them. ctx is the caller's context, so lock holds it carries
// are visible to the listener.
type ServiceListener interface {
	ServiceChanged(ctx context.Context, event *ServiceEvent)
}

// BundleContext is a bundle's view of the service registry.
type BundleContext interface {
	Bundle() Bundle
	GetService(ctx context.Context, ref ServiceReference) (interface{}, error)
	UngetService(ctx context.Context, ref ServiceReference) bool
	RegisterService(ctx context.Context, interfaces []string, service interface{}, props map[string]interface{}) (ServiceRegistration, error)
	// GetServiceReferences returns references registered under className
	// (any class when empty) matching filter (all when empty).
	GetServiceReferences(className, filter string) ([]ServiceReference, error)
	CreateFilter(filter string) (Filter, error)
	AddServiceListener(listener ServiceListener, filter string) error
	RemoveServiceListener(listener ServiceListener)
}

// Constructor creates a new implementation object.
type Constructor func() (interface{}, error)

// Bundle is the module that owns components and services.
type Bundle interface {
	ID() int64
	SymbolicName() string
	Context() BundleContext
	LoadClass(name string) (Constructor, error)
	HasPermission(p Permission) bool
}

// Scheduler runs tasks asynchronously.
type Scheduler interface {
	Schedule(task func()) error
}
