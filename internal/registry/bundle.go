package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/moolen/scr/internal/framework"
)

// Bundle is a module installed in the registry. It owns the services it
// registers and resolves implementation classes through its class table.
type Bundle struct {
	registry *Registry
	id       int64
	name     string
	classes  *Classes

	mu     sync.RWMutex
	denied map[framework.Permission]bool
}

var _ framework.Bundle = (*Bundle)(nil)

// BundleOption customizes an installed bundle.
type BundleOption func(*Bundle)

// WithClasses sets the class table used by LoadClass.
func WithClasses(classes *Classes) BundleOption {
	return func(b *Bundle) {
		b.classes = classes
	}
}

// WithDeniedPermission removes a permission from the bundle.
func WithDeniedPermission(p framework.Permission) BundleOption {
	return func(b *Bundle) {
		b.denied[p] = true
	}
}

// InstallBundle adds a bundle to the registry.
func (r *Registry) InstallBundle(symbolicName string, opts ...BundleOption) *Bundle {
	r.mu.Lock()
	r.nextBundleID++
	b := &Bundle{
		registry: r,
		id:       r.nextBundleID,
		name:     symbolicName,
		classes:  defaultClasses,
		denied:   make(map[framework.Permission]bool),
	}
	r.bundles[b.id] = b
	r.mu.Unlock()

	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bundle) ID() int64 { return b.id }

func (b *Bundle) SymbolicName() string { return b.name }

func (b *Bundle) Context() framework.BundleContext {
	return &bundleContext{bundle: b}
}

// LoadClass resolves name in the bundle's class table.
func (b *Bundle) LoadClass(name string) (framework.Constructor, error) {
	ctor, ok := b.classes.Get(name)
	if !ok {
		return nil, fmt.Errorf("bundle %s: class %q not found", b.name, name)
	}
	return ctor, nil
}

// HasPermission reports whether p has not been denied.
func (b *Bundle) HasPermission(p framework.Permission) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.denied[p]
}

// SetPermission grants or denies p at runtime.
func (b *Bundle) SetPermission(p framework.Permission, granted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if granted {
		delete(b.denied, p)
		return
	}
	b.denied[p] = true
}

// bundleContext is a bundle's view of the registry.
type bundleContext struct {
	bundle *Bundle
}

var _ framework.BundleContext = (*bundleContext)(nil)

func (c *bundleContext) Bundle() framework.Bundle { return c.bundle }

func (c *bundleContext) registry() *Registry { return c.bundle.registry }

func (c *bundleContext) GetService(ctx context.Context, ref framework.ServiceReference) (interface{}, error) {
	reg, err := c.lookup(ref)
	if err != nil {
		return nil, err
	}
	return reg.getService(ctx, c.bundle)
}

func (c *bundleContext) UngetService(ctx context.Context, ref framework.ServiceReference) bool {
	r, ok := ref.(*reference)
	if !ok || r.reg.registry != c.registry() {
		return false
	}
	return r.reg.ungetService(ctx, c.bundle)
}

func (c *bundleContext) RegisterService(ctx context.Context, interfaces []string, service interface{}, props map[string]interface{}) (framework.ServiceRegistration, error) {
	reg, err := c.registry().register(ctx, c.bundle, interfaces, service, props)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (c *bundleContext) GetServiceReferences(className, filter string) ([]framework.ServiceReference, error) {
	var f framework.Filter
	if filter != "" {
		var err error
		if f, err = c.registry().CreateFilter(filter); err != nil {
			return nil, err
		}
	}
	return c.registry().getServiceReferences(className, f)
}

func (c *bundleContext) CreateFilter(filter string) (framework.Filter, error) {
	return c.registry().CreateFilter(filter)
}

func (c *bundleContext) AddServiceListener(listener framework.ServiceListener, filter string) error {
	return c.registry().addListener(c.bundle, listener, filter)
}

func (c *bundleContext) RemoveServiceListener(listener framework.ServiceListener) {
	c.registry().removeListener(c.bundle, listener)
}

func (c *bundleContext) lookup(ref framework.ServiceReference) (*registration, error) {
	r, ok := ref.(*reference)
	if !ok || r.reg.registry != c.registry() {
		return nil, fmt.Errorf("reference %v does not belong to this registry", ref)
	}
	if !c.registry().has(r.reg.id) {
		return nil, fmt.Errorf("service %d: %w", r.reg.id, ErrServiceUnregistered)
	}
	return r.reg, nil
}
