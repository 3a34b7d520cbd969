package manager

import (
	"context"
	"sync"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/lock"
)

// ComponentContext belongs to one implementation object. It is passed to the
// object's lifecycle callbacks and gives access to the component properties
// and to the services bound to its references.
type ComponentContext struct {
	m        *manager
	consumer framework.Bundle
	edges    []*EdgeInfo

	// accessible opens once the Activate callback returned
	accessible *lock.Latch

	mu       sync.Mutex
	instance interface{}
}

func newComponentContext(m *manager, consumer framework.Bundle) *ComponentContext {
	cc := &ComponentContext{
		m:          m,
		consumer:   consumer,
		edges:      make([]*EdgeInfo, len(m.deps)),
		accessible: lock.NewLatch(),
	}
	for i := range cc.edges {
		cc.edges[i] = newEdgeInfo()
	}
	return cc
}

// Instance returns the implementation object, nil once it was released.
func (cc *ComponentContext) Instance() interface{} {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.instance
}

func (cc *ComponentContext) setInstance(v interface{}) {
	cc.mu.Lock()
	cc.instance = v
	cc.mu.Unlock()
}

// Properties returns a copy of the component properties.
func (cc *ComponentContext) Properties() map[string]interface{} {
	return cc.m.properties()
}

func (cc *ComponentContext) ComponentName() string {
	return cc.m.meta.Name
}

func (cc *ComponentContext) ComponentID() int64 {
	return cc.m.ID()
}

// UsingBundle returns the consumer of a bundle scoped service, nil for
// every other component.
func (cc *ComponentContext) UsingBundle() framework.Bundle {
	return cc.consumer
}

// BundleContext returns the context of the bundle declaring the component.
func (cc *ComponentContext) BundleContext() framework.BundleContext {
	return cc.m.bctx
}

// ServiceReference returns the reference of the component's registered
// service, nil when it provides none.
func (cc *ComponentContext) ServiceReference() framework.ServiceReference {
	return cc.m.ServiceReference()
}

// LocateService returns the best service bound to the named reference.
func (cc *ComponentContext) LocateService(ctx context.Context, reference string) interface{} {
	if svcs := cc.LocateServices(ctx, reference); len(svcs) > 0 {
		return svcs[0]
	}
	return nil
}

// LocateServices returns every service bound to the named reference, best
// first.
func (cc *ComponentContext) LocateServices(ctx context.Context, reference string) []interface{} {
	dm, ok := cc.m.dependencyManager(reference)
	if !ok {
		cc.m.logger.Warn("LocateServices: no reference named %s", reference)
		return nil
	}
	return dm.services(ctx)
}

func (cc *ComponentContext) edge(i int) *EdgeInfo {
	return cc.edges[i]
}

func (cc *ComponentContext) setAccessible() {
	cc.accessible.CountDown()
}

func (cc *ComponentContext) isAccessible() bool {
	return cc.accessible.IsOpen()
}
