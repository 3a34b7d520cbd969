package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/moolen/scr/internal/framework"
)

type usage struct {
	count   int
	service interface{}
	// done is non-nil while a service factory produces the object
	done chan struct{}
}

type registration struct {
	registry   *Registry
	owner      *Bundle
	id         int64
	interfaces []string
	service    interface{}
	ref        *reference

	mu           sync.Mutex
	props        map[string]interface{}
	unregistered bool
	usage        map[*Bundle]*usage
}

var _ framework.ServiceRegistration = (*registration)(nil)

func newRegistration(r *Registry, owner *Bundle, id int64, interfaces []string, service interface{}, props map[string]interface{}) *registration {
	reg := &registration{
		registry:   r,
		owner:      owner,
		id:         id,
		interfaces: append([]string(nil), interfaces...),
		service:    service,
		usage:      make(map[*Bundle]*usage),
	}
	reg.props = reg.buildProps(props)
	reg.ref = &reference{reg: reg}
	return reg
}

func (reg *registration) buildProps(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props)+3)
	for k, v := range props {
		out[k] = v
	}
	out[framework.ObjectClass] = append([]string(nil), reg.interfaces...)
	out[framework.ServiceID] = reg.id
	scope := framework.ScopeSingleton
	if _, ok := reg.service.(framework.ServiceFactory); ok {
		scope = framework.ScopeBundle
	}
	if declared, ok := props[framework.ServiceScope].(string); ok && declared != "" {
		scope = declared
	}
	out[framework.ServiceScope] = scope
	return out
}

func (reg *registration) Reference() framework.ServiceReference {
	return reg.ref
}

func (reg *registration) SetProperties(ctx context.Context, props map[string]interface{}) error {
	return reg.registry.modify(ctx, reg, props)
}

func (reg *registration) Unregister(ctx context.Context) error {
	return reg.registry.unregister(ctx, reg)
}

func (reg *registration) hasInterface(name string) bool {
	for _, iface := range reg.interfaces {
		if iface == name {
			return true
		}
	}
	return false
}

// snapshot returns a copy of the properties, or false once unregistered.
func (reg *registration) snapshot() (map[string]interface{}, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.unregistered {
		return nil, false
	}
	return copyProps(reg.props), true
}

func (reg *registration) setProperties(props map[string]interface{}) {
	built := reg.buildProps(props)
	reg.mu.Lock()
	reg.props = built
	reg.mu.Unlock()
}

// markUnregistering flips the unregistered flag for new lookups but keeps
// existing usage so UNREGISTERING listeners can still release services.
func (reg *registration) markUnregistering() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.unregistered {
		return false
	}
	reg.unregistered = true
	return true
}

func (reg *registration) property(key string) interface{} {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if v, ok := reg.props[key]; ok {
		return v
	}
	v, _ := lookup(reg.props, key)
	return v
}

func (reg *registration) allProperties() map[string]interface{} {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return copyProps(reg.props)
}

type gettingKey struct{}

type gettingEntry struct {
	reg      *registration
	consumer *Bundle
	parent   *gettingEntry
}

// inProgress reports whether ctx descends from a service factory call for
// the same registration and consumer.
func inProgress(ctx context.Context, reg *registration, consumer *Bundle) bool {
	e, _ := ctx.Value(gettingKey{}).(*gettingEntry)
	for ; e != nil; e = e.parent {
		if e.reg == reg && e.consumer == consumer {
			return true
		}
	}
	return false
}

// getService returns the service object for consumer. Service factories
// are invoked once per consumer bundle and cached until the use count
// drops to zero. Concurrent callers wait for the factory call in flight.
func (reg *registration) getService(ctx context.Context, consumer *Bundle) (interface{}, error) {
	for {
		reg.mu.Lock()
		u, ok := reg.usage[consumer]
		if !ok || u.done == nil {
			break
		}
		if inProgress(ctx, reg, consumer) {
			reg.mu.Unlock()
			return nil, fmt.Errorf("service %d for bundle %s: %w", reg.id, consumer.SymbolicName(), ErrCircularReference)
		}
		done := u.done
		reg.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// reg.mu is held here

	if u, ok := reg.usage[consumer]; ok {
		u.count++
		svc := u.service
		reg.mu.Unlock()
		return svc, nil
	}

	factory, isFactory := reg.service.(framework.ServiceFactory)
	if !isFactory {
		reg.usage[consumer] = &usage{count: 1, service: reg.service}
		reg.mu.Unlock()
		return reg.service, nil
	}

	u := &usage{done: make(chan struct{})}
	reg.usage[consumer] = u
	reg.mu.Unlock()

	parent, _ := ctx.Value(gettingKey{}).(*gettingEntry)
	factoryCtx := context.WithValue(ctx, gettingKey{}, &gettingEntry{reg: reg, consumer: consumer, parent: parent})
	svc, err := factory.GetService(factoryCtx, consumer, reg)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	close(u.done)
	u.done = nil
	if err != nil || svc == nil {
		delete(reg.usage, consumer)
		if err == nil {
			err = fmt.Errorf("service factory for service %d returned nil", reg.id)
		}
		return nil, err
	}
	u.count = 1
	u.service = svc
	return svc, nil
}

func (reg *registration) ungetService(ctx context.Context, consumer *Bundle) bool {
	reg.mu.Lock()
	u, ok := reg.usage[consumer]
	if !ok || u.count == 0 || u.done != nil {
		reg.mu.Unlock()
		return false
	}
	u.count--
	if u.count > 0 {
		reg.mu.Unlock()
		return true
	}
	delete(reg.usage, consumer)
	svc := u.service
	reg.mu.Unlock()

	if factory, isFactory := reg.service.(framework.ServiceFactory); isFactory {
		factory.UngetService(ctx, consumer, reg, svc)
	}
	return true
}

func (reg *registration) releaseAll(ctx context.Context) {
	reg.mu.Lock()
	remaining := reg.usage
	reg.usage = make(map[*Bundle]*usage)
	reg.mu.Unlock()

	factory, isFactory := reg.service.(framework.ServiceFactory)
	if !isFactory {
		return
	}
	for consumer, u := range remaining {
		if u.service != nil {
			factory.UngetService(ctx, consumer, reg, u.service)
		}
	}
}

func copyProps(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// reference is the stable handle for a registration. There is exactly one
// per registration so references can be used as map keys.
type reference struct {
	reg *registration
}

var _ framework.ServiceReference = (*reference)(nil)

func (r *reference) ID() int64 { return r.reg.id }

func (r *reference) Ranking() int {
	switch v := r.reg.property(framework.ServiceRanking).(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}

func (r *reference) Property(key string) interface{} { return r.reg.property(key) }

func (r *reference) Properties() map[string]interface{} { return r.reg.allProperties() }

func (r *reference) Interfaces() []string {
	return append([]string(nil), r.reg.interfaces...)
}

func (r *reference) Bundle() framework.Bundle {
	if !r.reg.registry.has(r.reg.id) {
		return nil
	}
	return r.reg.owner
}

func (r *reference) String() string {
	return fmt.Sprintf("ServiceReference[%d %v ranking=%d]", r.reg.id, r.reg.interfaces, r.Ranking())
}
