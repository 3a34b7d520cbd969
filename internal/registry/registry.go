// Package registry is an in-memory service registry. It implements the
// framework interfaces the component runtime consumes: service registration
// with ranking and ids, synchronous listener dispatch, LDAP filters, service
// factories with per-consumer caching, and bundle level class lookup and
// permissions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
)

const filterCacheSize = 512

var (
	// ErrServiceUnregistered is returned for operations on a service that
	// has been unregistered.
	ErrServiceUnregistered = errors.New("service is unregistered")
	// ErrCircularReference is returned when a service factory asks, directly
	// or indirectly, for the service it is producing.
	ErrCircularReference = errors.New("circular service factory reference")
	// ErrPermissionDenied is returned when the bundle may not register a service.
	ErrPermissionDenied = errors.New("permission denied")
)

// Registry stores service registrations and dispatches service events.
// Listener callbacks run on the goroutine that changed the registry, after
// every registry lock has been released.
type Registry struct {
	mu           sync.RWMutex
	services     map[int64]*registration
	listeners    []*listenerEntry
	nextID       int64
	nextBundleID int64
	bundles      map[int64]*Bundle

	filters *lru.Cache[string, framework.Filter]
	logger  *logging.Logger
}

type listenerEntry struct {
	bundle   *Bundle
	listener framework.ServiceListener
	filter   framework.Filter
}

// New creates an empty registry.
func New() *Registry {
	cache, err := lru.New[string, framework.Filter](filterCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Registry{
		services: make(map[int64]*registration),
		bundles:  make(map[int64]*Bundle),
		filters:  cache,
		logger:   logging.GetLogger("registry"),
	}
}

// CreateFilter compiles s, reusing previously compiled filters.
func (r *Registry) CreateFilter(s string) (framework.Filter, error) {
	if f, ok := r.filters.Get(s); ok {
		return f, nil
	}
	f, err := ParseFilter(s)
	if err != nil {
		return nil, err
	}
	r.filters.Add(s, f)
	return f, nil
}

// References returns every registered service reference, best first.
func (r *Registry) References() []framework.ServiceReference {
	refs, _ := r.getServiceReferences("", nil)
	return refs
}

// Bundles returns the installed bundles.
func (r *Registry) Bundles() []*Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		out = append(out, b)
	}
	return out
}

func (r *Registry) getServiceReferences(className string, filter framework.Filter) ([]framework.ServiceReference, error) {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.services))
	for _, reg := range r.services {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	var refs []framework.ServiceReference
	for _, reg := range regs {
		if className != "" && !reg.hasInterface(className) {
			continue
		}
		props, ok := reg.snapshot()
		if !ok {
			continue
		}
		if filter != nil && !filter.Matches(props) {
			continue
		}
		refs = append(refs, reg.ref)
	}
	framework.SortReferences(refs)
	return refs, nil
}

func (r *Registry) register(ctx context.Context, owner *Bundle, interfaces []string, service interface{}, props map[string]interface{}) (*registration, error) {
	if len(interfaces) == 0 {
		return nil, fmt.Errorf("at least one interface is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service object cannot be nil")
	}
	for _, iface := range interfaces {
		if !owner.HasPermission(framework.Permission{Service: iface, Action: framework.ActionRegister}) {
			return nil, fmt.Errorf("register %s: %w", iface, ErrPermissionDenied)
		}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	reg := newRegistration(r, owner, id, interfaces, service, props)
	r.services[id] = reg
	r.mu.Unlock()

	r.logger.Debug("Registered service %d %v for bundle %s", id, interfaces, owner.SymbolicName())
	r.dispatch(ctx, framework.NewServiceEvent(framework.Registered, reg.ref), nil)
	return reg, nil
}

func (r *Registry) unregister(ctx context.Context, reg *registration) error {
	if !reg.markUnregistering() {
		return ErrServiceUnregistered
	}

	// listeners still see a gettable service while UNREGISTERING is delivered
	r.dispatch(ctx, framework.NewServiceEvent(framework.Unregistering, reg.ref), nil)

	r.mu.Lock()
	delete(r.services, reg.id)
	r.mu.Unlock()

	reg.releaseAll(ctx)
	r.logger.Debug("Unregistered service %d", reg.id)
	return nil
}

func (r *Registry) modify(ctx context.Context, reg *registration, props map[string]interface{}) error {
	old, ok := reg.snapshot()
	if !ok {
		return ErrServiceUnregistered
	}
	reg.setProperties(props)
	r.dispatch(ctx, framework.NewServiceEvent(framework.Modified, reg.ref), old)
	return nil
}

// dispatch delivers event to every interested listener and then reactivates
// the components that queued themselves on the event. oldProps is set for
// MODIFIED events; listeners that matched the old properties but not the new
// ones receive MODIFIED_ENDMATCH.
func (r *Registry) dispatch(ctx context.Context, event *framework.ServiceEvent, oldProps map[string]interface{}) {
	r.mu.RLock()
	listeners := make([]*listenerEntry, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	props := event.Reference.Properties()
	for _, entry := range listeners {
		if !r.stillListening(entry) {
			continue
		}
		matches := entry.filter == nil || entry.filter.Matches(props)
		switch {
		case matches:
			entry.listener.ServiceChanged(ctx, event)
		case event.Type == framework.Modified && oldProps != nil && entry.filter.Matches(oldProps):
			end := framework.NewServiceEvent(framework.ModifiedEndMatch, event.Reference)
			entry.listener.ServiceChanged(ctx, end)
			end.ActivateManagers(ctx)
		}
	}
	event.ActivateManagers(ctx)
}

func (r *Registry) stillListening(entry *listenerEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.listeners {
		if e == entry {
			return true
		}
	}
	return false
}

func (r *Registry) addListener(owner *Bundle, listener framework.ServiceListener, filter string) error {
	var f framework.Filter
	if filter != "" {
		var err error
		if f, err = r.CreateFilter(filter); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.listener == listener && e.bundle == owner {
			r.listeners[i] = &listenerEntry{bundle: owner, listener: listener, filter: f}
			return nil
		}
	}
	r.listeners = append(r.listeners, &listenerEntry{bundle: owner, listener: listener, filter: f})
	return nil
}

func (r *Registry) removeListener(owner *Bundle, listener framework.ServiceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.listener == listener && e.bundle == owner {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[id]
	return ok
}
