package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/lock"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/tracing"
)

// SingleComponentManager manages a component that is not a factory, or one
// instance created by a factory. A singleton scoped component has at most
// one implementation object; a bundle scoped one has one per consumer.
type SingleComponentManager struct {
	*manager

	mu          sync.Mutex
	single      *ComponentContext
	perConsumer map[int64]*ComponentContext
	// useCount counts consumers of the singleton object
	useCount   int
	onDisposed func(*SingleComponentManager)
}

var _ Component = (*SingleComponentManager)(nil)

// NewSingleComponentManager creates a disabled component manager for meta.
// meta must be validated.
func NewSingleComponentManager(host Host, bundle framework.Bundle, meta *metadata.ComponentMetadata, opts Options) *SingleComponentManager {
	return newSingleComponentManager(host, bundle, meta, opts, false)
}

func newSingleComponentManager(host Host, bundle framework.Bundle, meta *metadata.ComponentMetadata, opts Options, factoryInstance bool) *SingleComponentManager {
	s := &SingleComponentManager{
		manager:     newManager(host, bundle, meta, opts, factoryInstance),
		perConsumer: make(map[int64]*ComponentContext),
	}
	s.self = s
	s.impl = s
	return s
}

// Instance returns the singleton implementation object, nil when none
// exists.
func (s *SingleComponentManager) Instance() interface{} {
	s.mu.Lock()
	cc := s.single
	s.mu.Unlock()
	if cc == nil {
		return nil
	}
	return cc.Instance()
}

// Describe returns a snapshot of the component for inspection.
func (s *SingleComponentManager) Describe() Description {
	d := s.describe()
	d.Instances = len(s.contexts())
	return d
}

func (s *SingleComponentManager) satisfiedState() state {
	if s.factoryInstance {
		return factoryInstance
	}
	return registered
}

func (s *SingleComponentManager) activeState() state {
	if s.factoryInstance {
		return factoryInstance
	}
	return active
}

func (s *SingleComponentManager) serviceInterfaces() []string {
	if s.meta.Service == nil {
		return nil
	}
	return s.meta.Service.Interfaces
}

func (s *SingleComponentManager) serviceObject() interface{} {
	return &componentServiceFactory{s: s}
}

func (s *SingleComponentManager) registrationProperties() map[string]interface{} {
	props := s.serviceProperties()
	props[framework.ServiceScope] = string(s.meta.ServiceScope())
	return props
}

func (s *SingleComponentManager) bundleScoped() bool {
	return !s.factoryInstance && s.meta.ServiceScope() == metadata.ScopeBundle
}

// createComponent creates the singleton object of an immediate component.
func (s *SingleComponentManager) createComponent(ctx context.Context) bool {
	s.mu.Lock()
	exists := s.single != nil
	s.mu.Unlock()
	if exists {
		return true
	}
	if _, err := s.createContext(ctx, nil); err != nil {
		s.logger.ErrorWithErr("Failed to create component instance", err)
		return false
	}
	return true
}

func (s *SingleComponentManager) deleteComponent(ctx context.Context, reason Reason) {
	for _, cc := range s.contexts() {
		s.disposeContext(ctx, cc, reason)
		s.unpublish(cc)
	}
	s.mu.Lock()
	s.useCount = 0
	s.mu.Unlock()
}

func (s *SingleComponentManager) contexts() []*ComponentContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ComponentContext, 0, len(s.perConsumer)+1)
	if s.single != nil {
		out = append(out, s.single)
	}
	for _, cc := range s.perConsumer {
		out = append(out, cc)
	}
	return out
}

func (s *SingleComponentManager) clear(context.Context) {
	s.mu.Lock()
	s.single = nil
	s.perConsumer = make(map[int64]*ComponentContext)
	s.useCount = 0
	onDisposed := s.onDisposed
	s.mu.Unlock()
	if onDisposed != nil {
		onDisposed(s)
	}
}

func (s *SingleComponentManager) publish(cc *ComponentContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc.consumer != nil {
		s.perConsumer[cc.consumer.ID()] = cc
		return
	}
	s.single = cc
}

func (s *SingleComponentManager) unpublish(cc *ComponentContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc.consumer != nil {
		if s.perConsumer[cc.consumer.ID()] == cc {
			delete(s.perConsumer, cc.consumer.ID())
		}
		return
	}
	if s.single == cc {
		s.single = nil
	}
}

// createContext creates, binds and activates one implementation object.
// Runs with the write lock held.
func (s *SingleComponentManager) createContext(ctx context.Context, consumer framework.Bundle) (*ComponentContext, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "scr.activate",
		tracing.AttrComponentName.String(s.meta.Name),
		tracing.AttrComponentID.Int64(s.ID()),
	)
	cc, err := s.newContext(ctx, consumer)
	s.metrics.ObserveActivation(start, err)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Activated component instance")
	if ref := s.ServiceReference(); ref != nil {
		s.host.MissingServicePresent(ctx, ref)
	}
	return cc, nil
}

func (s *SingleComponentManager) newContext(ctx context.Context, consumer framework.Bundle) (*ComponentContext, error) {
	ctor, err := s.bundle.LoadClass(s.meta.Implementation)
	if err != nil {
		return nil, fmt.Errorf("load implementation %s: %w", s.meta.Implementation, err)
	}
	inst, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", s.meta.Implementation, errors.Join(ErrInstanceCreation, err))
	}
	if inst == nil {
		return nil, fmt.Errorf("construct %s: %w", s.meta.Implementation, ErrInstanceCreation)
	}

	cc := newComponentContext(s.manager, consumer)
	cc.setInstance(inst)
	// visible to service events before binding starts; the edges decide
	// which events the object still has to see
	s.publish(cc)

	for i, dm := range s.deps {
		if !dm.open(ctx, cc) {
			s.closeDependencies(ctx, cc, i)
			s.unpublish(cc)
			cc.setInstance(nil)
			return nil, fmt.Errorf("bind reference %s: %w", dm.Name(), ErrInstanceCreation)
		}
	}

	if activator, ok := inst.(Activator); ok && s.meta.Activate != "" {
		if err := activator.Activate(ctx, cc); err != nil {
			s.closeDependencies(ctx, cc, len(s.deps)-1)
			s.unpublish(cc)
			cc.setInstance(nil)
			return nil, fmt.Errorf("activate %s: %w", s.meta.Name, errors.Join(ErrInstanceCreation, err))
		}
	}
	cc.setAccessible()
	return cc, nil
}

// closeDependencies closes the dependency managers up to last in reverse.
func (s *SingleComponentManager) closeDependencies(ctx context.Context, cc *ComponentContext, last int) {
	for i := last; i >= 0; i-- {
		s.deps[i].close(ctx, cc)
	}
}

func (s *SingleComponentManager) disposeContext(ctx context.Context, cc *ComponentContext, reason Reason) {
	ctx, span := tracing.StartSpan(ctx, "scr.deactivate",
		tracing.AttrComponentName.String(s.meta.Name),
		tracing.AttrComponentID.Int64(s.ID()),
		tracing.AttrReason.String(reason.String()),
	)
	var err error
	if deactivator, ok := cc.Instance().(Deactivator); ok && s.meta.Deactivate != "" {
		if err = deactivator.Deactivate(ctx, cc, reason); err != nil {
			s.logger.ErrorWithErr("Deactivate callback failed", err)
		}
	}
	s.closeDependencies(ctx, cc, len(s.deps)-1)
	cc.setInstance(nil)
	tracing.EndSpan(span, err)
	s.logger.Debug("Deactivated component instance (%s)", reason)
}

// getService returns the object for consumer, creating it on first use.
// Runs with at least the read lock held.
func (s *SingleComponentManager) getService(ctx context.Context, consumer framework.Bundle) (interface{}, error) {
	if s.bundleScoped() {
		return s.getBundleService(ctx, consumer)
	}
	return s.getSingletonService(ctx)
}

func (s *SingleComponentManager) useExisting(ctx context.Context) (interface{}, bool) {
	s.mu.Lock()
	cc := s.single
	if cc == nil {
		s.mu.Unlock()
		return nil, false
	}
	s.useCount++
	s.mu.Unlock()
	if !cc.isAccessible() && s.lock.Held(ctx) != lock.ModeWrite {
		cc.accessible.Await(s.lock.Timeout())
	}
	return cc.Instance(), true
}

func (s *SingleComponentManager) getSingletonService(ctx context.Context) (interface{}, error) {
	if svc, ok := s.useExisting(ctx); ok {
		return svc, nil
	}
	if !s.collectDependencies(ctx) {
		s.deactivateDependencyManagers(ctx)
		return nil, fmt.Errorf("get service of %s: references unavailable: %w", s.meta.Name, ErrInstanceCreation)
	}

	ctx, release := s.escalate(ctx, "getService")
	defer release()
	if svc, ok := s.useExisting(ctx); ok {
		return svc, nil
	}
	if st := s.State(); st != StateRegistered && st != StateActive {
		return nil, newStateError("getService", s.manager, st, ErrIllegalState)
	}
	cc, err := s.createContext(ctx, nil)
	if err != nil {
		s.deactivateDependencyManagers(ctx)
		return nil, err
	}
	s.casState(registered, active)
	s.mu.Lock()
	s.useCount = 1
	s.mu.Unlock()
	return cc.Instance(), nil
}

// ungetSingletonService releases a delayed component once its last
// consumer is gone.
func (s *SingleComponentManager) ungetSingletonService(ctx context.Context) {
	s.mu.Lock()
	if s.useCount > 0 {
		s.useCount--
	}
	last := s.useCount == 0
	s.mu.Unlock()
	if !last || s.isImmediate() {
		return
	}

	ctx, acquired := s.lock.ObtainReadLock(ctx, "ungetService")
	if acquired {
		defer s.lock.ReleaseReadLock(ctx, "ungetService")
	}
	ctx, release := s.escalate(ctx, "ungetService")
	defer release()

	s.mu.Lock()
	unused := s.useCount == 0 && s.single != nil
	s.mu.Unlock()
	if !unused || !s.isState(active) {
		return
	}
	s.deleteComponent(ctx, ReasonUnspecified)
	s.deactivateDependencyManagers(ctx)
	s.changeState(active, registered)
}

func (s *SingleComponentManager) getBundleService(ctx context.Context, consumer framework.Bundle) (interface{}, error) {
	if consumer == nil {
		return nil, fmt.Errorf("get service of %s: bundle scope needs a consumer: %w", s.meta.Name, ErrIllegalState)
	}
	// later consumers share the bindings made for the first one
	first := !s.hasInstance()
	if first && !s.collectDependencies(ctx) {
		s.deactivateDependencyManagers(ctx)
		return nil, fmt.Errorf("get service of %s: references unavailable: %w", s.meta.Name, ErrInstanceCreation)
	}

	ctx, release := s.escalate(ctx, "getService")
	defer release()
	s.mu.Lock()
	cc := s.perConsumer[consumer.ID()]
	s.mu.Unlock()
	if cc != nil {
		return cc.Instance(), nil
	}
	if st := s.State(); st != StateRegistered && st != StateActive {
		return nil, newStateError("getService", s.manager, st, ErrIllegalState)
	}
	cc, err := s.createContext(ctx, consumer)
	if err != nil {
		if !s.hasInstance() {
			s.deactivateDependencyManagers(ctx)
		}
		return nil, err
	}
	s.casState(registered, active)
	return cc.Instance(), nil
}

func (s *SingleComponentManager) ungetBundleService(ctx context.Context, consumer framework.Bundle) {
	ctx, acquired := s.lock.ObtainReadLock(ctx, "ungetService")
	if acquired {
		defer s.lock.ReleaseReadLock(ctx, "ungetService")
	}
	ctx, release := s.escalate(ctx, "ungetService")
	defer release()

	s.mu.Lock()
	cc := s.perConsumer[consumer.ID()]
	s.mu.Unlock()
	if cc == nil {
		return
	}
	s.disposeContext(ctx, cc, ReasonUnspecified)
	s.unpublish(cc)
	if !s.hasInstance() && s.isState(active) {
		s.deactivateDependencyManagers(ctx)
		s.changeState(active, registered)
	}
}

// componentServiceFactory is registered for the services a single component
// provides. The registry caches its result per consumer bundle.
type componentServiceFactory struct {
	s *SingleComponentManager
}

func (f *componentServiceFactory) GetService(ctx context.Context, consumer framework.Bundle, _ framework.ServiceRegistration) (interface{}, error) {
	s := f.s
	ctx, acquired := s.lock.ObtainReadLock(ctx, "getService")
	if acquired {
		defer s.lock.ReleaseReadLock(ctx, "getService")
	}
	return s.currentState().getService(ctx, s.manager, consumer)
}

func (f *componentServiceFactory) UngetService(ctx context.Context, consumer framework.Bundle, _ framework.ServiceRegistration, _ interface{}) {
	if f.s.bundleScoped() {
		f.s.ungetBundleService(ctx, consumer)
		return
	}
	f.s.ungetSingletonService(ctx)
}
