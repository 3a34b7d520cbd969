package manager

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/metadata"
)

const (
	// ComponentFactoryInterface is the service interface component
	// factories are registered under.
	ComponentFactoryInterface = "scr.ComponentFactory"
	// InstanceIDProperty is set on every instance a factory creates.
	InstanceIDProperty = "component.instance.id"
)

// ComponentFactory manages a factory component. Once its references are
// satisfied it registers itself as a ComponentFactoryInterface service;
// consumers create component instances with NewInstance.
type ComponentFactory struct {
	*manager

	opts      Options
	instances mapset.Set[*SingleComponentManager]
}

var _ Component = (*ComponentFactory)(nil)

// NewComponentFactory creates a disabled factory for meta. meta must be
// validated and name a factory.
func NewComponentFactory(host Host, bundle framework.Bundle, meta *metadata.ComponentMetadata, opts Options) *ComponentFactory {
	f := &ComponentFactory{
		manager:   newManager(host, bundle, meta, opts, false),
		opts:      opts,
		instances: mapset.NewSet[*SingleComponentManager](),
	}
	f.self = f
	f.impl = f
	return f
}

// NewInstance creates, binds and activates a component instance with props
// added to the component properties. The instance is disposed again and
// ErrInstanceCreation returned when it cannot be activated.
func (f *ComponentFactory) NewInstance(ctx context.Context, props map[string]interface{}) (*ComponentInstance, error) {
	if st := f.State(); st != StateFactory {
		return nil, newStateError("newInstance", f.manager, st, ErrIllegalState)
	}

	inst := newSingleComponentManager(f.host, f.bundle, f.meta, f.opts, true)
	instanceProps := copyMap(props)
	if instanceProps == nil {
		instanceProps = make(map[string]interface{})
	}
	instanceProps[InstanceIDProperty] = uuid.NewString()
	inst.setFactoryProperties(instanceProps)
	inst.setConfiguration(f.configuration())
	inst.onDisposed = func(d *SingleComponentManager) {
		f.instances.Remove(d)
	}

	// the state check and Add happen under the read lock, so a deactivation
	// either refuses the instance here or finds it in the set
	lctx, acquired := f.lock.ObtainReadLock(ctx, "newInstance")
	st := f.State()
	if st == StateFactory {
		f.instances.Add(inst)
	}
	if acquired {
		f.lock.ReleaseReadLock(lctx, "newInstance")
	}
	if st != StateFactory {
		return nil, newStateError("newInstance", f.manager, st, ErrIllegalState)
	}

	err := inst.Enable(ctx, false)
	if err == nil && inst.Instance() == nil {
		err = fmt.Errorf("component %s is %s: %w", f.meta.Name, inst.State(), ErrInstanceCreation)
	}
	if err != nil {
		if derr := inst.Dispose(ctx, ReasonDisposed); derr != nil && !errors.Is(derr, ErrDisposed) {
			f.logger.Warn("Dispose of failed instance: %v", derr)
		}
		f.instances.Remove(inst)
		if !errors.Is(err, ErrInstanceCreation) {
			err = errors.Join(ErrInstanceCreation, err)
		}
		return nil, fmt.Errorf("new instance of factory %s: %w", f.meta.Factory, err)
	}
	f.logger.Debug("Created instance %d", inst.ID())
	return &ComponentInstance{m: inst}, nil
}

// Instances returns the live instances created by the factory.
func (f *ComponentFactory) Instances() []*ComponentInstance {
	out := make([]*ComponentInstance, 0, f.instances.Cardinality())
	for _, inst := range f.instances.ToSlice() {
		out = append(out, &ComponentInstance{m: inst})
	}
	return out
}

// Reconfigure applies props to the factory and to every instance.
func (f *ComponentFactory) Reconfigure(ctx context.Context, props map[string]interface{}) error {
	err := f.manager.reconfigure(ctx, props)
	for _, inst := range f.instances.ToSlice() {
		if ierr := inst.Reconfigure(ctx, props); ierr != nil && !errors.Is(ierr, ErrDisposed) {
			err = errors.Join(err, ierr)
		}
	}
	return err
}

// Describe returns a snapshot of the factory for inspection.
func (f *ComponentFactory) Describe() Description {
	d := f.describe()
	d.Instances = f.instances.Cardinality()
	return d
}

func (f *ComponentFactory) satisfiedState() state { return factory }

func (f *ComponentFactory) activeState() state { return factory }

func (f *ComponentFactory) serviceInterfaces() []string {
	return []string{ComponentFactoryInterface}
}

func (f *ComponentFactory) serviceObject() interface{} {
	return f
}

func (f *ComponentFactory) registrationProperties() map[string]interface{} {
	props := copyMap(f.meta.FactoryProperties)
	if props == nil {
		props = make(map[string]interface{})
	}
	props[framework.ComponentName] = f.meta.Name
	props[framework.ComponentFactory] = f.meta.Factory
	return props
}

// createComponent has nothing to create; instances come from NewInstance.
func (f *ComponentFactory) createComponent(context.Context) bool {
	return true
}

// deleteComponent disposes the instances when the factory goes away for
// good. Instances outlive a reference driven deactivation; they track their
// own references.
func (f *ComponentFactory) deleteComponent(ctx context.Context, reason Reason) {
	switch reason {
	case ReasonDisabled, ReasonDisposed, ReasonBundleStopped, ReasonConfigurationDeleted:
		f.disposeInstances(ctx, reason)
	}
}

func (f *ComponentFactory) getService(context.Context, framework.Bundle) (interface{}, error) {
	return nil, newStateError("getService", f.manager, f.State(), ErrIllegalState)
}

func (f *ComponentFactory) contexts() []*ComponentContext {
	return nil
}

func (f *ComponentFactory) clear(ctx context.Context) {
	f.disposeInstances(ctx, ReasonDisposed)
}

func (f *ComponentFactory) disposeInstances(ctx context.Context, reason Reason) {
	for _, inst := range f.instances.ToSlice() {
		if err := inst.Dispose(ctx, reason); err != nil && !errors.Is(err, ErrDisposed) {
			f.logger.Warn("Dispose of instance %d failed: %v", inst.ID(), err)
		}
		f.instances.Remove(inst)
	}
}

// ComponentInstance is the handle to one instance created by a factory.
type ComponentInstance struct {
	m *SingleComponentManager
}

// Instance returns the implementation object, nil once disposed.
func (ci *ComponentInstance) Instance() interface{} {
	return ci.m.Instance()
}

// Component returns the manager of the instance.
func (ci *ComponentInstance) Component() Component {
	return ci.m
}

// Dispose deactivates and disposes the instance. Disposing twice is not an
// error.
func (ci *ComponentInstance) Dispose(ctx context.Context) error {
	err := ci.m.Dispose(ctx, ReasonDisposed)
	if errors.Is(err, ErrDisposed) {
		return nil
	}
	return err
}
