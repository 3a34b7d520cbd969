// Package manager implements the lifecycle of declarative components: the
// state machine that enables, activates, deactivates and disposes a
// component, the dependency managers that track the services a component
// references, and the binding of those services to implementation objects.
//
// Every state transition runs with the component's lock held. The hold is
// carried in the context.Context, so service events dispatched synchronously
// from inside a transition, and component callbacks invoked by it, re-enter
// the component without acquiring the lock again.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/lock"
	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/metrics"
)

// Host is the runtime that owns component managers.
type Host interface {
	// RegisterComponentID assigns a new component id.
	RegisterComponentID(c Component) int64
	UnregisterComponentID(id int64)
	// RegisterMissingDependency records that dm could not get the service
	// behind ref.
	RegisterMissingDependency(dm *DependencyManager, ref framework.ServiceReference, trackingCount int)
	// MissingServicePresent is called once the service behind ref can be
	// obtained, so waiting dependency managers can bind it.
	MissingServicePresent(ctx context.Context, ref framework.ServiceReference)
	Schedule(task func()) error
}

// Component is the API shared by single component managers and component
// factories.
type Component interface {
	ID() int64
	Name() string
	State() State
	Metadata() *metadata.ComponentMetadata
	Enable(ctx context.Context, async bool) error
	Disable(ctx context.Context, async bool) error
	Dispose(ctx context.Context, reason Reason) error
	Reconfigure(ctx context.Context, props map[string]interface{}) error
	ServiceReference() framework.ServiceReference
	Properties() map[string]interface{}
	Describe() Description
}

// Options tune a component manager.
type Options struct {
	// LockTimeout bounds lock acquisition and latch waits, lock.DefaultTimeout
	// when zero.
	LockTimeout time.Duration
	Metrics     *metrics.Metrics
}

// variant is the part of a component's behaviour that differs between
// single components and component factories.
type variant interface {
	satisfiedState() state
	activeState() state
	serviceInterfaces() []string
	serviceObject() interface{}
	registrationProperties() map[string]interface{}
	createComponent(ctx context.Context) bool
	deleteComponent(ctx context.Context, reason Reason)
	getService(ctx context.Context, consumer framework.Bundle) (interface{}, error)
	contexts() []*ComponentContext
	clear(ctx context.Context)
}

type manager struct {
	self    Component
	impl    variant
	meta    *metadata.ComponentMetadata
	host    Host
	bundle  framework.Bundle
	bctx    framework.BundleContext
	logger  *logging.Logger
	metrics *metrics.Metrics
	lock    *lock.Lock

	stateMu sync.Mutex
	state   state

	id            atomic.Int64
	trackingCount atomic.Int32
	counter       *trackingCounter
	deps          []*DependencyManager
	registration  *RegistrationManager

	// factoryInstance marks an instance created by a component factory
	factoryInstance bool

	propsMu      sync.RWMutex
	config       map[string]interface{}
	factoryProps map[string]interface{}
}

func newManager(host Host, bundle framework.Bundle, meta *metadata.ComponentMetadata, opts Options, factoryInstance bool) *manager {
	m := &manager{
		meta:            meta,
		host:            host,
		bundle:          bundle,
		bctx:            bundle.Context(),
		metrics:         opts.Metrics,
		state:           disabled,
		counter:         newTrackingCounter(),
		factoryInstance: factoryInstance,
	}
	m.id.Store(-1)
	m.logger = logging.GetLogger("manager.component").WithField("component", meta.Name)
	m.lock = lock.New("component "+meta.Name,
		lock.WithTimeout(opts.LockTimeout),
		lock.WithTimeoutHandler(func(op string) { m.metrics.LockTimeout(op) }),
	)
	m.registration = NewRegistrationManager(m.doRegister, m.doUnregister, m.logger)
	for i := range meta.References {
		m.deps = append(m.deps, newDependencyManager(m, i, &meta.References[i]))
	}
	m.metrics.StateChanged("", StateDisabled.String())
	return m
}

// ID returns the component id, -1 while disabled.
func (m *manager) ID() int64 {
	return m.id.Load()
}

func (m *manager) Name() string {
	return m.meta.Name
}

func (m *manager) Metadata() *metadata.ComponentMetadata {
	return m.meta
}

// State returns the current lifecycle state.
func (m *manager) State() State {
	return m.currentState().kind()
}

func (m *manager) dependencyManager(name string) (*DependencyManager, bool) {
	for _, dm := range m.deps {
		if dm.Name() == name {
			return dm, true
		}
	}
	return nil, false
}

// DependencyManagers returns one dependency manager per declared reference.
func (m *manager) DependencyManagers() []*DependencyManager {
	return append([]*DependencyManager(nil), m.deps...)
}

// Enable moves a disabled component to unsatisfied and tries to activate
// it. With async the activation runs on the scheduler.
func (m *manager) Enable(ctx context.Context, async bool) error {
	if err := m.enableInternal(ctx); err != nil {
		return err
	}
	if !async {
		return m.activateInternal(ctx)
	}
	return m.schedule("activate", func() {
		if err := m.activateInternal(context.Background()); err != nil {
			m.logger.ErrorWithErr("Asynchronous activation failed", err)
		}
	})
}

// Disable deactivates the component and closes its dependency trackers.
func (m *manager) Disable(ctx context.Context, async bool) error {
	if !async {
		return m.disableInternal(ctx)
	}
	return m.schedule("disable", func() {
		if err := m.disableInternal(context.Background()); err != nil {
			m.logger.ErrorWithErr("Asynchronous disable failed", err)
		}
	})
}

// Dispose tears the component down for good.
func (m *manager) Dispose(ctx context.Context, reason Reason) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "dispose")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "dispose")
	}
	return m.currentState().dispose(ctx, m, reason)
}

// Reactivate implements framework.Reactivator.
func (m *manager) Reactivate(ctx context.Context) {
	if err := m.activateInternal(ctx); err != nil {
		m.logger.Debug("Reactivation failed: %v", err)
	}
}

func (m *manager) enableInternal(ctx context.Context) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "enableInternal")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "enableInternal")
	}
	return m.currentState().enable(ctx, m)
}

func (m *manager) activateInternal(ctx context.Context) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "activateInternal")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "activateInternal")
	}
	return m.currentState().activate(ctx, m)
}

func (m *manager) deactivateInternal(ctx context.Context, reason Reason) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "deactivateInternal")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "deactivateInternal")
	}
	return m.currentState().deactivate(ctx, m, reason)
}

func (m *manager) disableInternal(ctx context.Context) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "disableInternal")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "disableInternal")
	}
	return m.currentState().disable(ctx, m)
}

func (m *manager) schedule(op string, task func()) error {
	if err := m.host.Schedule(task); err != nil {
		m.logger.Warn("Could not schedule %s: %v", op, err)
		return fmt.Errorf("schedule %s of %s: %w", op, m.meta.Name, err)
	}
	return nil
}

// escalate makes sure ctx holds the write lock. The returned function
// restores the previous hold.
func (m *manager) escalate(ctx context.Context, op string) (context.Context, func()) {
	switch m.lock.Held(ctx) {
	case lock.ModeWrite:
		return ctx, func() {}
	case lock.ModeRead:
		m.lock.EscalateLock(ctx, op)
		return ctx, func() { m.lock.DeescalateLock(ctx, op) }
	default:
		ctx, _ = m.lock.ObtainReadLock(ctx, op)
		m.lock.EscalateLock(ctx, op)
		return ctx, func() { m.lock.ReleaseWriteLock(ctx, op) }
	}
}

func (m *manager) currentState() state {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *manager) isState(s state) bool {
	return m.currentState() == s
}

func (m *manager) casState(from, to state) bool {
	m.stateMu.Lock()
	if m.state != from {
		m.stateMu.Unlock()
		return false
	}
	if from == to {
		m.stateMu.Unlock()
		return true
	}
	m.state = to
	m.stateMu.Unlock()

	m.logger.Debug("State transition: %s -> %s", from.kind(), to.kind())
	m.metrics.StateChanged(from.kind().String(), to.kind().String())
	return true
}

func (m *manager) changeState(from, to state) {
	if !m.casState(from, to) {
		m.logger.Warn("State transition %s -> %s skipped, component is %s", from.kind(), to.kind(), m.State())
	}
}

func (m *manager) hasConfiguration() bool {
	m.propsMu.RLock()
	defer m.propsMu.RUnlock()
	return m.config != nil
}

func (m *manager) hasRegisterPermission() bool {
	for _, iface := range m.impl.serviceInterfaces() {
		if !m.bundle.HasPermission(framework.Permission{Service: iface, Action: framework.ActionRegister}) {
			return false
		}
	}
	return true
}

func (m *manager) isImmediate() bool {
	if m.factoryInstance || m.meta.IsFactory() {
		return true
	}
	return m.meta.IsImmediate() && m.meta.ServiceScope() != metadata.ScopeBundle
}

func (m *manager) verifyDependencyManagers() bool {
	for _, dm := range m.deps {
		if !dm.isSatisfied() {
			m.logger.Debug("Dependency not satisfied: %s", dm.Name())
			return false
		}
	}
	return true
}

func (m *manager) collectDependencies(ctx context.Context) bool {
	for _, dm := range m.deps {
		if !dm.prebind(ctx) {
			m.logger.Debug("Cannot get services for dependency %s", dm.Name())
			return false
		}
	}
	return true
}

// rollbackActivation returns a component whose activation failed to
// unsatisfied. The next service event for it retries.
func (m *manager) rollbackActivation(ctx context.Context, from state) {
	m.unregisterService(ctx)
	m.deactivateDependencyManagers(ctx)
	m.changeState(from, unsatisfied)
}

func (m *manager) enableDependencyManagers(ctx context.Context) error {
	props := m.properties()
	for _, dm := range m.deps {
		if err := dm.enable(ctx, props); err != nil {
			return err
		}
	}
	return nil
}

func (m *manager) disableDependencyManagers(ctx context.Context) {
	for _, dm := range m.deps {
		dm.disable(ctx)
	}
}

func (m *manager) deactivateDependencyManagers(ctx context.Context) {
	for _, dm := range m.deps {
		dm.deactivate(ctx)
	}
}

func (m *manager) updateTargets(ctx context.Context, props map[string]interface{}) {
	for _, dm := range m.deps {
		dm.setTargetFilter(ctx, props)
	}
}

func (m *manager) doDisable(ctx context.Context) {
	m.disableDependencyManagers(ctx)
	m.unregisterComponentID()
}

func (m *manager) unregisterComponentID() {
	if id := m.id.Swap(-1); id != -1 {
		m.host.UnregisterComponentID(id)
	}
}

func (m *manager) registerService(ctx context.Context) {
	if len(m.impl.serviceInterfaces()) == 0 {
		return
	}
	m.registration.ChangeRegistration(ctx, Registered)
}

func (m *manager) unregisterService(ctx context.Context) {
	m.registration.ChangeRegistration(ctx, Unregistered)
}

func (m *manager) doRegister(ctx context.Context) (framework.ServiceRegistration, error) {
	reg, err := m.bctx.RegisterService(ctx, m.impl.serviceInterfaces(), m.impl.serviceObject(), m.impl.registrationProperties())
	if err != nil {
		return nil, fmt.Errorf("register services %v of %s: %w", m.impl.serviceInterfaces(), m.meta.Name, err)
	}
	m.logger.Debug("Registered service %d", reg.Reference().ID())
	return reg, nil
}

func (m *manager) doUnregister(ctx context.Context, reg framework.ServiceRegistration) error {
	id := reg.Reference().ID()
	if err := reg.Unregister(ctx); err != nil {
		return err
	}
	m.logger.Debug("Unregistered service %d", id)
	return nil
}

// ServiceReference returns the reference of the registered service, nil
// when none is registered.
func (m *manager) ServiceReference() framework.ServiceReference {
	if reg := m.registration.Registration(); reg != nil {
		return reg.Reference()
	}
	return nil
}

// Properties returns the component properties: declared properties,
// reference targets, configuration, factory properties, then component
// name and id.
func (m *manager) Properties() map[string]interface{} {
	return m.properties()
}

func (m *manager) properties() map[string]interface{} {
	props := m.meta.CopyProperties()
	for i := range m.meta.References {
		ref := &m.meta.References[i]
		if ref.Target != "" {
			props[ref.TargetPropertyName()] = ref.Target
		}
	}
	m.propsMu.RLock()
	for k, v := range m.config {
		props[k] = v
	}
	for k, v := range m.factoryProps {
		props[k] = v
	}
	m.propsMu.RUnlock()
	props[framework.ComponentName] = m.meta.Name
	props[framework.ComponentID] = m.ID()
	return props
}

// serviceProperties are the component properties without private keys.
func (m *manager) serviceProperties() map[string]interface{} {
	props := m.properties()
	for k := range props {
		if strings.HasPrefix(k, ".") {
			delete(props, k)
		}
	}
	return props
}

func (m *manager) configuration() map[string]interface{} {
	m.propsMu.RLock()
	defer m.propsMu.RUnlock()
	return copyMap(m.config)
}

func (m *manager) setConfiguration(props map[string]interface{}) {
	m.propsMu.Lock()
	defer m.propsMu.Unlock()
	m.config = copyMap(props)
}

func (m *manager) setFactoryProperties(props map[string]interface{}) {
	m.propsMu.Lock()
	defer m.propsMu.Unlock()
	m.factoryProps = copyMap(props)
}

// Reconfigure applies new configuration properties; nil removes the
// configuration. An active component whose references can follow the new
// properties and that declares a modified method is updated in place,
// otherwise it is deactivated and activated again.
func (m *manager) Reconfigure(ctx context.Context, props map[string]interface{}) error {
	return m.reconfigure(ctx, props)
}

func (m *manager) reconfigure(ctx context.Context, props map[string]interface{}) error {
	ctx, acquired := m.lock.ObtainReadLock(ctx, "reconfigure")
	if acquired {
		defer m.lock.ReleaseReadLock(ctx, "reconfigure")
	}
	if m.isState(disposed) {
		return newStateError("reconfigure", m, StateDisposed, ErrDisposed)
	}
	if m.meta.IsConfigurationIgnored() {
		m.logger.Debug("Configuration policy is ignore, configuration not applied")
		return nil
	}

	m.propsMu.Lock()
	if props == nil && m.config == nil {
		m.propsMu.Unlock()
		return nil
	}
	deleted := props == nil
	m.config = copyMap(props)
	m.propsMu.Unlock()

	switch m.State() {
	case StateDisabled:
		return nil
	case StateUnsatisfied:
		m.updateTargets(ctx, m.properties())
		return m.activateInternal(ctx)
	}

	if deleted && m.meta.IsConfigurationRequired() {
		return m.deactivateInternal(ctx, ReasonConfigurationDeleted)
	}
	if m.modify(ctx) {
		return nil
	}
	reason := ReasonConfigurationModified
	if deleted {
		reason = ReasonConfigurationDeleted
	}
	if err := m.deactivateInternal(ctx, reason); err != nil {
		return err
	}
	m.updateTargets(ctx, m.properties())
	return m.activateInternal(ctx)
}

// modify updates an active component in place. It reports false when the
// component must be reactivated instead.
func (m *manager) modify(ctx context.Context) bool {
	if m.meta.Modified == "" {
		return false
	}
	props := m.properties()
	for _, dm := range m.deps {
		if !dm.canUpdateDynamically(props) {
			m.logger.Debug("Reference %s cannot follow the new configuration", dm.Name())
			return false
		}
	}

	ctx, release := m.escalate(ctx, "modify")
	defer release()
	for _, cc := range m.impl.contexts() {
		modifier, ok := cc.Instance().(Modifier)
		if !ok {
			continue
		}
		if err := modifier.Modified(ctx, cc, props); err != nil {
			m.logger.ErrorWithErr("Modified callback failed", err)
			return false
		}
	}
	m.updateTargets(ctx, props)
	if !m.verifyDependencyManagers() {
		m.logger.Debug("Dependencies unsatisfied after modification")
		if err := m.deactivateInternal(ctx, ReasonReference); err != nil {
			m.logger.Debug("Deactivation after modification failed: %v", err)
		}
		return true
	}
	if err := m.registration.SetProperties(ctx, m.impl.registrationProperties()); err != nil {
		m.logger.ErrorWithErr("Failed to update service properties", err)
	}
	return true
}

func (m *manager) invokeBindMethod(ctx context.Context, dm *DependencyManager, rp *RefPair, trackingCount int) bool {
	ok := true
	for _, cc := range m.impl.contexts() {
		if !dm.invokeBindMethod(ctx, cc, rp, trackingCount) {
			ok = false
		}
	}
	return ok
}

func (m *manager) invokeUpdatedMethod(ctx context.Context, dm *DependencyManager, rp *RefPair, trackingCount int) bool {
	reactivate := false
	for _, cc := range m.impl.contexts() {
		if dm.invokeUpdatedMethod(ctx, cc, rp, trackingCount) {
			reactivate = true
		}
	}
	return reactivate
}

func (m *manager) invokeUnbindMethod(ctx context.Context, dm *DependencyManager, rp *RefPair, trackingCount int) {
	for _, cc := range m.impl.contexts() {
		dm.invokeUnbindMethod(ctx, cc, rp, trackingCount)
	}
}

// hasInstance reports whether an implementation object exists.
func (m *manager) hasInstance() bool {
	return len(m.impl.contexts()) > 0
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
