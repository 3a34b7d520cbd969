package manager

import (
	"context"
	"fmt"

	"github.com/moolen/scr/internal/framework"
)

// State is the lifecycle state of a component manager.
type State int

const (
	StateDisabled State = iota
	StateUnsatisfied
	StateRegistered
	StateActive
	StateFactory
	StateFactoryInstance
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUnsatisfied:
		return "unsatisfied"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateFactory:
		return "factory"
	case StateFactoryInstance:
		return "factory-instance"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsSatisfied reports whether every reference of a component in this state
// is satisfied.
func (s State) IsSatisfied() bool {
	switch s {
	case StateRegistered, StateActive, StateFactory, StateFactoryInstance:
		return true
	default:
		return false
	}
}

// state is one node of the lifecycle state machine. Every method runs with
// at least the read lock of the component held in ctx.
type state interface {
	kind() State
	enable(ctx context.Context, m *manager) error
	activate(ctx context.Context, m *manager) error
	deactivate(ctx context.Context, m *manager, reason Reason) error
	disable(ctx context.Context, m *manager) error
	dispose(ctx context.Context, m *manager, reason Reason) error
	getService(ctx context.Context, m *manager, consumer framework.Bundle) (interface{}, error)
}

var (
	disabled        state = disabledState{}
	unsatisfied     state = unsatisfiedState{}
	registered      state = registeredState{}
	active          state = activeState{}
	factory         state = factoryState{}
	factoryInstance state = factoryInstanceState{}
	disposed        state = disposedState{}
)

// baseState logs and ignores every operation.
type baseState struct{}

func (baseState) enable(_ context.Context, m *manager) error {
	m.logger.Debug("Enable ignored in state %s", m.State())
	return nil
}

func (baseState) activate(_ context.Context, m *manager) error {
	m.logger.Debug("Activate ignored in state %s", m.State())
	return nil
}

func (baseState) deactivate(_ context.Context, m *manager, _ Reason) error {
	m.logger.Debug("Deactivate ignored in state %s", m.State())
	return nil
}

func (baseState) disable(_ context.Context, m *manager) error {
	m.logger.Debug("Disable ignored in state %s", m.State())
	return nil
}

func (baseState) dispose(_ context.Context, m *manager, _ Reason) error {
	m.logger.Debug("Dispose ignored in state %s", m.State())
	return nil
}

func (baseState) getService(_ context.Context, m *manager, _ framework.Bundle) (interface{}, error) {
	st := m.State()
	return nil, newStateError("getService", m, st, ErrIllegalState)
}

type disabledState struct{ baseState }

func (disabledState) kind() State { return StateDisabled }

func (disabledState) enable(ctx context.Context, m *manager) error {
	ctx, release := m.escalate(ctx, "enable")
	defer release()
	if !m.isState(disabled) {
		return nil
	}
	m.id.Store(m.host.RegisterComponentID(m.self))
	if err := m.enableDependencyManagers(ctx); err != nil {
		m.disableDependencyManagers(ctx)
		m.unregisterComponentID()
		return fmt.Errorf("enable component %s: %w", m.meta.Name, err)
	}
	m.changeState(disabled, unsatisfied)
	m.logger.Debug("Component enabled")
	return nil
}

func (disabledState) dispose(ctx context.Context, m *manager, _ Reason) error {
	if !m.casState(disabled, disposed) {
		return m.currentState().dispose(ctx, m, ReasonDisposed)
	}
	m.impl.clear(ctx)
	return nil
}

type unsatisfiedState struct{ baseState }

func (unsatisfiedState) kind() State { return StateUnsatisfied }

func (unsatisfiedState) activate(ctx context.Context, m *manager) error {
	if m.meta.IsConfigurationRequired() && !m.hasConfiguration() {
		m.logger.Debug("Missing required configuration, cannot activate")
		return nil
	}
	if m.meta.ProvidesService() && !m.hasRegisterPermission() {
		m.logger.Info("Component is not permitted to register its services, cannot activate")
		return nil
	}
	if !m.verifyDependencyManagers() {
		m.logger.Debug("Not all dependencies satisfied, cannot activate")
		return nil
	}

	satisfied := m.impl.satisfiedState()
	if !m.casState(unsatisfied, satisfied) {
		// another caller activated concurrently
		return nil
	}
	m.registerService(ctx)

	if !m.isImmediate() {
		return nil
	}
	if !m.collectDependencies(ctx) {
		m.logger.Debug("Not all dependencies could be bound, cannot activate")
		m.rollbackActivation(ctx, satisfied)
		return nil
	}

	ctx, release := m.escalate(ctx, "activate")
	defer release()
	activeState := m.impl.activeState()
	if !m.casState(satisfied, activeState) {
		m.logger.Debug("Component state changed to %s during activation", m.State())
		return nil
	}
	if !m.impl.createComponent(ctx) {
		m.rollbackActivation(ctx, activeState)
		return fmt.Errorf("activate component %s: %w", m.meta.Name, ErrInstanceCreation)
	}
	return nil
}

func (unsatisfiedState) disable(ctx context.Context, m *manager) error {
	if !m.casState(unsatisfied, disabled) {
		return m.currentState().disable(ctx, m)
	}
	m.doDisable(ctx)
	return nil
}

func (unsatisfiedState) dispose(ctx context.Context, m *manager, reason Reason) error {
	if !m.casState(unsatisfied, disposed) {
		return m.currentState().dispose(ctx, m, reason)
	}
	m.doDisable(ctx)
	m.impl.clear(ctx)
	return nil
}

// satisfiedState carries the transitions shared by every state in which
// the component's references are satisfied. The instance is torn down
// under the write lock; the state changes before trackers are closed so
// that removal callbacks fired by the close find nothing left to do.
type satisfiedState struct{ baseState }

func (satisfiedState) leave(ctx context.Context, m *manager, from, to state, reason Reason) error {
	m.unregisterService(ctx)
	wctx, release := m.escalate(ctx, "deactivate")
	if !m.isState(from) {
		// someone else moved the component on; apply the request to the
		// state it is in now
		release()
		switch to {
		case unsatisfied:
			return m.currentState().deactivate(ctx, m, reason)
		case disabled:
			return m.currentState().disable(ctx, m)
		default:
			return m.currentState().dispose(ctx, m, reason)
		}
	}
	defer release()
	ctx = wctx
	m.impl.deleteComponent(ctx, reason)
	m.deactivateDependencyManagers(ctx)
	m.metrics.Deactivated(reason.Label())
	m.changeState(from, to)
	// an activation racing with this one may have registered again
	m.unregisterService(ctx)
	if to != unsatisfied {
		m.doDisable(ctx)
	}
	if to == disposed {
		m.impl.clear(ctx)
	}
	return nil
}

type registeredState struct{ satisfiedState }

func (registeredState) kind() State { return StateRegistered }

func (s registeredState) deactivate(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, registered, unsatisfied, reason)
}

func (s registeredState) disable(ctx context.Context, m *manager) error {
	return s.leave(ctx, m, registered, disabled, ReasonDisabled)
}

func (s registeredState) dispose(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, registered, disposed, reason)
}

func (registeredState) getService(ctx context.Context, m *manager, consumer framework.Bundle) (interface{}, error) {
	return m.impl.getService(ctx, consumer)
}

type activeState struct{ satisfiedState }

func (activeState) kind() State { return StateActive }

func (s activeState) deactivate(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, active, unsatisfied, reason)
}

func (s activeState) disable(ctx context.Context, m *manager) error {
	return s.leave(ctx, m, active, disabled, ReasonDisabled)
}

func (s activeState) dispose(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, active, disposed, reason)
}

func (activeState) getService(ctx context.Context, m *manager, consumer framework.Bundle) (interface{}, error) {
	return m.impl.getService(ctx, consumer)
}

type factoryState struct{ satisfiedState }

func (factoryState) kind() State { return StateFactory }

func (s factoryState) deactivate(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, factory, unsatisfied, reason)
}

func (s factoryState) disable(ctx context.Context, m *manager) error {
	return s.leave(ctx, m, factory, disabled, ReasonDisabled)
}

func (s factoryState) dispose(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, factory, disposed, reason)
}

// factoryInstanceState is the active state of an instance created by a
// component factory. An instance that loses a reference cannot come back
// and is disposed instead; a configuration change recreates it.
type factoryInstanceState struct{ satisfiedState }

func (factoryInstanceState) kind() State { return StateFactoryInstance }

func (s factoryInstanceState) deactivate(ctx context.Context, m *manager, reason Reason) error {
	if reason == ReasonConfigurationModified {
		return s.leave(ctx, m, factoryInstance, unsatisfied, reason)
	}
	return s.leave(ctx, m, factoryInstance, disposed, reason)
}

func (s factoryInstanceState) disable(ctx context.Context, m *manager) error {
	return s.leave(ctx, m, factoryInstance, disabled, ReasonDisabled)
}

func (s factoryInstanceState) dispose(ctx context.Context, m *manager, reason Reason) error {
	return s.leave(ctx, m, factoryInstance, disposed, reason)
}

func (factoryInstanceState) getService(ctx context.Context, m *manager, consumer framework.Bundle) (interface{}, error) {
	return m.impl.getService(ctx, consumer)
}

type disposedState struct{}

func (disposedState) kind() State { return StateDisposed }

func (disposedState) enable(_ context.Context, m *manager) error {
	return newStateError("enable", m, StateDisposed, ErrDisposed)
}

func (disposedState) activate(_ context.Context, m *manager) error {
	return newStateError("activate", m, StateDisposed, ErrDisposed)
}

func (disposedState) deactivate(_ context.Context, m *manager, _ Reason) error {
	return newStateError("deactivate", m, StateDisposed, ErrDisposed)
}

func (disposedState) disable(_ context.Context, m *manager) error {
	return newStateError("disable", m, StateDisposed, ErrDisposed)
}

func (disposedState) dispose(_ context.Context, m *manager, _ Reason) error {
	return newStateError("dispose", m, StateDisposed, ErrDisposed)
}

func (disposedState) getService(_ context.Context, m *manager, _ framework.Bundle) (interface{}, error) {
	return nil, newStateError("getService", m, StateDisposed, ErrDisposed)
}
