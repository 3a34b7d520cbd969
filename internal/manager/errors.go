package manager

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by component managers.
var (
	ErrDisposed         = errors.New("component disposed")
	ErrIllegalState     = errors.New("illegal component state")
	ErrInstanceCreation = errors.New("failed activating component instance")
)

// StateError reports an operation that the current state does not accept.
type StateError struct {
	Op        string
	Component string
	State     State
	Err       error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: component %q in state %s: %v", e.Op, e.Component, e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

func newStateError(op string, m *manager, st State, err error) *StateError {
	return &StateError{Op: op, Component: m.meta.Name, State: st, Err: err}
}
