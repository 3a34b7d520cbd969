package manager

import (
	"context"
	"sync"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
)

// RegState is a requested service registration state.
type RegState int

const (
	Unregistered RegState = iota
	Registered
)

func (s RegState) String() string {
	if s == Registered {
		return "registered"
	}
	return "unregistered"
}

// RegistrationManager serializes registration and unregistration of one
// service. Requests are queued; only the caller that finds the queue empty
// drains it and talks to the registry. Consecutive requests for the same
// state collapse and the last requested state wins.
type RegistrationManager struct {
	register   func(ctx context.Context) (framework.ServiceRegistration, error)
	unregister func(ctx context.Context, reg framework.ServiceRegistration) error
	logger     *logging.Logger

	mu           sync.Mutex
	queue        []RegState
	registration framework.ServiceRegistration
}

// NewRegistrationManager creates a manager that starts unregistered.
func NewRegistrationManager(
	register func(ctx context.Context) (framework.ServiceRegistration, error),
	unregister func(ctx context.Context, reg framework.ServiceRegistration) error,
	logger *logging.Logger,
) *RegistrationManager {
	return &RegistrationManager{register: register, unregister: unregister, logger: logger}
}

// ChangeRegistration requests desired. It reports false when desired is
// already the current or last queued state.
func (r *RegistrationManager) ChangeRegistration(ctx context.Context, desired RegState) bool {
	r.mu.Lock()
	if len(r.queue) == 0 {
		if r.currentLocked() == desired {
			r.mu.Unlock()
			return false
		}
	} else if r.queue[len(r.queue)-1] == desired {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, desired)
	if len(r.queue) > 1 {
		// the goroutine draining the queue will pick it up
		r.mu.Unlock()
		return true
	}

	for {
		next := r.queue[0]
		current := r.registration
		r.mu.Unlock()

		var (
			reg framework.ServiceRegistration
			err error
		)
		if next == Registered {
			reg, err = r.register(ctx)
			if err != nil {
				r.logger.ErrorWithErr("Failed to register service", err)
			}
		} else if current != nil {
			if err = r.unregister(ctx, current); err != nil {
				r.logger.Debug("Unregister of service %d failed: %v", current.Reference().ID(), err)
			}
		}

		r.mu.Lock()
		if next == Registered {
			r.registration = reg
		} else {
			r.registration = nil
		}
		r.queue = r.queue[1:]
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return true
		}
		last := r.queue[len(r.queue)-1]
		if last == r.currentLocked() {
			r.queue = nil
			r.mu.Unlock()
			return true
		}
		r.queue = []RegState{last}
	}
}

// Registration returns the current registration or nil.
func (r *RegistrationManager) Registration() framework.ServiceRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registration
}

// SetProperties updates the properties of the current registration.
func (r *RegistrationManager) SetProperties(ctx context.Context, props map[string]interface{}) error {
	reg := r.Registration()
	if reg == nil {
		return nil
	}
	return reg.SetProperties(ctx, props)
}

func (r *RegistrationManager) currentLocked() RegState {
	if r.registration != nil {
		return Registered
	}
	return Unregistered
}
