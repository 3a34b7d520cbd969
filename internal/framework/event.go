package framework

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventType is the kind of a ServiceEvent.
type EventType int

const (
	Registered EventType = iota + 1
	Modified
	// ModifiedEndMatch is delivered to a listener whose filter matched the
	// old properties but no longer matches the new ones.
	ModifiedEndMatch
	Unregistering
)

func (t EventType) String() string {
	switch t {
	case Registered:
		return "REGISTERED"
	case Modified:
		return "MODIFIED"
	case ModifiedEndMatch:
		return "MODIFIED_ENDMATCH"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Reactivator is a component that asked to be reactivated once delivery of
// an event to every listener has finished.
type Reactivator interface {
	Reactivate(ctx context.Context)
}

// ServiceEvent is one change to a service registration.
type ServiceEvent struct {
	Type      EventType
	Reference ServiceReference

	mu         sync.Mutex
	reactivate []Reactivator
}

// NewServiceEvent returns an event of type t for ref.
func NewServiceEvent(t EventType, ref ServiceReference) *ServiceEvent {
	return &ServiceEvent{Type: t, Reference: ref}
}

// AddComponentManager queues m for reactivation after delivery. Duplicates
// are dropped.
func (e *ServiceEvent) AddComponentManager(m Reactivator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.reactivate {
		if existing == m {
			return
		}
	}
	e.reactivate = append(e.reactivate, m)
}

// ActivateManagers reactivates every queued component, in queue order.
// The registry calls it after the last listener returned.
func (e *ServiceEvent) ActivateManagers(ctx context.Context) {
	e.mu.Lock()
	pending := e.reactivate
	e.reactivate = nil
	e.mu.Unlock()

	for _, m := range pending {
		m.Reactivate(ctx)
	}
}

// CompareReferences orders references by standard service ranking. It is
// positive when a ranks ahead of b: higher ranking first, then lower
// service id.
func CompareReferences(a, b ServiceReference) int {
	if a.Ranking() != b.Ranking() {
		if a.Ranking() > b.Ranking() {
			return 1
		}
		return -1
	}
	switch {
	case a.ID() < b.ID():
		return 1
	case a.ID() > b.ID():
		return -1
	default:
		return 0
	}
}

// SortReferences sorts refs best first.
func SortReferences(refs []ServiceReference) {
	sort.SliceStable(refs, func(i, j int) bool {
		return CompareReferences(refs[i], refs[j]) > 0
	})
}
