// Package tracker follows the set of registered services that match a class
// name and filter, mapping each matching reference to a customized value.
//
// Every add, modify and remove increments a tracking count shared by all
// trackers of one component. The count observed at the increment is handed to
// the customizer so callers can tell whether an event is already reflected in
// a snapshot they took earlier with GetTracked or Close.
//
// Customizer callbacks never run while the tracker's map is locked. Callbacks
// for one tracker run one at a time in tracking-count order.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
)

// Customizer turns tracked references into values and reacts to changes.
type Customizer[T any] interface {
	// AddingService creates the value tracked for ref.
	AddingService(ctx context.Context, ref framework.ServiceReference) T
	AddedService(ctx context.Context, ref framework.ServiceReference, value T, trackingCount, serviceCount int, event *framework.ServiceEvent)
	ModifiedService(ctx context.Context, ref framework.ServiceReference, value T, trackingCount int, event *framework.ServiceEvent)
	RemovedService(ctx context.Context, ref framework.ServiceReference, value T, trackingCount int, event *framework.ServiceEvent)
}

// Entry is one tracked reference with its value.
type Entry[T any] struct {
	Ref   framework.ServiceReference
	Value T
}

// ServiceTracker tracks services registered under className that match filter.
type ServiceTracker[T any] struct {
	bctx       framework.BundleContext
	className  string
	filter     framework.Filter
	customizer Customizer[T]
	logger     *logging.Logger

	mu      sync.Mutex
	tracked *tracked[T]
	active  atomic.Bool
}

// New creates a tracker. It does nothing until Open.
func New[T any](bctx framework.BundleContext, className string, filter framework.Filter, customizer Customizer[T], initialActive bool) *ServiceTracker[T] {
	t := &ServiceTracker[T]{
		bctx:       bctx,
		className:  className,
		filter:     filter,
		customizer: customizer,
		logger:     logging.GetLogger("tracker"),
	}
	t.active.Store(initialActive)
	return t
}

// Filter returns the filter the tracker was created with.
func (t *ServiceTracker[T]) Filter() framework.Filter {
	return t.filter
}

// Open registers for service events and tracks every matching service. Adds,
// modifications and removals increment trackingCount. Opening an open
// tracker does nothing.
func (t *ServiceTracker[T]) Open(ctx context.Context, trackingCount *atomic.Int32) error {
	t.mu.Lock()
	if t.tracked != nil {
		t.mu.Unlock()
		return nil
	}
	tr := newTracked(t, trackingCount)

	tr.mu.Lock()
	if err := t.bctx.AddServiceListener(tr, t.filter.String()); err != nil {
		tr.mu.Unlock()
		t.mu.Unlock()
		return fmt.Errorf("add listener for %q: %w", t.filter, err)
	}
	refs, err := t.bctx.GetServiceReferences(t.className, t.filter.String())
	if err != nil {
		tr.mu.Unlock()
		t.bctx.RemoveServiceListener(tr)
		t.mu.Unlock()
		return fmt.Errorf("initial references for %q: %w", t.filter, err)
	}
	tr.setInitial(refs)
	tr.mu.Unlock()

	t.tracked = tr
	t.mu.Unlock()

	t.logger.Debug("Opened tracker %s with %d initial references", t.filter, len(refs))
	tr.trackInitial(ctx)
	return nil
}

// Close stops listening and returns the tracked entries without untracking
// them, together with the tracking count at that moment. The caller hands the
// entries to CompleteClose once it has moved what it needs.
func (t *ServiceTracker[T]) Close(ctx context.Context) (map[int64]Entry[T], int) {
	t.mu.Lock()
	tr := t.tracked
	if tr == nil {
		t.mu.Unlock()
		return map[int64]Entry[T]{}, -1
	}
	tr.closed.Store(true)
	tr.mu.Lock()
	count := int(tr.count.Load())
	entries := tr.copyEntries()
	tr.mu.Unlock()
	t.bctx.RemoveServiceListener(tr)
	t.mu.Unlock()

	t.logger.Debug("Closed tracker %s at tracking count %d", t.filter, count)
	return entries, count
}

// CompleteClose untracks every entry in toUntrack that the tracker still
// holds, calling RemovedService for each.
func (t *ServiceTracker[T]) CompleteClose(ctx context.Context, toUntrack map[int64]Entry[T]) {
	tr := t.current()
	if tr == nil {
		return
	}
	for _, e := range sortedEntries(toUntrack) {
		tr.untrack(ctx, e.Ref, nil)
	}
	t.mu.Lock()
	if t.tracked == tr {
		t.tracked = nil
	}
	t.mu.Unlock()
}

// GetTracked returns the tracked entries, best first, and the tracking count
// of the snapshot. A non-nil activate sets the tracker's active flag.
func (t *ServiceTracker[T]) GetTracked(activate *bool) ([]Entry[T], int) {
	tr := t.current()
	if tr == nil {
		return nil, -1
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if activate != nil {
		t.active.Store(*activate)
	}
	return sortedEntries(tr.items), int(tr.count.Load())
}

// Deactivate clears the active flag.
func (t *ServiceTracker[T]) Deactivate() {
	t.active.Store(false)
}

// IsActive reports whether the owning component bound this tracker's services.
func (t *ServiceTracker[T]) IsActive() bool {
	return t.current() != nil && t.active.Load()
}

// IsEmpty reports whether nothing is tracked.
func (t *ServiceTracker[T]) IsEmpty() bool {
	return t.ServiceCount() == 0
}

// ServiceCount returns the number of tracked references.
func (t *ServiceTracker[T]) ServiceCount() int {
	tr := t.current()
	if tr == nil {
		return 0
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.items)
}

// TrackingCount returns the current tracking count, -1 if not open.
func (t *ServiceTracker[T]) TrackingCount() int {
	tr := t.current()
	if tr == nil {
		return -1
	}
	return int(tr.count.Load())
}

// Services returns the tracked values, best first.
func (t *ServiceTracker[T]) Services() []T {
	entries, _ := t.GetTracked(nil)
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

// Value returns the value tracked for ref.
func (t *ServiceTracker[T]) Value(ref framework.ServiceReference) (T, bool) {
	var zero T
	tr := t.current()
	if tr == nil || ref == nil {
		return zero, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.items[ref.ID()]
	if !ok {
		return zero, false
	}
	return e.Value, true
}

func (t *ServiceTracker[T]) current() *tracked[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracked
}

func sortedEntries[T any](items map[int64]Entry[T]) []Entry[T] {
	refs := make([]framework.ServiceReference, 0, len(items))
	for _, e := range items {
		refs = append(refs, e.Ref)
	}
	framework.SortReferences(refs)
	out := make([]Entry[T], 0, len(refs))
	for _, ref := range refs {
		out = append(out, items[ref.ID()])
	}
	return out
}
