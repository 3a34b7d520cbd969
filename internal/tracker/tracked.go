package tracker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/moolen/scr/internal/framework"
)

type gateKey struct{ tr any }

// tracked is one open generation of a ServiceTracker. It is the registered
// service listener; reopening a tracker creates a new generation.
type tracked[T any] struct {
	t     *ServiceTracker[T]
	count *atomic.Int32

	mu      sync.Mutex
	items   map[int64]Entry[T]
	adding  map[int64]bool
	initial []framework.ServiceReference
	closed  atomic.Bool

	// gate serializes customizer callbacks; a context that already passed
	// the gate re-enters without blocking
	gate sync.Mutex
}

func newTracked[T any](t *ServiceTracker[T], count *atomic.Int32) *tracked[T] {
	if count == nil {
		count = new(atomic.Int32)
	}
	return &tracked[T]{
		t:      t,
		count:  count,
		items:  make(map[int64]Entry[T]),
		adding: make(map[int64]bool),
	}
}

// ServiceChanged implements framework.ServiceListener.
func (tr *tracked[T]) ServiceChanged(ctx context.Context, event *framework.ServiceEvent) {
	if tr.closed.Load() {
		return
	}
	switch event.Type {
	case framework.Registered, framework.Modified:
		tr.track(ctx, event.Reference, event)
	case framework.ModifiedEndMatch, framework.Unregistering:
		tr.untrack(ctx, event.Reference, event)
	default:
		tr.t.logger.Warn("Ignoring unknown service event %s for %v", event.Type, event.Reference)
	}
}

func (tr *tracked[T]) enter(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(gateKey{tr}) != nil {
		return ctx, func() {}
	}
	tr.gate.Lock()
	return context.WithValue(ctx, gateKey{tr}, true), tr.gate.Unlock
}

// modified increments the tracking count. Callers hold mu.
func (tr *tracked[T]) modified() int {
	return int(tr.count.Add(1))
}

func (tr *tracked[T]) setInitial(refs []framework.ServiceReference) {
	for _, ref := range refs {
		if ref != nil {
			tr.initial = append(tr.initial, ref)
		}
	}
}

func (tr *tracked[T]) trackInitial(ctx context.Context) {
	for {
		tr.mu.Lock()
		if tr.closed.Load() || len(tr.initial) == 0 {
			tr.mu.Unlock()
			return
		}
		ref := tr.initial[0]
		tr.initial = tr.initial[1:]
		if _, ok := tr.items[ref.ID()]; ok || tr.adding[ref.ID()] {
			tr.mu.Unlock()
			continue
		}
		tr.adding[ref.ID()] = true
		tr.mu.Unlock()

		gctx, leave := tr.enter(ctx)
		tr.trackAdding(gctx, ref, nil)
		leave()
	}
}

func (tr *tracked[T]) track(ctx context.Context, ref framework.ServiceReference, event *framework.ServiceEvent) {
	ctx, leave := tr.enter(ctx)
	defer leave()

	tr.mu.Lock()
	if tr.closed.Load() {
		tr.mu.Unlock()
		return
	}
	entry, tracking := tr.items[ref.ID()]
	if !tracking {
		if tr.adding[ref.ID()] {
			tr.mu.Unlock()
			return
		}
		tr.adding[ref.ID()] = true
		tr.mu.Unlock()
		tr.trackAdding(ctx, ref, event)
		return
	}
	count := tr.modified()
	tr.mu.Unlock()

	tr.t.customizer.ModifiedService(ctx, ref, entry.Value, count, event)
}

func (tr *tracked[T]) trackAdding(ctx context.Context, ref framework.ServiceReference, event *framework.ServiceEvent) {
	value := tr.t.customizer.AddingService(ctx, ref)

	count, serviceCount := -1, -1
	tr.mu.Lock()
	stillAdding := tr.adding[ref.ID()]
	delete(tr.adding, ref.ID())
	untracked := !stillAdding || tr.closed.Load()
	if !untracked {
		tr.items[ref.ID()] = Entry[T]{Ref: ref, Value: value}
		count = tr.modified()
		serviceCount = len(tr.items)
	}
	tr.mu.Unlock()

	if untracked {
		tr.t.customizer.RemovedService(ctx, ref, value, count, event)
		return
	}
	tr.t.customizer.AddedService(ctx, ref, value, count, serviceCount, event)
}

func (tr *tracked[T]) untrack(ctx context.Context, ref framework.ServiceReference, event *framework.ServiceEvent) {
	ctx, leave := tr.enter(ctx)
	defer leave()

	tr.mu.Lock()
	for i, r := range tr.initial {
		if r.ID() == ref.ID() {
			tr.initial = append(tr.initial[:i], tr.initial[i+1:]...)
			tr.mu.Unlock()
			return
		}
	}
	if tr.adding[ref.ID()] {
		// trackAdding sees the flag gone and reports the removal itself
		delete(tr.adding, ref.ID())
		tr.mu.Unlock()
		return
	}
	entry, ok := tr.items[ref.ID()]
	if !ok {
		tr.mu.Unlock()
		return
	}
	delete(tr.items, ref.ID())
	count := tr.modified()
	tr.mu.Unlock()

	tr.t.customizer.RemovedService(ctx, ref, entry.Value, count, event)
}

func (tr *tracked[T]) copyEntries() map[int64]Entry[T] {
	out := make(map[int64]Entry[T], len(tr.items))
	for id, e := range tr.items {
		out[id] = e
	}
	return out
}
