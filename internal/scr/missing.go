package scr

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/manager"
)

// RegisterMissingDependency remembers that dm could not get the service
// behind ref. Only services provided by components are remembered; those
// become obtainable once their component is activated, which usually means
// a circular reference was resolved.
func (r *Runtime) RegisterMissingDependency(dm *manager.DependencyManager, ref framework.ServiceReference, trackingCount int) {
	if ref.Property(framework.ComponentName) == nil || ref.Property(framework.ComponentID) == nil {
		return
	}

	r.missingMu.Lock()
	set, ok := r.missing[ref.ID()]
	if !ok {
		set = mapset.NewThreadUnsafeSet[missingDependency]()
		r.missing[ref.ID()] = set
	}
	if set.Add(missingDependency{dm: dm, trackingCount: trackingCount}) {
		r.missingLen++
	}
	n := r.missingLen
	r.missingMu.Unlock()

	r.opts.Metrics.SetMissingDependencies(n)
	r.logger.Debug("Service %d missing for reference %s", ref.ID(), dm.Name())
}

// MissingServicePresent schedules late binding of ref for every dependency
// manager that failed to get it.
func (r *Runtime) MissingServicePresent(_ context.Context, ref framework.ServiceReference) {
	r.missingMu.Lock()
	set, ok := r.missing[ref.ID()]
	if ok {
		delete(r.missing, ref.ID())
		r.missingLen -= set.Cardinality()
	}
	n := r.missingLen
	r.missingMu.Unlock()
	if !ok {
		return
	}
	r.opts.Metrics.SetMissingDependencies(n)

	waiting := set.ToSlice()
	err := r.Schedule(func() {
		// lock holds live in the caller's ctx, the task starts afresh
		ctx := context.Background()
		for _, md := range waiting {
			md.dm.BindLate(ctx, ref, md.trackingCount)
		}
	})
	if err != nil {
		r.logger.Warn("Could not schedule late binding of service %d: %v", ref.ID(), err)
	}
}

// MissingDependencies returns how many dependency managers wait for a
// service to become obtainable.
func (r *Runtime) MissingDependencies() int {
	r.missingMu.Lock()
	defer r.missingMu.Unlock()
	return r.missingLen
}

// forgetMissing drops entries of disposed components.
func (r *Runtime) forgetMissing(components []manager.Component) {
	gone := mapset.NewThreadUnsafeSet[manager.Component](components...)
	r.missingMu.Lock()
	for id, set := range r.missing {
		for _, md := range set.ToSlice() {
			if gone.Contains(md.dm.Component()) {
				set.Remove(md)
				r.missingLen--
			}
		}
		if set.Cardinality() == 0 {
			delete(r.missing, id)
		}
	}
	n := r.missingLen
	r.missingMu.Unlock()
	r.opts.Metrics.SetMissingDependencies(n)
}
