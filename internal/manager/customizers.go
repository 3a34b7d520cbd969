package manager

import (
	"context"
	"sync"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/tracker"
)

// customizer is the reference-policy specific reaction to tracked services.
// One customizer serves a dependency manager for its lifetime; a target
// filter change hands it a new tracker.
type customizer interface {
	tracker.Customizer[*RefPair]
	setTracker(t *tracker.ServiceTracker[*RefPair])
	setTrackerOpened()
	setPreviousRefMap(refs map[int64]tracker.Entry[*RefPair])
	takePreviousRefMap() map[int64]tracker.Entry[*RefPair]
	dropRetracked(t *tracker.ServiceTracker[*RefPair])
	isSatisfied() bool
	// prebind obtains the services the component will be bound to and
	// reports whether enough were obtained.
	prebind(ctx context.Context) bool
	// close releases the obtained services.
	close(ctx context.Context)
	// getRefs returns the pairs to bind and the tracking count they reflect.
	getRefs(ctx context.Context) ([]*RefPair, int)
	// lockRefs excludes the callbacks' bind decisions, so a snapshot taken
	// by getRefs and the edge set from it are seen together.
	lockRefs(ctx context.Context) (context.Context, func())
}

type ctxMutexKey struct{ m *ctxMutex }

// ctxMutex is a mutex that a context which already holds it re-enters.
type ctxMutex struct {
	mu sync.Mutex
}

func (l *ctxMutex) lock(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(ctxMutexKey{l}) != nil {
		return ctx, func() {}
	}
	l.mu.Lock()
	return context.WithValue(ctx, ctxMutexKey{l}, true), l.mu.Unlock
}

type baseCustomizer struct {
	dm *DependencyManager

	// refs guards the bound pairs of the concrete customizers
	refs ctxMutex

	mu            sync.Mutex
	tracker       *tracker.ServiceTracker[*RefPair]
	trackerOpened bool
	previous      map[int64]tracker.Entry[*RefPair]
}

func (c *baseCustomizer) lockRefs(ctx context.Context) (context.Context, func()) {
	return c.refs.lock(ctx)
}

func (c *baseCustomizer) setTracker(t *tracker.ServiceTracker[*RefPair]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker = t
	c.trackerOpened = false
}

func (c *baseCustomizer) getTracker() *tracker.ServiceTracker[*RefPair] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

func (c *baseCustomizer) setTrackerOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackerOpened = true
}

func (c *baseCustomizer) isTrackerOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackerOpened
}

func (c *baseCustomizer) setPreviousRefMap(refs map[int64]tracker.Entry[*RefPair]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previous = refs
}

// takePreviousRefMap returns what is left of the previous map: the pairs no
// longer matched by the new tracker.
func (c *baseCustomizer) takePreviousRefMap() map[int64]tracker.Entry[*RefPair] {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.previous
	c.previous = nil
	if refs == nil {
		refs = map[int64]tracker.Entry[*RefPair]{}
	}
	return refs
}

func (c *baseCustomizer) previousRefPair(ref framework.ServiceReference) (*RefPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.previous[ref.ID()]
	return e.Value, ok
}

// dropRetracked removes from the previous map every pair t tracks again, so
// completing the old tracker's close leaves them bound.
func (c *baseCustomizer) dropRetracked(t *tracker.ServiceTracker[*RefPair]) {
	c.mu.Lock()
	refs := make([]framework.ServiceReference, 0, len(c.previous))
	for _, e := range c.previous {
		refs = append(refs, e.Ref)
	}
	c.mu.Unlock()

	// the tracker lock is not taken under c.mu
	for _, ref := range refs {
		if _, ok := t.Value(ref); ok {
			c.fromPrevious(ref)
		}
	}
}

// fromPrevious removes ref from the previous map and reports whether it was
// there, meaning it is already bound.
func (c *baseCustomizer) fromPrevious(ref framework.ServiceReference) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.previous[ref.ID()]; !ok {
		return false
	}
	delete(c.previous, ref.ID())
	return true
}

func (c *baseCustomizer) AddingService(_ context.Context, ref framework.ServiceReference) *RefPair {
	if rp, ok := c.previousRefPair(ref); ok && rp != nil {
		return rp
	}
	return newRefPair(ref)
}

func (c *baseCustomizer) isSatisfied() bool {
	t := c.getTracker()
	return t != nil && c.dm.cardinalitySatisfied(t.ServiceCount())
}

func (c *baseCustomizer) isActive() bool {
	t := c.getTracker()
	return t != nil && t.IsActive()
}

func (c *baseCustomizer) serviceCount() int {
	if t := c.getTracker(); t != nil {
		return t.ServiceCount()
	}
	return 0
}

func (c *baseCustomizer) deactivateTracker() {
	if t := c.getTracker(); t != nil {
		t.Deactivate()
	}
}

// activateTracked marks the tracker active and returns its pairs.
func (c *baseCustomizer) activateTracked() ([]*RefPair, int) {
	active := true
	return c.getTracked(&active)
}

func (c *baseCustomizer) getTracked(activate *bool) ([]*RefPair, int) {
	t := c.getTracker()
	if t == nil {
		return nil, -1
	}
	entries, count := t.GetTracked(activate)
	out := make([]*RefPair, 0, len(entries))
	for _, e := range entries {
		if e.Value != nil {
			out = append(out, e.Value)
		}
	}
	return out, count
}

func (c *baseCustomizer) tracked(count int) {
	c.dm.m.counter.tracked(count)
}

func (c *baseCustomizer) activateComponent(ctx context.Context) {
	if err := c.dm.m.activateInternal(ctx); err != nil {
		c.dm.logger.Debug("Activation on service change failed: %v", err)
	}
}

func (c *baseCustomizer) deactivateComponent(ctx context.Context) {
	if err := c.dm.m.deactivateInternal(ctx, ReasonReference); err != nil {
		c.dm.logger.Debug("Deactivation on service change failed: %v", err)
	}
}

// reactivateLater queues the component for activation once event has been
// delivered to every listener.
func (c *baseCustomizer) reactivateLater(ctx context.Context, event *framework.ServiceEvent) {
	if event != nil {
		event.AddComponentManager(c.dm.m)
		return
	}
	c.dm.m.Reactivate(ctx)
}

// noPermissionsCustomizer serves references whose services the bundle may
// not get. They are treated as absent.
type noPermissionsCustomizer struct {
	baseCustomizer
}

func (c *noPermissionsCustomizer) AddingService(context.Context, framework.ServiceReference) *RefPair {
	return nil
}

func (c *noPermissionsCustomizer) AddedService(_ context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount, _ int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
}

func (c *noPermissionsCustomizer) ModifiedService(_ context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
}

func (c *noPermissionsCustomizer) RemovedService(_ context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
}

func (c *noPermissionsCustomizer) isSatisfied() bool {
	return c.dm.IsOptional()
}

func (c *noPermissionsCustomizer) prebind(context.Context) bool {
	return c.dm.IsOptional()
}

func (c *noPermissionsCustomizer) close(context.Context) {}

func (c *noPermissionsCustomizer) getRefs(context.Context) ([]*RefPair, int) {
	return nil, -1
}

// factoryCustomizer only decides whether a component factory is available.
// Nothing is bound to a factory.
type factoryCustomizer struct {
	baseCustomizer
}

func (c *factoryCustomizer) AddedService(ctx context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount, serviceCount int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
	if c.dm.cardinalityJustSatisfied(serviceCount) {
		c.activateComponent(ctx)
	}
}

func (c *factoryCustomizer) ModifiedService(_ context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
}

func (c *factoryCustomizer) RemovedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	rp.markDeleted()
	c.tracked(trackingCount)
	if !c.isSatisfied() {
		c.deactivateComponent(ctx)
	}
}

func (c *factoryCustomizer) prebind(context.Context) bool {
	refs, _ := c.activateTracked()
	return c.dm.cardinalitySatisfied(len(refs))
}

func (c *factoryCustomizer) close(context.Context) {
	c.deactivateTracker()
}

func (c *factoryCustomizer) getRefs(context.Context) ([]*RefPair, int) {
	if t := c.getTracker(); t != nil {
		return nil, t.TrackingCount()
	}
	return nil, -1
}

// multipleDynamicCustomizer binds and unbinds services one by one while the
// component stays active.
type multipleDynamicCustomizer struct {
	baseCustomizer

	// lastRefPair is the removed pair that made the reference unsatisfied,
	// kept while the component deactivates so it is unbound too
	lastRefPair *RefPair
	lastCount   int
}

func (c *multipleDynamicCustomizer) AddedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount, serviceCount int, _ *framework.ServiceEvent) {
	tracked := false
	if !c.fromPrevious(ref) {
		if c.isActive() {
			lctx, unlock := c.refs.lock(ctx)
			if !c.dm.m.invokeBindMethod(lctx, c.dm, rp, trackingCount) {
				c.dm.registerMissing(ref, trackingCount)
			}
			unlock()
		} else if c.isTrackerOpened() && c.dm.cardinalityJustSatisfied(serviceCount) {
			c.tracked(trackingCount)
			tracked = true
			c.activateComponent(ctx)
		}
	}
	if !tracked {
		c.tracked(trackingCount)
	}
}

func (c *multipleDynamicCustomizer) ModifiedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	if c.isActive() {
		lctx, unlock := c.refs.lock(ctx)
		c.dm.m.invokeUpdatedMethod(lctx, c.dm, rp, trackingCount)
		unlock()
	}
	c.tracked(trackingCount)
}

func (c *multipleDynamicCustomizer) RemovedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	rp.markDeleted()
	if c.dm.cardinalitySatisfied(c.serviceCount()) {
		if c.isActive() {
			lctx, unlock := c.refs.lock(ctx)
			c.dm.m.invokeUnbindMethod(lctx, c.dm, rp, trackingCount)
			unlock()
		}
		c.tracked(trackingCount)
	} else {
		lctx, unlock := c.refs.lock(ctx)
		c.lastRefPair = rp
		c.lastCount = trackingCount
		unlock()
		c.tracked(trackingCount)
		c.deactivateComponent(ctx)
		_, unlock = c.refs.lock(lctx)
		c.lastRefPair = nil
		unlock()
	}
	c.dm.ungetService(ctx, rp)
}

func (c *multipleDynamicCustomizer) prebind(ctx context.Context) bool {
	refs, count := c.activateTracked()
	bound := 0
	var failed []*RefPair
	for _, rp := range refs {
		if c.dm.getServiceObject(ctx, rp) {
			bound++
		} else {
			failed = append(failed, rp)
		}
	}
	if !c.dm.cardinalitySatisfied(bound) {
		return false
	}
	for _, rp := range failed {
		c.dm.registerMissing(rp.Ref(), count)
	}
	return true
}

func (c *multipleDynamicCustomizer) close(ctx context.Context) {
	refs, _ := c.getRefs(ctx)
	for _, rp := range refs {
		c.dm.ungetService(ctx, rp)
	}
	c.deactivateTracker()
}

func (c *multipleDynamicCustomizer) getRefs(ctx context.Context) ([]*RefPair, int) {
	_, unlock := c.refs.lock(ctx)
	last, lastCount := c.lastRefPair, c.lastCount
	unlock()
	refs, count := c.getTracked(nil)
	if last != nil {
		return append([]*RefPair{last}, refs...), lastCount
	}
	return refs, count
}

// multipleStaticGreedyCustomizer reactivates the component on every change
// of the tracked set.
type multipleStaticGreedyCustomizer struct {
	baseCustomizer
}

func (c *multipleStaticGreedyCustomizer) AddedService(ctx context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount, serviceCount int, event *framework.ServiceEvent) {
	c.tracked(trackingCount)
	if c.isActive() {
		c.deactivateComponent(ctx)
		c.reactivateLater(ctx, event)
	} else if c.isTrackerOpened() && c.dm.cardinalityJustSatisfied(serviceCount) {
		c.activateComponent(ctx)
	}
}

func (c *multipleStaticGreedyCustomizer) ModifiedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	reactivate := false
	if c.isActive() {
		lctx, unlock := c.refs.lock(ctx)
		reactivate = c.dm.m.invokeUpdatedMethod(lctx, c.dm, rp, trackingCount)
		unlock()
	}
	c.tracked(trackingCount)
	if reactivate {
		c.deactivateComponent(ctx)
		c.reactivateLater(ctx, event)
	}
}

func (c *multipleStaticGreedyCustomizer) RemovedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	rp.markDeleted()
	c.tracked(trackingCount)
	if c.isActive() {
		c.deactivateComponent(ctx)
		c.reactivateLater(ctx, event)
	} else if !c.isSatisfied() {
		c.deactivateComponent(ctx)
	}
	c.dm.ungetService(ctx, rp)
}

// prebind activates the tracker only when enough services are tracked; a
// failure to get one of them is found again by the cardinality check.
func (c *multipleStaticGreedyCustomizer) prebind(ctx context.Context) bool {
	satisfied := c.dm.cardinalitySatisfied(c.serviceCount())
	refs, _ := c.getTracked(&satisfied)
	bound := 0
	for _, rp := range refs {
		if c.dm.getServiceObject(ctx, rp) {
			bound++
		}
	}
	return c.dm.cardinalitySatisfied(bound)
}

func (c *multipleStaticGreedyCustomizer) close(ctx context.Context) {
	refs, _ := c.getRefs(ctx)
	for _, rp := range refs {
		c.dm.ungetService(ctx, rp)
	}
	c.deactivateTracker()
}

func (c *multipleStaticGreedyCustomizer) getRefs(context.Context) ([]*RefPair, int) {
	return c.getTracked(nil)
}

// multipleStaticReluctantCustomizer keeps the set captured at activation
// and only reactivates when one of the captured services goes away.
type multipleStaticReluctantCustomizer struct {
	baseCustomizer

	captured      []*RefPair
	trackingCount int
}

func (c *multipleStaticReluctantCustomizer) capturedContains(ctx context.Context, rp *RefPair) (bool, bool) {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	if c.captured == nil {
		return false, false
	}
	for _, p := range c.captured {
		if p == rp {
			return true, true
		}
	}
	return false, true
}

func (c *multipleStaticReluctantCustomizer) AddedService(ctx context.Context, _ framework.ServiceReference, _ *RefPair, trackingCount, serviceCount int, _ *framework.ServiceEvent) {
	c.tracked(trackingCount)
	if c.isTrackerOpened() && c.dm.cardinalityJustSatisfied(serviceCount) && !c.isActive() {
		c.activateComponent(ctx)
	}
}

func (c *multipleStaticReluctantCustomizer) ModifiedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	reactivate := false
	if c.isActive() {
		if contains, _ := c.capturedContains(ctx, rp); contains {
			lctx, unlock := c.refs.lock(ctx)
			reactivate = c.dm.m.invokeUpdatedMethod(lctx, c.dm, rp, trackingCount)
			unlock()
		}
	}
	c.tracked(trackingCount)
	if reactivate {
		c.deactivateComponent(ctx)
		c.reactivateLater(ctx, event)
	}
}

func (c *multipleStaticReluctantCustomizer) RemovedService(ctx context.Context, _ framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	rp.markDeleted()
	c.tracked(trackingCount)
	contains, captured := c.capturedContains(ctx, rp)
	if c.isActive() && captured {
		if contains {
			c.deactivateComponent(ctx)
			c.reactivateLater(ctx, event)
		}
	} else if !c.isSatisfied() {
		c.deactivateComponent(ctx)
	}
	c.dm.ungetService(ctx, rp)
}

func (c *multipleStaticReluctantCustomizer) prebind(ctx context.Context) bool {
	lctx, unlock := c.refs.lock(ctx)
	existing := c.captured
	unlock()

	bound := 0
	if existing != nil {
		// a concurrent activation captured the set already
		for _, rp := range existing {
			if c.dm.getServiceObject(ctx, rp) {
				bound++
			}
		}
		return c.dm.cardinalitySatisfied(bound)
	}

	refs, count := c.activateTracked()
	for _, rp := range refs {
		if c.dm.getServiceObject(ctx, rp) {
			bound++
		}
	}

	_, unlock = c.refs.lock(lctx)
	if c.captured == nil {
		c.captured = refs
		c.trackingCount = count
		unlock()
		return c.dm.cardinalitySatisfied(bound)
	}
	winner := c.captured
	unlock()
	for _, rp := range refs {
		if !containsPair(winner, rp) {
			c.dm.ungetService(ctx, rp)
		}
	}
	return c.dm.cardinalitySatisfied(bound)
}

func containsPair(refs []*RefPair, rp *RefPair) bool {
	for _, p := range refs {
		if p == rp {
			return true
		}
	}
	return false
}

func (c *multipleStaticReluctantCustomizer) close(ctx context.Context) {
	_, unlock := c.refs.lock(ctx)
	refs := c.captured
	c.captured = nil
	unlock()
	for _, rp := range refs {
		c.dm.ungetService(ctx, rp)
	}
	c.deactivateTracker()
}

func (c *multipleStaticReluctantCustomizer) getRefs(ctx context.Context) ([]*RefPair, int) {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	return append([]*RefPair(nil), c.captured...), c.trackingCount
}

// singleDynamicCustomizer keeps one service bound and swaps it without
// deactivating the component.
type singleDynamicCustomizer struct {
	baseCustomizer

	refPair       *RefPair
	trackingCount int
}

func (c *singleDynamicCustomizer) AddedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount, serviceCount int, _ *framework.ServiceEvent) {
	tracked := false
	if !c.fromPrevious(ref) {
		if c.isActive() {
			lctx, unlock := c.refs.lock(ctx)
			bound := c.refPair
			invokeBind := bound == nil ||
				(!c.dm.ref.IsReluctant() && framework.CompareReferences(ref, bound.Ref()) > 0)
			if invokeBind {
				// bind the new service before the old one goes
				if c.dm.m.invokeBindMethod(lctx, c.dm, rp, trackingCount) {
					if bound != nil {
						c.dm.m.invokeUnbindMethod(lctx, c.dm, bound, trackingCount)
						c.dm.ungetService(lctx, bound)
					}
				} else if c.dm.cardinalitySatisfied(0) {
					c.dm.registerMissing(ref, trackingCount)
				}
				c.refPair = rp
			}
			c.trackingCount = trackingCount
			unlock()
		} else if c.isTrackerOpened() && c.dm.cardinalityJustSatisfied(serviceCount) {
			c.setTrackingCount(ctx, trackingCount)
			c.tracked(trackingCount)
			tracked = true
			c.activateComponent(ctx)
		}
	}
	if !tracked {
		c.setTrackingCount(ctx, trackingCount)
		c.tracked(trackingCount)
	}
}

func (c *singleDynamicCustomizer) setTrackingCount(ctx context.Context, count int) {
	_, unlock := c.refs.lock(ctx)
	c.trackingCount = count
	unlock()
}

func (c *singleDynamicCustomizer) ModifiedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	if c.isActive() {
		lctx, unlock := c.refs.lock(ctx)
		if sameRef(c.refPair, ref) {
			c.dm.m.invokeUpdatedMethod(lctx, c.dm, rp, trackingCount)
		}
		unlock()
	}
	c.setTrackingCount(ctx, trackingCount)
	c.tracked(trackingCount)
}

func (c *singleDynamicCustomizer) RemovedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount int, _ *framework.ServiceEvent) {
	rp.markDeleted()
	deactivate := false
	untracked := true

	lctx, unlock := c.refs.lock(ctx)
	bound := c.refPair
	if sameRef(bound, ref) && c.isActive() {
		var next *RefPair
		if t := c.getTracker(); t != nil && !t.IsEmpty() {
			if refs, _ := c.activateTracked(); len(refs) > 0 {
				next = refs[0]
			}
		}
		if next != nil || c.dm.IsOptional() {
			if next != nil {
				c.dm.m.invokeBindMethod(lctx, c.dm, next, trackingCount)
			}
			c.trackingCount = trackingCount
			c.dm.m.invokeUnbindMethod(lctx, c.dm, bound, trackingCount)
			c.refPair = next
			c.tracked(trackingCount)
			untracked = false
		} else {
			deactivate = true
		}
	} else if !c.isSatisfied() && bound == nil {
		deactivate = true
	}
	unlock()

	if deactivate {
		c.setTrackingCount(ctx, trackingCount)
		c.tracked(trackingCount)
		untracked = false
		c.deactivateComponent(ctx)
	}
	if !sameRef(c.current(ctx), ref) {
		c.dm.ungetService(ctx, rp)
	}
	if untracked {
		c.tracked(trackingCount)
	}
}

func (c *singleDynamicCustomizer) current(ctx context.Context) *RefPair {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	return c.refPair
}

func (c *singleDynamicCustomizer) prebind(ctx context.Context) bool {
	success := c.dm.cardinalitySatisfied(0)
	t := c.getTracker()
	if t == nil {
		return success
	}
	if success || !t.IsEmpty() {
		refs, count := c.activateTracked()
		if len(refs) > 0 {
			rp := refs[0]
			_, unlock := c.refs.lock(ctx)
			c.refPair = rp
			c.trackingCount = count
			unlock()
			if c.dm.getServiceObject(ctx, rp) {
				success = true
			} else if c.dm.cardinalitySatisfied(0) {
				c.dm.registerMissing(rp.Ref(), count)
			}
		}
	}
	return success
}

func (c *singleDynamicCustomizer) close(ctx context.Context) {
	_, unlock := c.refs.lock(ctx)
	rp := c.refPair
	c.refPair = nil
	unlock()
	if rp != nil {
		c.dm.ungetService(ctx, rp)
	}
	c.deactivateTracker()
}

func (c *singleDynamicCustomizer) getRefs(ctx context.Context) ([]*RefPair, int) {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	if c.refPair == nil {
		return nil, c.trackingCount
	}
	return []*RefPair{c.refPair}, c.trackingCount
}

// singleStaticCustomizer binds one service for the lifetime of an
// activation. Any change to the bound service reactivates the component.
type singleStaticCustomizer struct {
	baseCustomizer

	refPair       *RefPair
	trackingCount int
}

func (c *singleStaticCustomizer) current(ctx context.Context) *RefPair {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	return c.refPair
}

func (c *singleStaticCustomizer) setTrackingCount(ctx context.Context, count int) {
	_, unlock := c.refs.lock(ctx)
	c.trackingCount = count
	unlock()
}

func (c *singleStaticCustomizer) AddedService(ctx context.Context, ref framework.ServiceReference, _ *RefPair, trackingCount, serviceCount int, event *framework.ServiceEvent) {
	c.setTrackingCount(ctx, trackingCount)
	c.tracked(trackingCount)
	if c.isActive() {
		bound := c.current(ctx)
		reactivate := !c.dm.ref.IsReluctant() &&
			(bound == nil || framework.CompareReferences(ref, bound.Ref()) > 0)
		if reactivate {
			c.deactivateComponent(ctx)
			c.reactivateLater(ctx, event)
		}
	} else if c.isTrackerOpened() && c.dm.cardinalityJustSatisfied(serviceCount) {
		c.activateComponent(ctx)
	}
}

func (c *singleStaticCustomizer) ModifiedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	reactivate := false
	if c.isActive() {
		lctx, unlock := c.refs.lock(ctx)
		if sameRef(c.refPair, ref) {
			reactivate = c.dm.m.invokeUpdatedMethod(lctx, c.dm, rp, trackingCount)
		}
		unlock()
	}
	c.setTrackingCount(ctx, trackingCount)
	c.tracked(trackingCount)
	if reactivate {
		c.deactivateComponent(ctx)
		c.clearIfBound(ctx, ref)
		c.reactivateLater(ctx, event)
	}
}

func (c *singleStaticCustomizer) RemovedService(ctx context.Context, ref framework.ServiceReference, rp *RefPair, trackingCount int, event *framework.ServiceEvent) {
	rp.markDeleted()
	c.setTrackingCount(ctx, trackingCount)
	c.tracked(trackingCount)

	bound := sameRef(c.current(ctx), ref)
	reactivate := (c.isActive() && bound) || !c.dm.cardinalitySatisfied(c.serviceCount())
	if !reactivate && bound {
		c.clearIfBound(ctx, ref)
	}
	if reactivate {
		c.deactivateComponent(ctx)
		c.clearIfBound(ctx, ref)
		c.reactivateLater(ctx, event)
	}
	c.dm.ungetService(ctx, rp)
}

func (c *singleStaticCustomizer) clearIfBound(ctx context.Context, ref framework.ServiceReference) {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	if sameRef(c.refPair, ref) {
		c.refPair = nil
	}
}

func (c *singleStaticCustomizer) prebind(ctx context.Context) bool {
	success := c.dm.cardinalitySatisfied(0)
	t := c.getTracker()
	if t == nil {
		return success
	}
	if success || !t.IsEmpty() {
		refs, count := c.activateTracked()
		if len(refs) > 0 {
			rp := refs[0]
			_, unlock := c.refs.lock(ctx)
			c.refPair = rp
			c.trackingCount = count
			unlock()
			if c.dm.getServiceObject(ctx, rp) {
				success = true
			} else {
				c.dm.registerMissing(rp.Ref(), count)
			}
		}
	}
	return success
}

func (c *singleStaticCustomizer) close(ctx context.Context) {
	_, unlock := c.refs.lock(ctx)
	rp := c.refPair
	c.refPair = nil
	unlock()
	if rp != nil {
		c.dm.ungetService(ctx, rp)
	}
	c.deactivateTracker()
}

func (c *singleStaticCustomizer) getRefs(ctx context.Context) ([]*RefPair, int) {
	_, unlock := c.refs.lock(ctx)
	defer unlock()
	if c.refPair == nil {
		return nil, c.trackingCount
	}
	return []*RefPair{c.refPair}, c.trackingCount
}
