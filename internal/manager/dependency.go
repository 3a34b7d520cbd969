package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/tracing"
	"github.com/moolen/scr/internal/tracker"
)

// matchNothing is installed when a configured target filter is invalid.
const matchNothing = "(" + framework.ComponentID + "=-1)"

// DependencyManager tracks the services of one declared reference and binds
// them to the component's implementation objects.
type DependencyManager struct {
	m          *manager
	index      int
	ref        *metadata.ReferenceMetadata
	logger     *logging.Logger
	customizer customizer

	mu             sync.Mutex
	tracker        *tracker.ServiceTracker[*RefPair]
	filter         string
	minCardinality int
}

func newDependencyManager(m *manager, index int, ref *metadata.ReferenceMetadata) *DependencyManager {
	dm := &DependencyManager{
		m:              m,
		index:          index,
		ref:            ref,
		logger:         m.logger.WithField("reference", ref.Name),
		minCardinality: defaultMinCardinality(ref),
	}
	dm.customizer = dm.newCustomizer()
	return dm
}

func defaultMinCardinality(ref *metadata.ReferenceMetadata) int {
	if ref.IsOptional() {
		return 0
	}
	return 1
}

func (dm *DependencyManager) newCustomizer() customizer {
	perm := framework.Permission{Service: dm.ref.Interface, Action: framework.ActionGet}
	switch {
	case !dm.m.bundle.HasPermission(perm):
		dm.logger.Info("No permission to get services of %s", dm.ref.Interface)
		return &noPermissionsCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	case dm.m.meta.IsFactory() && !dm.m.factoryInstance:
		return &factoryCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	case dm.ref.IsMultiple() && !dm.ref.IsStatic():
		return &multipleDynamicCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	case dm.ref.IsMultiple() && dm.ref.IsReluctant():
		return &multipleStaticReluctantCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	case dm.ref.IsMultiple():
		return &multipleStaticGreedyCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	case !dm.ref.IsStatic():
		return &singleDynamicCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	default:
		return &singleStaticCustomizer{baseCustomizer: baseCustomizer{dm: dm}}
	}
}

// Name returns the reference name.
func (dm *DependencyManager) Name() string {
	return dm.ref.Name
}

// Component returns the component owning the reference.
func (dm *DependencyManager) Component() Component {
	return dm.m.self
}

func (dm *DependencyManager) Metadata() *metadata.ReferenceMetadata {
	return dm.ref
}

// Filter returns the filter of the current tracker.
func (dm *DependencyManager) Filter() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.filter
}

func (dm *DependencyManager) currentTracker() *tracker.ServiceTracker[*RefPair] {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.tracker
}

func (dm *DependencyManager) minimum() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.minCardinality
}

func (dm *DependencyManager) cardinalitySatisfied(n int) bool {
	return dm.minimum() <= n
}

func (dm *DependencyManager) cardinalityJustSatisfied(n int) bool {
	return dm.minimum() == n
}

func (dm *DependencyManager) isSatisfied() bool {
	return dm.customizer.isSatisfied()
}

// IsSatisfied reports whether enough services are tracked.
func (dm *DependencyManager) IsSatisfied() bool {
	return dm.isSatisfied()
}

// IsOptional reports a minimum cardinality of zero, taking configuration
// into account.
func (dm *DependencyManager) IsOptional() bool {
	return dm.minimum() == 0
}

func (dm *DependencyManager) enable(ctx context.Context, props map[string]interface{}) error {
	dm.setTargetFilter(ctx, props)
	if dm.currentTracker() == nil {
		return fmt.Errorf("reference %s: no tracker", dm.ref.Name)
	}
	dm.logger.Debug("Enabled dependency on %s with filter %s", dm.ref.Interface, dm.Filter())
	return nil
}

// disable closes the tracker. Tracked services are reported removed.
func (dm *DependencyManager) disable(ctx context.Context) {
	dm.mu.Lock()
	t := dm.tracker
	dm.tracker = nil
	dm.filter = ""
	dm.mu.Unlock()
	if t == nil {
		return
	}
	t.Deactivate()
	entries, _ := t.Close(ctx)
	t.CompleteClose(ctx, entries)
	dm.logger.Debug("Disabled dependency")
}

// deactivate releases every service obtained for the component.
func (dm *DependencyManager) deactivate(ctx context.Context) {
	dm.customizer.close(ctx)
}

func (dm *DependencyManager) prebind(ctx context.Context) bool {
	return dm.customizer.prebind(ctx)
}

// targetFromProps returns the tracker filter and minimum cardinality that
// props ask for.
func (dm *DependencyManager) targetFromProps(props map[string]interface{}) (string, int) {
	target := dm.ref.Target
	if t, ok := props[dm.ref.TargetPropertyName()].(string); ok {
		target = t
	}
	classFilter := "(" + framework.ObjectClass + "=" + dm.ref.Interface + ")"
	filter := classFilter
	if target != "" {
		filter = "(&" + classFilter + target + ")"
	}

	min := defaultMinCardinality(dm.ref)
	if v, ok := props[dm.ref.Name+".cardinality.minimum"]; ok {
		if n, ok := toInt(v); ok && n >= min && (dm.ref.IsMultiple() || n <= 1) {
			min = n
		}
	}
	return filter, min
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

// setTargetFilter replaces the tracker when the target filter changes. The
// services tracked so far are handed to the new tracker, which keeps the
// bound ones bound; services that no longer match are removed through the
// old tracker once the new one is open.
func (dm *DependencyManager) setTargetFilter(ctx context.Context, props map[string]interface{}) {
	filterString, min := dm.targetFromProps(props)

	dm.mu.Lock()
	old := dm.tracker
	dm.minCardinality = min
	if old != nil && filterString == dm.filter {
		dm.mu.Unlock()
		return
	}
	dm.mu.Unlock()

	var refMap map[int64]tracker.Entry[*RefPair]
	initialActive := false
	if old != nil {
		initialActive = old.IsActive()
		var count int
		refMap, count = old.Close(ctx)
		if count != -1 {
			dm.m.counter.waitFor(count, dm.m.lock.Timeout(), dm.logger)
		}
	}

	requested := filterString
	filter, err := dm.m.bctx.CreateFilter(filterString)
	if err != nil {
		dm.logger.ErrorWithErr("Invalid target filter %s, tracking nothing", err, filterString)
		filterString = matchNothing
		if filter, err = dm.m.bctx.CreateFilter(filterString); err != nil {
			dm.logger.ErrorWithErr("Cannot create fallback filter", err)
			return
		}
	}

	dm.customizer.setPreviousRefMap(refMap)
	t := tracker.New[*RefPair](dm.m.bctx, dm.ref.Interface, filter, dm.customizer, initialActive)
	dm.customizer.setTracker(t)
	dm.mu.Lock()
	dm.tracker = t
	dm.filter = requested
	dm.mu.Unlock()

	if err := t.Open(ctx, &dm.m.trackingCount); err != nil {
		dm.logger.ErrorWithErr("Failed to open tracker", err)
	}
	dm.customizer.setTrackerOpened()

	if old != nil {
		dm.customizer.dropRetracked(t)
		old.CompleteClose(ctx, dm.customizer.takePreviousRefMap())
	}
	dm.logger.Debug("Tracking %s with %s, %d services", dm.ref.Interface, filterString, t.ServiceCount())
}

// canUpdateDynamically reports whether the reference can follow props
// without reactivating the component.
func (dm *DependencyManager) canUpdateDynamically(props map[string]interface{}) bool {
	filterString, min := dm.targetFromProps(props)
	dm.mu.Lock()
	unchanged := filterString == dm.filter && min == dm.minCardinality
	dm.mu.Unlock()
	if unchanged {
		return true
	}
	if dm.ref.IsStatic() {
		return false
	}
	if min == 0 {
		return true
	}
	refs, err := dm.m.bctx.GetServiceReferences(dm.ref.Interface, filterString)
	if err != nil {
		dm.logger.Debug("Cannot look up services for %s: %v", filterString, err)
		return false
	}
	return len(refs) >= min
}

// getServiceObject makes sure rp carries a service object.
func (dm *DependencyManager) getServiceObject(ctx context.Context, rp *RefPair) bool {
	if rp.Service() != nil {
		return true
	}
	svc, err := dm.m.bctx.GetService(ctx, rp.Ref())
	if err != nil || svc == nil {
		rp.setFailed()
		dm.m.metrics.BindFailed()
		if err == nil {
			err = fmt.Errorf("no service object")
		}
		dm.logger.LogErr(logging.WARN, err, "Could not get service %d", rp.Ref().ID())
		return false
	}
	if !rp.setServiceObject(svc) {
		// another goroutine stored one first
		dm.m.bctx.UngetService(ctx, rp.Ref())
	}
	return true
}

func (dm *DependencyManager) ungetService(ctx context.Context, rp *RefPair) {
	if rp.unsetServiceObject() != nil {
		dm.m.bctx.UngetService(ctx, rp.Ref())
	}
}

func (dm *DependencyManager) registerMissing(ref framework.ServiceReference, trackingCount int) {
	dm.m.host.RegisterMissingDependency(dm, ref, trackingCount)
}

// open binds the services tracked so far to cc's implementation object and
// reports whether enough could be bound.
func (dm *DependencyManager) open(ctx context.Context, cc *ComponentContext) bool {
	edge := cc.edge(dm.index)
	lctx, unlock := dm.customizer.lockRefs(ctx)
	refs, count := dm.customizer.getRefs(lctx)
	// the event with the snapshot's count is already reflected in refs
	edge.setOpen(count + 1)
	unlock()

	bound := 0
	for _, rp := range refs {
		if rp.isDeleted() || rp.isFailed() {
			continue
		}
		if dm.doInvokeBindMethod(ctx, cc, rp, count) {
			bound++
		} else {
			dm.logger.Debug("Failed to bind service %d", rp.Ref().ID())
		}
	}
	edge.openLatch.CountDown()
	return dm.cardinalitySatisfied(bound)
}

// close unbinds everything bound to cc's implementation object once every
// service event up to the snapshot has been handled.
func (dm *DependencyManager) close(ctx context.Context, cc *ComponentContext) {
	edge := cc.edge(dm.index)
	lctx, unlock := dm.customizer.lockRefs(ctx)
	refs, count := dm.customizer.getRefs(lctx)
	edge.setClose(count)
	unlock()
	dm.m.counter.waitFor(count, dm.m.lock.Timeout(), dm.logger)

	for _, rp := range refs {
		if rp.isFailed() {
			continue
		}
		dm.callUnbind(ctx, cc, rp)
	}
	edge.closeLatch.CountDown()
}

func (dm *DependencyManager) doInvokeBindMethod(ctx context.Context, cc *ComponentContext, rp *RefPair, trackingCount int) bool {
	if !dm.getServiceObject(ctx, rp) {
		dm.registerMissing(rp.Ref(), trackingCount)
		return false
	}
	if dm.ref.Bind == "" {
		return true
	}
	binder, ok := cc.Instance().(ReferenceBinder)
	if !ok {
		return true
	}
	ctx, span := tracing.StartSpan(ctx, "scr.bind",
		tracing.AttrComponentName.String(dm.m.meta.Name),
		tracing.AttrReference.String(dm.ref.Name),
		tracing.AttrServiceID.Int64(rp.Ref().ID()),
	)
	err := binder.Bind(ctx, dm.ref.Name, rp.Service(), rp.Ref())
	tracing.EndSpan(span, err)
	if err != nil {
		dm.logger.ErrorWithErr("Bind of service %d failed", err, rp.Ref().ID())
		return false
	}
	return true
}

func (dm *DependencyManager) invokeBindMethod(ctx context.Context, cc *ComponentContext, rp *RefPair, trackingCount int) bool {
	if cc.Instance() == nil {
		return true
	}
	if cc.edge(dm.index).outOfRange(trackingCount) {
		return true
	}
	return dm.doInvokeBindMethod(ctx, cc, rp, trackingCount)
}

// invokeUpdatedMethod reports whether the component asked to be
// reactivated.
func (dm *DependencyManager) invokeUpdatedMethod(ctx context.Context, cc *ComponentContext, rp *RefPair, trackingCount int) bool {
	if dm.ref.Updated == "" || cc.Instance() == nil {
		return false
	}
	edge := cc.edge(dm.index)
	if edge.outOfRange(trackingCount) {
		return false
	}
	edge.waitForOpen(dm.m.lock.Timeout(), dm.logger, dm.ref.Name, trackingCount)
	if !dm.getServiceObject(ctx, rp) {
		return false
	}
	updater, ok := cc.Instance().(ReferenceUpdater)
	if !ok {
		return false
	}
	reactivate, err := updater.Updated(ctx, dm.ref.Name, rp.Service(), rp.Ref())
	if err != nil {
		dm.logger.ErrorWithErr("Updated callback for service %d failed", err, rp.Ref().ID())
	}
	return reactivate
}

func (dm *DependencyManager) invokeUnbindMethod(ctx context.Context, cc *ComponentContext, rp *RefPair, trackingCount int) {
	if cc.Instance() == nil {
		return
	}
	edge := cc.edge(dm.index)
	if edge.beforeRange(trackingCount) {
		// never bound
		return
	}
	edge.waitForOpen(dm.m.lock.Timeout(), dm.logger, dm.ref.Name, trackingCount)
	if edge.afterRange(trackingCount) {
		// close unbinds it
		edge.waitForClose(dm.m.lock.Timeout(), dm.logger, dm.ref.Name, trackingCount)
		return
	}
	dm.callUnbind(ctx, cc, rp)
}

func (dm *DependencyManager) callUnbind(ctx context.Context, cc *ComponentContext, rp *RefPair) {
	if dm.ref.Unbind == "" {
		return
	}
	unbinder, ok := cc.Instance().(ReferenceUnbinder)
	if !ok {
		return
	}
	svc := rp.Service()
	if svc == nil {
		if !dm.getServiceObject(ctx, rp) {
			return
		}
		svc = rp.Service()
	}
	ctx, span := tracing.StartSpan(ctx, "scr.unbind",
		tracing.AttrComponentName.String(dm.m.meta.Name),
		tracing.AttrReference.String(dm.ref.Name),
		tracing.AttrServiceID.Int64(rp.Ref().ID()),
	)
	err := unbinder.Unbind(ctx, dm.ref.Name, svc, rp.Ref())
	tracing.EndSpan(span, err)
	if err != nil {
		dm.logger.ErrorWithErr("Unbind of service %d failed", err, rp.Ref().ID())
	}
}

// BindLate binds the service behind ref once it became obtainable after an
// earlier failure. A component that is not active is activated instead.
func (dm *DependencyManager) BindLate(ctx context.Context, ref framework.ServiceReference, trackingCount int) {
	if !dm.isSatisfied() {
		return
	}
	if !dm.m.hasInstance() {
		if err := dm.m.activateInternal(ctx); err != nil {
			dm.logger.Debug("Activation after missing service %d reappeared failed: %v", ref.ID(), err)
		}
		return
	}
	ctx, unlock := dm.customizer.lockRefs(ctx)
	defer unlock()
	if !dm.ref.IsMultiple() {
		refs, _ := dm.customizer.getRefs(ctx)
		if len(refs) == 0 || refs[0].Ref().ID() != ref.ID() {
			// another service is the better match by now
			return
		}
	}
	t := dm.currentTracker()
	if t == nil {
		return
	}
	rp, ok := t.Value(ref)
	if !ok {
		return
	}
	if rp.Service() != nil {
		dm.logger.Debug("Service %d already bound", ref.ID())
		return
	}
	if !dm.getServiceObject(ctx, rp) {
		dm.logger.Debug("Service %d still not available", ref.ID())
		return
	}
	// open skipped the failed pair, so every open edge still lacks it
	for _, cc := range dm.m.impl.contexts() {
		open, closed := cc.edge(dm.index).Range()
		if open == -1 || closed != -1 || cc.Instance() == nil {
			continue
		}
		dm.doInvokeBindMethod(ctx, cc, rp, trackingCount)
	}
}

// Bound returns the ids of the services currently obtained for the
// component.
func (dm *DependencyManager) Bound() []int64 {
	refs, _ := dm.customizer.getRefs(context.Background())
	var ids []int64
	for _, rp := range refs {
		if !rp.isDeleted() && rp.Service() != nil {
			ids = append(ids, rp.Ref().ID())
		}
	}
	return ids
}

// services returns the obtained service objects, best first.
func (dm *DependencyManager) services(ctx context.Context) []interface{} {
	refs, _ := dm.customizer.getRefs(ctx)
	var out []interface{}
	for _, rp := range refs {
		if rp.isDeleted() || rp.isFailed() {
			continue
		}
		if dm.getServiceObject(ctx, rp) {
			out = append(out, rp.Service())
		}
	}
	return out
}
