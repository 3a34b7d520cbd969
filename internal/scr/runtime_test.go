package scr

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/manager"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/metrics"
	"github.com/moolen/scr/internal/registry"
	"github.com/moolen/scr/internal/scheduler"
)

const (
	greeterClass   = "test.Greeter"
	clockInterface = "test.Clock"

	waitTimeout = 3 * time.Second
	tick        = 20 * time.Millisecond
)

type greeter struct {
	mu    sync.Mutex
	calls []string
}

func (g *greeter) record(format string, args ...interface{}) {
	g.mu.Lock()
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
	g.mu.Unlock()
}

func (g *greeter) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *greeter) count(prefix string) int {
	n := 0
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (g *greeter) Activate(context.Context, *manager.ComponentContext) error {
	g.record("activate")
	return nil
}

func (g *greeter) Deactivate(_ context.Context, _ *manager.ComponentContext, reason manager.Reason) error {
	g.record("deactivate %s", reason.Label())
	return nil
}

func (g *greeter) Modified(context.Context, *manager.ComponentContext, map[string]interface{}) error {
	g.record("modified")
	return nil
}

func (g *greeter) Bind(_ context.Context, reference string, service interface{}, _ framework.ServiceReference) error {
	g.record("bind %s %v", reference, service)
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	registry *registry.Registry
	bundle   *registry.Bundle
	provider framework.BundleContext
	metrics  *metrics.Metrics
	pool     *scheduler.Pool

	mu       sync.Mutex
	greeters []*greeter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		registry: registry.New(),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry(), "test"),
	}
	classes := registry.NewClasses()
	require.NoError(t, classes.Register(greeterClass, func() (interface{}, error) {
		g := &greeter{}
		f.mu.Lock()
		f.greeters = append(f.greeters, g)
		f.mu.Unlock()
		return g, nil
	}))
	f.bundle = f.registry.InstallBundle("components", registry.WithClasses(classes))
	f.provider = f.registry.InstallBundle("provider").Context()

	f.pool = scheduler.NewPool(2, 16, scheduler.WithMetrics(f.metrics))
	require.NoError(t, f.pool.Start(f.ctx))
	t.Cleanup(func() { _ = f.pool.StopWithTimeout(time.Second) })
	return f
}

func (f *fixture) runtime(opts Options) *Runtime {
	opts.LockTimeout = 5 * time.Second
	opts.Metrics = f.metrics
	return New(f.pool, opts)
}

func (f *fixture) last() *greeter {
	f.t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.greeters)
	return f.greeters[len(f.greeters)-1]
}

func descriptor(name string, refs ...metadata.ReferenceMetadata) *metadata.ComponentMetadata {
	return &metadata.ComponentMetadata{
		Name:           name,
		Implementation: greeterClass,
		Namespace:      "1.4",
		Modified:       "modified",
		References:     refs,
	}
}

func state(t *testing.T, rt *Runtime, name string) manager.State {
	t.Helper()
	c, ok := rt.Component(name)
	require.True(t, ok, "component %s not managed", name)
	return c.State()
}

func TestStartEnablesComponents(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	sleeper := descriptor("sleeper")
	sleeper.Disabled = true
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter"), sleeper}))

	assert.Equal(t, manager.StateDisabled, state(t, rt, "greeter"))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })

	assert.NotEmpty(t, rt.ID())
	assert.Equal(t, manager.StateActive, state(t, rt, "greeter"))
	assert.Equal(t, manager.StateDisabled, state(t, rt, "sleeper"))

	descs := rt.Describe()
	require.Len(t, descs, 2)
	assert.Equal(t, "greeter", descs[0].Name)
	assert.Equal(t, "sleeper", descs[1].Name)

	c, _ := rt.Component("greeter")
	byID, ok := rt.ComponentByID(c.ID())
	require.True(t, ok)
	assert.Equal(t, c, byID)
}

func TestApplyConfiguration(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	sleeper := descriptor("sleeper")
	sleeper.Disabled = true
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter"), sleeper}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })
	g := f.last()

	enabled := true
	cfg := &config.ComponentsFile{
		SchemaVersion: config.SchemaVersion,
		Components: []config.ComponentConfig{
			{Name: "greeter", Properties: map[string]interface{}{"greeting": "hello"}},
			{Name: "sleeper", Enabled: &enabled},
		},
	}
	require.NoError(t, rt.ApplyConfiguration(f.ctx, cfg))

	c, _ := rt.Component("greeter")
	assert.Equal(t, "hello", c.Properties()["greeting"])
	assert.Equal(t, 1, g.count("modified"))
	assert.Equal(t, manager.StateActive, state(t, rt, "sleeper"))

	// unchanged configuration is not applied again
	require.NoError(t, rt.ApplyConfiguration(f.ctx, cfg))
	assert.Equal(t, 1, g.count("modified"))

	disabled := false
	require.NoError(t, rt.ApplyConfiguration(f.ctx, &config.ComponentsFile{
		SchemaVersion: config.SchemaVersion,
		Components:    []config.ComponentConfig{{Name: "greeter", Enabled: &disabled}},
	}))
	assert.Equal(t, manager.StateDisabled, state(t, rt, "greeter"))
	assert.Equal(t, manager.StateDisabled, state(t, rt, "sleeper"))

	require.NoError(t, rt.ApplyConfiguration(f.ctx, nil))
	assert.Equal(t, manager.StateActive, state(t, rt, "greeter"))
	assert.NotContains(t, c.Properties(), "greeting")
}

func TestConfigurationBeforeStartIsKept(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter")}))

	require.NoError(t, rt.ApplyConfiguration(f.ctx, &config.ComponentsFile{
		SchemaVersion: config.SchemaVersion,
		Components: []config.ComponentConfig{
			{Name: "greeter", Properties: map[string]interface{}{"greeting": "early"}},
		},
	}))
	assert.Equal(t, manager.StateDisabled, state(t, rt, "greeter"))

	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })
	c, _ := rt.Component("greeter")
	assert.Equal(t, manager.StateActive, c.State())
	assert.Equal(t, "early", c.Properties()["greeting"])
	assert.Zero(t, f.last().count("modified"), "configured before activation")
}

func TestAddBundleAfterStart(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })

	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter")}))
	assert.Equal(t, manager.StateActive, state(t, rt, "greeter"))

	other := f.registry.InstallBundle("other")
	err := rt.AddBundle(f.ctx, other, []*metadata.ComponentMetadata{descriptor("greeter")})
	assert.ErrorIs(t, err, ErrDuplicateComponent)

	err = rt.AddBundle(f.ctx, other, []*metadata.ComponentMetadata{{Name: "broken"}})
	assert.Error(t, err)
	_, ok := rt.Component("broken")
	assert.False(t, ok)
}

func TestFactoryDescriptor(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	meta := descriptor("widgets")
	meta.Factory = "test.widgets"
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{meta}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })

	c, ok := rt.Component("widgets")
	require.True(t, ok)
	assert.Equal(t, manager.StateFactory, c.State())
	factory, ok := c.(*manager.ComponentFactory)
	require.True(t, ok)

	refs, err := f.provider.GetServiceReferences(manager.ComponentFactoryInterface, "(component.factory=test.widgets)")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	inst, err := factory.NewInstance(f.ctx, map[string]interface{}{"size": 3})
	require.NoError(t, err)
	_, ok = rt.ComponentByID(inst.Component().ID())
	assert.True(t, ok, "instances get runtime ids")
	assert.Equal(t, 1, rt.Describe()[0].Instances)
}

func TestRemoveBundle(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter")}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })
	c, _ := rt.Component("greeter")
	id := c.ID()

	require.NoError(t, rt.RemoveBundle(f.ctx, f.bundle))
	assert.Equal(t, manager.StateDisposed, c.State())
	assert.Contains(t, f.last().Calls(), "deactivate bundle_stopped")
	_, ok := rt.Component("greeter")
	assert.False(t, ok)
	_, ok = rt.ComponentByID(id)
	assert.False(t, ok)

	assert.ErrorIs(t, rt.RemoveBundle(f.ctx, f.bundle), ErrUnknownBundle)
}

func TestStopDisposesComponents(t *testing.T) {
	f := newFixture(t)
	rt := f.runtime(Options{})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter")}))
	require.NoError(t, rt.Start(f.ctx))
	c, _ := rt.Component("greeter")

	require.NoError(t, rt.Stop(f.ctx))
	assert.Equal(t, manager.StateDisposed, c.State())
	assert.Contains(t, f.last().Calls(), "deactivate disposed")
	assert.Empty(t, rt.Components())
}

func TestComponentsFileIsWatched(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "components.yaml")
	cfg := &config.ComponentsFile{
		SchemaVersion: config.SchemaVersion,
		Components: []config.ComponentConfig{
			{Name: "greeter", Properties: map[string]interface{}{"greeting": "hello"}},
		},
	}
	require.NoError(t, config.WriteComponentsFile(path, cfg))

	rt := f.runtime(Options{ComponentsFile: path, ReloadDebounce: 50 * time.Millisecond})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("greeter")}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })

	c, _ := rt.Component("greeter")
	assert.Equal(t, "hello", c.Properties()["greeting"])

	cfg.Components[0].Properties["greeting"] = "bonjour"
	require.NoError(t, config.WriteComponentsFile(path, cfg))
	assert.Eventually(t, func() bool {
		return c.Properties()["greeting"] == "bonjour"
	}, waitTimeout, tick)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.ConfigReloads.WithLabelValues("success")) >= 2
	}, waitTimeout, tick)
}

// flakyClock fails its first GetService.
type flakyClock struct {
	calls atomic.Int32
}

func (fc *flakyClock) GetService(context.Context, framework.Bundle, framework.ServiceRegistration) (interface{}, error) {
	if fc.calls.Add(1) == 1 {
		return nil, fmt.Errorf("not yet")
	}
	return "tick", nil
}

func (fc *flakyClock) UngetService(context.Context, framework.Bundle, framework.ServiceRegistration, interface{}) {
}

func TestMissingDependencyIsBoundLate(t *testing.T) {
	f := newFixture(t)
	componentProps := map[string]interface{}{
		framework.ComponentName: "clock",
		framework.ComponentID:   int64(42),
	}
	reg, err := f.provider.RegisterService(f.ctx, []string{clockInterface}, &flakyClock{}, componentProps)
	require.NoError(t, err)
	// services not provided by components are not remembered
	_, err = f.provider.RegisterService(f.ctx, []string{clockInterface}, &flakyClock{}, nil)
	require.NoError(t, err)

	rt := f.runtime(Options{})
	consumer := descriptor("consumer", metadata.ReferenceMetadata{
		Name:        "clocks",
		Interface:   clockInterface,
		Cardinality: metadata.CardinalityOptionalMultiple,
		Policy:      metadata.PolicyDynamic,
		Bind:        "bind",
	})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{consumer}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })

	assert.Equal(t, manager.StateActive, state(t, rt, "consumer"))
	assert.Equal(t, 1, rt.MissingDependencies())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MissingDependencies))
	g := f.last()
	assert.Zero(t, g.count("bind"))

	rt.MissingServicePresent(f.ctx, reg.Reference())
	assert.Eventually(t, func() bool { return g.count("bind clocks tick") == 1 }, waitTimeout, tick)
	assert.Zero(t, rt.MissingDependencies())

	// nothing left to retry
	rt.MissingServicePresent(f.ctx, reg.Reference())
	assert.Never(t, func() bool { return g.count("bind") > 1 }, 200*time.Millisecond, tick)
}

func TestRemoveBundleForgetsMissingDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := f.provider.RegisterService(f.ctx, []string{clockInterface}, &flakyClock{}, map[string]interface{}{
		framework.ComponentName: "clock",
		framework.ComponentID:   int64(7),
	})
	require.NoError(t, err)

	rt := f.runtime(Options{})
	require.NoError(t, rt.AddBundle(f.ctx, f.bundle, []*metadata.ComponentMetadata{descriptor("consumer", metadata.ReferenceMetadata{
		Name:        "clocks",
		Interface:   clockInterface,
		Cardinality: metadata.CardinalityOptionalMultiple,
		Policy:      metadata.PolicyDynamic,
	})}))
	require.NoError(t, rt.Start(f.ctx))
	t.Cleanup(func() { _ = rt.Stop(f.ctx) })
	require.Equal(t, 1, rt.MissingDependencies())

	require.NoError(t, rt.RemoveBundle(f.ctx, f.bundle))
	assert.Zero(t, rt.MissingDependencies())
}
