package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/registry"
)

const (
	clockInterface = "test.Clock"
	recorderClass  = "test.Recorder"
	failingClass   = "test.Failing"

	waitTimeout = 2 * time.Second
	tick        = 10 * time.Millisecond
)

// testHost hands out ids and records missing dependencies.
type testHost struct {
	mu      sync.Mutex
	nextID  int64
	ids     map[int64]Component
	missing []int64
}

func newTestHost() *testHost {
	return &testHost{ids: make(map[int64]Component)}
}

func (h *testHost) RegisterComponentID(c Component) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.ids[h.nextID] = c
	return h.nextID
}

func (h *testHost) UnregisterComponentID(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ids, id)
}

func (h *testHost) RegisterMissingDependency(_ *DependencyManager, ref framework.ServiceReference, _ int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missing = append(h.missing, ref.ID())
}

func (h *testHost) MissingServicePresent(context.Context, framework.ServiceReference) {}

func (h *testHost) Schedule(task func()) error {
	go task()
	return nil
}

func (h *testHost) registered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ids)
}

func (h *testHost) missingIDs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.missing...)
}

// recorder is a component implementation that records every callback.
type recorder struct {
	activateErr error
	reactivate  bool

	mu    sync.Mutex
	calls []string
	cc    *ComponentContext
}

func (r *recorder) record(format string, args ...interface{}) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) context() *ComponentContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cc
}

func (r *recorder) Activate(_ context.Context, cc *ComponentContext) error {
	r.record("activate")
	if r.activateErr != nil {
		return r.activateErr
	}
	r.mu.Lock()
	r.cc = cc
	r.mu.Unlock()
	return nil
}

func (r *recorder) Deactivate(_ context.Context, _ *ComponentContext, reason Reason) error {
	r.record("deactivate %s", reason.Label())
	return nil
}

func (r *recorder) Modified(_ context.Context, _ *ComponentContext, _ map[string]interface{}) error {
	r.record("modified")
	return nil
}

func (r *recorder) Bind(_ context.Context, reference string, service interface{}, _ framework.ServiceReference) error {
	r.record("bind %s %v", reference, service)
	return nil
}

func (r *recorder) Unbind(_ context.Context, reference string, service interface{}, _ framework.ServiceReference) error {
	r.record("unbind %s %v", reference, service)
	return nil
}

func (r *recorder) Updated(_ context.Context, reference string, service interface{}, _ framework.ServiceReference) (bool, error) {
	r.record("updated %s %v", reference, service)
	return r.reactivate, nil
}

// fixture wires managers to an in-memory registry. Components are declared
// by the "components" bundle, services come from the "provider" bundle.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	registry *registry.Registry
	classes  *registry.Classes
	bundle   *registry.Bundle
	provider framework.BundleContext
	host     *testHost

	mu        sync.Mutex
	instances []*recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := registry.New()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		registry: r,
		classes:  registry.NewClasses(),
		host:     newTestHost(),
	}
	f.bundle = r.InstallBundle("components", registry.WithClasses(f.classes))
	f.provider = r.InstallBundle("provider").Context()

	require.NoError(t, f.classes.Register(recorderClass, func() (interface{}, error) {
		return f.track(&recorder{}), nil
	}))
	require.NoError(t, f.classes.Register(failingClass, func() (interface{}, error) {
		return f.track(&recorder{activateErr: fmt.Errorf("boom")}), nil
	}))
	return f
}

func (f *fixture) track(r *recorder) *recorder {
	f.mu.Lock()
	f.instances = append(f.instances, r)
	f.mu.Unlock()
	return r
}

func (f *fixture) options() Options {
	return Options{LockTimeout: 5 * time.Second}
}

func (f *fixture) single(meta *metadata.ComponentMetadata) *SingleComponentManager {
	f.t.Helper()
	require.NoError(f.t, meta.Validate())
	return NewSingleComponentManager(f.host, f.bundle, meta, f.options())
}

func (f *fixture) factory(meta *metadata.ComponentMetadata) *ComponentFactory {
	f.t.Helper()
	require.NoError(f.t, meta.Validate())
	return NewComponentFactory(f.host, f.bundle, meta, f.options())
}

func (f *fixture) register(service interface{}, props map[string]interface{}) framework.ServiceRegistration {
	f.t.Helper()
	reg, err := f.provider.RegisterService(f.ctx, []string{clockInterface}, service, props)
	require.NoError(f.t, err)
	return reg
}

func (f *fixture) created() []*recorder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*recorder(nil), f.instances...)
}

func (f *fixture) last() *recorder {
	f.t.Helper()
	created := f.created()
	require.NotEmpty(f.t, created, "no implementation object was created")
	return created[len(created)-1]
}

func component(name string, refs ...metadata.ReferenceMetadata) *metadata.ComponentMetadata {
	return &metadata.ComponentMetadata{
		Name:           name,
		Implementation: recorderClass,
		Namespace:      "1.4",
		References:     refs,
	}
}

func reference(name string, card metadata.Cardinality, policy metadata.Policy, option metadata.PolicyOption) metadata.ReferenceMetadata {
	return metadata.ReferenceMetadata{
		Name:         name,
		Interface:    clockInterface,
		Cardinality:  card,
		Policy:       policy,
		PolicyOption: option,
		Bind:         "bind",
		Unbind:       "unbind",
		Updated:      "updated",
	}
}

func ranked(rank int) map[string]interface{} {
	return map[string]interface{}{framework.ServiceRanking: rank}
}
