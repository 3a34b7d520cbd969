// Package scr is the component runtime. It creates component managers from
// descriptors, hands out component ids, retries bindings of services that
// could not be obtained and applies component configuration.
package scr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/lifecycle"
	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/manager"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/metrics"
)

var (
	// ErrDuplicateComponent is returned when a bundle declares a component
	// name that is already managed.
	ErrDuplicateComponent = errors.New("duplicate component name")
	// ErrUnknownBundle is returned by RemoveBundle for bundles never added.
	ErrUnknownBundle = errors.New("bundle not managed")
)

// Options configure a Runtime.
type Options struct {
	// LockTimeout is passed to every component manager
	LockTimeout time.Duration
	Metrics     *metrics.Metrics
	// ComponentsFile is watched for component configuration when set
	ComponentsFile string
	// ReloadDebounce coalesces components file changes, 500ms when zero
	ReloadDebounce time.Duration
}

type missingDependency struct {
	dm            *manager.DependencyManager
	trackingCount int
}

// Runtime owns the component managers of every added bundle. It
// implements manager.Host and lifecycle.Component.
type Runtime struct {
	opts      Options
	scheduler framework.Scheduler
	logger    *logging.Logger
	id        string

	nextID atomic.Int64
	idsMu  sync.RWMutex
	ids    map[int64]manager.Component

	mu         sync.Mutex
	bundles    map[int64][]manager.Component
	byName     map[string]manager.Component
	config     *config.ComponentsFile
	applied    map[string]map[string]interface{}
	started    bool
	watcher    *config.ComponentsWatcher
	missingMu  sync.Mutex
	missing    map[int64]mapset.Set[missingDependency]
	missingLen int
}

var (
	_ manager.Host        = (*Runtime)(nil)
	_ lifecycle.Component = (*Runtime)(nil)
)

// New creates a runtime that runs asynchronous work on scheduler.
func New(scheduler framework.Scheduler, opts Options) *Runtime {
	return &Runtime{
		opts:      opts,
		scheduler: scheduler,
		logger:    logging.GetLogger("scr.runtime"),
		ids:       make(map[int64]manager.Component),
		bundles:   make(map[int64][]manager.Component),
		byName:    make(map[string]manager.Component),
		applied:   make(map[string]map[string]interface{}),
		missing:   make(map[int64]mapset.Set[missingDependency]),
	}
}

// Name implements lifecycle.Component.
func (r *Runtime) Name() string {
	return "scr-runtime"
}

// ID returns the runtime instance id, empty before Start.
func (r *Runtime) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Start applies the component configuration and enables every component
// that is enabled by its descriptor or configuration. With a components
// file the configuration is reloaded whenever the file changes.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.id = uuid.NewString()
	r.started = true
	r.mu.Unlock()
	r.opts.Metrics.SetRuntimeID(r.id)
	r.logger.Info("Starting runtime %s", r.id)

	if r.opts.ComponentsFile == "" {
		r.mu.Lock()
		cfg := r.config
		r.mu.Unlock()
		return r.ApplyConfiguration(ctx, cfg)
	}

	w, err := config.NewComponentsWatcher(config.WatcherConfig{
		FilePath:       r.opts.ComponentsFile,
		DebounceMillis: int(r.opts.ReloadDebounce / time.Millisecond),
		OnError:        r.opts.Metrics.ConfigReloaded,
	}, func(cfg *config.ComponentsFile) error {
		// holds carried by the caller's ctx must not reach the watcher
		err := r.ApplyConfiguration(context.Background(), cfg)
		if err == nil {
			r.opts.Metrics.ConfigReloaded(nil)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start components watcher: %w", err)
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Stop disposes every component and stops watching the configuration.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.started = false
	bundles := make([]int64, 0, len(r.bundles))
	for id := range r.bundles {
		bundles = append(bundles, id)
	}
	r.mu.Unlock()

	var errs []error
	if w != nil {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	// later bundles usually depend on earlier ones
	sort.Slice(bundles, func(i, j int) bool { return bundles[i] > bundles[j] })
	for _, id := range bundles {
		if err := r.removeBundle(ctx, id, manager.ReasonDisposed); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Info("Stopped runtime %s", r.ID())
	return errors.Join(errs...)
}

// AddBundle creates managers for the components bundle declares. Once the
// runtime is started they are configured and enabled right away.
func (r *Runtime) AddBundle(ctx context.Context, bundle framework.Bundle, descriptors []*metadata.ComponentMetadata) error {
	mopts := manager.Options{LockTimeout: r.opts.LockTimeout, Metrics: r.opts.Metrics}

	r.mu.Lock()
	if _, ok := r.bundles[bundle.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("bundle %s already added", bundle.SymbolicName())
	}
	seen := make(map[string]bool, len(descriptors))
	for _, meta := range descriptors {
		if _, ok := r.byName[meta.Name]; ok || seen[meta.Name] {
			r.mu.Unlock()
			return fmt.Errorf("component %s of bundle %s: %w", meta.Name, bundle.SymbolicName(), ErrDuplicateComponent)
		}
		seen[meta.Name] = true
		if !meta.IsValidated() {
			if err := meta.Validate(); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("bundle %s: %w", bundle.SymbolicName(), err)
			}
		}
	}

	components := make([]manager.Component, 0, len(descriptors))
	for _, meta := range descriptors {
		var c manager.Component
		if meta.IsFactory() {
			c = manager.NewComponentFactory(r, bundle, meta, mopts)
		} else {
			c = manager.NewSingleComponentManager(r, bundle, meta, mopts)
		}
		components = append(components, c)
		r.byName[meta.Name] = c
	}
	r.bundles[bundle.ID()] = components
	started := r.started
	cfg := r.config
	r.mu.Unlock()

	r.logger.Debug("Added bundle %s with %d components", bundle.SymbolicName(), len(components))
	if !started {
		return nil
	}
	return r.apply(ctx, components, cfg)
}

// RemoveBundle disposes the components of bundle.
func (r *Runtime) RemoveBundle(ctx context.Context, bundle framework.Bundle) error {
	return r.removeBundle(ctx, bundle.ID(), manager.ReasonBundleStopped)
}

func (r *Runtime) removeBundle(ctx context.Context, bundleID int64, reason manager.Reason) error {
	r.mu.Lock()
	components, ok := r.bundles[bundleID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownBundle
	}
	delete(r.bundles, bundleID)
	for _, c := range components {
		delete(r.byName, c.Name())
		delete(r.applied, c.Name())
	}
	r.mu.Unlock()

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Dispose(ctx, reason); err != nil && !errors.Is(err, manager.ErrDisposed) {
			errs = append(errs, fmt.Errorf("dispose %s: %w", c.Name(), err))
		}
	}
	r.forgetMissing(components)
	return errors.Join(errs...)
}

// ApplyConfiguration reconfigures, enables and disables components to
// match cfg. Components without an entry lose their configuration and
// follow their descriptor's enabled flag. A nil cfg is an empty file.
// Before Start the configuration is only stored.
func (r *Runtime) ApplyConfiguration(ctx context.Context, cfg *config.ComponentsFile) error {
	r.mu.Lock()
	r.config = cfg
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	components := make([]manager.Component, 0, len(r.byName))
	for _, c := range r.byName {
		components = append(components, c)
	}
	r.mu.Unlock()

	sort.Slice(components, func(i, j int) bool { return components[i].Name() < components[j].Name() })
	return r.apply(ctx, components, cfg)
}

// apply configures components first and enables them concurrently, so
// components do not wait on one another's activation.
func (r *Runtime) apply(ctx context.Context, components []manager.Component, cfg *config.ComponentsFile) error {
	var errs []error
	var enable []manager.Component
	for _, c := range components {
		entry := config.ComponentConfig{Name: c.Name()}
		if cfg != nil {
			if e, ok := cfg.Lookup(c.Name()); ok {
				entry = e
			}
		}

		if err := r.reconfigure(ctx, c, entry.Properties); err != nil {
			errs = append(errs, fmt.Errorf("configure %s: %w", c.Name(), err))
		}

		enabled := entry.IsEnabled(!c.Metadata().Disabled)
		switch {
		case enabled && c.State() == manager.StateDisabled:
			enable = append(enable, c)
		case !enabled && c.State() != manager.StateDisabled:
			if err := c.Disable(ctx, false); err != nil {
				errs = append(errs, fmt.Errorf("disable %s: %w", c.Name(), err))
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range enable {
		c := c
		g.Go(func() error {
			if err := c.Enable(gctx, false); err != nil {
				return fmt.Errorf("enable %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if len(enable) > 0 {
		r.logger.Debug("Enabled %d components", len(enable))
	}
	return errors.Join(errs...)
}

// reconfigure skips components whose configuration did not change.
func (r *Runtime) reconfigure(ctx context.Context, c manager.Component, props map[string]interface{}) error {
	r.mu.Lock()
	prev, had := r.applied[c.Name()]
	if had == (props != nil) && reflect.DeepEqual(prev, props) {
		r.mu.Unlock()
		return nil
	}
	if props == nil {
		delete(r.applied, c.Name())
	} else {
		r.applied[c.Name()] = copyProps(props)
	}
	r.mu.Unlock()
	return c.Reconfigure(ctx, props)
}

// Component returns the component called name.
func (r *Runtime) Component(name string) (manager.Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

// ComponentByID returns the enabled component, or factory instance, with id.
func (r *Runtime) ComponentByID(id int64) (manager.Component, bool) {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	c, ok := r.ids[id]
	return c, ok
}

// Components returns the components of all bundles ordered by name.
func (r *Runtime) Components() []manager.Component {
	r.mu.Lock()
	out := make([]manager.Component, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Describe returns a snapshot of every component ordered by name.
func (r *Runtime) Describe() []manager.Description {
	components := r.Components()
	out := make([]manager.Description, 0, len(components))
	for _, c := range components {
		out = append(out, c.Describe())
	}
	return out
}

// RegisterComponentID implements manager.Host.
func (r *Runtime) RegisterComponentID(c manager.Component) int64 {
	id := r.nextID.Add(1)
	r.idsMu.Lock()
	r.ids[id] = c
	r.idsMu.Unlock()
	return id
}

// UnregisterComponentID implements manager.Host.
func (r *Runtime) UnregisterComponentID(id int64) {
	r.idsMu.Lock()
	delete(r.ids, id)
	r.idsMu.Unlock()
}

// Schedule implements manager.Host.
func (r *Runtime) Schedule(task func()) error {
	return r.scheduler.Schedule(task)
}

func copyProps(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
