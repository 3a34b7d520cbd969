package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moolen/scr/internal/logging"
)

// Manager starts registered components after their dependencies and stops
// them before their dependencies. Components whose dependencies are all up
// start concurrently; the same holds in reverse on shutdown.
type Manager struct {
	mu      sync.Mutex // serializes Register, Start and Stop
	stateMu sync.RWMutex

	components      []Component
	dependencies    map[Component][]Component
	running         map[Component]bool
	started         [][]Component // start levels, in start order
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates a manager with a 30 second per component shutdown
// timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		running:         make(map[Component]bool),
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds component. Every dependency must already be registered,
// which also rules out cycles.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if component.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}
	if _, ok := m.dependencies[component]; ok {
		return fmt.Errorf("component %s is already registered", component.Name())
	}
	for _, dep := range dependsOn {
		if dep == component {
			return fmt.Errorf("component %s cannot depend on itself", component.Name())
		}
		if _, ok := m.dependencies[dep]; !ok {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), component.Name())
		}
	}

	m.components = append(m.components, component)
	m.dependencies[component] = append([]Component(nil), dependsOn...)
	m.logger.Debug("Registered %s with %d dependencies", component.Name(), len(dependsOn))
	return nil
}

// levels groups components by depth: level 0 has no dependencies, level n
// depends on something in level n-1. Registration order is kept within a
// level.
func (m *Manager) levels() [][]Component {
	depth := make(map[Component]int, len(m.components))
	var out [][]Component
	// dependencies are always registered first, so one pass suffices
	for _, c := range m.components {
		d := 0
		for _, dep := range m.dependencies[c] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[c] = d
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], c)
	}
	return out
}

// Start starts every component level by level. When a component fails, the
// components already started are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, level := range m.levels() {
		// components may keep ctx beyond Start, so no derived group context
		var g errgroup.Group
		var (
			upMu sync.Mutex
			up   []Component
		)
		for _, c := range level {
			g.Go(func() error {
				m.logger.Info("Starting %s", c.Name())
				start := time.Now()
				if err := c.Start(ctx); err != nil {
					m.logger.Error("Failed to start %s: %v", c.Name(), err)
					return fmt.Errorf("initialization failed for %s: %w", c.Name(), err)
				}
				m.setRunning(c, true)
				upMu.Lock()
				up = append(up, c)
				upMu.Unlock()
				m.logger.Info("%s started (took %dms)", c.Name(), time.Since(start).Milliseconds())
				return nil
			})
		}
		err := g.Wait()
		m.started = append(m.started, up)
		if err != nil {
			m.rollback()
			return err
		}
	}
	m.logger.Info("All components started")
	return nil
}

func (m *Manager) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.stopLevels(ctx); err != nil {
		m.logger.Warn("Rollback after failed start: %v", err)
	}
}

// Stop stops the started components in reverse level order, each with its
// own shutdown timeout derived from ctx. All components are stopped even
// when some fail; the failures are returned joined.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Stopping all components")
	err := m.stopLevels(ctx)
	m.logger.Info("All components stopped")
	return err
}

func (m *Manager) stopLevels(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		var (
			wg    sync.WaitGroup
			errMu sync.Mutex
		)
		for _, c := range m.started[i] {
			if !m.IsRunning(c) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := m.stopOne(ctx, c); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	m.started = nil
	return errors.Join(errs...)
}

func (m *Manager) stopOne(ctx context.Context, c Component) error {
	defer m.setRunning(c, false)

	m.logger.Info("Stopping %s", c.Name())
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	if err := c.Stop(cctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("%s exceeded its %dms shutdown timeout", c.Name(), m.shutdownTimeout.Milliseconds())
		} else {
			m.logger.Error("Error stopping %s: %v", c.Name(), err)
		}
		return fmt.Errorf("stop %s: %w", c.Name(), err)
	}
	m.logger.Info("%s stopped (took %dms)", c.Name(), time.Since(start).Milliseconds())
	return nil
}

func (m *Manager) setRunning(c Component, running bool) {
	m.stateMu.Lock()
	m.running[c] = running
	m.stateMu.Unlock()
}

// IsRunning reports whether component started and has not stopped since.
func (m *Manager) IsRunning(component Component) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.running[component]
}

// SetShutdownTimeout sets the per component shutdown timeout.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	m.shutdownTimeout = timeout
	m.mu.Unlock()
}
