// Package demo holds a small set of components that exercise the runtime:
// clocks providing a service, a greeter greedily bound to the best clock, a
// ticker calling every greeter, and a widget factory with a component that
// creates widgets through it.
package demo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/manager"
)

// Clock tells the time in a zone.
type Clock interface {
	Now() time.Time
	Zone() string
}

type clock struct {
	loc *time.Location
}

func (c *clock) Activate(_ context.Context, cc *manager.ComponentContext) error {
	zone, _ := cc.Properties()["zone"].(string)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return fmt.Errorf("clock %s: %w", cc.ComponentName(), err)
	}
	c.loc = loc
	return nil
}

func (c *clock) Now() time.Time { return time.Now().In(c.loc) }

func (c *clock) Zone() string { return c.loc.String() }

// Greeter greets by name.
type Greeter interface {
	Greet(name string) string
}

type greeter struct {
	mu       sync.Mutex
	greeting string
	clock    Clock
	clockID  int64
}

func (g *greeter) Activate(_ context.Context, cc *manager.ComponentContext) error {
	g.setGreeting(cc.Properties())
	return nil
}

func (g *greeter) Modified(_ context.Context, _ *manager.ComponentContext, props map[string]interface{}) error {
	g.setGreeting(props)
	return nil
}

func (g *greeter) setGreeting(props map[string]interface{}) {
	greeting, _ := props["greeting"].(string)
	if greeting == "" {
		greeting = "hello"
	}
	g.mu.Lock()
	g.greeting = greeting
	g.mu.Unlock()
}

func (g *greeter) Bind(_ context.Context, _ string, service interface{}, ref framework.ServiceReference) error {
	c, ok := service.(Clock)
	if !ok {
		return fmt.Errorf("service %d is %T, not a clock", ref.ID(), service)
	}
	g.mu.Lock()
	g.clock, g.clockID = c, ref.ID()
	g.mu.Unlock()
	return nil
}

func (g *greeter) Unbind(_ context.Context, _ string, _ interface{}, ref framework.ServiceReference) error {
	g.mu.Lock()
	// a greedy rebind may already have replaced it
	if g.clockID == ref.ID() {
		g.clock, g.clockID = nil, 0
	}
	g.mu.Unlock()
	return nil
}

func (g *greeter) Greet(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clock == nil {
		return fmt.Sprintf("%s %s", g.greeting, name)
	}
	return fmt.Sprintf("%s %s, it is %s in %s", g.greeting, name, g.clock.Now().Format("15:04"), g.clock.Zone())
}

// Ticker greets every bound greeter on an interval.
type Ticker struct {
	logger *logging.Logger

	mu       sync.Mutex
	greeters map[int64]Greeter
	ticks    int
	stop     chan struct{}
	done     chan struct{}
}

func (t *Ticker) Activate(_ context.Context, cc *manager.ComponentContext) error {
	interval := 5 * time.Second
	if raw, ok := cc.Properties()["interval"].(string); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		interval = d
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	t.logger = logging.GetLogger("demo.ticker").WithField("component", cc.ComponentName())

	t.mu.Lock()
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	go t.run(interval, stop, done)
	return nil
}

func (t *Ticker) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, greeting := range t.Tick() {
				t.logger.Info("%s", greeting)
			}
		}
	}
}

func (t *Ticker) Deactivate(_ context.Context, _ *manager.ComponentContext, reason manager.Reason) error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	t.logger.Debug("Stopped after %d ticks (%s)", t.Ticks(), reason.Label())
	return nil
}

// Tick greets every bound greeter once, ordered by service id.
func (t *Ticker) Tick() []string {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.greeters))
	for id := range t.greeters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.greeters[id].Greet("world"))
	}
	t.ticks++
	t.mu.Unlock()
	return out
}

// Ticks returns how often the ticker ran.
func (t *Ticker) Ticks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

func (t *Ticker) Bind(_ context.Context, _ string, service interface{}, ref framework.ServiceReference) error {
	g, ok := service.(Greeter)
	if !ok {
		return fmt.Errorf("service %d is %T, not a greeter", ref.ID(), service)
	}
	t.mu.Lock()
	if t.greeters == nil {
		t.greeters = make(map[int64]Greeter)
	}
	t.greeters[ref.ID()] = g
	t.mu.Unlock()
	return nil
}

func (t *Ticker) Unbind(_ context.Context, _ string, _ interface{}, ref framework.ServiceReference) error {
	t.mu.Lock()
	delete(t.greeters, ref.ID())
	t.mu.Unlock()
	return nil
}

// Widget is created by the widget factory.
type Widget struct {
	mu    sync.Mutex
	color string
}

func (w *Widget) Activate(_ context.Context, cc *manager.ComponentContext) error {
	color, _ := cc.Properties()["color"].(string)
	if color == "" {
		return fmt.Errorf("widget %d has no color", cc.ComponentID())
	}
	w.mu.Lock()
	w.color = color
	w.mu.Unlock()
	return nil
}

// Color returns the widget color.
func (w *Widget) Color() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.color
}

// WidgetMaker creates one widget per configured color through the widget
// factory and disposes them again on deactivation.
type WidgetMaker struct {
	mu      sync.Mutex
	widgets []*manager.ComponentInstance
}

func (m *WidgetMaker) Activate(ctx context.Context, cc *manager.ComponentContext) error {
	factory, ok := cc.LocateService(ctx, "factory").(*manager.ComponentFactory)
	if !ok {
		return fmt.Errorf("widget factory not bound")
	}
	colors := []string{"red", "blue"}
	if raw, ok := cc.Properties()["colors"].([]interface{}); ok {
		colors = colors[:0]
		for _, c := range raw {
			colors = append(colors, fmt.Sprint(c))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, color := range colors {
		inst, err := factory.NewInstance(ctx, map[string]interface{}{"color": color})
		if err != nil {
			m.disposeLocked(ctx)
			return err
		}
		m.widgets = append(m.widgets, inst)
	}
	return nil
}

func (m *WidgetMaker) Deactivate(ctx context.Context, _ *manager.ComponentContext, _ manager.Reason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposeLocked(ctx)
}

func (m *WidgetMaker) disposeLocked(ctx context.Context) error {
	var first error
	for _, w := range m.widgets {
		if err := w.Dispose(ctx); err != nil && first == nil {
			first = err
		}
	}
	m.widgets = nil
	return first
}

// Colors returns the colors of the live widgets.
func (m *WidgetMaker) Colors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.widgets))
	for _, w := range m.widgets {
		if widget, ok := w.Instance().(*Widget); ok {
			out = append(out, widget.Color())
		}
	}
	return out
}
