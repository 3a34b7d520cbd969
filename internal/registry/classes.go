package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/moolen/scr/internal/framework"
)

// Classes maps implementation class names to constructors. It stands in for
// class loading: a bundle resolves the implementation named in component
// metadata through its Classes.
//
// Implementation packages usually register themselves at init time:
//
//	func init() {
//	    registry.RegisterClass("demo.Greeter", func() (interface{}, error) {
//	        return &Greeter{}, nil
//	    })
//	}
type Classes struct {
	constructors map[string]framework.Constructor
	mu           sync.RWMutex
}

// defaultClasses is used by bundles installed without WithClasses.
var defaultClasses = NewClasses()

// NewClasses creates an empty class table.
func NewClasses() *Classes {
	return &Classes{
		constructors: make(map[string]framework.Constructor),
	}
}

// Register adds a constructor for name.
func (c *Classes) Register(name string, ctor framework.Constructor) error {
	if name == "" {
		return fmt.Errorf("class name cannot be empty")
	}
	if ctor == nil {
		return fmt.Errorf("constructor for class %q cannot be nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.constructors[name]; exists {
		return fmt.Errorf("class %q is already registered", name)
	}
	c.constructors[name] = ctor
	return nil
}

// Get returns the constructor registered for name.
func (c *Classes) Get(name string) (framework.Constructor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ctor, exists := c.constructors[name]
	return ctor, exists
}

// List returns the registered class names, sorted.
func (c *Classes) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.constructors))
	for name := range c.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterClass registers a constructor with the default class table.
func RegisterClass(name string, ctor framework.Constructor) error {
	return defaultClasses.Register(name, ctor)
}

// DefaultClasses returns the process wide class table.
func DefaultClasses() *Classes {
	return defaultClasses
}
