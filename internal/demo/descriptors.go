package demo

import (
	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/manager"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/registry"
)

// Implementation class names.
const (
	ClockClass       = "demo.Clock"
	GreeterClass     = "demo.Greeter"
	TickerClass      = "demo.Ticker"
	WidgetClass      = "demo.Widget"
	WidgetMakerClass = "demo.WidgetMaker"

	ClockInterface   = "demo.Clock"
	GreeterInterface = "demo.Greeter"
	WidgetFactory    = "demo.widgets"
)

func init() {
	if err := RegisterClasses(registry.DefaultClasses()); err != nil {
		panic(err)
	}
}

// RegisterClasses adds the demo implementations to classes.
func RegisterClasses(classes *registry.Classes) error {
	for name, ctor := range map[string]framework.Constructor{
		ClockClass:       func() (interface{}, error) { return &clock{}, nil },
		GreeterClass:     func() (interface{}, error) { return &greeter{}, nil },
		TickerClass:      func() (interface{}, error) { return &Ticker{}, nil },
		WidgetClass:      func() (interface{}, error) { return &Widget{}, nil },
		WidgetMakerClass: func() (interface{}, error) { return &WidgetMaker{}, nil },
	} {
		if err := classes.Register(name, ctor); err != nil {
			return err
		}
	}
	return nil
}

// Classes returns a fresh set holding only the demo implementations.
func Classes() *registry.Classes {
	classes := registry.NewClasses()
	// the set is empty, names cannot clash
	_ = RegisterClasses(classes)
	return classes
}

// Descriptors returns fresh descriptors of the demo components.
func Descriptors() []*metadata.ComponentMetadata {
	immediate := true
	return []*metadata.ComponentMetadata{
		{
			Name:           "clock.local",
			Implementation: ClockClass,
			Namespace:      "1.4",
			Properties:     map[string]interface{}{"zone": "Local"},
			Service:        &metadata.ServiceMetadata{Interfaces: []string{ClockInterface}},
		},
		{
			Name:           "clock.utc",
			Implementation: ClockClass,
			Namespace:      "1.4",
			Properties: map[string]interface{}{
				"zone":                   "UTC",
				framework.ServiceRanking: 10,
			},
			Service: &metadata.ServiceMetadata{Interfaces: []string{ClockInterface}},
		},
		{
			Name:           "greeter",
			Implementation: GreeterClass,
			Namespace:      "1.4",
			Modified:       "modified",
			Properties:     map[string]interface{}{"greeting": "hello"},
			Service:        &metadata.ServiceMetadata{Interfaces: []string{GreeterInterface}},
			References: []metadata.ReferenceMetadata{{
				Name:         "clock",
				Interface:    ClockInterface,
				Cardinality:  metadata.CardinalityMandatory,
				Policy:       metadata.PolicyDynamic,
				PolicyOption: metadata.PolicyOptionGreedy,
				Bind:         "bind",
				Unbind:       "unbind",
			}},
		},
		{
			Name:           "ticker",
			Implementation: TickerClass,
			Namespace:      "1.4",
			Immediate:      &immediate,
			Properties:     map[string]interface{}{"interval": "5s"},
			References: []metadata.ReferenceMetadata{{
				Name:        "greeters",
				Interface:   GreeterInterface,
				Cardinality: metadata.CardinalityOptionalMultiple,
				Policy:      metadata.PolicyDynamic,
				Bind:        "bind",
				Unbind:      "unbind",
			}},
		},
		{
			Name:              "widgets",
			Implementation:    WidgetClass,
			Namespace:         "1.4",
			Factory:           WidgetFactory,
			FactoryProperties: map[string]interface{}{"kind": "widget"},
		},
		{
			Name:           "widget.maker",
			Implementation: WidgetMakerClass,
			Namespace:      "1.4",
			References: []metadata.ReferenceMetadata{{
				Name:      "factory",
				Interface: manager.ComponentFactoryInterface,
				Target:    "(" + framework.ComponentFactory + "=" + WidgetFactory + ")",
			}},
		},
	}
}
