package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/metadata"
	"github.com/moolen/scr/internal/registry"
)

var validateComponentsPath string

var validateCmd = &cobra.Command{
	Use:   "validate <descriptors.yaml>",
	Short: "Validate component descriptors and configuration",
	Long: `Validate checks a descriptors file: every descriptor must be valid and name
a known implementation class. With --components the component configuration
file is checked as well, including that every entry names a described
component.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateComponentsPath, "components", "", "Component configuration file to check against the descriptors")
}

type validationSummary struct {
	Descriptors int                  `yaml:"descriptors"`
	Components  []validatedComponent `yaml:"components"`
	Configured  int                  `yaml:"configured,omitempty"`
}

type validatedComponent struct {
	Name           string   `yaml:"name"`
	Implementation string   `yaml:"implementation"`
	Factory        string   `yaml:"factory,omitempty"`
	Services       []string `yaml:"services,omitempty"`
	References     []string `yaml:"references,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	metas, err := config.LoadDescriptors(args[0])
	if err != nil {
		return err
	}
	summary, err := summarize(metas, registry.DefaultClasses())
	if err != nil {
		return err
	}

	if validateComponentsPath != "" {
		components, err := config.LoadComponentsFile(validateComponentsPath)
		if err != nil {
			return err
		}
		if err := checkConfigured(components, metas); err != nil {
			return err
		}
		summary.Configured = len(components.Components)
	}
	return writeYAML(cmd.OutOrStdout(), summary)
}

// summarize fails when a descriptor names a class missing from classes.
func summarize(metas []*metadata.ComponentMetadata, classes *registry.Classes) (*validationSummary, error) {
	summary := &validationSummary{Descriptors: len(metas)}
	var errs []error
	for _, meta := range metadata.Sorted(metas) {
		if _, ok := classes.Get(meta.Implementation); !ok {
			errs = append(errs, fmt.Errorf("component %s: unknown implementation %q", meta.Name, meta.Implementation))
			continue
		}
		c := validatedComponent{
			Name:           meta.Name,
			Implementation: meta.Implementation,
			Factory:        meta.Factory,
		}
		if meta.Service != nil {
			c.Services = meta.Service.Interfaces
		}
		for _, ref := range meta.References {
			c.References = append(c.References, fmt.Sprintf("%s %s [%s %s]", ref.Name, ref.Interface, ref.Cardinality, ref.Policy))
		}
		summary.Components = append(summary.Components, c)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return summary, nil
}

func checkConfigured(components *config.ComponentsFile, metas []*metadata.ComponentMetadata) error {
	known := make(map[string]bool, len(metas))
	for _, meta := range metas {
		known[meta.Name] = true
	}
	var errs []error
	for _, c := range components.Components {
		if !known[c.Name] {
			errs = append(errs, fmt.Errorf("components file configures unknown component %q", c.Name))
		}
	}
	return errors.Join(errs...)
}
