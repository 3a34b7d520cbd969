package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/demo"
	"github.com/moolen/scr/internal/logging"
)

const (
	runtimeConfigName = "scr.yaml"
	componentsName    = "components.yaml"
	descriptorsName   = "descriptors.yaml"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a starter runtime configuration",
	Long: `Init writes scr.yaml, components.yaml and descriptors.yaml into dir (the
current directory by default). The descriptors describe the demo components,
so "scr run --config <dir>/scr.yaml" works right away.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	paths := map[string]string{
		runtimeConfigName: filepath.Join(dir, runtimeConfigName),
		componentsName:    filepath.Join(dir, componentsName),
		descriptorsName:   filepath.Join(dir, descriptorsName),
	}
	if !initForce {
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, use --force to overwrite", p)
			}
		}
	}

	cfg := config.Default()
	cfg.ComponentsFile = componentsName
	cfg.DescriptorsFile = descriptorsName
	if err := config.WriteConfig(paths[runtimeConfigName], cfg); err != nil {
		return err
	}

	enabled := true
	components := &config.ComponentsFile{
		SchemaVersion: config.SchemaVersion,
		Components: []config.ComponentConfig{
			{Name: "greeter", Enabled: &enabled, Properties: map[string]interface{}{"greeting": "hello"}},
			{Name: "ticker", Properties: map[string]interface{}{"interval": "10s"}},
		},
	}
	if err := config.WriteComponentsFile(paths[componentsName], components); err != nil {
		return err
	}

	descriptors := &config.DescriptorsFile{SchemaVersion: config.SchemaVersion}
	for _, meta := range demo.Descriptors() {
		descriptors.Components = append(descriptors.Components, *meta)
	}
	if err := config.WriteDescriptorsFile(paths[descriptorsName], descriptors); err != nil {
		return err
	}

	logging.GetLogger("scr").Debug("Initialized %s", dir)
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s, %s and %s to %s\n", runtimeConfigName, componentsName, descriptorsName, dir)
	return nil
}
