package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moolen/scr/internal/config"
	"github.com/moolen/scr/internal/demo"
	"github.com/moolen/scr/internal/lifecycle"
	"github.com/moolen/scr/internal/logging"
	"github.com/moolen/scr/internal/metrics"
	"github.com/moolen/scr/internal/registry"
	"github.com/moolen/scr/internal/scheduler"
	"github.com/moolen/scr/internal/scr"
	"github.com/moolen/scr/internal/tracing"
)

var (
	configPath      string
	componentsPath  string
	descriptorsPath string
	metricsAddress  string
	demoEnabled     bool
	dumpOnly        bool
	shutdownTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the component runtime",
	Long: `Run loads component descriptors, enables the components and keeps them
running until interrupted. Component configuration is reloaded whenever the
components file changes.`,
	Args: cobra.NoArgs,
	RunE: runRuntime,
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "Path to the runtime configuration (scr.yaml); defaults apply when empty")
	runCmd.Flags().StringVar(&componentsPath, "components", "", "Component configuration file, overrides components_file")
	runCmd.Flags().StringVar(&descriptorsPath, "descriptors", "", "Component descriptors file, overrides descriptors_file")
	runCmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Serve metrics on this address, overrides metrics.address and enables metrics")
	runCmd.Flags().BoolVar(&demoEnabled, "demo", false, "Run the demo components")
	runCmd.Flags().BoolVar(&dumpOnly, "dump", false, "Print the component states as YAML once started, then stop")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for a graceful shutdown")
}

func loadRuntimeConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if componentsPath != "" {
		cfg.ComponentsFile = componentsPath
	}
	if descriptorsPath != "" {
		cfg.DescriptorsFile = descriptorsPath
	}
	if metricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddress
	}
	return cfg, cfg.Validate()
}

func runRuntime(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRuntimeConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := setupLog(cfg.LogLevels, logLevelFlags, cmd.Flags().Changed("log-level")); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	logger := logging.GetLogger("scr")
	logger.Info("Starting scr v%s", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hostname, _ := os.Hostname()
	m := metrics.NewMetrics(promRegistry, hostname)

	manager := lifecycle.NewManager()
	manager.SetShutdownTimeout(shutdownTimeout)

	tracingProvider, err := tracing.NewTracingProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		TLSCAPath:   cfg.Tracing.TLSCAPath,
		TLSInsecure: cfg.Tracing.Insecure,
		Version:     Version,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}

	pool := scheduler.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, scheduler.WithMetrics(m))
	runtime := scr.New(pool, scr.Options{
		LockTimeout:    cfg.LockTimeout(),
		Metrics:        m,
		ComponentsFile: cfg.ComponentsFile,
	})
	if err := addBundles(ctx, runtime, cfg); err != nil {
		return err
	}

	if err := manager.Register(pool); err != nil {
		return err
	}
	runtimeDeps := []lifecycle.Component{pool}
	if tracingProvider != nil {
		if err := manager.Register(tracingProvider); err != nil {
			return err
		}
		runtimeDeps = append(runtimeDeps, tracingProvider)
	}
	if err := manager.Register(runtime, runtimeDeps...); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Address, promRegistry, map[string]http.Handler{
			"/components": componentsHandler(runtime),
		})
		if err := manager.Register(server, runtime); err != nil {
			return err
		}
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("startup error: %w", err)
	}
	logger.Info("Runtime %s started with %d components", runtime.ID(), len(runtime.Components()))

	if dumpOnly {
		if err := writeYAML(cmd.OutOrStdout(), runtime.Describe()); err != nil {
			logger.ErrorWithErr("Failed to dump components", err)
		}
	} else {
		<-ctx.Done()
		logger.Info("Shutdown signal received, gracefully shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// addBundles installs the demo bundle and the descriptors file bundle.
// Descriptor files resolve implementations through the default class table.
func addBundles(ctx context.Context, runtime *scr.Runtime, cfg *config.Config) error {
	reg := registry.New()
	if demoEnabled {
		bundle := reg.InstallBundle("demo", registry.WithClasses(demo.Classes()))
		if err := runtime.AddBundle(ctx, bundle, demo.Descriptors()); err != nil {
			return fmt.Errorf("demo bundle: %w", err)
		}
	}
	if cfg.DescriptorsFile != "" {
		metas, err := config.LoadDescriptors(cfg.DescriptorsFile)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(cfg.DescriptorsFile), filepath.Ext(cfg.DescriptorsFile))
		if err := runtime.AddBundle(ctx, reg.InstallBundle(name), metas); err != nil {
			return fmt.Errorf("bundle %s: %w", name, err)
		}
	}
	return nil
}

func componentsHandler(runtime *scr.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		if err := writeYAML(w, runtime.Describe()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
