package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/catalog"
	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/config"
	"github.com/felixgeelhaar/loom/internal/engine"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/hooks"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/store"
	"github.com/felixgeelhaar/loom/internal/telemetry"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/version"
)

// app holds everything a command needs, built from the loaded configuration.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	store   store.DocumentStore
	graph   *graph.Graph
	engine  *engine.Engine
	hooks   *hooks.Registry
	tools   *toolexec.Registry
	catalog *catalog.Static

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	shutdownTelemetry func(context.Context) error
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// newApp opens the store, loads the dependency graph and assembles the engine.
// Callers must Close the app.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(cmd.Context(), cfg)
}

func newAppFromConfig(ctx context.Context, cfg *config.Config) (a *app, err error) {
	logCfg := cfg.LoggerConfig()
	logCfg.Output = os.Stderr
	logger := log.New(logCfg)

	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = version.GetInfo().Short()
	if a.shutdownTelemetry, err = telemetry.InitProvider(ctx, telCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.registry, a.metrics = metrics.NewRegistry()

	if a.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}

	a.graph = graph.New(a.store, cfg.Graph, logger, graph.WithMetrics(a.metrics))
	if err = a.graph.Load(ctx); err != nil {
		return nil, err
	}

	checkpoints := checkpoint.NewManager(a.store, cfg.Checkpoint, logger, checkpoint.WithMetrics(a.metrics))

	a.tools = toolexec.NewRegistry()
	toolexec.RegisterBuiltins(a.tools)
	if len(cfg.Tools.Commands) > 0 {
		a.tools.RegisterServer("cmd", &toolexec.CommandRunner{
			Commands: cfg.Tools.Commands,
			Env:      cfg.Tools.Env,
		})
	}

	a.hooks = hooks.NewRegistry(logger, a.metrics)
	hooks.RegisterBuiltinHooks(a.hooks)
	for i := range cfg.Hooks {
		if !cfg.Hooks[i].Enabled {
			continue
		}
		if err = a.hooks.RegisterFromConfig(&cfg.Hooks[i]); err != nil {
			return nil, fmt.Errorf("failed to register hook %q: %w", cfg.Hooks[i].Name, err)
		}
	}

	opts := []engine.Option{
		engine.WithCheckpoints(checkpoints),
		engine.WithHooks(a.hooks),
		engine.WithMetrics(a.metrics),
	}
	if cfg.Catalog.Path != "" {
		if a.catalog, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithSearcher(a.catalog))
	}

	if a.engine, err = engine.New(a.graph, a.tools, cfg.Engine(), logger, opts...); err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.StoreConfig) (store.DocumentStore, error) {
	if cfg.Driver == "memory" {
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.NewSQLite(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", cfg.Path, err)
	}
	return st, nil
}

// Close waits for background work, flushes spans and closes the store.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	} else if a.graph != nil {
		a.graph.Close()
	}
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTelemetry(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to flush telemetry")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}
}
