// Package config loads loom configuration using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/engine"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/hooks"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. LOOM_STORE_PATH.
const EnvPrefix = "LOOM"

// Config holds the application configuration.
type Config struct {
	Store      StoreConfig        `mapstructure:"store"`
	Graph      graph.Config       `mapstructure:"graph"`
	Planner    plan.Config        `mapstructure:"planner"`
	Scheduler  scheduler.Config   `mapstructure:"scheduler"`
	Checkpoint checkpoint.Config  `mapstructure:"checkpoint"`
	Log        LogConfig          `mapstructure:"log"`
	Telemetry  telemetry.Config   `mapstructure:"telemetry"`
	Metrics    MetricsConfig      `mapstructure:"metrics"`
	Catalog    CatalogConfig      `mapstructure:"catalog"`
	Tools      ToolsConfig        `mapstructure:"tools"`
	Hooks      []hooks.HookConfig `mapstructure:"hooks"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// LogConfig holds logging settings as they appear in the file.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint of `loom serve`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// CatalogConfig points at the tool catalog used for query planning.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// ToolsConfig declares local command tools, served under the "cmd" server:
// tool cmd:<name> runs Commands[name].
type ToolsConfig struct {
	Commands map[string][]string `mapstructure:"commands"`
	Env      []string            `mapstructure:"env"`
}

// Load reads configuration from file and environment. An empty path looks
// for config.yaml in ./.loom and then ~/.loom; a missing file is not an
// error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".loom")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".loom"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Catalog.Path = expandHome(cfg.Catalog.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	return &cfg
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join("~", ".loom", "loom.db"))

	g := graph.DefaultConfig()
	v.SetDefault("graph.default_weight", g.DefaultWeight)
	v.SetDefault("graph.learning_rate", g.LearningRate)
	v.SetDefault("graph.failure_decay", g.FailureDecay)
	v.SetDefault("graph.prune_floor", g.PruneFloor)
	v.SetDefault("graph.min_path_weight", g.MinPathWeight)
	v.SetDefault("graph.damping", g.Damping)
	v.SetDefault("graph.iterations", g.Iterations)
	v.SetDefault("graph.tolerance", g.Tolerance)
	v.SetDefault("graph.recompute_debounce", g.RecomputeDebounce)

	p := plan.DefaultConfig()
	v.SetDefault("planner.hop_bound", p.HopBound)
	v.SetDefault("planner.suggest_threshold", p.SuggestThreshold)
	v.SetDefault("planner.speculative_threshold", p.SpeculativeThreshold)
	v.SetDefault("planner.semantic_weight", p.SemanticWeight)
	v.SetDefault("planner.denylist", p.Denylist)
	v.SetDefault("planner.replan_limit", p.ReplanLimit)

	s := scheduler.DefaultConfig()
	v.SetDefault("scheduler.decision_points", string(s.DecisionPoints))
	v.SetDefault("scheduler.decision_timeout", s.DecisionTimeout)
	v.SetDefault("scheduler.decision_default", string(s.DecisionDefault))
	v.SetDefault("scheduler.checkpoint_pause", s.CheckpointPause)
	v.SetDefault("scheduler.task_timeout", s.TaskTimeout)
	v.SetDefault("scheduler.event_buffer", s.EventBuffer)
	v.SetDefault("scheduler.max_parallel", s.MaxParallel)

	c := checkpoint.DefaultConfig()
	v.SetDefault("checkpoint.keep", c.Keep)
	v.SetDefault("checkpoint.prune_on_save", c.PruneOnSave)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.add_source", false)

	t := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.enabled", t.Enabled)
	v.SetDefault("telemetry.endpoint", t.Endpoint)
	v.SetDefault("telemetry.sample_rate", t.SampleRate)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("catalog.path", "")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Planner.SuggestThreshold > c.Planner.SpeculativeThreshold {
		return fmt.Errorf("planner.suggest_threshold must not exceed planner.speculative_threshold")
	}
	if c.Planner.HopBound < 1 {
		return fmt.Errorf("planner.hop_bound must be at least 1")
	}
	if c.Checkpoint.Keep < 1 {
		return fmt.Errorf("checkpoint.keep must be at least 1")
	}
	for i := range c.Hooks {
		if !c.Hooks[i].Enabled {
			continue
		}
		if err := c.Hooks[i].Validate(); err != nil {
			return fmt.Errorf("hooks: %w", err)
		}
	}
	return nil
}

// Engine returns the engine section of the configuration.
func (c *Config) Engine() engine.Config {
	return engine.Config{Planner: c.Planner, Scheduler: c.Scheduler}
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(c.Log.Level)
	cfg.Format = log.ParseFormat(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
