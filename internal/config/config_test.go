package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Planner.HopBound)
	assert.InDelta(t, 0.70, cfg.Planner.SuggestThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.Planner.SpeculativeThreshold, 1e-9)
	assert.Equal(t, []string{"delete", "deploy", "publish", "pay", "send_"}, cfg.Planner.Denylist)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.DecisionTimeout)
	assert.Equal(t, workflow.ActionContinue, cfg.Scheduler.DecisionDefault)
	assert.Equal(t, 5, cfg.Checkpoint.Keep)
	assert.Equal(t, 250*time.Millisecond, cfg.Graph.RecomputeDebounce)
	assert.InDelta(t, 0.5, cfg.Graph.DefaultWeight, 1e-9)
	assert.InDelta(t, 0.05, cfg.Graph.PruneFloor, 1e-9)
	assert.NotContains(t, cfg.Store.Path, "~")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
scheduler:
  decision_points: on_error
  decision_timeout: 2s
  max_parallel: 4
log:
  level: debug
  format: json
tools:
  commands:
    lint: [golangci-lint, run]
hooks:
  - name: audit
    type: log
    enabled: true
    events: [workflow_complete, task_error]
    timeout: 3s
    failure_mode: ignore
`)
	t.Setenv("LOOM_SCHEDULER_TASK_TIMEOUT", "5s")
	t.Setenv("LOOM_PLANNER_HOP_BOUND", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, scheduler.DecideOnError, cfg.Scheduler.DecisionPoints)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.DecisionTimeout)
	assert.Equal(t, 4, cfg.Scheduler.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 2, cfg.Planner.HopBound)
	assert.Equal(t, []string{"golangci-lint", "run"}, cfg.Tools.Commands["lint"])

	require.Len(t, cfg.Hooks, 1)
	h := cfg.Hooks[0]
	assert.Equal(t, "audit", h.Name)
	assert.Equal(t, []scheduler.EventKind{scheduler.KindWorkflowComplete, scheduler.KindTaskFailed}, h.Events)
	assert.Equal(t, 3*time.Second, h.Timeout)

	lc := cfg.LoggerConfig()
	assert.Equal(t, log.LevelDebug, lc.Level)
	assert.Equal(t, log.FormatJSON, lc.Format)

	ec := cfg.Engine()
	assert.Equal(t, cfg.Scheduler, ec.Scheduler)
	assert.Equal(t, cfg.Planner.HopBound, ec.Planner.HopBound)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "store:\n  driver: etcd\n"},
		{"decision policy", "scheduler:\n  decision_points: sometimes\n"},
		{"replan default", "scheduler:\n  decision_default: replan\n"},
		{"thresholds", "planner:\n  suggest_threshold: 0.9\n  speculative_threshold: 0.8\n"},
		{"keep", "checkpoint:\n  keep: 0\n"},
		{"hook", "hooks:\n  - name: x\n    type: log\n    enabled: true\n"},
		{"yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
