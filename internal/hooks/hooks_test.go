package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

type funcHook struct {
	name  string
	kinds []scheduler.EventKind
	fn    func(ctx context.Context, ev *Event) error
}

func (h *funcHook) Name() string                      { return h.name }
func (h *funcHook) EventTypes() []scheduler.EventKind { return h.kinds }
func (h *funcHook) Enabled() bool                     { return true }
func (h *funcHook) Execute(ctx context.Context, ev *Event) error {
	return h.fn(ctx, ev)
}

func TestFromScheduler(t *testing.T) {
	tests := []struct {
		name string
		ev   scheduler.Event
		kind scheduler.EventKind
		want map[string]any
	}{
		{
			name: "task failed",
			ev: scheduler.TaskFailed{Result: workflow.TaskResult{
				TaskID: "fetch", Tool: "http:fetch", Status: workflow.TaskFailed, Error: "boom", Layer: 1,
			}},
			kind: scheduler.KindTaskFailed,
			want: map[string]any{"layer": 1, "task_id": "fetch", "tool": "http:fetch", "status": "failed", "error": "boom"},
		},
		{
			name: "checkpoint",
			ev:   scheduler.CheckpointSaved{CheckpointID: "cp-1", Layer: 2},
			kind: scheduler.KindCheckpointSaved,
			want: map[string]any{"layer": 2, "checkpoint_id": "cp-1"},
		},
		{
			name: "aborted",
			ev:   scheduler.WorkflowAborted{Reason: "stop", State: workflow.State{Layer: 3}},
			kind: scheduler.KindWorkflowAborted,
			want: map[string]any{"layer": 3, "reason": "stop"},
		},
		{
			name: "error",
			ev:   scheduler.ErrorEvent{Err: errors.New("rejected")},
			kind: scheduler.KindError,
			want: map[string]any{"error": "rejected"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromScheduler(tt.ev)
			assert.Equal(t, tt.kind, got.Type)
			assert.Equal(t, tt.want, got.Data)
		})
	}
}

func TestRegistryDispatchesScheduledWorkflow(t *testing.T) {
	var mu sync.Mutex
	seen := map[scheduler.EventKind]int{}
	var workflowIDs []string

	reg := NewRegistry(log.Discard(), nil)
	require.NoError(t, reg.Register(&funcHook{
		name:  "counter",
		kinds: []scheduler.EventKind{scheduler.KindTaskCompleted, scheduler.KindWorkflowComplete},
		fn: func(_ context.Context, ev *Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen[ev.Type]++
			workflowIDs = append(workflowIDs, ev.WorkflowID)
			return nil
		},
	}))

	tools := toolexec.NewRegistry()
	toolexec.RegisterBuiltins(tools)
	s, err := scheduler.New(tools, scheduler.DefaultConfig(), log.Discard())
	require.NoError(t, err)
	dag, err := plan.NewDAG([]plan.Task{
		{ID: "a", Tool: toolexec.ToolEcho},
		{ID: "b", Tool: toolexec.ToolEcho, DependsOn: []domain.TaskID{"a"}},
	})
	require.NoError(t, err)

	run, err := s.Run(context.Background(), dag, "wf-hooks")
	require.NoError(t, err)
	for ev := range run.Events() {
		reg.Observe(context.Background(), ev)
	}
	_, err = run.Wait()
	require.NoError(t, err)

	assert.Equal(t, 2, seen[scheduler.KindTaskCompleted])
	assert.Equal(t, 1, seen[scheduler.KindWorkflowComplete])
	for _, id := range workflowIDs {
		assert.Equal(t, "wf-hooks", id)
	}
}

func TestRegistryFailureModes(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Level: log.LevelDebug, Format: log.FormatJSON, Output: &buf})
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(logger, m)

	failing := func(name string) HookFactory {
		return func(config *HookConfig) (Hook, error) {
			return &funcHook{name: config.Name, kinds: config.Events, fn: func(context.Context, *Event) error {
				return errors.New(name + " exploded")
			}}, nil
		}
	}
	reg.RegisterFactory("loud", failing("loud"))
	reg.RegisterFactory("quiet", failing("quiet"))

	require.NoError(t, reg.RegisterFromConfig(&HookConfig{
		Name: "loud", Type: "loud", Enabled: true,
		Events: []scheduler.EventKind{scheduler.KindPaused},
	}))
	require.NoError(t, reg.RegisterFromConfig(&HookConfig{
		Name: "quiet", Type: "quiet", Enabled: true, FailureMode: FailureIgnore,
		Events: []scheduler.EventKind{scheduler.KindPaused},
	}))
	assert.Equal(t, 2, reg.Count())

	results := reg.Trigger(context.Background(), &Event{Type: scheduler.KindPaused, WorkflowID: "wf-1"})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Success)
	}

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "loud exploded")
	assert.Contains(t, out, `"level":"DEBUG"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailures.WithLabelValues("loud")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailures.WithLabelValues("quiet")))

	reg.Unregister("loud")
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.HasHooksFor(scheduler.KindPaused))
	assert.False(t, reg.HasHooksFor(scheduler.KindTaskStarted))
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	reg := NewRegistry(log.Discard(), nil)
	RegisterBuiltinHooks(reg)

	tests := []struct {
		name   string
		config *HookConfig
	}{
		{"nil", nil},
		{"no events", &HookConfig{Name: "x", Type: "log", Enabled: true}},
		{"bad mode", &HookConfig{Name: "x", Type: "log", Enabled: true, FailureMode: "fail",
			Events: []scheduler.EventKind{scheduler.KindPaused}}},
		{"unknown type", &HookConfig{Name: "x", Type: "carrier-pigeon", Enabled: true,
			Events: []scheduler.EventKind{scheduler.KindPaused}}},
		{"script without path", &HookConfig{Name: "x", Type: "script", Enabled: true,
			Events: []scheduler.EventKind{scheduler.KindPaused}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.RegisterFromConfig(tt.config))
		})
	}

	require.NoError(t, reg.RegisterFromConfig(&HookConfig{Name: "off", Type: "nope"}))
	assert.Zero(t, reg.Count(), "disabled hooks are skipped")
}

func TestHookTimeout(t *testing.T) {
	reg := NewRegistry(log.Discard(), nil)
	reg.RegisterFactory("slow", func(config *HookConfig) (Hook, error) {
		return &funcHook{name: config.Name, kinds: config.Events, fn: func(ctx context.Context, _ *Event) error {
			<-ctx.Done()
			return ctx.Err()
		}}, nil
	})
	require.NoError(t, reg.RegisterFromConfig(&HookConfig{
		Name: "slow", Type: "slow", Enabled: true, Timeout: 10 * time.Millisecond,
		Events: []scheduler.EventKind{scheduler.KindError},
	}))

	results := reg.Trigger(context.Background(), &Event{Type: scheduler.KindError})
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "deadline exceeded")
}

func TestWebhookHook(t *testing.T) {
	var got Event
	var header, agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		agent = r.Header.Get("User-Agent")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhookHook(&HookConfig{
		Name:   "hook",
		Events: []scheduler.EventKind{scheduler.KindWorkflowComplete},
		Config: map[string]any{"url": srv.URL, "headers": map[string]any{"X-Token": "secret"}},
	})
	require.NoError(t, err)

	err = hook.Execute(context.Background(), &Event{
		Type: scheduler.KindWorkflowComplete, WorkflowID: "wf-9", Data: map[string]any{"status": "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", header)
	assert.True(t, strings.HasPrefix(agent, "loom/"), agent)
	assert.Equal(t, "wf-9", got.WorkflowID)
	assert.Equal(t, "completed", got.GetString("status"))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	hook, err = NewWebhookHook(&HookConfig{Name: "bad", Config: map[string]any{"url": failing.URL}})
	require.NoError(t, err)
	assert.ErrorContains(t, hook.Execute(context.Background(), &Event{}), "502")

	_, err = NewWebhookHook(&HookConfig{Name: "none", Config: map[string]any{}})
	assert.Error(t, err)
}

func TestScriptHook(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte(`echo "$LOOM_EVENT_TYPE $LOOM_WORKFLOW_ID $LOOM_LAYER" > "$1"
`), 0o700))

	hook, err := NewScriptHook(&HookConfig{
		Name:   "script",
		Events: []scheduler.EventKind{scheduler.KindPaused},
		Config: map[string]any{"script": script, "args": []any{out}},
	})
	require.NoError(t, err)
	require.NoError(t, hook.Execute(context.Background(), &Event{
		Type: scheduler.KindPaused, WorkflowID: "wf-2", Data: map[string]any{"layer": 4},
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "paused wf-2 4", strings.TrimSpace(string(data)))

	failing, err := NewScriptHook(&HookConfig{Name: "f", Config: map[string]any{"script": "/nonexistent/hook.sh"}})
	require.NoError(t, err)
	assert.Error(t, failing.Execute(context.Background(), &Event{}))
}

func TestLogHook(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Level: log.LevelInfo, Format: log.FormatJSON, Output: &buf})
	hook := NewLogHook("audit", logger, AllEvents()...)
	assert.Len(t, hook.EventTypes(), 12)

	require.NoError(t, hook.Execute(context.Background(), &Event{
		Type: scheduler.KindTaskStarted, WorkflowID: "wf-3", Data: map[string]any{"task_id": "a"},
	}))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "workflow event", entry["msg"])
	assert.Equal(t, "task_started", entry["event"])
	assert.Equal(t, "a", entry["task_id"])
}
