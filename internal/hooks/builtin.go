package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/version"
)

// ScriptHook executes a shell script with the event in its environment and
// the JSON event on stdin.
type ScriptHook struct {
	name       string
	eventTypes []scheduler.EventKind
	scriptPath string
	args       []string
	shell      string
}

// NewScriptHook creates a new script hook
func NewScriptHook(config *HookConfig) (Hook, error) {
	scriptPath, ok := config.Config["script"].(string)
	if !ok || scriptPath == "" {
		return nil, fmt.Errorf("script path required")
	}

	hook := &ScriptHook{
		name:       config.Name,
		eventTypes: config.Events,
		scriptPath: scriptPath,
		shell:      "/bin/sh",
	}
	if argsList, ok := config.Config["args"].([]any); ok {
		for _, arg := range argsList {
			if s, ok := arg.(string); ok {
				hook.args = append(hook.args, s)
			}
		}
	}
	if shell, ok := config.Config["shell"].(string); ok && shell != "" {
		hook.shell = shell
	}
	return hook, nil
}

func (h *ScriptHook) Name() string                      { return h.name }
func (h *ScriptHook) EventTypes() []scheduler.EventKind { return h.eventTypes }
func (h *ScriptHook) Enabled() bool                     { return true }

func (h *ScriptHook) Execute(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	env := append(os.Environ(),
		"LOOM_EVENT_TYPE="+string(event.Type),
		"LOOM_WORKFLOW_ID="+event.WorkflowID,
	)
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("LOOM_%s=%v", strings.ToUpper(k), event.Data[k]))
	}

	args := append([]string{h.scriptPath}, h.args...)
	cmd := exec.CommandContext(ctx, h.shell, args...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("script failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WebhookHook sends HTTP POST requests
type WebhookHook struct {
	name       string
	eventTypes []scheduler.EventKind
	url        string
	headers    map[string]string
	client     *http.Client
}

// NewWebhookHook creates a new webhook hook
func NewWebhookHook(config *HookConfig) (Hook, error) {
	url, ok := config.Config["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("webhook URL required")
	}

	hook := &WebhookHook{
		name:       config.Name,
		eventTypes: config.Events,
		url:        url,
		headers:    make(map[string]string),
		client:     &http.Client{Timeout: config.Timeout},
	}
	if headers, ok := config.Config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				hook.headers[key] = s
			}
		}
	}
	return hook, nil
}

func (h *WebhookHook) Name() string                      { return h.name }
func (h *WebhookHook) EventTypes() []scheduler.EventKind { return h.eventTypes }
func (h *WebhookHook) Enabled() bool                     { return true }

func (h *WebhookHook) Execute(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.GetInfo().UserAgent())
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogHook writes every event it handles to a structured logger.
type LogHook struct {
	name       string
	eventTypes []scheduler.EventKind
	logger     *log.Logger
}

// NewLogHook creates a hook logging events at info level.
func NewLogHook(name string, logger *log.Logger, kinds ...scheduler.EventKind) *LogHook {
	return &LogHook{name: name, eventTypes: kinds, logger: log.OrDefault(logger)}
}

func (h *LogHook) Name() string                      { return h.name }
func (h *LogHook) EventTypes() []scheduler.EventKind { return h.eventTypes }
func (h *LogHook) Enabled() bool                     { return true }

func (h *LogHook) Execute(_ context.Context, event *Event) error {
	args := []any{"event", event.Type, "workflow_id", event.WorkflowID}
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, event.Data[k])
	}
	h.logger.Info("workflow event", args...)
	return nil
}

// AllEvents lists every scheduler event kind.
func AllEvents() []scheduler.EventKind {
	return []scheduler.EventKind{
		scheduler.KindWorkflowStarted,
		scheduler.KindLayerStarted,
		scheduler.KindTaskStarted,
		scheduler.KindTaskCompleted,
		scheduler.KindTaskFailed,
		scheduler.KindStateUpdated,
		scheduler.KindCheckpointSaved,
		scheduler.KindDecisionRequired,
		scheduler.KindPaused,
		scheduler.KindWorkflowComplete,
		scheduler.KindWorkflowAborted,
		scheduler.KindError,
	}
}

// RegisterBuiltinHooks registers the script, webhook and log hook factories
func RegisterBuiltinHooks(registry *Registry) {
	registry.RegisterFactory("script", NewScriptHook)
	registry.RegisterFactory("webhook", NewWebhookHook)
	registry.RegisterFactory("log", func(config *HookConfig) (Hook, error) {
		return NewLogHook(config.Name, registry.logger, config.Events...), nil
	})
}
