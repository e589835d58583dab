// Package hooks runs user-configured side effects on workflow events.
package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/loom/internal/scheduler"
)

// Event is the flattened, serializable form of a scheduler event handed to
// hooks.
type Event struct {
	Type       scheduler.EventKind `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	WorkflowID string              `json:"workflow_id"`
	Data       map[string]any      `json:"data"`
}

// FromScheduler flattens a scheduler event.
func FromScheduler(ev scheduler.Event) *Event {
	data := map[string]any{}
	switch e := ev.(type) {
	case scheduler.WorkflowStarted:
		data["tasks"] = e.Tasks
		data["resumed"] = e.Resumed
	case scheduler.LayerStarted:
		data["layer"] = e.Layer
		data["tasks"] = len(e.Tasks)
	case scheduler.TaskStarted:
		data["layer"] = e.Layer
		data["task_id"] = e.TaskID.String()
		data["tool"] = e.Tool.String()
	case scheduler.TaskCompleted:
		data["layer"] = e.Result.Layer
		data["task_id"] = e.Result.TaskID.String()
		data["tool"] = e.Result.Tool.String()
		data["status"] = string(e.Result.Status)
		data["duration"] = e.Result.Duration.String()
	case scheduler.TaskFailed:
		data["layer"] = e.Result.Layer
		data["task_id"] = e.Result.TaskID.String()
		data["tool"] = e.Result.Tool.String()
		data["status"] = string(e.Result.Status)
		data["error"] = e.Result.Error
	case scheduler.StateUpdated:
		data["layer"] = e.State.Layer
		data["status"] = string(e.State.Status)
		data["completed"] = len(e.State.CompletedTasks)
	case scheduler.CheckpointSaved:
		data["layer"] = e.Layer
		data["checkpoint_id"] = e.CheckpointID
	case scheduler.DecisionRequired:
		data["layer"] = e.Layer
		data["failed"] = len(e.Failed)
		data["timeout"] = e.Timeout.String()
	case scheduler.Paused:
		data["layer"] = e.Layer
	case scheduler.WorkflowCompleted:
		data["layer"] = e.State.Layer
		data["status"] = string(e.State.Status)
		data["completed"] = len(e.State.CompletedTasks)
	case scheduler.WorkflowAborted:
		data["layer"] = e.State.Layer
		data["reason"] = e.Reason
	case scheduler.ErrorEvent:
		if e.Err != nil {
			data["error"] = e.Err.Error()
		}
	}
	return &Event{
		Type:       ev.Kind(),
		Timestamp:  ev.Time(),
		WorkflowID: ev.Workflow(),
		Data:       data,
	}
}

// Hook is the interface that all hooks must implement
type Hook interface {
	// Name returns the hook name
	Name() string

	// EventTypes returns the events this hook handles
	EventTypes() []scheduler.EventKind

	// Execute runs the hook for an event
	Execute(ctx context.Context, event *Event) error

	// Enabled returns whether the hook is currently enabled
	Enabled() bool
}

// Failure modes. A failing hook never affects the workflow; the mode only
// selects how loudly the failure is logged.
const (
	FailureIgnore = "ignore"
	FailureWarn   = "warn"
)

// HookConfig represents hook configuration
type HookConfig struct {
	Name        string                `yaml:"name" json:"name" mapstructure:"name"`
	Type        string                `yaml:"type" json:"type" mapstructure:"type"`
	Events      []scheduler.EventKind `yaml:"events" json:"events" mapstructure:"events"`
	Enabled     bool                  `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Config      map[string]any        `yaml:"config" json:"config" mapstructure:"config"`
	Timeout     time.Duration         `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
	FailureMode string                `yaml:"failure_mode" json:"failure_mode" mapstructure:"failure_mode"`
}

// Validate checks the configuration
func (c *HookConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("hook name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("hook %s: type is required", c.Name)
	}
	if len(c.Events) == 0 {
		return fmt.Errorf("hook %s: at least one event is required", c.Name)
	}
	if c.FailureMode != "" && !IsValidFailureMode(c.FailureMode) {
		return fmt.Errorf("hook %s: invalid failure mode %q", c.Name, c.FailureMode)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("hook %s: timeout must not be negative", c.Name)
	}
	return nil
}

// ExecutionResult contains the result of hook execution
type ExecutionResult struct {
	HookName  string              `json:"hook_name"`
	EventType scheduler.EventKind `json:"event_type"`
	Success   bool                `json:"success"`
	Error     string              `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration"`
	Timestamp time.Time           `json:"timestamp"`
}

// HookFactory creates hooks from configuration
type HookFactory func(config *HookConfig) (Hook, error)

// DefaultTimeout is the default hook execution timeout
const DefaultTimeout = 10 * time.Second

// IsValidFailureMode checks if a failure mode is valid
func IsValidFailureMode(mode string) bool {
	return mode == FailureIgnore || mode == FailureWarn
}

// GetString gets a string value from event data
func (e *Event) GetString(key string) string {
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// GetInt gets an int value from event data
func (e *Event) GetInt(key string) int {
	if i, ok := e.Data[key].(int); ok {
		return i
	}
	return 0
}
