package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/scheduler"
)

type binding struct {
	hook        Hook
	timeout     time.Duration
	failureMode string
}

// Registry manages hooks and dispatches events to them
type Registry struct {
	mu        sync.RWMutex
	hooks     map[scheduler.EventKind][]binding
	factories map[string]HookFactory
	executor  *Executor
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// NewRegistry creates a new hook registry
func NewRegistry(logger *log.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		hooks:     make(map[scheduler.EventKind][]binding),
		factories: make(map[string]HookFactory),
		executor:  NewExecutor(),
		logger:    log.OrDefault(logger).WithComponent("hooks"),
		metrics:   m,
	}
}

// Executor returns the registry's executor for tuning.
func (r *Registry) Executor() *Executor { return r.executor }

// RegisterFactory registers a hook factory
func (r *Registry) RegisterFactory(hookType string, factory HookFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[hookType] = factory
}

// Register adds a hook with the default timeout and warn failure mode.
// Disabled hooks are ignored.
func (r *Registry) Register(hook Hook) error {
	return r.register(hook, 0, FailureWarn)
}

func (r *Registry) register(hook Hook, timeout time.Duration, mode string) error {
	if hook == nil {
		return fmt.Errorf("hook cannot be nil")
	}
	if !hook.Enabled() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := binding{hook: hook, timeout: timeout, failureMode: mode}
	for _, kind := range hook.EventTypes() {
		r.hooks[kind] = append(r.hooks[kind], b)
	}
	return nil
}

// RegisterFromConfig creates and registers a hook from configuration
func (r *Registry) RegisterFromConfig(config *HookConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if !config.Enabled {
		return nil
	}
	if err := config.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	factory, exists := r.factories[config.Type]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("unknown hook type: %s", config.Type)
	}

	hook, err := factory(config)
	if err != nil {
		return fmt.Errorf("failed to create hook %s: %w", config.Name, err)
	}

	mode := config.FailureMode
	if mode == "" {
		mode = FailureWarn
	}
	return r.register(hook, config.Timeout, mode)
}

// Unregister removes a hook from the registry
func (r *Registry) Unregister(hookName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, bound := range r.hooks {
		filtered := bound[:0:0]
		for _, b := range bound {
			if b.hook.Name() != hookName {
				filtered = append(filtered, b)
			}
		}
		r.hooks[kind] = filtered
	}
}

// Trigger executes all hooks registered for an event type. Failures are
// logged according to each hook's failure mode and never returned.
func (r *Registry) Trigger(ctx context.Context, event *Event) []ExecutionResult {
	r.mu.RLock()
	bound := append([]binding(nil), r.hooks[event.Type]...)
	r.mu.RUnlock()

	results := r.executor.executeAll(ctx, bound, event)
	for i, res := range results {
		if res.Success {
			continue
		}
		r.metrics.RecordHookFailure(res.HookName)
		args := []any{
			"hook", res.HookName,
			"event", res.EventType,
			"workflow_id", event.WorkflowID,
			"error", res.Error,
			"duration", res.Duration,
		}
		if bound[i].failureMode == FailureIgnore {
			r.logger.Debug("hook failed", args...)
		} else {
			r.logger.Warn("hook failed", args...)
		}
	}
	return results
}

// Observe dispatches a scheduler event.
func (r *Registry) Observe(ctx context.Context, ev scheduler.Event) []ExecutionResult {
	return r.Trigger(ctx, FromScheduler(ev))
}

// Count returns the number of distinct registered hooks
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, bound := range r.hooks {
		for _, b := range bound {
			seen[b.hook.Name()] = true
		}
	}
	return len(seen)
}

// HasHooksFor checks if there are any hooks registered for an event type
func (r *Registry) HasHooksFor(kind scheduler.EventKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[kind]) > 0
}
