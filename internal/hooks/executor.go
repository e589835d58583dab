package hooks

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentHooks bounds the hooks running for one event.
const maxConcurrentHooks = 8

// Executor runs hooks under their timeouts.
type Executor struct {
	defaultTimeout time.Duration
}

// NewExecutor returns an executor using DefaultTimeout for hooks without one.
func NewExecutor() *Executor {
	return &Executor{defaultTimeout: DefaultTimeout}
}

// executeAll runs every binding for an event concurrently and returns the
// results in binding order.
func (e *Executor) executeAll(ctx context.Context, bound []binding, event *Event) []ExecutionResult {
	if len(bound) == 0 {
		return nil
	}

	results := make([]ExecutionResult, len(bound))
	var g errgroup.Group
	g.SetLimit(maxConcurrentHooks)
	for i, b := range bound {
		g.Go(func() error {
			results[i] = e.Execute(ctx, b.hook, b.timeout, event)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Execute runs a single hook under timeout, or the default timeout when it
// is zero. A failing hook is reported in the result, never returned.
func (e *Executor) Execute(ctx context.Context, hook Hook, timeout time.Duration, event *Event) ExecutionResult {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := hook.Execute(hookCtx, event)

	res := ExecutionResult{
		HookName:  hook.Name(),
		EventType: event.Type,
		Timestamp: start,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
