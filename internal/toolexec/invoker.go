// Package toolexec invokes tools on behalf of the scheduler.
//
// The scheduler only needs success or failure and a result payload; whether
// a tool runs in-process, as a local command or remotely is up to the
// Invoker.
package toolexec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// Invoker runs one tool call.
type Invoker interface {
	Invoke(ctx context.Context, tool domain.ToolID, args map[string]any) (any, error)
}

// Func adapts a function to a single-tool handler.
type Func func(ctx context.Context, args map[string]any) (any, error)

// UnknownToolError is returned for a tool no handler serves.
type UnknownToolError struct {
	Tool domain.ToolID
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("no handler for tool %s", e.Tool)
}

// Registry routes tool calls to handlers registered per tool or per server.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[domain.ToolID]Func
	servers map[string]Invoker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[domain.ToolID]Func),
		servers: make(map[string]Invoker),
	}
}

// Register serves tool with fn, replacing any previous handler.
func (r *Registry) Register(tool domain.ToolID, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool] = fn
}

// RegisterServer serves every tool of a server namespace that has no
// tool-specific handler.
func (r *Registry) RegisterServer(server string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[server] = inv
}

// Tools lists the individually registered tools.
func (r *Registry) Tools() []domain.ToolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolID, 0, len(r.tools))
	for t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invoke implements Invoker.
func (r *Registry) Invoke(ctx context.Context, tool domain.ToolID, args map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[tool]
	srv, srvOK := r.servers[tool.Server()]
	r.mu.RUnlock()

	switch {
	case ok:
		return fn(ctx, args)
	case srvOK:
		return srv.Invoke(ctx, tool, args)
	}
	return nil, &UnknownToolError{Tool: tool}
}
