package workflow

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/loom/internal/plan"
)

// Update is a batch of changes applied atomically by Reduce.
type Update struct {
	Messages       []Message
	CompletedTasks []TaskResult
	Decisions      []Decision
	Context        map[string]any
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return len(u.Messages) == 0 && len(u.CompletedTasks) == 0 && len(u.Decisions) == 0 && len(u.Context) == 0
}

// Reduce returns s with u applied: list fields are appended in order and
// Context is shallow-merged with new keys winning. s is not modified.
func Reduce(s State, u Update) State {
	next := s
	next.Messages = appendCopy(s.Messages, u.Messages)
	next.CompletedTasks = appendCopy(s.CompletedTasks, u.CompletedTasks)
	next.Decisions = appendCopy(s.Decisions, u.Decisions)

	next.Context = make(map[string]any, len(s.Context)+len(u.Context))
	for k, v := range s.Context {
		next.Context[k] = v
	}
	for k, v := range u.Context {
		next.Context[k] = v
	}
	next.Plan = append([]plan.Task(nil), s.Plan...)
	return next
}

func appendCopy[T any](base, extra []T) []T {
	out := make([]T, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// Snapshot returns a copy of s that shares no slices or maps with it.
func (s State) Snapshot() State {
	return Reduce(s, Update{})
}

// Transition returns s moved to status, or an error if the move is not allowed.
func (s State) Transition(to Status) (State, error) {
	if s.Status == to {
		return s, nil
	}
	if s.Stopped {
		return s, fmt.Errorf("invalid workflow transition %s -> %s: workflow stopped", s.Status, to)
	}
	if !CanTransition(s.Status, to) {
		return s, fmt.Errorf("invalid workflow transition %s -> %s", s.Status, to)
	}
	next := s.Snapshot()
	next.Status = to
	return next, nil
}

// Stop returns s finished with its failures unresolved. Only an erroring
// workflow can stop.
func (s State) Stop(reason string) (State, error) {
	if s.Status != StatusErroring {
		return s, fmt.Errorf("cannot stop a %s workflow", s.Status)
	}
	next := Reduce(s, Update{
		Messages: []Message{{Role: "system", Content: reason, At: time.Now().UTC()}},
	})
	next.Stopped = true
	return next, nil
}

// AtLayer returns s with the current layer index set.
func (s State) AtLayer(layer int) State {
	next := s.Snapshot()
	next.Layer = layer
	return next
}

// WithPlan returns s executing tasks.
func (s State) WithPlan(tasks []plan.Task) State {
	next := s.Snapshot()
	next.Plan = append([]plan.Task(nil), tasks...)
	return next
}

// WithoutContext returns s with the given context keys pruned.
func (s State) WithoutContext(keys ...string) State {
	next := s.Snapshot()
	for _, k := range keys {
		delete(next.Context, k)
	}
	return next
}
