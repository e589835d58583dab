package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

type call struct {
	Tool domain.ToolID
	Args map[string]any
}

// recorder echoes its arguments unless a tool has a custom function.
type recorder struct {
	mu    sync.Mutex
	calls []call
	funcs map[domain.ToolID]toolexec.Func
}

func newRecorder() *recorder {
	return &recorder{funcs: make(map[domain.ToolID]toolexec.Func)}
}

func (r *recorder) on(tool string, fn toolexec.Func) *recorder {
	r.funcs[domain.ToolID(tool)] = fn
	return r
}

func (r *recorder) Invoke(ctx context.Context, tool domain.ToolID, args map[string]any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{Tool: tool, Args: args})
	fn := r.funcs[tool]
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, args)
	}
	return args, nil
}

func (r *recorder) count(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Tool == domain.ToolID(tool) {
			n++
		}
	}
	return n
}

func task(id string, deps ...string) plan.Task {
	t := plan.Task{ID: domain.TaskID(id), Tool: domain.ToolID("t:" + id)}
	for _, d := range deps {
		t.DependsOn = append(t.DependsOn, domain.TaskID(d))
	}
	return t
}

func mustDAG(t *testing.T, tasks ...plan.Task) *plan.DAG {
	t.Helper()
	d, err := plan.NewDAG(tasks)
	require.NoError(t, err)
	return d
}

func newScheduler(t *testing.T, inv toolexec.Invoker, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(inv, cfg, log.Discard(), opts...)
	require.NoError(t, err)
	return s
}

// drive reads every event, calling on for each, then returns the final state.
func drive(t *testing.T, run *Run, on func(Event)) ([]Event, workflow.State, error) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []Event
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				st, err := run.Wait()
				return events, st, err
			}
			events = append(events, ev)
			if on != nil {
				on(ev)
			}
		case <-deadline:
			t.Fatal("workflow did not finish")
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func statuses(st workflow.State) map[domain.TaskID]workflow.TaskStatus {
	out := make(map[domain.TaskID]workflow.TaskStatus)
	for _, r := range st.CompletedTasks {
		out[r.TaskID] = r.Status
	}
	return out
}

// failingCheckpointer fails every save.
type failingCheckpointer struct{}

func (failingCheckpointer) SaveAsync(context.Context, string, int, workflow.State) <-chan checkpoint.SaveResult {
	ch := make(chan checkpoint.SaveResult, 1)
	ch <- checkpoint.SaveResult{Err: context.DeadlineExceeded}
	close(ch)
	return ch
}

// fakeReplanner appends one task depending on everything completed.
type fakeReplanner struct {
	mu        sync.Mutex
	completed []domain.TaskID
	added     plan.Task
}

func (f *fakeReplanner) Replan(_ context.Context, current *plan.DAG, completed []domain.TaskID, _ string) (*plan.DAG, error) {
	f.mu.Lock()
	f.completed = append([]domain.TaskID(nil), completed...)
	f.mu.Unlock()
	return current.With(f.added)
}
