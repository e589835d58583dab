package scheduler

import (
	"sync"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Command is a control message for a running workflow. The set of commands
// is closed; switch over the concrete types below.
type Command interface {
	isCommand()
}

// Abort stops scheduling further layers. Results of a layer still running
// when the abort arrives are discarded.
type Abort struct {
	Reason string
}

// InjectTasks adds tasks to the remaining DAG.
type InjectTasks struct {
	Tasks []plan.Task
}

// Replan asks the replanner to extend the DAG for a new requirement.
type Replan struct {
	Requirement string
}

// SkipLayer records every task of the next layer as skipped without running it.
type SkipLayer struct{}

// ModifyArgs replaces the arguments of a task that has not run yet.
type ModifyArgs struct {
	TaskID domain.TaskID
	Args   map[string]any
}

// Resume releases a checkpoint pause.
type Resume struct{}

// Decide resolves a pending decision point.
type Decide struct {
	Action      workflow.Action
	Requirement string
	// Context is merged into the workflow context.
	Context map[string]any
}

func (Abort) isCommand()       {}
func (InjectTasks) isCommand() {}
func (Replan) isCommand()      {}
func (SkipLayer) isCommand()   {}
func (ModifyArgs) isCommand()  {}
func (Resume) isCommand()      {}
func (Decide) isCommand()      {}

// commandQueue is a FIFO with a wake-up signal. Pushes never block.
type commandQueue struct {
	mu      sync.Mutex
	items   []Command
	aborted bool
	notify  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{notify: make(chan struct{}, 1)}
}

func (q *commandQueue) push(cmd Command) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	if _, ok := cmd.(Abort); ok {
		q.aborted = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *commandQueue) drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// requeue puts cmds back at the head of the queue, keeping their order.
func (q *commandQueue) requeue(cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]Command(nil), cmds...), q.items...)
}

// abortRequested reports whether an Abort was ever enqueued.
func (q *commandQueue) abortRequested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

// takeAbort removes and returns the first queued Abort.
func (q *commandQueue) takeAbort() (Abort, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range q.items {
		if a, ok := cmd.(Abort); ok {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return a, true
		}
	}
	return Abort{}, false
}
