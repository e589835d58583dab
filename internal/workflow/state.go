// Package workflow holds the authoritative record of one execution and the
// pure reducers that evolve it.
package workflow

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/plan"
)

// Status is the lifecycle position of a workflow.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusErroring    Status = "erroring"
	StatusCompleted   Status = "completed"
	StatusAborted     Status = "aborted"
)

var transitions = map[Status][]Status{
	StatusInitialized: {StatusRunning, StatusAborted},
	StatusRunning:     {StatusPaused, StatusErroring, StatusCompleted, StatusAborted},
	StatusPaused:      {StatusRunning, StatusAborted},
	StatusErroring:    {StatusRunning, StatusAborted},
}

// CanTransition reports whether a workflow may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// TaskStatus is the outcome of one task.
type TaskStatus string

const (
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskFailedSafe TaskStatus = "failed_safe"
	TaskSkipped    TaskStatus = "skipped"
)

// Succeeded reports whether the task produced a result.
func (s TaskStatus) Succeeded() bool { return s == TaskCompleted }

// TaskResult is the recorded outcome of one task.
type TaskResult struct {
	TaskID    domain.TaskID `json:"task_id"`
	Tool      domain.ToolID `json:"tool"`
	Status    TaskStatus    `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Layer     int           `json:"layer"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Message is an entry of the conversation log carried with the workflow.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Action is the outcome of a decision point.
type Action string

const (
	ActionContinue Action = "continue"
	ActionAbort    Action = "abort"
	ActionReplan   Action = "replan"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionContinue, ActionAbort, ActionReplan:
		return a, nil
	}
	return "", fmt.Errorf("unknown decision action %q", s)
}

// Decision records how a decision point was resolved.
type Decision struct {
	Layer       int       `json:"layer"`
	Action      Action    `json:"action"`
	Requirement string    `json:"requirement,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	At          time.Time `json:"at"`
}

// State is the authoritative record of one execution.
//
// Messages, CompletedTasks and Decisions are append-only; Context is
// merge-only. Use Reduce to evolve it.
type State struct {
	WorkflowID     string         `json:"workflow_id"`
	Layer          int            `json:"layer"`
	Status         Status         `json:"status"`
	Messages       []Message      `json:"messages"`
	CompletedTasks []TaskResult   `json:"completed_tasks"`
	Decisions      []Decision     `json:"decisions"`
	Context        map[string]any `json:"context"`

	// Plan is the DAG being executed, including tasks added while running.
	Plan []plan.Task `json:"plan"`

	// Stopped marks an erroring workflow that ended without a decision on
	// its failures. It keeps its status but is finished.
	Stopped bool `json:"stopped,omitempty"`
}

// Finished reports whether the workflow can make no further progress.
func (s State) Finished() bool {
	return s.Status.Terminal() || s.Stopped
}

// New returns the initial state of a workflow. Layer is -1 until the first
// layer completes.
func New(workflowID string, tasks []plan.Task) State {
	return State{
		WorkflowID: workflowID,
		Layer:      -1,
		Status:     StatusInitialized,
		Context:    map[string]any{},
		Plan:       tasks,
	}
}

// Validate checks the structural invariants of a state, typically one
// restored from a checkpoint.
func (s State) Validate() error {
	if s.WorkflowID == "" {
		return fmt.Errorf("workflow id is empty")
	}
	if s.Layer < -1 {
		return fmt.Errorf("layer %d is negative", s.Layer)
	}
	if _, ok := transitions[s.Status]; !ok && !s.Status.Terminal() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Stopped && s.Status != StatusErroring {
		return fmt.Errorf("%s workflow marked stopped", s.Status)
	}
	seen := make(map[domain.TaskID]bool, len(s.CompletedTasks))
	for _, r := range s.CompletedTasks {
		if err := r.TaskID.Validate(); err != nil {
			return fmt.Errorf("task result: %w", err)
		}
		if seen[r.TaskID] {
			return fmt.Errorf("task %s recorded twice", r.TaskID)
		}
		seen[r.TaskID] = true
		if r.Layer > s.Layer {
			return fmt.Errorf("task %s recorded in layer %d after current layer %d", r.TaskID, r.Layer, s.Layer)
		}
	}
	if len(s.Plan) > 0 {
		if _, err := plan.NewDAG(s.Plan); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	return nil
}

// Settled returns the ids of every task with a recorded result.
func (s State) Settled() map[domain.TaskID]TaskResult {
	out := make(map[domain.TaskID]TaskResult, len(s.CompletedTasks))
	for _, r := range s.CompletedTasks {
		out[r.TaskID] = r
	}
	return out
}

// Result returns the recorded result of a task.
func (s State) Result(id domain.TaskID) (TaskResult, bool) {
	for _, r := range s.CompletedTasks {
		if r.TaskID == id {
			return r, true
		}
	}
	return TaskResult{}, false
}
