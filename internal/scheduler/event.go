package scheduler

import (
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// EventKind names an event type on the wire and in hook filters.
type EventKind string

const (
	KindWorkflowStarted  EventKind = "workflow_started"
	KindLayerStarted     EventKind = "layer_started"
	KindTaskStarted      EventKind = "task_started"
	KindTaskCompleted    EventKind = "task_completed"
	KindTaskFailed       EventKind = "task_error"
	KindStateUpdated     EventKind = "state_updated"
	KindCheckpointSaved  EventKind = "checkpoint"
	KindDecisionRequired EventKind = "decision_required"
	KindPaused           EventKind = "paused"
	KindWorkflowComplete EventKind = "workflow_complete"
	KindWorkflowAborted  EventKind = "workflow_aborted"
	KindError            EventKind = "error"
)

// Event is emitted by a running workflow. The set of events is closed;
// switch over the concrete types below.
type Event interface {
	Kind() EventKind
	Workflow() string
	Time() time.Time
	isEvent()
}

type header struct {
	WorkflowID string    `json:"workflow_id"`
	At         time.Time `json:"at"`
}

func (h header) Workflow() string { return h.WorkflowID }
func (h header) Time() time.Time  { return h.At }
func (header) isEvent()           {}

// WorkflowStarted is emitted once before the first layer.
type WorkflowStarted struct {
	header
	Tasks   int  `json:"tasks"`
	Resumed bool `json:"resumed"`
}

// LayerStarted is emitted before the tasks of a layer start.
type LayerStarted struct {
	header
	Layer int             `json:"layer"`
	Tasks []domain.TaskID `json:"tasks"`
}

// TaskStarted is emitted when a task is handed to the invoker.
type TaskStarted struct {
	header
	Layer  int           `json:"layer"`
	TaskID domain.TaskID `json:"task_id"`
	Tool   domain.ToolID `json:"tool"`
}

// TaskCompleted is emitted when a task succeeds.
type TaskCompleted struct {
	header
	Result workflow.TaskResult `json:"result"`
}

// TaskFailed is emitted when a task fails, including failures tolerated
// through allow_failure.
type TaskFailed struct {
	header
	Result workflow.TaskResult `json:"result"`
	Err    error               `json:"-"`
}

// StateUpdated carries the state after a layer's results were applied.
type StateUpdated struct {
	header
	State workflow.State `json:"state"`
}

// CheckpointSaved is emitted once a layer's checkpoint is durable.
type CheckpointSaved struct {
	header
	CheckpointID string `json:"checkpoint_id"`
	Layer        int    `json:"layer"`
}

// DecisionRequired is emitted when the workflow waits for a Decide command.
type DecisionRequired struct {
	header
	Layer   int             `json:"layer"`
	Failed  []domain.TaskID `json:"failed,omitempty"`
	Timeout time.Duration   `json:"timeout"`
}

// Paused is emitted when the workflow waits for a Resume command.
type Paused struct {
	header
	Layer int `json:"layer"`
}

// WorkflowCompleted is the last event of a workflow that ran out of work,
// or stopped erroring with no decision point to recover it.
type WorkflowCompleted struct {
	header
	State workflow.State `json:"state"`
}

// WorkflowAborted is the last event of an aborted workflow.
type WorkflowAborted struct {
	header
	State  workflow.State `json:"state"`
	Reason string         `json:"reason"`
}

// ErrorEvent reports a problem that did not stop the workflow, such as a
// rejected command.
type ErrorEvent struct {
	header
	Err error `json:"-"`
}

func (WorkflowStarted) Kind() EventKind   { return KindWorkflowStarted }
func (LayerStarted) Kind() EventKind      { return KindLayerStarted }
func (TaskStarted) Kind() EventKind       { return KindTaskStarted }
func (TaskCompleted) Kind() EventKind     { return KindTaskCompleted }
func (TaskFailed) Kind() EventKind        { return KindTaskFailed }
func (StateUpdated) Kind() EventKind      { return KindStateUpdated }
func (CheckpointSaved) Kind() EventKind   { return KindCheckpointSaved }
func (DecisionRequired) Kind() EventKind  { return KindDecisionRequired }
func (Paused) Kind() EventKind            { return KindPaused }
func (WorkflowCompleted) Kind() EventKind { return KindWorkflowComplete }
func (WorkflowAborted) Kind() EventKind   { return KindWorkflowAborted }
func (ErrorEvent) Kind() EventKind        { return KindError }
