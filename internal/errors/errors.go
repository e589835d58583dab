package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Dependency graph errors (GRAPH-001 to GRAPH-099)
	ErrCodeGraphLoad        ErrorCode = "GRAPH-001"
	ErrCodeGraphPersist     ErrorCode = "GRAPH-002"
	ErrCodeGraphToolInvalid ErrorCode = "GRAPH-003"

	// Plan errors (PLAN-001 to PLAN-099)
	ErrCodePlanCycle          ErrorCode = "PLAN-001"
	ErrCodeReplanConflict     ErrorCode = "PLAN-002"
	ErrCodePlanInvalid        ErrorCode = "PLAN-003"
	ErrCodePlanExplicitNeeded ErrorCode = "PLAN-004"

	// Task execution errors (TASK-001 to TASK-099)
	ErrCodeTaskExecution ErrorCode = "TASK-001"
	ErrCodeTaskTimeout   ErrorCode = "TASK-002"

	// Checkpoint errors (CHECKPOINT-001 to CHECKPOINT-099)
	ErrCodeCheckpointNotFound ErrorCode = "CHECKPOINT-001"
	ErrCodeCheckpointCorrupt  ErrorCode = "CHECKPOINT-002"
	ErrCodeCheckpointSave     ErrorCode = "CHECKPOINT-003"

	// Decision point errors (DECISION-001 to DECISION-099)
	ErrCodeDecisionTimeout ErrorCode = "DECISION-001"

	// Workflow errors (WORKFLOW-001 to WORKFLOW-099)
	ErrCodeWorkflowNotFound ErrorCode = "WORKFLOW-001"
	ErrCodeWorkflowRunning  ErrorCode = "WORKFLOW-002"
	ErrCodeResumeUnsafe     ErrorCode = "WORKFLOW-003"
	ErrCodeWorkflowAborted  ErrorCode = "WORKFLOW-004"
)

// Sentinels for errors.Is. Matching is by code, so any *LoomError carrying the
// same code satisfies errors.Is against these values.
var (
	ErrGraphLoad          = New(ErrCodeGraphLoad, "dependency graph load failed")
	ErrPlanCycle          = New(ErrCodePlanCycle, "plan contains a cycle")
	ErrReplanConflict     = New(ErrCodeReplanConflict, "replan conflicts with completed tasks")
	ErrTaskExecution      = New(ErrCodeTaskExecution, "task execution failed")
	ErrCheckpointNotFound = New(ErrCodeCheckpointNotFound, "checkpoint not found")
	ErrCheckpointCorrupt  = New(ErrCodeCheckpointCorrupt, "checkpoint corrupt")
	ErrDecisionTimeout    = New(ErrCodeDecisionTimeout, "decision timed out")
	ErrWorkflowNotFound   = New(ErrCodeWorkflowNotFound, "workflow not found")
	ErrWorkflowRunning    = New(ErrCodeWorkflowRunning, "workflow already running")
	ErrResumeUnsafe       = New(ErrCodeResumeUnsafe, "resume is unsafe")
)

// LoomError is a coded error carrying the workflow and task it concerns
type LoomError struct {
	Code        ErrorCode
	Message     string
	WorkflowID  string
	TaskID      string
	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *LoomError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.WorkflowID != "" || e.TaskID != "" {
		var scope []string
		if e.WorkflowID != "" {
			scope = append(scope, "workflow="+e.WorkflowID)
		}
		if e.TaskID != "" {
			scope = append(scope, "task="+e.TaskID)
		}
		b.WriteString(" (" + strings.Join(scope, " ") + ")")
	}

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *LoomError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a LoomError with the same code
func (e *LoomError) Is(target error) bool {
	t, ok := target.(*LoomError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new LoomError
func New(code ErrorCode, message string) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new LoomError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithWorkflow sets the workflow the error concerns
func (e *LoomError) WithWorkflow(workflowID string) *LoomError {
	e.WorkflowID = workflowID
	return e
}

// WithTask sets the task the error concerns
func (e *LoomError) WithTask(taskID string) *LoomError {
	e.TaskID = taskID
	return e
}

// WithSuggestion adds a suggestion to the error
func (e *LoomError) WithSuggestion(suggestion string) *LoomError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// CodeOf returns the code of the first LoomError in err's chain, or "" if none
func CodeOf(err error) ErrorCode {
	for err != nil {
		if le, ok := err.(*LoomError); ok {
			return le.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// NewGraphLoadError creates an error for an unreadable persisted graph
func NewGraphLoadError(cause error) *LoomError {
	return Wrap(ErrCodeGraphLoad, "failed to load dependency graph", cause).
		WithSuggestion("Check the store path and file permissions")
}

// NewPlanCycleError creates an error for a synthesized plan that is not acyclic
func NewPlanCycleError(path []string) *LoomError {
	return New(ErrCodePlanCycle, fmt.Sprintf("cycle detected: %s", strings.Join(path, " -> "))).
		WithSuggestion("Supply the plan explicitly")
}

// NewReplanConflictError creates an error for a replan that cannot be merged
func NewReplanConflictError(workflowID, reason string) *LoomError {
	return New(ErrCodeReplanConflict, fmt.Sprintf("cannot merge replanned tasks: %s", reason)).
		WithWorkflow(workflowID).
		WithSuggestion("Supply the additional tasks explicitly")
}

// NewTaskExecutionError creates an error for a single failed task
func NewTaskExecutionError(workflowID, taskID string, cause error) *LoomError {
	return Wrap(ErrCodeTaskExecution, "task failed", cause).
		WithWorkflow(workflowID).
		WithTask(taskID)
}

// NewTaskTimeoutError creates an error for a task that exceeded its timeout
func NewTaskTimeoutError(workflowID, taskID string, cause error) *LoomError {
	return Wrap(ErrCodeTaskTimeout, "task timed out", cause).
		WithWorkflow(workflowID).
		WithTask(taskID)
}

// NewCheckpointNotFoundError creates an error for a missing resume target
func NewCheckpointNotFoundError(workflowID, checkpointID string) *LoomError {
	msg := "no checkpoint available"
	if checkpointID != "" {
		msg = fmt.Sprintf("checkpoint not found: %s", checkpointID)
	}
	return New(ErrCodeCheckpointNotFound, msg).
		WithWorkflow(workflowID).
		WithSuggestion("Run 'loom checkpoint list <workflow-id>' to see available checkpoints")
}

// NewCheckpointCorruptError creates an error for a checkpoint failing structural validation
func NewCheckpointCorruptError(workflowID, checkpointID, reason string) *LoomError {
	return New(ErrCodeCheckpointCorrupt, fmt.Sprintf("checkpoint %s failed validation: %s", checkpointID, reason)).
		WithWorkflow(workflowID).
		WithSuggestion("Resume from an explicitly chosen older checkpoint")
}

// NewDecisionTimeoutError records that a decision point fell back to its default action
func NewDecisionTimeoutError(workflowID string, layer int, fallback string) *LoomError {
	return New(ErrCodeDecisionTimeout, fmt.Sprintf("no decision after layer %d, defaulting to %s", layer, fallback)).
		WithWorkflow(workflowID)
}

// NewWorkflowNotFoundError creates an error for an unknown workflow id
func NewWorkflowNotFoundError(workflowID string) *LoomError {
	return New(ErrCodeWorkflowNotFound, "workflow not found").WithWorkflow(workflowID)
}

// NewResumeUnsafeError creates an error for a resume that could replay external side effects
func NewResumeUnsafeError(workflowID, taskID string) *LoomError {
	return New(ErrCodeResumeUnsafe, "task with external side effects may have run before the interruption").
		WithWorkflow(workflowID).
		WithTask(taskID).
		WithSuggestion("Make the task idempotent or resume with --force")
}
