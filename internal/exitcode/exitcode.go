package exitcode

import (
	"context"
	"errors"
	"os"
	"strings"

	apperrors "github.com/felixgeelhaar/loom/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// WorkflowFailed indicates the workflow stopped with failed tasks
	WorkflowFailed = 3

	// WorkflowAborted indicates the workflow was aborted
	WorkflowAborted = 4

	// PlanRejected indicates no executable plan could be produced
	PlanRejected = 5

	// CheckpointError indicates a missing, corrupt or unsafe checkpoint
	CheckpointError = 6

	// Interrupted indicates the process was stopped by a signal
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	if err == nil {
		Exit(Success)
		return
	}

	code := DetermineExitCode(err)
	Exit(code)
}

// DetermineExitCode analyzes an error and returns the appropriate exit code.
// Coded errors are mapped by code; anything else falls back to the message.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	if errors.Is(err, context.Canceled) {
		return Interrupted
	}

	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodePlanCycle, apperrors.ErrCodePlanInvalid,
		apperrors.ErrCodePlanExplicitNeeded, apperrors.ErrCodeReplanConflict:
		return PlanRejected
	case apperrors.ErrCodeCheckpointNotFound, apperrors.ErrCodeCheckpointCorrupt,
		apperrors.ErrCodeCheckpointSave, apperrors.ErrCodeResumeUnsafe:
		return CheckpointError
	case apperrors.ErrCodeWorkflowAborted:
		return WorkflowAborted
	case apperrors.ErrCodeTaskExecution, apperrors.ErrCodeTaskTimeout:
		return WorkflowFailed
	}

	errMsg := strings.ToLower(err.Error())

	// Usage errors
	if strings.Contains(errMsg, "invalid flag") || strings.Contains(errMsg, "unknown command") {
		return UsageError
	}
	if strings.Contains(errMsg, "required flag") || strings.Contains(errMsg, "missing argument") {
		return UsageError
	}
	if strings.Contains(errMsg, "unknown flag") || strings.Contains(errMsg, "invalid argument") {
		return UsageError
	}
	if strings.HasPrefix(errMsg, "accepts ") {
		return UsageError
	}

	// Default to general error
	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case WorkflowFailed:
		return "Workflow stopped with failed tasks"
	case WorkflowAborted:
		return "Workflow aborted"
	case PlanRejected:
		return "No executable plan"
	case CheckpointError:
		return "Checkpoint missing, corrupt or unsafe to resume"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
