package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/engine"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/tui"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// executionFlags are shared by every command that runs a workflow.
type executionFlags struct {
	decisions       string
	decisionTimeout time.Duration
	pause           bool
	interactive     bool
	live            bool
	maxParallel     int
	taskTimeout     time.Duration
	jsonOutput      bool
}

func (f *executionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.decisions, "decisions", "", "decision points: never, every_layer or on_error")
	cmd.Flags().DurationVar(&f.decisionTimeout, "decision-timeout", 0, "apply the default action after this long without a decision")
	cmd.Flags().BoolVar(&f.pause, "pause", false, "pause after every layer until resumed")
	cmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false, "answer decision points and pauses interactively")
	cmd.Flags().BoolVar(&f.live, "live", false, "show a live progress view instead of an event log")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 0, "cap concurrent tasks per layer (0 is unbounded)")
	cmd.Flags().DurationVar(&f.taskTimeout, "task-timeout", 0, "timeout for each task invocation")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print events as JSON lines")
}

// schedulerConfig applies the flags that were set on top of base.
func (f *executionFlags) schedulerConfig(cmd *cobra.Command, base scheduler.Config) (scheduler.Config, error) {
	cfg := base
	if cmd.Flags().Changed("decisions") {
		cfg.DecisionPoints = scheduler.DecisionPolicy(f.decisions)
	}
	if cmd.Flags().Changed("decision-timeout") {
		cfg.DecisionTimeout = f.decisionTimeout
	}
	if cmd.Flags().Changed("pause") {
		cfg.CheckpointPause = f.pause
	}
	if cmd.Flags().Changed("max-parallel") {
		cfg.MaxParallel = f.maxParallel
	}
	if cmd.Flags().Changed("task-timeout") {
		cfg.TaskTimeout = f.taskTimeout
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	if f.interactive && !tui.ShouldPrompt() {
		return cfg, fmt.Errorf("--interactive requires a terminal")
	}
	if f.live {
		if f.interactive || f.jsonOutput {
			return cfg, fmt.Errorf("invalid argument: --live cannot be combined with --interactive or --json")
		}
		if !tui.ShouldPrompt() {
			return cfg, fmt.Errorf("--live requires a terminal")
		}
	}
	if !f.interactive {
		if cfg.CheckpointPause {
			return cfg, fmt.Errorf("checkpoint pauses need --interactive to be resumed")
		}
		// The configured timeout always has a default, so only the flag
		// shows that someone chose to leave decisions to a timer.
		timed := cmd.Flags().Changed("decision-timeout") && cfg.DecisionTimeout > 0
		if cfg.DecisionPoints != scheduler.DecideNever && !timed {
			return cfg, fmt.Errorf("decision points need --interactive or a --decision-timeout")
		}
	}
	return cfg, nil
}

// eventRecord is the JSON line printed for one event.
type eventRecord struct {
	Kind  scheduler.EventKind `json:"kind"`
	Event scheduler.Event     `json:"event"`
	Error string              `json:"error,omitempty"`
}

// watch prints the events of x until the workflow stops, answering decision
// points and pauses when interactive. It returns an error when the workflow
// did not complete.
func watch(out io.Writer, x *engine.Execution, f *executionFlags) (workflow.State, error) {
	if f.live {
		abort := func(reason string) { x.Enqueue(scheduler.Abort{Reason: reason}) }
		if err := tui.RunLive(x.Events(), x.WorkflowID(), abort); err != nil {
			fmt.Fprintf(out, "live view stopped: %v\n", err)
		}
		return finish(out, x, f)
	}

	enc := json.NewEncoder(out)
	for ev := range x.Events() {
		if f.jsonOutput {
			rec := eventRecord{Kind: ev.Kind(), Event: ev}
			switch e := ev.(type) {
			case scheduler.TaskFailed:
				rec.Error = e.Result.Error
			case scheduler.ErrorEvent:
				rec.Error = e.Err.Error()
			}
			if err := enc.Encode(rec); err != nil {
				return workflow.State{}, fmt.Errorf("failed to write event: %w", err)
			}
		} else if line := tui.RenderEvent(ev); line != "" {
			fmt.Fprintln(out, line)
		}

		if !f.interactive {
			continue
		}
		switch e := ev.(type) {
		case scheduler.DecisionRequired:
			d, err := tui.PromptForDecision(e)
			if err != nil {
				x.Enqueue(scheduler.Abort{Reason: "decision prompt cancelled"})
				continue
			}
			x.Enqueue(d)
		case scheduler.Paused:
			ok, err := tui.PromptForConfirmation(fmt.Sprintf("Resume after layer %d?", e.Layer), true)
			if err != nil || !ok {
				x.Enqueue(scheduler.Abort{Reason: "stopped at checkpoint pause"})
				continue
			}
			x.Enqueue(scheduler.Resume{})
		}
	}

	return finish(out, x, f)
}

// finish waits for the workflow and reports its feedback.
func finish(out io.Writer, x *engine.Execution, f *executionFlags) (workflow.State, error) {
	st, err := x.Wait()
	if err != nil {
		return st, err
	}
	if !f.jsonOutput {
		if report := x.Feedback(); report.Applied {
			fmt.Fprintf(out, "graph reinforced: %d successes, %d failures\n", report.Successes, report.Failures)
		}
	}
	return st, outcome(st)
}

// outcome turns a final workflow status into the error the CLI exits with.
func outcome(st workflow.State) error {
	switch st.Status {
	case workflow.StatusCompleted:
		return nil
	case workflow.StatusErroring:
		return apperrors.New(apperrors.ErrCodeTaskExecution, "workflow stopped with failed tasks").
			WithWorkflow(st.WorkflowID).
			WithSuggestion(fmt.Sprintf("Inspect the failures: loom status %s", st.WorkflowID))
	case workflow.StatusAborted:
		return apperrors.New(apperrors.ErrCodeWorkflowAborted, "workflow aborted").WithWorkflow(st.WorkflowID)
	}
	return fmt.Errorf("workflow %s stopped in status %s", st.WorkflowID, st.Status)
}
