package engine

import (
	"context"

	"github.com/felixgeelhaar/loom/internal/feedback"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Execution is a workflow started by the engine. Its events are the
// scheduler's events after hooks have seen them. Events must be drained
// until the channel is closed.
type Execution struct {
	run    *scheduler.Run
	events chan scheduler.Event
	done   chan struct{}

	final  workflow.State
	err    error
	report feedback.Report
}

// WorkflowID returns the id of the workflow.
func (x *Execution) WorkflowID() string { return x.run.WorkflowID() }

// Events returns the event stream.
func (x *Execution) Events() <-chan scheduler.Event { return x.events }

// Enqueue queues a command for the workflow.
func (x *Execution) Enqueue(cmd scheduler.Command) { x.run.Enqueue(cmd) }

// State returns the latest committed state.
func (x *Execution) State() workflow.State { return x.run.State() }

// Done is closed once the workflow has stopped and feedback was applied.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the workflow has stopped and returns its final state.
func (x *Execution) Wait() (workflow.State, error) {
	<-x.done
	return x.final, x.err
}

// Feedback returns what the feedback loop did with the finished workflow.
// It is only meaningful after Done is closed.
func (x *Execution) Feedback() feedback.Report {
	<-x.done
	return x.report
}

// track registers run and starts forwarding its events. pinned is the
// checkpoint to release once the run stops.
func (e *Engine) track(ctx context.Context, run *scheduler.Run, pinned string) *Execution {
	x := &Execution{
		run:    run,
		events: make(chan scheduler.Event, cap(run.Events())),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[run.WorkflowID()] = x
	e.mu.Unlock()

	// Hooks and feedback run past cancellation so the aborted event and
	// partial credit are still delivered.
	bg := context.WithoutCancel(ctx)
	logger := e.logger.WithWorkflow(run.WorkflowID())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(x.done)

		for ev := range run.Events() {
			if e.hooks != nil {
				e.hooks.Observe(bg, ev)
			}
			x.events <- ev
		}
		close(x.events)

		x.final, x.err = run.Wait()

		e.mu.Lock()
		delete(e.runs, run.WorkflowID())
		e.mu.Unlock()
		if pinned != "" {
			e.checkpoints.Unpin(pinned)
		}

		if x.err != nil {
			logger.WithError(x.err).Info("workflow interrupted", "status", x.final.Status)
			return
		}
		report, err := e.feedback.Apply(bg, nil, x.final)
		if err != nil {
			logger.WithError(err).Warn("feedback failed")
		}
		x.report = report
		if report.Applied {
			logger.Info("graph reinforced",
				"observations", report.Observations,
				"successes", report.Successes,
				"failures", report.Failures,
			)
		}
	}()
	return x
}
