package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/telemetry"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

func (x *execution) execute(ctx context.Context) (workflow.State, error) {
	ctx, span := telemetry.StartWorkflowSpan(ctx, x.run.workflowID, len(x.dag.Layers()))
	defer span.End()

	resumed := len(x.state.CompletedTasks) > 0
	wasErroring := x.state.Status == workflow.StatusErroring
	st, err := x.state.Transition(workflow.StatusRunning)
	if err != nil {
		return x.state, err
	}
	if wasErroring {
		// Resuming a workflow left erroring at a decision point continues it.
		st = workflow.Reduce(st, workflow.Update{
			Decisions: []workflow.Decision{{Layer: st.Layer, Action: workflow.ActionContinue, At: time.Now().UTC()}},
			Messages:  []workflow.Message{{Role: "system", Content: "resumed after failed tasks", At: time.Now().UTC()}},
		})
	}
	x.commit(st)
	if wasErroring {
		x.skipBlocked()
	}

	x.logger.Info("workflow started", "tasks", x.dag.Len(), "resumed", resumed, "layer", x.state.Layer)
	x.emit(ctx, WorkflowStarted{header: x.header(), Tasks: x.dag.Len(), Resumed: resumed})

	for {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return x.abort(ctx, "context cancelled", err)
		}
		if stop, reason := x.applyCommands(ctx); stop {
			return x.abort(ctx, reason, nil)
		}

		tasks := x.nextLayer()
		if len(tasks) == 0 {
			telemetry.RecordSuccess(span)
			return x.finish(ctx)
		}
		layer := x.state.Layer + 1

		var results []workflow.TaskResult
		if x.skipNext {
			x.skipNext = false
			results = x.skipLayer(ctx, layer, tasks)
		} else {
			results = x.executeLayer(ctx, layer, tasks)
		}

		if err := ctx.Err(); err != nil {
			x.s.metrics.RecordLayer("aborted")
			telemetry.RecordError(span, err)
			return x.abort(ctx, "context cancelled", err)
		}
		if a, ok := x.run.queue.takeAbort(); ok {
			x.s.metrics.RecordLayer("aborted")
			return x.abort(ctx, a.Reason, nil)
		}

		failed := failedTasks(results)
		next := workflow.Reduce(x.state, workflow.Update{CompletedTasks: results}).AtLayer(layer)
		if len(failed) > 0 {
			next, _ = next.Transition(workflow.StatusErroring)
		}
		x.commit(next)
		x.checkpoint(ctx)
		x.emit(ctx, StateUpdated{header: x.header(), State: x.state.Snapshot()})
		x.flushSaves(ctx, false)

		switch {
		case x.s.cfg.decisionDue(len(failed) > 0) && (len(failed) > 0 || x.pending() > 0):
			action, err := x.decide(ctx, layer, failed)
			if err != nil {
				return x.abort(ctx, "context cancelled", err)
			}
			if action == workflow.ActionAbort {
				return x.abort(ctx, fmt.Sprintf("aborted at decision point after layer %d", layer), nil)
			}
		case len(failed) > 0:
			return x.finish(ctx)
		}

		if x.s.cfg.CheckpointPause && x.pending() > 0 {
			stop, reason, err := x.pause(ctx, layer)
			if err != nil {
				return x.abort(ctx, "context cancelled", err)
			}
			if stop {
				return x.abort(ctx, reason, nil)
			}
		}
	}
}

// nextLayer returns the unsettled tasks whose dependencies have all settled,
// ordered by id.
func (x *execution) nextLayer() []plan.Task {
	settled := x.state.Settled()
	var ready []plan.Task
	for _, t := range x.dag.Tasks() {
		if _, done := settled[t.ID]; done {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if _, done := settled[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (x *execution) skipLayer(ctx context.Context, layer int, tasks []plan.Task) []workflow.TaskResult {
	x.emit(ctx, LayerStarted{header: x.header(), Layer: layer, Tasks: taskIDs(tasks)})
	now := time.Now().UTC()
	results := make([]workflow.TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = workflow.TaskResult{
			TaskID:    t.ID,
			Tool:      t.Tool,
			Status:    workflow.TaskSkipped,
			Layer:     layer,
			StartedAt: now,
		}
	}
	x.logger.Info("layer skipped", "layer", layer, "tasks", len(tasks))
	x.s.metrics.RecordLayer("skipped")
	return results
}

// skipBlocked records every unsettled task that transitively depends on a
// failed task as skipped.
func (x *execution) skipBlocked() {
	settled := x.state.Settled()
	blocked := make(map[domain.TaskID]domain.TaskID)
	now := time.Now().UTC()

	var skipped []workflow.TaskResult
	for _, layer := range x.dag.Layers() {
		for _, t := range layer {
			if _, done := settled[t.ID]; done {
				continue
			}
			for _, dep := range t.DependsOn {
				cause, isBlocked := blocked[dep]
				if r, ok := settled[dep]; ok && r.Status == workflow.TaskFailed {
					cause, isBlocked = dep, true
				}
				if isBlocked {
					blocked[t.ID] = cause
					skipped = append(skipped, workflow.TaskResult{
						TaskID:    t.ID,
						Tool:      t.Tool,
						Status:    workflow.TaskSkipped,
						Error:     fmt.Sprintf("dependency %s failed", cause),
						Layer:     x.state.Layer,
						StartedAt: now,
					})
					break
				}
			}
		}
	}
	if len(skipped) == 0 {
		return
	}
	x.logger.Info("skipping tasks blocked by failures", "tasks", len(skipped))
	x.commit(workflow.Reduce(x.state, workflow.Update{CompletedTasks: skipped}))
}

// applyCommands drains the control queue once. It reports whether the
// workflow must abort.
func (x *execution) applyCommands(ctx context.Context) (bool, string) {
	for _, cmd := range x.run.queue.drain() {
		switch c := cmd.(type) {
		case Abort:
			return true, c.Reason
		case InjectTasks:
			dag, err := x.dag.With(c.Tasks...)
			if err != nil {
				x.reject(ctx, "inject rejected", err)
				continue
			}
			x.setPlan(dag)
			x.logger.Info("tasks injected", "added", len(c.Tasks), "tasks", dag.Len())
		case Replan:
			x.replan(ctx, c.Requirement)
		case SkipLayer:
			x.skipNext = true
		case ModifyArgs:
			if _, done := x.state.Settled()[c.TaskID]; done {
				x.reject(ctx, "modify rejected", apperrors.New(apperrors.ErrCodePlanInvalid,
					"task already ran").WithTask(c.TaskID.String()))
				continue
			}
			dag, err := x.dag.WithArgs(c.TaskID, c.Args)
			if err != nil {
				x.reject(ctx, "modify rejected", err)
				continue
			}
			x.setPlan(dag)
		case Resume, Decide:
			x.logger.Debug("ignoring command outside a wait", "command", fmt.Sprintf("%T", cmd))
		}
	}
	return false, ""
}

func (x *execution) setPlan(dag *plan.DAG) {
	x.dag = dag
	x.commit(x.state.WithPlan(dag.Tasks()))
}

func (x *execution) replan(ctx context.Context, requirement string) {
	if requirement == "" {
		x.reject(ctx, "replan rejected", apperrors.New(apperrors.ErrCodePlanInvalid, "replan requires a requirement"))
		return
	}
	if x.s.replanner == nil {
		x.reject(ctx, "replan rejected", apperrors.New(apperrors.ErrCodePlanInvalid, "replanning is not configured"))
		return
	}
	dag, err := x.s.replanner.Replan(ctx, x.dag, x.settledIDs(), requirement)
	if err != nil {
		x.reject(ctx, "replan rejected", err)
		return
	}
	added := dag.Len() - x.dag.Len()
	x.setPlan(dag)
	x.logger.Info("workflow replanned", "requirement", requirement, "added", added)
}

// decide waits for a Decide or Abort command, or the decision timeout.
func (x *execution) decide(ctx context.Context, layer int, failed []domain.TaskID) (workflow.Action, error) {
	x.flushSaves(ctx, true)
	x.emit(ctx, DecisionRequired{
		header:  x.header(),
		Layer:   layer,
		Failed:  failed,
		Timeout: x.s.cfg.DecisionTimeout,
	})

	var timeout <-chan time.Time
	if d := x.s.cfg.DecisionTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		cmd, ok := x.take(func(c Command) bool {
			switch c.(type) {
			case Decide, Abort:
				return true
			}
			return false
		})
		if ok {
			switch c := cmd.(type) {
			case Abort:
				return x.resolve(ctx, workflow.Decision{Layer: layer, Action: workflow.ActionAbort, At: time.Now().UTC()}, nil), nil
			case Decide:
				action, err := workflow.ParseAction(string(c.Action))
				if err == nil && action == workflow.ActionReplan && c.Requirement == "" {
					err = fmt.Errorf("replan decision requires a requirement")
				}
				if err != nil {
					x.reject(ctx, "decision rejected", apperrors.Wrap(apperrors.ErrCodePlanInvalid, "invalid decision", err))
					continue
				}
				return x.resolve(ctx, workflow.Decision{
					Layer:       layer,
					Action:      action,
					Requirement: c.Requirement,
					At:          time.Now().UTC(),
				}, c.Context), nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			fallback := x.s.cfg.DecisionDefault
			x.logger.WithError(apperrors.NewDecisionTimeoutError(x.run.workflowID, layer, string(fallback))).
				Info("decision timed out, applying default", "layer", layer, "action", fallback)
			return x.resolve(ctx, workflow.Decision{
				Layer:    layer,
				Action:   fallback,
				TimedOut: true,
				At:       time.Now().UTC(),
			}, nil), nil
		case <-x.run.queue.notify:
		}
	}
}

// resolve records a decision and applies continue or replan.
func (x *execution) resolve(ctx context.Context, d workflow.Decision, extra map[string]any) workflow.Action {
	update := workflow.Update{Decisions: []workflow.Decision{d}, Context: extra}
	if d.Requirement != "" {
		update.Messages = []workflow.Message{{Role: "user", Content: d.Requirement, At: d.At}}
	}
	x.commit(workflow.Reduce(x.state, update))
	x.s.metrics.RecordDecision(string(d.Action), d.TimedOut)
	x.logger.Info("decision resolved", "layer", d.Layer, "action", d.Action, "timed_out", d.TimedOut)

	if d.Action == workflow.ActionAbort {
		return d.Action
	}
	if d.Action == workflow.ActionReplan {
		x.replan(ctx, d.Requirement)
	}
	x.skipBlocked()
	if st, err := x.state.Transition(workflow.StatusRunning); err == nil {
		x.commit(st)
	}
	return d.Action
}

// pause waits for Resume or Abort.
func (x *execution) pause(ctx context.Context, layer int) (bool, string, error) {
	x.flushSaves(ctx, true)
	if st, err := x.state.Transition(workflow.StatusPaused); err == nil {
		x.commit(st)
	}
	x.logger.Info("workflow paused", "layer", layer)
	x.emit(ctx, Paused{header: x.header(), Layer: layer})

	for {
		cmd, ok := x.take(func(c Command) bool {
			switch c.(type) {
			case Resume, Abort:
				return true
			}
			return false
		})
		if ok {
			if a, isAbort := cmd.(Abort); isAbort {
				return true, a.Reason, nil
			}
			st, _ := x.state.Transition(workflow.StatusRunning)
			x.commit(st)
			x.logger.Info("workflow resumed", "layer", layer)
			return false, "", nil
		}

		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-x.run.queue.notify:
		}
	}
}

// take removes the first queued command matching fn. Other commands stay
// queued in order.
func (x *execution) take(fn func(Command) bool) (Command, bool) {
	cmds := x.run.queue.drain()
	for i, c := range cmds {
		if fn(c) {
			x.run.queue.requeue(append(cmds[:i:i], cmds[i+1:]...))
			return c, true
		}
	}
	x.run.queue.requeue(cmds)
	return nil, false
}

// finish ends a workflow: completed when nothing failed, otherwise stopped
// while erroring. Either way the final checkpoint cannot be resumed.
func (x *execution) finish(ctx context.Context) (workflow.State, error) {
	var (
		st  workflow.State
		err error
	)
	if x.state.Status == workflow.StatusErroring {
		st, err = x.state.Stop(fmt.Sprintf("stopped after layer %d with failed tasks", x.state.Layer))
	} else {
		st, err = x.state.Transition(workflow.StatusCompleted)
	}
	if err != nil {
		return x.state, err
	}
	x.commit(st)
	x.checkpoint(ctx)
	x.flushSaves(ctx, true)

	x.s.metrics.RecordWorkflow(string(x.state.Status))
	x.logger.Info("workflow finished",
		"status", x.state.Status,
		"layers", x.state.Layer+1,
		"tasks", len(x.state.CompletedTasks),
	)
	x.emit(ctx, WorkflowCompleted{header: x.header(), State: x.state.Snapshot()})
	return x.state, nil
}

// abort ends the workflow as aborted. cause is returned to Wait.
func (x *execution) abort(ctx context.Context, reason string, cause error) (workflow.State, error) {
	if reason == "" {
		reason = "aborted"
	}
	st := workflow.Reduce(x.state, workflow.Update{
		Messages: []workflow.Message{{Role: "system", Content: reason, At: time.Now().UTC()}},
	})
	if next, err := st.Transition(workflow.StatusAborted); err == nil {
		st = next
	}
	x.commit(st)
	x.checkpoint(ctx)
	x.flushSaves(ctx, true)

	x.s.metrics.RecordWorkflow(string(workflow.StatusAborted))
	x.logger.Info("workflow aborted", "reason", reason, "layer", x.state.Layer)
	x.emit(ctx, WorkflowAborted{header: x.header(), State: x.state.Snapshot(), Reason: reason})
	return x.state, cause
}

func failedTasks(results []workflow.TaskResult) []domain.TaskID {
	var out []domain.TaskID
	for _, r := range results {
		if r.Status == workflow.TaskFailed {
			out = append(out, r.TaskID)
		}
	}
	return out
}

func taskIDs(tasks []plan.Task) []domain.TaskID {
	ids := make([]domain.TaskID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
