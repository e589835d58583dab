package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/telemetry"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// executeLayer runs tasks concurrently and returns the results of the tasks
// that ran. After a failure without allow_failure, tasks that have not
// started yet are held back and stay pending.
func (x *execution) executeLayer(ctx context.Context, layer int, tasks []plan.Task) []workflow.TaskResult {
	ctx, span := telemetry.StartLayerSpan(ctx, layer, len(tasks))
	defer span.End()

	x.logger.Debug("layer started", "layer", layer, "tasks", len(tasks))
	x.emit(ctx, LayerStarted{header: x.header(), Layer: layer, Tasks: taskIDs(tasks)})

	results := make([]workflow.TaskResult, len(tasks))
	ran := make([]bool, len(tasks))
	var halted atomic.Bool

	var g errgroup.Group
	if x.s.cfg.MaxParallel > 0 {
		g.SetLimit(x.s.cfg.MaxParallel)
	}
	for i, t := range tasks {
		g.Go(func() error {
			if halted.Load() || x.run.queue.abortRequested() {
				return nil
			}
			results[i] = x.runTask(ctx, layer, t)
			ran[i] = true
			if results[i].Status == workflow.TaskFailed {
				halted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]workflow.TaskResult, 0, len(tasks))
	for i := range tasks {
		if ran[i] {
			out = append(out, results[i])
		}
	}
	if held := len(tasks) - len(out); held > 0 {
		x.logger.Info("tasks held back after failure", "layer", layer, "tasks", held)
	}

	if halted.Load() {
		telemetry.RecordError(span, fmt.Errorf("layer %d had failures", layer))
	} else {
		telemetry.RecordSuccess(span)
	}
	x.s.metrics.RecordLayer("executed")
	return out
}

func (x *execution) runTask(ctx context.Context, layer int, t plan.Task) workflow.TaskResult {
	ctx, span := telemetry.StartTaskSpan(ctx, t.ID.String(), t.Tool.String())
	defer span.End()

	x.emit(ctx, TaskStarted{header: x.header(), Layer: layer, TaskID: t.ID, Tool: t.Tool})

	start := time.Now()
	out, timedOut, err := x.invoke(ctx, t)
	res := workflow.TaskResult{
		TaskID:    t.ID,
		Tool:      t.Tool,
		Layer:     layer,
		StartedAt: start.UTC(),
		Duration:  time.Since(start),
	}

	if err == nil {
		res.Status = workflow.TaskCompleted
		res.Output = out
		telemetry.RecordSuccess(span)
		x.s.metrics.RecordTask(string(res.Status), res.Duration)
		x.emit(ctx, TaskCompleted{header: x.header(), Result: res})
		return res
	}

	var coded *apperrors.LoomError
	if timedOut {
		coded = apperrors.NewTaskTimeoutError(x.run.workflowID, t.ID.String(), err)
	} else {
		coded = apperrors.NewTaskExecutionError(x.run.workflowID, t.ID.String(), err)
	}

	res.Status = workflow.TaskFailed
	if t.AllowFailure {
		res.Status = workflow.TaskFailedSafe
	}
	res.Error = err.Error()

	telemetry.RecordError(span, coded)
	x.logger.WithError(coded).Warn("task failed",
		"tool", t.Tool,
		"layer", layer,
		"allow_failure", t.AllowFailure,
	)
	x.s.metrics.RecordTask(string(res.Status), res.Duration)
	x.s.metrics.RecordError(string(coded.Code), "scheduler")
	x.emit(ctx, TaskFailed{header: x.header(), Result: res, Err: coded})
	return res
}

type outcome struct {
	out any
	err error
}

// invoke calls the tool under the task timeout. An invoker that ignores its
// context is abandoned when the timeout fires.
func (x *execution) invoke(ctx context.Context, t plan.Task) (any, bool, error) {
	tctx, cancel := ctx, context.CancelFunc(func() {})
	if d := x.s.cfg.TaskTimeout; d > 0 {
		tctx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := x.s.invoker.Invoke(tctx, t.Tool, t.Args)
		ch <- outcome{out: out, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded)
	}

	select {
	case o := <-ch:
		if o.err != nil && timedOut() {
			return nil, true, fmt.Errorf("timed out after %s: %w", x.s.cfg.TaskTimeout, o.err)
		}
		if o.err != nil {
			return nil, false, o.err
		}
		return o.out, false, nil
	case <-tctx.Done():
		if timedOut() {
			return nil, true, fmt.Errorf("timed out after %s", x.s.cfg.TaskTimeout)
		}
		return nil, false, tctx.Err()
	}
}
