// Package scheduler executes a plan DAG layer by layer.
//
// Tasks within a layer run concurrently; layers run in sequence. Between
// layers the scheduler applies queued commands, checkpoints the workflow
// state and, when configured, waits for a decision or a resume signal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/domain"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Checkpointer persists workflow state off the critical path.
type Checkpointer interface {
	SaveAsync(ctx context.Context, workflowID string, layer int, state workflow.State) <-chan checkpoint.SaveResult
}

// Replanner extends a DAG for a new requirement.
type Replanner interface {
	Replan(ctx context.Context, current *plan.DAG, completed []domain.TaskID, requirement string) (*plan.DAG, error)
}

// Scheduler runs workflows. One Scheduler may drive many workflows at once;
// each Run is independent.
type Scheduler struct {
	invoker     toolexec.Invoker
	checkpoints Checkpointer
	replanner   Replanner
	cfg         Config
	logger      *log.Logger
	metrics     *metrics.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCheckpoints saves a checkpoint after every layer.
func WithCheckpoints(c Checkpointer) Option {
	return func(s *Scheduler) { s.checkpoints = c }
}

// WithReplanner enables Replan commands and replan decisions.
func WithReplanner(r Replanner) Option {
	return func(s *Scheduler) { s.replanner = r }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler invoking tools through inv.
func New(inv toolexec.Invoker, cfg Config, logger *log.Logger, opts ...Option) (*Scheduler, error) {
	if inv == nil {
		return nil, fmt.Errorf("scheduler requires a tool invoker")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	s := &Scheduler{
		invoker: inv,
		cfg:     cfg,
		logger:  log.OrDefault(logger).WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Run is one executing workflow. Events must be drained until the channel
// is closed; Wait then returns the final state.
type Run struct {
	workflowID string
	events     chan Event
	queue      *commandQueue
	done       chan struct{}

	mu      sync.RWMutex
	current workflow.State

	final workflow.State
	err   error
}

// WorkflowID returns the id of the workflow.
func (r *Run) WorkflowID() string { return r.workflowID }

// Events returns the event stream. It is closed after the last event.
func (r *Run) Events() <-chan Event { return r.events }

// Enqueue queues a command. Commands are applied in order between layers,
// or by a pending decision or pause wait. Enqueue never blocks.
func (r *Run) Enqueue(cmd Command) {
	r.queue.push(cmd)
}

// Done is closed when the workflow has stopped.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the latest committed state.
func (r *Run) State() workflow.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Snapshot()
}

// Wait blocks until the workflow stops and returns its final state. The
// error is non-nil only when the workflow was cut short by its context.
func (r *Run) Wait() (workflow.State, error) {
	<-r.done
	return r.final, r.err
}

// Run starts a new workflow for dag. An empty workflowID is replaced by a
// random one.
func (s *Scheduler) Run(ctx context.Context, dag *plan.DAG, workflowID string) (*Run, error) {
	if dag == nil {
		return nil, apperrors.New(apperrors.ErrCodePlanInvalid, "no plan to run")
	}
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	return s.RunFrom(ctx, dag, workflow.New(workflowID, dag.Tasks()))
}

// RunFrom continues a workflow from st, typically a restored checkpoint.
// Tasks already recorded in st are not executed again and layer numbering
// continues after st.Layer.
func (s *Scheduler) RunFrom(ctx context.Context, dag *plan.DAG, st workflow.State) (*Run, error) {
	if dag == nil {
		return nil, apperrors.New(apperrors.ErrCodePlanInvalid, "no plan to run")
	}
	if err := st.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodePlanInvalid, "invalid workflow state", err).WithWorkflow(st.WorkflowID)
	}
	if st.Finished() {
		outcome := string(st.Status)
		if st.Stopped {
			outcome = "stopped with failed tasks"
		}
		return nil, apperrors.New(apperrors.ErrCodeWorkflowAborted,
			fmt.Sprintf("workflow already %s", outcome)).WithWorkflow(st.WorkflowID)
	}
	for _, r := range st.CompletedTasks {
		if _, ok := dag.Task(r.TaskID); !ok {
			return nil, apperrors.New(apperrors.ErrCodePlanInvalid,
				fmt.Sprintf("recorded task %s is not in the plan", r.TaskID)).
				WithWorkflow(st.WorkflowID).WithTask(r.TaskID.String())
		}
	}

	st = st.WithPlan(dag.Tasks())
	run := &Run{
		workflowID: st.WorkflowID,
		events:     make(chan Event, s.cfg.EventBuffer),
		queue:      newCommandQueue(),
		done:       make(chan struct{}),
		current:    st,
	}
	x := &execution{
		s:      s,
		run:    run,
		dag:    dag,
		state:  st,
		logger: s.logger.WithWorkflow(st.WorkflowID),
	}

	go func() {
		defer close(run.done)
		defer close(run.events)
		run.final, run.err = x.execute(ctx)
	}()
	return run, nil
}

// execution is the single goroutine state of one Run.
type execution struct {
	s        *Scheduler
	run      *Run
	dag      *plan.DAG
	state    workflow.State
	skipNext bool
	saves    []<-chan checkpoint.SaveResult
	logger   *log.Logger
}

func (x *execution) header() header {
	return header{WorkflowID: x.run.workflowID, At: time.Now().UTC()}
}

func (x *execution) commit(st workflow.State) {
	x.state = st
	x.run.mu.Lock()
	x.run.current = st.Snapshot()
	x.run.mu.Unlock()
}

// emit delivers ev, blocking while the buffer is full unless ctx ends.
func (x *execution) emit(ctx context.Context, ev Event) {
	select {
	case x.run.events <- ev:
		return
	default:
	}
	select {
	case x.run.events <- ev:
	case <-ctx.Done():
		x.logger.Debug("event dropped", "kind", ev.Kind())
	}
}

// reject reports a command or step that could not be applied.
func (x *execution) reject(ctx context.Context, msg string, err error) {
	var le *apperrors.LoomError
	if errors.As(err, &le) && le.WorkflowID == "" {
		le.WithWorkflow(x.run.workflowID)
	}
	x.logger.WithError(err).Warn(msg)
	x.s.metrics.RecordError(string(apperrors.CodeOf(err)), "scheduler")
	x.emit(ctx, ErrorEvent{header: x.header(), Err: err})
}

func (x *execution) pending() int {
	settled := x.state.Settled()
	n := 0
	for _, t := range x.dag.Tasks() {
		if _, ok := settled[t.ID]; !ok {
			n++
		}
	}
	return n
}

func (x *execution) settledIDs() []domain.TaskID {
	ids := make([]domain.TaskID, 0, len(x.state.CompletedTasks))
	for _, r := range x.state.CompletedTasks {
		ids = append(ids, r.TaskID)
	}
	return ids
}

// checkpoint starts saving the current state.
func (x *execution) checkpoint(ctx context.Context) {
	if x.s.checkpoints == nil {
		return
	}
	x.saves = append(x.saves, x.s.checkpoints.SaveAsync(ctx, x.run.workflowID, x.state.Layer, x.state))
}

// flushSaves reports finished checkpoint saves in order. With block set it
// waits for every outstanding save. Save failures are logged and dropped.
func (x *execution) flushSaves(ctx context.Context, block bool) {
	for len(x.saves) > 0 {
		var res checkpoint.SaveResult
		if block {
			res = <-x.saves[0]
		} else {
			select {
			case res = <-x.saves[0]:
			default:
				return
			}
		}
		x.saves = x.saves[1:]

		if res.Err != nil {
			x.logger.WithError(res.Err).Warn("checkpoint save failed, continuing without it")
			x.s.metrics.RecordError(string(apperrors.CodeOf(res.Err)), "checkpoint")
			continue
		}
		x.emit(ctx, CheckpointSaved{
			header:       x.header(),
			CheckpointID: res.Checkpoint.ID,
			Layer:        res.Checkpoint.Layer,
		})
	}
}
