// Package engine is the caller-facing surface of loom. It ties the
// dependency graph, plan synthesizer, scheduler, checkpoint store, feedback
// loop and hooks together behind synthesize, execute, resume, command and
// replan operations.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/domain"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/feedback"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/hooks"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Config holds the engine-wide defaults.
type Config struct {
	Planner   plan.Config      `mapstructure:"planner"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Planner:   plan.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Engine runs workflows against one shared dependency graph.
type Engine struct {
	graph       *graph.Graph
	invoker     toolexec.Invoker
	synth       *plan.Synthesizer
	searcher    plan.Searcher
	checkpoints *checkpoint.Manager
	feedback    *feedback.Loop
	hooks       *hooks.Registry
	metrics     *metrics.Metrics
	cfg         Config
	base        *log.Logger
	logger      *log.Logger

	mu   sync.Mutex
	runs map[string]*Execution
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpoints makes workflows resumable.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(e *Engine) { e.checkpoints = m }
}

// WithSearcher enables query-based synthesis and replanning.
func WithSearcher(s plan.Searcher) Option {
	return func(e *Engine) { e.searcher = s }
}

// WithHooks dispatches every workflow event to r.
func WithHooks(r *hooks.Registry) Option {
	return func(e *Engine) { e.hooks = r }
}

// WithMetrics records metrics for every component the engine builds.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine over g invoking tools through inv.
func New(g *graph.Graph, inv toolexec.Invoker, cfg Config, logger *log.Logger, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, fmt.Errorf("engine requires a dependency graph")
	}
	if inv == nil {
		return nil, fmt.Errorf("engine requires a tool invoker")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	e := &Engine{
		graph:   g,
		invoker: inv,
		cfg:     cfg,
		base:    log.OrDefault(logger),
		logger:  log.OrDefault(logger).WithComponent("engine"),
		runs:    make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(e)
	}

	synthOpts := []plan.Option{plan.WithMetrics(e.metrics)}
	if e.searcher != nil {
		synthOpts = append(synthOpts, plan.WithSearcher(e.searcher))
	}
	e.synth = plan.NewSynthesizer(g, cfg.Planner, e.base, synthOpts...)
	e.feedback = feedback.New(g, e.base)
	return e, nil
}

// Graph returns the shared dependency graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Checkpoints returns the checkpoint manager, or nil when workflows are not
// resumable.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// Synthesizer returns the plan synthesizer.
func (e *Engine) Synthesizer() *plan.Synthesizer { return e.synth }

// Synthesize builds a plan from candidate tools.
func (e *Engine) Synthesize(ctx context.Context, candidates []plan.Candidate) (*plan.Plan, error) {
	return e.synth.Synthesize(ctx, candidates)
}

// SynthesizeQuery asks the searcher for candidates matching query and
// synthesizes a plan from them.
func (e *Engine) SynthesizeQuery(ctx context.Context, query string, limit int) (*plan.Plan, error) {
	if e.searcher == nil {
		return nil, fmt.Errorf("no candidate searcher configured")
	}
	candidates, err := e.searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	if len(candidates) == 0 {
		return &plan.Plan{Mode: plan.ModeExplicitRequired}, nil
	}
	return e.Synthesize(ctx, candidates)
}

// RunQuery synthesizes a plan for query and starts it right away when the
// plan is speculative. Otherwise the plan is returned with a nil Execution
// and the caller decides whether to run it.
func (e *Engine) RunQuery(ctx context.Context, query string, limit int, cfg scheduler.Config) (*plan.Plan, *Execution, error) {
	p, err := e.SynthesizeQuery(ctx, query, limit)
	if err != nil {
		return nil, nil, err
	}
	if p.Mode != plan.ModeSpeculative {
		e.logger.Info("plan needs confirmation", "mode", p.Mode, "confidence", p.Confidence)
		return p, nil, nil
	}
	x, err := e.Execute(ctx, p.DAG, cfg)
	if err != nil {
		return p, nil, err
	}
	return p, x, nil
}

// Execute starts dag as a new workflow. A zero cfg uses the engine default.
func (e *Engine) Execute(ctx context.Context, dag *plan.DAG, cfg scheduler.Config) (*Execution, error) {
	s, err := e.scheduler(cfg)
	if err != nil {
		return nil, err
	}
	run, err := s.Run(ctx, dag, "")
	if err != nil {
		return nil, err
	}
	return e.track(ctx, run, ""), nil
}

// ResumeOptions selects what to resume from.
type ResumeOptions struct {
	// CheckpointID picks a specific checkpoint; empty means the latest.
	CheckpointID string
	// Force resumes even when a task with external side effects may
	// already have run.
	Force bool
	// Config overrides the engine's scheduler configuration.
	Config scheduler.Config
}

// Resume restores a workflow from a checkpoint and continues it after the
// checkpointed layer. The checkpoint is protected from pruning while the
// workflow runs.
func (e *Engine) Resume(ctx context.Context, workflowID string, opts ResumeOptions) (*Execution, error) {
	if e.checkpoints == nil {
		return nil, fmt.Errorf("checkpoints are not enabled")
	}
	if e.running(workflowID) {
		return nil, apperrors.New(apperrors.ErrCodeWorkflowRunning, "workflow already running").WithWorkflow(workflowID)
	}

	cp, err := e.checkpoint(ctx, workflowID, opts.CheckpointID)
	if err != nil {
		return nil, err
	}
	st, err := checkpoint.Restore(cp)
	if err != nil {
		return nil, err
	}
	if opts.CheckpointID != "" {
		if err := e.ensureNotReinforced(ctx, workflowID); err != nil {
			return nil, err
		}
	}
	dag, err := plan.NewDAG(st.Plan)
	if err != nil {
		return nil, apperrors.NewCheckpointCorruptError(workflowID, cp.ID, err.Error())
	}
	if !opts.Force {
		if t, unsafe := unsafeToReplay(dag, st); unsafe {
			return nil, apperrors.NewResumeUnsafeError(workflowID, t.String())
		}
	}

	s, err := e.scheduler(opts.Config)
	if err != nil {
		return nil, err
	}
	e.checkpoints.Pin(cp.ID)
	run, err := s.RunFrom(ctx, dag, st)
	if err != nil {
		e.checkpoints.Unpin(cp.ID)
		return nil, err
	}
	e.logger.Info("workflow resumed", "workflow_id", workflowID, "checkpoint_id", cp.ID, "layer", cp.Layer)
	return e.track(ctx, run, cp.ID), nil
}

func (e *Engine) checkpoint(ctx context.Context, workflowID, id string) (*checkpoint.Checkpoint, error) {
	if id == "" {
		cp, err := e.checkpoints.LoadLatest(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			return nil, apperrors.NewCheckpointNotFoundError(workflowID, "")
		}
		return cp, nil
	}
	cp, err := e.checkpoints.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.WorkflowID != workflowID {
		return nil, apperrors.NewCheckpointNotFoundError(workflowID, id)
	}
	return cp, nil
}

// ensureNotReinforced refuses to rewind a workflow whose run already ended
// and fed its outcome back to the graph; running it again would count the
// same observations twice. An unreadable latest checkpoint does not block
// recovery from an earlier one.
func (e *Engine) ensureNotReinforced(ctx context.Context, workflowID string) error {
	latest, err := e.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil || latest == nil {
		return nil
	}
	st, err := checkpoint.Restore(latest)
	if err != nil {
		return nil
	}
	if ok, _ := feedback.Eligible(st); ok && st.Finished() {
		return apperrors.New(apperrors.ErrCodeWorkflowAborted,
			fmt.Sprintf("workflow already %s and reinforced the graph", st.Status)).WithWorkflow(workflowID)
	}
	return nil
}

// unsafeToReplay finds a side-effecting task in the layer that would run
// first after st. That layer may have been partly executed before the
// interruption.
func unsafeToReplay(dag *plan.DAG, st workflow.State) (domain.TaskID, bool) {
	settled := st.Settled()
	for _, t := range dag.Tasks() {
		if _, done := settled[t.ID]; done || !t.SideEffects {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			r, ok := settled[dep]
			if !ok || r.Status == workflow.TaskFailed {
				ready = false
				break
			}
		}
		if ready {
			return t.ID, true
		}
	}
	return "", false
}

func (e *Engine) scheduler(cfg scheduler.Config) (*scheduler.Scheduler, error) {
	if cfg == (scheduler.Config{}) {
		cfg = e.cfg.Scheduler
	}
	opts := []scheduler.Option{
		scheduler.WithReplanner(e.synth),
		scheduler.WithMetrics(e.metrics),
	}
	if e.checkpoints != nil {
		opts = append(opts, scheduler.WithCheckpoints(e.checkpoints))
	}
	return scheduler.New(e.invoker, cfg, e.base, opts...)
}

// EnqueueCommand queues cmd for a running workflow.
func (e *Engine) EnqueueCommand(workflowID string, cmd scheduler.Command) error {
	e.mu.Lock()
	x, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return apperrors.NewWorkflowNotFoundError(workflowID)
	}
	x.Enqueue(cmd)
	return nil
}

// Replan asks a running workflow to extend its plan for requirement at the
// next layer boundary.
func (e *Engine) Replan(workflowID, requirement string) error {
	if e.searcher == nil {
		return fmt.Errorf("no candidate searcher configured")
	}
	return e.EnqueueCommand(workflowID, scheduler.Replan{Requirement: requirement})
}

// Running lists the ids of workflows currently executing, sorted.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Workflows lists every known workflow: running ones and those with
// checkpoints.
func (e *Engine) Workflows(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, id := range e.Running() {
		seen[id] = true
	}
	if e.checkpoints != nil {
		ids, err := e.checkpoints.Workflows(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Status returns the current state of a workflow: live for a running one,
// otherwise as of its latest checkpoint.
func (e *Engine) Status(ctx context.Context, workflowID string) (workflow.State, error) {
	e.mu.Lock()
	x, ok := e.runs[workflowID]
	e.mu.Unlock()
	if ok {
		return x.State(), nil
	}
	if e.checkpoints == nil {
		return workflow.State{}, apperrors.NewWorkflowNotFoundError(workflowID)
	}
	cp, err := e.checkpoints.LoadLatest(ctx, workflowID)
	if err != nil {
		return workflow.State{}, err
	}
	if cp == nil {
		return workflow.State{}, apperrors.NewWorkflowNotFoundError(workflowID)
	}
	return checkpoint.Restore(cp)
}

func (e *Engine) running(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[workflowID]
	return ok
}

// Wait blocks until every workflow started by the engine has finished and
// pending checkpoint work is done.
func (e *Engine) Wait() {
	e.wg.Wait()
	if e.checkpoints != nil {
		e.checkpoints.Wait()
	}
}

// Close waits for running workflows and stops background graph work.
func (e *Engine) Close() {
	e.Wait()
	e.graph.Close()
}
