package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/domain"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/hooks"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/store"
	"github.com/felixgeelhaar/loom/internal/toolexec"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

var (
	toolFetch = domain.MustToolID("web:fetch")
	toolParse = domain.MustToolID("text:parse")
	toolStore = domain.MustToolID("db:store")
)

type fixture struct {
	engine      *Engine
	graph       *graph.Graph
	checkpoints *checkpoint.Manager
	calls       map[domain.ToolID]*atomic.Int32
}

type fakeSearcher struct {
	candidates []plan.Candidate
}

func (f fakeSearcher) Search(_ context.Context, _ string, limit int) ([]plan.Candidate, error) {
	if limit > 0 && limit < len(f.candidates) {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	g := graph.New(st, graph.DefaultConfig(), log.Discard())
	cps := checkpoint.NewManager(st, checkpoint.DefaultConfig(), log.Discard())

	f := &fixture{graph: g, checkpoints: cps, calls: map[domain.ToolID]*atomic.Int32{}}
	tools := toolexec.NewRegistry()
	toolexec.RegisterBuiltins(tools)
	for _, id := range []domain.ToolID{toolFetch, toolParse, toolStore} {
		n := &atomic.Int32{}
		f.calls[id] = n
		tools.Register(id, func(_ context.Context, args map[string]any) (any, error) {
			n.Add(1)
			if msg, ok := args["fail"].(string); ok {
				return nil, errors.New(msg)
			}
			return args, nil
		})
	}

	cfg := DefaultConfig()
	cfg.Scheduler.TaskTimeout = time.Second
	e, err := New(g, tools, cfg, log.Discard(), append([]Option{WithCheckpoints(cps)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	f.engine = e
	return f
}

func pipeline(t *testing.T, mutate ...func([]plan.Task)) *plan.DAG {
	t.Helper()
	tasks := []plan.Task{
		{ID: "fetch", Tool: toolFetch},
		{ID: "parse", Tool: toolParse, DependsOn: []domain.TaskID{"fetch"}},
		{ID: "store", Tool: toolStore, DependsOn: []domain.TaskID{"parse"}},
	}
	for _, m := range mutate {
		m(tasks)
	}
	dag, err := plan.NewDAG(tasks)
	require.NoError(t, err)
	return dag
}

func drain(x *Execution) []scheduler.Event {
	var events []scheduler.Event
	for ev := range x.Events() {
		events = append(events, ev)
	}
	return events
}

func TestExecuteReinforcesGraphAndRunsHooks(t *testing.T) {
	var mu sync.Mutex
	var seen []scheduler.EventKind
	reg := hooks.NewRegistry(log.Discard(), nil)
	require.NoError(t, reg.Register(&recordingHook{fn: func(ev *hooks.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	}}))

	f := newFixture(t, WithHooks(reg))
	x, err := f.engine.Execute(context.Background(), pipeline(t), scheduler.Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{x.WorkflowID()}, f.engine.Running())

	events := drain(x)
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)
	assert.Len(t, st.CompletedTasks, 3)
	assert.Empty(t, f.engine.Running())

	report := x.Feedback()
	assert.True(t, report.Applied)
	assert.Equal(t, 2, report.Observations)
	e, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)
	assert.Greater(t, e.Weight, graph.DefaultConfig().DefaultWeight)
	_, ok = f.graph.Edge(toolParse, toolStore)
	assert.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(events))
	assert.Equal(t, scheduler.KindWorkflowComplete, seen[len(seen)-1])

	ids, err := f.engine.Workflows(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, x.WorkflowID())
}

func TestFailedDependencyIsReinforcedAsFailure(t *testing.T) {
	f := newFixture(t)
	dag := pipeline(t, func(tasks []plan.Task) {
		tasks[1].Args = map[string]any{"fail": "malformed"}
	})

	x, err := f.engine.Execute(context.Background(), dag, scheduler.Config{})
	require.NoError(t, err)
	drain(x)
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusErroring, st.Status)

	report := x.Feedback()
	assert.True(t, report.Applied)
	assert.Equal(t, 1, report.Failures)
	e, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)
	assert.Less(t, e.Weight, graph.DefaultConfig().DefaultWeight)
	assert.Zero(t, f.calls[toolStore].Load())
}

func TestAbortedWorkflowIsNotReinforced(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig().Scheduler
	cfg.CheckpointPause = true

	x, err := f.engine.Execute(context.Background(), pipeline(t), cfg)
	require.NoError(t, err)
	for ev := range x.Events() {
		if ev.Kind() == scheduler.KindPaused {
			require.NoError(t, f.engine.EnqueueCommand(x.WorkflowID(), scheduler.Abort{Reason: "operator"}))
		}
	}
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAborted, st.Status)
	assert.False(t, x.Feedback().Applied)
	assert.Empty(t, f.graph.Edges())
}

func TestEnqueueCommandUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	err := f.engine.EnqueueCommand("missing", scheduler.SkipLayer{})
	assert.True(t, errors.Is(err, apperrors.ErrWorkflowNotFound))
	assert.Equal(t, "missing", err.(*apperrors.LoomError).WorkflowID)
}

// saveInterrupted stores the checkpoint a crash after the fetch layer leaves.
func saveInterrupted(t *testing.T, f *fixture, workflowID string, dag *plan.DAG) *checkpoint.Checkpoint {
	t.Helper()
	st, err := workflow.New(workflowID, dag.Tasks()).Transition(workflow.StatusRunning)
	require.NoError(t, err)
	st = workflow.Reduce(st, workflow.Update{CompletedTasks: []workflow.TaskResult{{
		TaskID: "fetch", Tool: toolFetch, Status: workflow.TaskCompleted, Layer: 0, StartedAt: time.Now(),
	}}}).AtLayer(0)
	cp, err := f.checkpoints.Save(context.Background(), workflowID, 0, st)
	require.NoError(t, err)
	return cp
}

func TestResumeSkipsCompletedLayers(t *testing.T) {
	f := newFixture(t)
	dag := pipeline(t)
	saveInterrupted(t, f, "wf-crash", dag)

	x, err := f.engine.Resume(context.Background(), "wf-crash", ResumeOptions{})
	require.NoError(t, err)
	drain(x)
	st, err := x.Wait()
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, st.Status)
	assert.Len(t, st.CompletedTasks, 3)
	assert.Zero(t, f.calls[toolFetch].Load())
	assert.Equal(t, int32(1), f.calls[toolParse].Load())
	assert.Equal(t, int32(1), f.calls[toolStore].Load())

	_, err = f.engine.Resume(context.Background(), "wf-crash", ResumeOptions{})
	require.Error(t, err, "a completed workflow cannot be resumed")
}

func TestResumeRefusesSideEffectReplay(t *testing.T) {
	f := newFixture(t)
	dag := pipeline(t, func(tasks []plan.Task) { tasks[1].SideEffects = true })
	cp := saveInterrupted(t, f, "wf-side", dag)

	_, err := f.engine.Resume(context.Background(), "wf-side", ResumeOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrResumeUnsafe))
	assert.Equal(t, "parse", err.(*apperrors.LoomError).TaskID)

	x, err := f.engine.Resume(context.Background(), "wf-side", ResumeOptions{CheckpointID: cp.ID, Force: true})
	require.NoError(t, err)
	drain(x)
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)
}

func TestResumeErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Resume(context.Background(), "nobody", ResumeOptions{})
	assert.True(t, errors.Is(err, apperrors.ErrCheckpointNotFound))

	cp := saveInterrupted(t, f, "wf-a", pipeline(t))
	_, err = f.engine.Resume(context.Background(), "wf-b", ResumeOptions{CheckpointID: cp.ID})
	assert.True(t, errors.Is(err, apperrors.ErrCheckpointNotFound), "checkpoint of another workflow")

	cfg := DefaultConfig().Scheduler
	cfg.CheckpointPause = true
	x, err := f.engine.Execute(context.Background(), pipeline(t), cfg)
	require.NoError(t, err)
	for ev := range x.Events() {
		if ev.Kind() != scheduler.KindPaused {
			continue
		}
		_, err := f.engine.Resume(context.Background(), x.WorkflowID(), ResumeOptions{})
		assert.True(t, errors.Is(err, apperrors.ErrWorkflowRunning))
		x.Enqueue(scheduler.Resume{})
	}
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)

	noCheckpoints, err := New(f.graph, toolexec.NewRegistry(), DefaultConfig(), log.Discard())
	require.NoError(t, err)
	_, err = noCheckpoints.Resume(context.Background(), "wf-a", ResumeOptions{})
	assert.Error(t, err)
}

func TestRunQuery(t *testing.T) {
	cands := []plan.Candidate{{Tool: toolFetch, Score: 1}, {Tool: toolParse, Score: 1}}
	f := newFixture(t, WithSearcher(fakeSearcher{candidates: cands}))
	f.engine.synth = plan.NewSynthesizer(f.graph, plan.Config{
		HopBound: 3, SuggestThreshold: 0.7, SpeculativeThreshold: 0.85, SemanticWeight: 1,
	}, log.Discard())

	p, x, err := f.engine.RunQuery(context.Background(), "fetch and parse", 5, scheduler.Config{})
	require.NoError(t, err)
	assert.Equal(t, plan.ModeSpeculative, p.Mode)
	require.NotNil(t, x)
	drain(x)
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)

	cands[1].Score = 0.5
	p, x, err = f.engine.RunQuery(context.Background(), "fetch and parse", 5, scheduler.Config{})
	require.NoError(t, err)
	assert.Equal(t, plan.ModeSuggested, p.Mode)
	assert.Nil(t, x)
}

func TestSynthesizeQueryWithoutSearcher(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SynthesizeQuery(context.Background(), "anything", 3)
	assert.Error(t, err)
	assert.Error(t, f.engine.Replan("wf", "more"))
}

func TestNewValidation(t *testing.T) {
	g := graph.New(store.NewMemory(), graph.DefaultConfig(), log.Discard())
	_, err := New(nil, toolexec.NewRegistry(), DefaultConfig(), nil)
	assert.Error(t, err)
	_, err = New(g, nil, DefaultConfig(), nil)
	assert.Error(t, err)
	bad := DefaultConfig()
	bad.Scheduler.DecisionPoints = "sometimes"
	_, err = New(g, toolexec.NewRegistry(), bad, nil)
	assert.Error(t, err)
}

type recordingHook struct {
	fn func(ev *hooks.Event)
}

func (h *recordingHook) Name() string                      { return "recorder" }
func (h *recordingHook) EventTypes() []scheduler.EventKind { return hooks.AllEvents() }
func (h *recordingHook) Enabled() bool                     { return true }
func (h *recordingHook) Execute(_ context.Context, ev *hooks.Event) error {
	h.fn(ev)
	return nil
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Status(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperrors.ErrWorkflowNotFound))

	saveInterrupted(t, f, "wf-status", pipeline(t))
	st, err := f.engine.Status(context.Background(), "wf-status")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, st.Status)
	assert.Equal(t, 0, st.Layer)
	assert.Len(t, st.CompletedTasks, 1)
}

func TestFinalCheckpointRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	x, err := f.engine.Execute(ctx, pipeline(t), scheduler.Config{})
	require.NoError(t, err)
	drain(x)
	_, err = x.Wait()
	require.NoError(t, err)

	latest, err := f.checkpoints.LoadLatest(ctx, x.WorkflowID())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Layer)
	st, err := checkpoint.Restore(latest)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, st.Status)
	assert.Len(t, st.CompletedTasks, 3)

	before, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)

	_, err = f.engine.Resume(ctx, x.WorkflowID(), ResumeOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeWorkflowAborted, apperrors.CodeOf(err))

	// Rewinding to the first layer would reinforce the same edges again.
	cps, err := f.checkpoints.List(ctx, x.WorkflowID())
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	_, err = f.engine.Resume(ctx, x.WorkflowID(), ResumeOptions{CheckpointID: cps[0].ID})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeWorkflowAborted, apperrors.CodeOf(err))

	after, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)
	assert.Equal(t, before.Count, after.Count)
	assert.Equal(t, int32(1), f.calls[toolFetch].Load())
}

func TestStoppedWorkflowCannotBeResumed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dag := pipeline(t, func(tasks []plan.Task) {
		tasks[1].Args = map[string]any{"fail": "malformed"}
	})

	x, err := f.engine.Execute(ctx, dag, scheduler.Config{})
	require.NoError(t, err)
	drain(x)
	st, err := x.Wait()
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusErroring, st.Status)
	assert.True(t, st.Stopped)
	require.True(t, x.Feedback().Applied)

	latest, err := f.checkpoints.LoadLatest(ctx, x.WorkflowID())
	require.NoError(t, err)
	restored, err := checkpoint.Restore(latest)
	require.NoError(t, err)
	assert.True(t, restored.Stopped)
	assert.Equal(t, 1, restored.Layer)

	edge, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)

	_, err = f.engine.Resume(ctx, x.WorkflowID(), ResumeOptions{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeWorkflowAborted, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "stopped with failed tasks")

	again, ok := f.graph.Edge(toolFetch, toolParse)
	require.True(t, ok)
	assert.Equal(t, edge.Count, again.Count)
	assert.Equal(t, edge.Weight, again.Weight)
	assert.Zero(t, f.calls[toolStore].Load())
}
