package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/store"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

type batchRecorder struct {
	batches [][]graph.Observation
	err     error
}

func (b *batchRecorder) ReinforceBatch(_ context.Context, obs []graph.Observation) error {
	b.batches = append(b.batches, obs)
	return b.err
}

func tasks() []plan.Task {
	return []plan.Task{
		{ID: "fetch", Tool: "http:fetch"},
		{ID: "parse", Tool: "json:parse", DependsOn: []domain.TaskID{"fetch"}},
		{ID: "store", Tool: "db:insert", DependsOn: []domain.TaskID{"parse"}},
		{ID: "audit", Tool: "log:write", DependsOn: []domain.TaskID{"fetch", "store"}},
	}
}

func stateWith(status workflow.Status, layer int, results ...workflow.TaskResult) workflow.State {
	st := workflow.New("wf-1", tasks())
	st.Status = status
	return workflow.Reduce(st, workflow.Update{CompletedTasks: results}).AtLayer(layer)
}

func result(id string, tool string, status workflow.TaskStatus) workflow.TaskResult {
	return workflow.TaskResult{TaskID: domain.TaskID(id), Tool: domain.ToolID(tool), Status: status}
}

func TestObservations(t *testing.T) {
	dag, err := plan.NewDAG(tasks())
	require.NoError(t, err)

	st := stateWith(workflow.StatusCompleted, 2,
		result("fetch", "http:fetch", workflow.TaskCompleted),
		result("parse", "json:parse", workflow.TaskCompleted),
		result("store", "db:insert", workflow.TaskFailedSafe),
		result("audit", "log:write", workflow.TaskSkipped),
	)

	obs := Observations(dag, st)
	assert.Equal(t, []graph.Observation{
		{From: "http:fetch", To: "json:parse", Success: true},
		{From: "json:parse", To: "db:insert", Success: false},
	}, obs)
}

func TestApplyEligibility(t *testing.T) {
	ran := []workflow.TaskResult{
		result("fetch", "http:fetch", workflow.TaskCompleted),
		result("parse", "json:parse", workflow.TaskFailed),
	}
	tests := []struct {
		name    string
		state   workflow.State
		applied bool
		reason  string
	}{
		{"completed", stateWith(workflow.StatusCompleted, 1, ran...), true, ""},
		{"erroring after a layer", stateWith(workflow.StatusErroring, 1, ran...), true, ""},
		{"erroring before any layer", stateWith(workflow.StatusErroring, -1), false, "no layer completed"},
		{"aborted", stateWith(workflow.StatusAborted, 1, ran...), false, "workflow aborted"},
		{"running", stateWith(workflow.StatusRunning, 1, ran...), false, "workflow is running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &batchRecorder{}
			report, err := New(rec, log.Discard()).Apply(context.Background(), nil, tt.state)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, report.Applied)
			assert.Equal(t, tt.reason, report.Reason)
			if tt.applied {
				require.Len(t, rec.batches, 1, "one batch per workflow")
				assert.Equal(t, 1, report.Failures)
			} else {
				assert.Empty(t, rec.batches)
			}
		})
	}
}

func TestApplyPropagatesReinforceError(t *testing.T) {
	rec := &batchRecorder{err: errors.New("disk full")}
	st := stateWith(workflow.StatusCompleted, 1,
		result("fetch", "http:fetch", workflow.TaskCompleted),
		result("parse", "json:parse", workflow.TaskCompleted),
	)
	report, err := New(rec, log.Discard()).Apply(context.Background(), nil, st)
	assert.Error(t, err)
	assert.False(t, report.Applied)
	assert.Equal(t, 1, report.Observations)
}

func TestApplyReinforcesGraph(t *testing.T) {
	ctx := context.Background()
	g := graph.New(store.NewMemory(), graph.DefaultConfig(), log.Discard())
	t.Cleanup(g.Close)

	st := stateWith(workflow.StatusCompleted, 2,
		result("fetch", "http:fetch", workflow.TaskCompleted),
		result("parse", "json:parse", workflow.TaskCompleted),
		result("store", "db:insert", workflow.TaskFailed),
	)
	report, err := New(g, log.Discard()).Apply(ctx, nil, st)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, report.Successes)
	assert.Equal(t, 1, report.Failures)

	up, ok := g.Edge("http:fetch", "json:parse")
	require.True(t, ok)
	assert.Greater(t, up.Weight, 0.5)
	down, ok := g.Edge("json:parse", "db:insert")
	require.True(t, ok)
	assert.Less(t, down.Weight, 0.5)
	_, ok = g.Edge("db:insert", "log:write")
	assert.False(t, ok)

	path, ok := g.ShortestPath("http:fetch", "db:insert")
	require.True(t, ok)
	assert.Equal(t, []domain.ToolID{"http:fetch", "json:parse", "db:insert"}, path)
}
