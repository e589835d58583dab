package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/health"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

type fakeWorkflows struct {
	states map[string]workflow.State
}

func (f fakeWorkflows) Workflows(context.Context) ([]string, error) {
	return []string{"wf-1", "wf-2"}, nil
}

func (f fakeWorkflows) Running() []string { return []string{"wf-2"} }

func (f fakeWorkflows) Status(_ context.Context, id string) (workflow.State, error) {
	st, ok := f.states[id]
	if !ok {
		return workflow.State{}, apperrors.NewWorkflowNotFoundError(id)
	}
	return st, nil
}

type fakeGraph struct{}

func (fakeGraph) Stats() graph.Stats { return graph.Stats{Nodes: 2, Edges: 1, Communities: 1} }
func (fakeGraph) Edges() []graph.Edge {
	return []graph.Edge{{From: "web:fetch", To: "text:parse", Weight: 0.6, Count: 1, Successes: 1}}
}

func newTestServer(t *testing.T) (*Server, *health.ProbeManager) {
	t.Helper()
	reg, m := metrics.NewRegistry()
	m.RecordWorkflow("completed")

	pm := health.NewProbeManager("test")
	pm.AddChecker(health.NewGraphChecker(fakeGraph{}))
	wf := fakeWorkflows{states: map[string]workflow.State{
		"wf-1": {WorkflowID: "wf-1", Layer: 2, Status: workflow.StatusCompleted},
	}}
	s := NewServer(pm, wf, fakeGraph{}, metrics.HandlerFor(reg), Config{Address: ":0"}, log.Discard())
	return s, pm
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestProbeEndpoints(t *testing.T) {
	s, pm := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health/startup").Code)
	pm.MarkInitialized()
	assert.Equal(t, http.StatusOK, get(t, h, "/health/startup").Code)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var ready health.ProbeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, health.StatusHealthy, ready.Status)
	assert.Contains(t, ready.Checks, "graph")

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/health/live").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loom_workflows_total")
}

func TestWorkflowEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := get(t, h, "/api/workflows")
	require.Equal(t, http.StatusOK, rec.Code)
	var list workflowList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"wf-1", "wf-2"}, list.Workflows)
	assert.Equal(t, []string{"wf-2"}, list.Running)

	rec = get(t, h, "/api/workflows/wf-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var st workflow.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, workflow.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Layer)

	rec = get(t, h, "/api/workflows/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(apperrors.ErrCodeWorkflowNotFound), body.Code)
	assert.Equal(t, "nope", body.WorkflowID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workflows", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGraphEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/graph")
	require.Equal(t, http.StatusOK, rec.Code)

	var view graphView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 1, view.Stats.Edges)
	require.Len(t, view.Edges, 1)
	assert.Equal(t, "text:parse", view.Edges[0].To.String())
}

func TestOpenAPIDocument(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/openapi.json")
	require.Equal(t, http.StatusOK, rec.Code)

	doc, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	for _, path := range []string{"/api/workflows", "/api/workflows/{id}", "/api/graph"} {
		item := doc.Paths.Find(path)
		require.NotNil(t, item, path)
		assert.NotNil(t, item.Get, path)
	}
	assert.NotNil(t, doc.Paths.Find("/api/workflows/{id}").Get.Responses.Status(http.StatusNotFound))
}
