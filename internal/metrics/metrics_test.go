package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWorkflowMetrics(t *testing.T) {
	_, m := NewRegistry()

	m.RecordWorkflow("completed")
	m.RecordWorkflow("completed")
	m.RecordWorkflow("aborted")
	m.RecordLayer("executed")
	m.RecordTask("failed_safe", 20*time.Millisecond)
	m.RecordDecision("continue", true)

	if got := testutil.ToFloat64(m.Workflows.WithLabelValues("completed")); got != 2 {
		t.Errorf("Workflows completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Workflows.WithLabelValues("aborted")); got != 1 {
		t.Errorf("Workflows aborted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskExecutions.WithLabelValues("failed_safe")); got != 1 {
		t.Errorf("TaskExecutions failed_safe = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecisionPoints.WithLabelValues("continue", "true")); got != 1 {
		t.Errorf("DecisionPoints = %v, want 1", got)
	}
}

func TestCheckpointAndPlanMetrics(t *testing.T) {
	_, m := NewRegistry()

	m.RecordCheckpointSave(true, 3*time.Millisecond)
	m.RecordCheckpointSave(false, 0)
	m.RecordCheckpointPrune(true)
	m.RecordPlan("speculative", 2)
	m.RecordPlan("suggested", 0)

	if got := testutil.ToFloat64(m.CheckpointSaves.WithLabelValues("false")); got != 1 {
		t.Errorf("CheckpointSaves false = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PlanSyntheses.WithLabelValues("speculative")); got != 1 {
		t.Errorf("PlanSyntheses speculative = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PlanAmbiguities.WithLabelValues()); got != 2 {
		t.Errorf("PlanAmbiguities = %v, want 2", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordWorkflow("completed")
	m.RecordTask("completed", time.Second)
	m.RecordReinforcement(true)
	m.ObserveRecompute(time.Millisecond)
	m.RecordError("PLAN-001", "plan")
}

func TestHandlerFor(t *testing.T) {
	reg, m := NewRegistry()
	m.RecordReinforcement(true)

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "loom_graph_reinforcements_total") {
		t.Error("expected reinforcement metric in exposition output")
	}
}
