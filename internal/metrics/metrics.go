package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for loom.
//
// All recording helpers are nil-safe so components can run without metrics.
type Metrics struct {
	// Workflow execution metrics
	Workflows      *prometheus.CounterVec
	Layers         *prometheus.CounterVec
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	DecisionPoints *prometheus.CounterVec

	// Checkpoint metrics
	CheckpointSaves        *prometheus.CounterVec
	CheckpointSaveDuration *prometheus.HistogramVec
	CheckpointPrunes       *prometheus.CounterVec

	// Plan synthesis metrics
	PlanSyntheses   *prometheus.CounterVec
	PlanAmbiguities *prometheus.CounterVec

	// Dependency graph metrics
	GraphReinforcements    *prometheus.CounterVec
	GraphRecomputeDuration *prometheus.HistogramVec

	// Hook metrics
	HookFailures *prometheus.CounterVec

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Workflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_workflows_total",
				Help: "Total number of workflows by final status",
			},
			[]string{"status"},
		),
		Layers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_layers_total",
				Help: "Total number of DAG layers executed or skipped",
			},
			[]string{"outcome"},
		),
		TaskExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_task_executions_total",
				Help: "Total number of task executions by status",
			},
			[]string{"status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"status"},
		),
		DecisionPoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_decision_points_total",
				Help: "Total number of decision points by resolved action",
			},
			[]string{"action", "timed_out"},
		),

		CheckpointSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_checkpoint_saves_total",
				Help: "Total number of checkpoint saves",
			},
			[]string{"success"},
		),
		CheckpointSaveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_checkpoint_save_duration_seconds",
				Help:    "Checkpoint save latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{},
		),
		CheckpointPrunes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_checkpoint_prunes_total",
				Help: "Total number of checkpoint prune runs",
			},
			[]string{"success"},
		),

		PlanSyntheses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_plan_syntheses_total",
				Help: "Total number of synthesized plans by execution mode",
			},
			[]string{"mode"},
		),
		PlanAmbiguities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_plan_ambiguous_resolutions_total",
				Help: "Total number of pairwise dependency cycles resolved by tie-break",
			},
			[]string{},
		),

		GraphReinforcements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_graph_reinforcements_total",
				Help: "Total number of dependency edge reinforcements",
			},
			[]string{"success"},
		),
		GraphRecomputeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_graph_recompute_duration_seconds",
				Help:    "Importance and community recomputation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{},
		),

		HookFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_hook_failures_total",
				Help: "Total number of failed hook executions",
			},
			[]string{"hook"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// RecordWorkflow counts a finished workflow
func (m *Metrics) RecordWorkflow(status string) {
	if m == nil {
		return
	}
	m.Workflows.WithLabelValues(status).Inc()
}

// RecordLayer counts a layer by outcome (executed, skipped, aborted)
func (m *Metrics) RecordLayer(outcome string) {
	if m == nil {
		return
	}
	m.Layers.WithLabelValues(outcome).Inc()
}

// RecordTask counts a task execution and observes its duration
func (m *Metrics) RecordTask(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskExecutions.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordDecision counts a resolved decision point
func (m *Metrics) RecordDecision(action string, timedOut bool) {
	if m == nil {
		return
	}
	m.DecisionPoints.WithLabelValues(action, strconv.FormatBool(timedOut)).Inc()
}

// RecordCheckpointSave counts a checkpoint save and observes its latency
func (m *Metrics) RecordCheckpointSave(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.CheckpointSaves.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		m.CheckpointSaveDuration.WithLabelValues().Observe(d.Seconds())
	}
}

// RecordCheckpointPrune counts a prune run
func (m *Metrics) RecordCheckpointPrune(success bool) {
	if m == nil {
		return
	}
	m.CheckpointPrunes.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordPlan counts a synthesized plan and its ambiguous resolutions
func (m *Metrics) RecordPlan(mode string, ambiguities int) {
	if m == nil {
		return
	}
	m.PlanSyntheses.WithLabelValues(mode).Inc()
	if ambiguities > 0 {
		m.PlanAmbiguities.WithLabelValues().Add(float64(ambiguities))
	}
}

// RecordReinforcement counts an edge reinforcement
func (m *Metrics) RecordReinforcement(success bool) {
	if m == nil {
		return
	}
	m.GraphReinforcements.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// ObserveRecompute records how long a graph analytics recomputation took
func (m *Metrics) ObserveRecompute(d time.Duration) {
	if m == nil {
		return
	}
	m.GraphRecomputeDuration.WithLabelValues().Observe(d.Seconds())
}

// RecordHookFailure counts a failed hook execution
func (m *Metrics) RecordHookFailure(hook string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(hook).Inc()
}

// RecordError counts an error by code and component
func (m *Metrics) RecordError(code, component string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
