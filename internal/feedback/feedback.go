// Package feedback turns finished workflows into dependency graph
// reinforcements.
package feedback

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/log"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Reinforcer is the write side of the dependency graph.
type Reinforcer interface {
	ReinforceBatch(ctx context.Context, obs []graph.Observation) error
}

// Report summarizes one Apply call.
type Report struct {
	WorkflowID   string          `json:"workflow_id"`
	Status       workflow.Status `json:"status"`
	Applied      bool            `json:"applied"`
	Reason       string          `json:"reason,omitempty"`
	Observations int             `json:"observations"`
	Successes    int             `json:"successes"`
	Failures     int             `json:"failures"`
}

// Loop reinforces the graph with the dependencies a workflow exercised.
type Loop struct {
	graph  Reinforcer
	logger *log.Logger
}

// New creates a feedback loop writing to g.
func New(g Reinforcer, logger *log.Logger) *Loop {
	return &Loop{
		graph:  g,
		logger: log.OrDefault(logger).WithComponent("feedback"),
	}
}

// Eligible reports whether a workflow in st earns reinforcement: completed
// workflows do, erroring ones do once a layer has completed, aborted ones
// never do.
func Eligible(st workflow.State) (bool, string) {
	switch st.Status {
	case workflow.StatusCompleted:
		return true, ""
	case workflow.StatusErroring:
		if st.Layer >= 0 {
			return true, ""
		}
		return false, "no layer completed"
	case workflow.StatusAborted:
		return false, "workflow aborted"
	}
	return false, fmt.Sprintf("workflow is %s", st.Status)
}

// Observations lists one observation per declared dependency A -> B where
// both tasks have a recorded, non-skipped result. The outcome is B's.
// Dependencies between tasks of the same tool are not observations.
func Observations(dag *plan.DAG, st workflow.State) []graph.Observation {
	settled := st.Settled()
	ran := func(id domain.TaskID) (workflow.TaskResult, bool) {
		r, ok := settled[id]
		return r, ok && r.Status != workflow.TaskSkipped
	}

	var obs []graph.Observation
	for _, r := range st.CompletedTasks {
		if r.Status == workflow.TaskSkipped {
			continue
		}
		t, ok := dag.Task(r.TaskID)
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			pre, ok := ran(dep)
			if !ok || pre.Tool == t.Tool {
				continue
			}
			obs = append(obs, graph.Observation{
				From:    pre.Tool,
				To:      t.Tool,
				Success: r.Status.Succeeded(),
			})
		}
	}
	return obs
}

// Apply reinforces the graph from a finished workflow in one batch. dag may
// be nil, in which case the plan recorded in st is used.
func (l *Loop) Apply(ctx context.Context, dag *plan.DAG, st workflow.State) (Report, error) {
	report := Report{WorkflowID: st.WorkflowID, Status: st.Status}

	if ok, reason := Eligible(st); !ok {
		report.Reason = reason
		l.logger.Debug("feedback skipped", "workflow_id", st.WorkflowID, "reason", reason)
		return report, nil
	}

	if dag == nil {
		d, err := plan.NewDAG(st.Plan)
		if err != nil {
			return report, fmt.Errorf("rebuild plan: %w", err)
		}
		dag = d
	}

	obs := Observations(dag, st)
	for _, o := range obs {
		if o.Success {
			report.Successes++
		} else {
			report.Failures++
		}
	}
	report.Observations = len(obs)
	if len(obs) == 0 {
		report.Reason = "no dependencies observed"
		return report, nil
	}

	if err := l.graph.ReinforceBatch(ctx, obs); err != nil {
		l.logger.WithError(err).Warn("feedback reinforcement failed", "workflow_id", st.WorkflowID)
		return report, err
	}
	report.Applied = true

	l.logger.Info("graph reinforced",
		"workflow_id", st.WorkflowID,
		"status", st.Status,
		"observations", report.Observations,
		"successes", report.Successes,
		"failures", report.Failures,
	)
	return report, nil
}
