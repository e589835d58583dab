// Package tui renders workflow progress for the terminal and prompts the
// operator at decision points.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/graph"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

// RenderEvent formats one workflow event as a single line. State updates
// return "" since they repeat what task events already said.
func RenderEvent(ev scheduler.Event) string {
	switch e := ev.(type) {
	case scheduler.WorkflowStarted:
		verb := "started"
		if e.Resumed {
			verb = "resumed"
		}
		return titleStyle.Render(fmt.Sprintf("▶ workflow %s %s", e.WorkflowID, verb)) +
			dimStyle.Render(fmt.Sprintf(" (%d tasks)", e.Tasks))
	case scheduler.LayerStarted:
		ids := make([]string, len(e.Tasks))
		for i, id := range e.Tasks {
			ids[i] = string(id)
		}
		return headerStyle.Render(fmt.Sprintf("layer %d", e.Layer)) + " " + strings.Join(ids, ", ")
	case scheduler.TaskStarted:
		return dimStyle.Render(fmt.Sprintf("  … %s (%s)", e.TaskID, e.Tool))
	case scheduler.TaskCompleted:
		return okStyle.Render("  ✓ ") + fmt.Sprintf("%s %s", e.Result.TaskID, dimStyle.Render(e.Result.Duration.Round(time.Millisecond).String()))
	case scheduler.TaskFailed:
		mark, style := "  ✗ ", errStyle
		if e.Result.Status == workflow.TaskFailedSafe {
			mark, style = "  ~ ", warnStyle
		}
		return style.Render(mark) + fmt.Sprintf("%s: %s", e.Result.TaskID, e.Result.Error)
	case scheduler.CheckpointSaved:
		return dimStyle.Render(fmt.Sprintf("  checkpoint %s (layer %d)", e.CheckpointID, e.Layer))
	case scheduler.DecisionRequired:
		return warnStyle.Render(fmt.Sprintf("? decision required after layer %d", e.Layer))
	case scheduler.Paused:
		return warnStyle.Render(fmt.Sprintf("⏸ paused after layer %d", e.Layer))
	case scheduler.WorkflowCompleted:
		if e.State.Status == workflow.StatusErroring {
			return errStyle.Render(fmt.Sprintf("■ workflow %s stopped with failures", e.WorkflowID))
		}
		return okStyle.Render(fmt.Sprintf("■ workflow %s completed", e.WorkflowID))
	case scheduler.WorkflowAborted:
		return errStyle.Render(fmt.Sprintf("■ workflow %s aborted", e.WorkflowID)) + dimStyle.Render(": "+e.Reason)
	case scheduler.ErrorEvent:
		return errStyle.Render("! ") + e.Err.Error()
	}
	return ""
}

// RenderPlan formats a synthesized plan with its mode and layers.
func RenderPlan(p *plan.Plan) string {
	var b strings.Builder

	modeStyle := okStyle
	switch p.Mode {
	case plan.ModeSuggested:
		modeStyle = warnStyle
	case plan.ModeExplicitRequired:
		modeStyle = errStyle
	}
	fmt.Fprintf(&b, "%s %s %s\n",
		keyStyle.Render("mode:"),
		modeStyle.Render(string(p.Mode)),
		dimStyle.Render(fmt.Sprintf("(confidence %.2f)", p.Confidence)))

	if len(p.Restricted) > 0 {
		names := make([]string, len(p.Restricted))
		for i, t := range p.Restricted {
			names[i] = t.String()
		}
		fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("restricted:"), warnStyle.Render(strings.Join(names, ", ")))
	}
	for _, a := range p.Ambiguities {
		fmt.Fprintf(&b, "%s %s <-> %s, %s first (%s)\n", keyStyle.Render("ambiguous:"), a.A, a.B, a.Winner, a.Reason)
	}
	if p.DAG == nil {
		b.WriteString(dimStyle.Render("no plan: supply the DAG explicitly") + "\n")
		return b.String()
	}
	for i, layer := range p.DAG.Layers() {
		b.WriteString(headerStyle.Render(fmt.Sprintf("layer %d", i)) + "\n")
		for _, t := range layer {
			line := fmt.Sprintf("  %s  %s", t.ID, t.Tool)
			if len(t.DependsOn) > 0 {
				deps := make([]string, len(t.DependsOn))
				for j, d := range t.DependsOn {
					deps[j] = string(d)
				}
				line += dimStyle.Render("  after " + strings.Join(deps, ", "))
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// RenderState formats a workflow state with one line per recorded task.
func RenderState(st workflow.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("workflow:"), st.WorkflowID)
	fmt.Fprintf(&b, "%s %s\n", keyStyle.Render("status:  "), statusStyle(st.Status).Render(string(st.Status)))
	fmt.Fprintf(&b, "%s %d of %d tasks settled, last layer %d\n",
		keyStyle.Render("progress:"), len(st.Settled()), len(st.Plan), st.Layer)

	for _, r := range st.CompletedTasks {
		line := fmt.Sprintf("  [%d] %-16s %-12s %s", r.Layer, r.TaskID, r.Status, r.Tool)
		if r.Error != "" {
			line += dimStyle.Render("  " + r.Error)
		}
		b.WriteString(line + "\n")
	}
	for _, d := range st.Decisions {
		line := fmt.Sprintf("  decision after layer %d: %s", d.Layer, d.Action)
		if d.TimedOut {
			line += " (timed out)"
		}
		b.WriteString(dimStyle.Render(line) + "\n")
	}
	return b.String()
}

// RenderCheckpoints formats a checkpoint listing, newest first as given.
func RenderCheckpoints(cps []checkpoint.Checkpoint) string {
	if len(cps) == 0 {
		return "No checkpoints found.\n"
	}
	var b strings.Builder
	for _, cp := range cps {
		fmt.Fprintf(&b, "%s  %s  layer %d  %s\n",
			cp.ID, cp.WorkflowID, cp.Layer,
			dimStyle.Render(cp.CreatedAt.Local().Format(time.RFC3339)))
	}
	return b.String()
}

// RenderGraph formats the dependency graph, one edge per line, strongest first.
func RenderGraph(stats graph.Stats, edges []graph.Edge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d tools, %d dependencies, %d communities\n",
		keyStyle.Render("graph:"), stats.Nodes, stats.Edges, stats.Communities)

	sorted := append([]graph.Edge(nil), edges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })
	for _, e := range sorted {
		fmt.Fprintf(&b, "  %s -> %s  %.3f %s\n", e.From, e.To, e.Weight,
			dimStyle.Render(fmt.Sprintf("(%d/%d ok)", e.Successes, e.Count)))
	}
	return b.String()
}

func statusStyle(s workflow.Status) lipgloss.Style {
	switch s {
	case workflow.StatusCompleted:
		return okStyle
	case workflow.StatusErroring, workflow.StatusAborted:
		return errStyle
	case workflow.StatusPaused:
		return warnStyle
	}
	return dimStyle
}
