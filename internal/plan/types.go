package plan

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// Task is one tool invocation in a DAG.
type Task struct {
	ID        domain.TaskID   `json:"id" yaml:"id"`
	Tool      domain.ToolID   `json:"tool" yaml:"tool"`
	Args      map[string]any  `json:"args,omitempty" yaml:"args,omitempty"`
	DependsOn []domain.TaskID `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// AllowFailure marks a safe-to-fail branch: its failure is recorded as
	// failed_safe and does not stop the workflow.
	AllowFailure bool `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`

	// SideEffects marks a task that mutates state outside the engine.
	// Such tasks are not safe to replay on resume.
	SideEffects bool `json:"side_effects,omitempty" yaml:"side_effects,omitempty"`
}

// Mode is how eagerly a synthesized plan may be executed.
type Mode string

const (
	// ModeExplicitRequired means no plan is offered; the caller must supply one.
	ModeExplicitRequired Mode = "explicit_required"
	// ModeSuggested means the plan needs external confirmation before running.
	ModeSuggested Mode = "suggested"
	// ModeSpeculative means the plan may run before confirmation.
	ModeSpeculative Mode = "speculative"
)

// Candidate is a tool proposed by candidate selection, with its semantic
// match score in [0,1].
type Candidate struct {
	Tool  domain.ToolID `json:"tool" yaml:"tool"`
	Score float64       `json:"score" yaml:"score"`
}

// Ambiguity records a pair of tools with learned paths in both directions
// and how the tie was broken.
type Ambiguity struct {
	A      domain.ToolID `json:"a"`
	B      domain.ToolID `json:"b"`
	Winner domain.ToolID `json:"winner"`
	Reason string        `json:"reason"`
}

// Plan is the result of synthesis. DAG is nil when Mode is ModeExplicitRequired.
type Plan struct {
	DAG         *DAG
	Mode        Mode
	Confidence  float64
	Ambiguities []Ambiguity
	// Restricted lists tools matching the irreversible-operation denylist.
	Restricted []domain.ToolID
}

// Summary renders a short human-readable description of the plan.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s (confidence %.2f)\n", p.Mode, p.Confidence)
	if len(p.Restricted) > 0 {
		names := make([]string, len(p.Restricted))
		for i, t := range p.Restricted {
			names[i] = t.String()
		}
		fmt.Fprintf(&b, "restricted: %s\n", strings.Join(names, ", "))
	}
	if p.DAG == nil {
		b.WriteString("no plan: supply the DAG explicitly\n")
		return b.String()
	}
	for i, layer := range p.DAG.Layers() {
		fmt.Fprintf(&b, "layer %d:\n", i)
		for _, t := range layer {
			if len(t.DependsOn) == 0 {
				fmt.Fprintf(&b, "  %s (%s)\n", t.ID, t.Tool)
				continue
			}
			deps := make([]string, len(t.DependsOn))
			for j, d := range t.DependsOn {
				deps[j] = d.String()
			}
			fmt.Fprintf(&b, "  %s (%s) <- %s\n", t.ID, t.Tool, strings.Join(deps, ", "))
		}
	}
	for _, a := range p.Ambiguities {
		fmt.Fprintf(&b, "ambiguous: %s <-> %s, %s first (%s)\n", a.A, a.B, a.Winner, a.Reason)
	}
	return b.String()
}
