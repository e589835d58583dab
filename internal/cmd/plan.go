package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/engine"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/telemetry"
	"github.com/felixgeelhaar/loom/internal/tui"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Synthesize a DAG from candidate tools",
	Long: `Synthesize a DAG from candidate tools using the learned dependency graph.
Candidates are given explicitly with --tool (optionally tool=score), or found
in the tool catalog with --query.

The plan is classified by confidence: explicit_required (no plan offered),
suggested (needs confirmation) or speculative (may run right away).

Examples:
  loom plan --tool web:fetch --tool text:parse --score 0.9
  loom plan --tool web:fetch=0.95 --tool db:store=0.7 --out pipeline.yaml
  loom plan --query "fetch the page and store the rows" --run`,
	RunE: runPlan,
}

var (
	planTools []string
	planScore float64
	planQuery string
	planLimit int
	planOut   string
	planRun   bool
	planFlags executionFlags
)

func init() {
	planCmd.Flags().StringArrayVar(&planTools, "tool", nil, "candidate tool as server:name or server:name=score (repeatable)")
	planCmd.Flags().Float64Var(&planScore, "score", 1.0, "semantic score for --tool candidates without one")
	planCmd.Flags().StringVar(&planQuery, "query", "", "find candidates in the tool catalog")
	planCmd.Flags().IntVar(&planLimit, "limit", 8, "maximum candidates taken from the catalog")
	planCmd.Flags().StringVar(&planOut, "out", "", "write the synthesized DAG to this file")
	planCmd.Flags().BoolVar(&planRun, "run", false, "execute the plan (speculative plans run directly, suggested plans need confirmation)")
	planFlags.register(planCmd)

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	if (len(planTools) == 0) == (planQuery == "") {
		return fmt.Errorf("invalid argument: give either --tool or --query")
	}

	var candidates []plan.Candidate
	for _, spec := range planTools {
		c, err := parseCandidate(spec, planScore)
		if err != nil {
			return err
		}
		candidates = append(candidates, c)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := planFlags.schedulerConfig(cmd, a.cfg.Scheduler)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartCommandSpan(cmd.Context(), "plan")
	defer span.End()

	var (
		p *plan.Plan
		x *engine.Execution
	)
	switch {
	case planQuery != "" && planRun:
		p, x, err = a.engine.RunQuery(ctx, planQuery, planLimit, cfg)
	case planQuery != "":
		p, err = a.engine.SynthesizeQuery(ctx, planQuery, planLimit)
	default:
		p, err = a.engine.Synthesize(ctx, candidates)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	out := cmd.OutOrStdout()
	if planFlags.jsonOutput {
		if err := json.NewEncoder(out).Encode(newPlanView(p)); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
	} else {
		fmt.Fprint(out, tui.RenderPlan(p))
	}

	if planOut != "" && p.DAG != nil {
		if err := plan.SaveDAG(p.DAG, planOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "plan written to %s\n", planOut)
	}

	if !planRun {
		telemetry.RecordSuccess(span)
		return nil
	}

	if x == nil {
		switch p.Mode {
		case plan.ModeExplicitRequired:
			return apperrors.New(apperrors.ErrCodePlanExplicitNeeded, "no plan offered at this confidence").
				WithSuggestion("Write the DAG yourself and run it: loom run --dag <file>")
		case plan.ModeSuggested:
			if !planFlags.interactive {
				return apperrors.New(apperrors.ErrCodePlanExplicitNeeded, "suggested plan needs confirmation").
					WithSuggestion("Confirm interactively: add --interactive").
					WithSuggestion("Or save it with --out and run it: loom run --dag <file>")
			}
			ok, err := tui.PromptForConfirmation("Run the suggested plan?", false)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if x, err = a.engine.Execute(ctx, p.DAG, cfg); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}

	if _, err := watch(out, x, &planFlags); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// parseCandidate reads server:name or server:name=score.
func parseCandidate(spec string, defaultScore float64) (plan.Candidate, error) {
	name, scoreText, hasScore := strings.Cut(spec, "=")
	tool, err := domain.NewToolID(name)
	if err != nil {
		return plan.Candidate{}, fmt.Errorf("invalid argument: %w", err)
	}
	score := defaultScore
	if hasScore {
		if score, err = strconv.ParseFloat(scoreText, 64); err != nil {
			return plan.Candidate{}, fmt.Errorf("invalid argument: score of %s: %w", name, err)
		}
	}
	return plan.Candidate{Tool: tool, Score: score}, nil
}

// planView is the JSON shape of a synthesized plan.
type planView struct {
	Mode        plan.Mode        `json:"mode"`
	Confidence  float64          `json:"confidence"`
	Ambiguities []plan.Ambiguity `json:"ambiguities,omitempty"`
	Restricted  []domain.ToolID  `json:"restricted,omitempty"`
	Layers      [][]plan.Task    `json:"layers,omitempty"`
}

func newPlanView(p *plan.Plan) planView {
	v := planView{
		Mode:        p.Mode,
		Confidence:  p.Confidence,
		Ambiguities: p.Ambiguities,
		Restricted:  p.Restricted,
	}
	if p.DAG != nil {
		v.Layers = p.DAG.Layers()
	}
	return v
}
