package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/plan"
	"github.com/felixgeelhaar/loom/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a DAG of tool invocations",
	Long: `Execute a DAG file layer by layer. Tasks in the same layer run concurrently,
every layer is checkpointed, and the dependencies that ran are fed back into
the dependency graph when the workflow ends.

The DAG file lists tasks:

  tasks:
    - id: fetch
      tool: web:fetch
    - id: parse
      tool: text:parse
      depends_on: [fetch]

Examples:
  loom run --dag pipeline.yaml
  loom run --dag pipeline.yaml --decisions on_error --interactive
  loom run --dag pipeline.yaml --json`,
	RunE: runRun,
}

var (
	runDAGPath string
	runFlags   executionFlags
)

func init() {
	runCmd.Flags().StringVar(&runDAGPath, "dag", "", "path to the DAG file (required)")
	_ = runCmd.MarkFlagRequired("dag")
	runFlags.register(runCmd)

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dag, err := plan.LoadDAG(runDAGPath)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := runFlags.schedulerConfig(cmd, a.cfg.Scheduler)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartCommandSpan(cmd.Context(), "run")
	defer span.End()

	x, err := a.engine.Execute(ctx, dag, cfg)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !runFlags.jsonOutput {
		fmt.Fprintf(cmd.ErrOrStderr(), "workflow id: %s\n", x.WorkflowID())
	}

	if _, err := watch(cmd.OutOrStdout(), x, &runFlags); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}
