package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/checkpoint"
	"github.com/felixgeelhaar/loom/internal/tui"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage workflow checkpoints for resumable execution",
	Long: `Manage workflow checkpoints for resumable execution.

A checkpoint is saved after every layer. The most recent ones of each
workflow are kept (checkpoint.keep in the config).

To resume from a checkpoint, use: loom resume <workflow-id> --checkpoint <id>

Examples:
  loom checkpoint list
  loom checkpoint list 5b1c...
  loom checkpoint show 9e2f...
  loom checkpoint prune 5b1c... --keep 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list [workflow-id]",
	Short: "List checkpoints, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Show the workflow state held by a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune <workflow-id>",
	Short: "Delete all but the most recent checkpoints of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointPrune,
}

var (
	checkpointJSON bool
	checkpointKeep int
)

func init() {
	checkpointListCmd.Flags().BoolVar(&checkpointJSON, "json", false, "output as JSON")
	checkpointShowCmd.Flags().BoolVar(&checkpointJSON, "json", false, "output as JSON")
	checkpointPruneCmd.Flags().IntVar(&checkpointKeep, "keep", 0, "checkpoints to keep (default checkpoint.keep)")

	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd, checkpointPruneCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	mgr := a.engine.Checkpoints()
	workflows := args
	if len(workflows) == 0 {
		if workflows, err = mgr.Workflows(cmd.Context()); err != nil {
			return err
		}
	}

	var all []checkpoint.Checkpoint
	for _, wf := range workflows {
		cps, err := mgr.List(cmd.Context(), wf)
		if err != nil {
			return err
		}
		for i := len(cps) - 1; i >= 0; i-- {
			all = append(all, cps[i])
		}
	}

	out := cmd.OutOrStdout()
	if checkpointJSON {
		type entry struct {
			ID         string `json:"id"`
			WorkflowID string `json:"workflow_id"`
			Layer      int    `json:"layer"`
			CreatedAt  string `json:"created_at"`
		}
		entries := make([]entry, len(all))
		for i, cp := range all {
			entries[i] = entry{ID: cp.ID, WorkflowID: cp.WorkflowID, Layer: cp.Layer, CreatedAt: cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
		}
		return json.NewEncoder(out).Encode(entries)
	}
	fmt.Fprint(out, tui.RenderCheckpoints(all))
	return nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cp, err := a.engine.Checkpoints().Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	st, err := checkpoint.Restore(cp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if checkpointJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(out, "checkpoint %s (layer %d, digest %s)\n", cp.ID, cp.Layer, cp.Digest)
	fmt.Fprint(out, tui.RenderState(st))
	return nil
}

func runCheckpointPrune(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	keep := checkpointKeep
	if keep == 0 {
		keep = a.cfg.Checkpoint.Keep
	}
	deleted, err := a.engine.Checkpoints().Prune(cmd.Context(), args[0], keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d checkpoints of %s\n", deleted, args[0])
	return nil
}
