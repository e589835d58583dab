package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflows or the state of one workflow",
	Long: `Without an argument, list every workflow with a checkpoint. With a
workflow id, show its latest recorded state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		ids, err := a.engine.Workflows(cmd.Context())
		if err != nil {
			return err
		}
		if statusJSON {
			return json.NewEncoder(out).Encode(ids)
		}
		if len(ids) == 0 {
			fmt.Fprintln(out, "No workflows found.")
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	st, err := a.engine.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprint(out, tui.RenderState(st))
	return nil
}
