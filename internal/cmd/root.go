package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Adaptive, knowledge-graph-driven tool orchestration",
	Long: `loom executes DAGs of tool invocations layer by layer, checkpoints every
layer so interrupted workflows can be resumed, and learns tool dependencies
from finished workflows to synthesize better plans next time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// ExecuteContext runs the root command with ctx, which is cancelled on
// interrupt by the caller.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.loom/config.yaml or $HOME/.loom/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (text, json)")
}
