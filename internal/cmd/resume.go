package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/engine"
	apperrors "github.com/felixgeelhaar/loom/internal/errors"
	"github.com/felixgeelhaar/loom/internal/telemetry"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a workflow from a checkpoint",
	Long: `Restore a workflow from its latest checkpoint, or the one given with
--checkpoint, and continue after the checkpointed layer. Tasks already
recorded are not executed again.

A task marked side_effects may have started before the interruption. Resume
refuses to replay such a task unless --force is given.

Examples:
  loom resume 5b1c...
  loom resume 5b1c... --checkpoint 9e2f...
  loom resume 5b1c... --force`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var (
	resumeCheckpoint string
	resumeForce      bool
	resumeFlags      executionFlags
)

func init() {
	resumeCmd.Flags().StringVar(&resumeCheckpoint, "checkpoint", "", "checkpoint id to resume from (default latest)")
	resumeCmd.Flags().BoolVar(&resumeForce, "force", false, "replay tasks with side effects")
	resumeFlags.register(resumeCmd)

	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	workflowID := args[0]

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := resumeFlags.schedulerConfig(cmd, a.cfg.Scheduler)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartCommandSpan(cmd.Context(), "resume")
	defer span.End()

	x, err := a.engine.Resume(ctx, workflowID, engine.ResumeOptions{
		CheckpointID: resumeCheckpoint,
		Force:        resumeForce,
		Config:       cfg,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return withResumeHint(workflowID, err)
	}

	if _, err := watch(cmd.OutOrStdout(), x, &resumeFlags); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// withResumeHint adds recovery suggestions to resume errors.
func withResumeHint(workflowID string, err error) error {
	var le *apperrors.LoomError
	if !errors.As(err, &le) {
		return err
	}
	switch le.Code {
	case apperrors.ErrCodeWorkflowAborted, apperrors.ErrCodeCheckpointCorrupt:
		le.WithSuggestion("List earlier checkpoints: loom checkpoint list " + workflowID).
			WithSuggestion("Resume from one of them: loom resume " + workflowID + " --checkpoint <id>")
	case apperrors.ErrCodeCheckpointNotFound:
		le.WithSuggestion("List workflows with checkpoints: loom checkpoint list")
	case apperrors.ErrCodeResumeUnsafe:
		le.WithSuggestion("Make the task idempotent, or accept a replay: loom resume " + workflowID + " --force")
	}
	return err
}
