package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// PromptForString displays an interactive prompt and returns the user's input
func PromptForString(title, placeholder string, required bool) (string, error) {
	var value string

	input := huh.NewInput().
		Title(title).
		Placeholder(placeholder).
		Value(&value)

	form := huh.NewForm(huh.NewGroup(input))

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}

	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", fmt.Errorf("value is required")
	}
	return value, nil
}

// PromptForConfirmation displays a yes/no confirmation prompt
func PromptForConfirmation(message string, defaultValue bool) (bool, error) {
	confirmed := defaultValue

	confirm := huh.NewConfirm().
		Title(message).
		Value(&confirmed)

	form := huh.NewForm(huh.NewGroup(confirm))

	if err := form.Run(); err != nil {
		return false, fmt.Errorf("prompt failed: %w", err)
	}
	return confirmed, nil
}

// PromptForDecision asks how to proceed at a decision point and returns the
// command to send to the workflow. Replan additionally asks for the new
// requirement.
func PromptForDecision(ev scheduler.DecisionRequired) (scheduler.Decide, error) {
	title := fmt.Sprintf("Layer %d finished", ev.Layer)
	if len(ev.Failed) > 0 {
		ids := make([]string, len(ev.Failed))
		for i, id := range ev.Failed {
			ids[i] = string(id)
		}
		title = fmt.Sprintf("Layer %d failed: %s", ev.Layer, strings.Join(ids, ", "))
	}

	action := workflow.ActionContinue
	sel := huh.NewSelect[workflow.Action]().
		Title(title).
		Description("How should the workflow proceed?").
		Options(
			huh.NewOption("Continue with the next layer", workflow.ActionContinue),
			huh.NewOption("Extend the plan for a new requirement", workflow.ActionReplan),
			huh.NewOption("Abort the workflow", workflow.ActionAbort),
		).
		Value(&action)

	if err := huh.NewForm(huh.NewGroup(sel)).Run(); err != nil {
		return scheduler.Decide{}, fmt.Errorf("prompt failed: %w", err)
	}

	d := scheduler.Decide{Action: action}
	if action == workflow.ActionReplan {
		req, err := PromptForString("New requirement", "e.g. also store the parsed rows", true)
		if err != nil {
			return scheduler.Decide{}, err
		}
		d.Requirement = req
	}
	return d, nil
}

// IsInteractive returns true if stdin is a terminal (not piped)
func IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// ShouldPrompt returns true if prompts should be shown based on environment
// Prompts are disabled in CI environments or when stdin is not a terminal
func ShouldPrompt() bool {
	ciEnvVars := []string{
		"CI",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"JENKINS_URL",
		"BUILDKITE",
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return false
		}
	}

	return IsInteractive()
}
