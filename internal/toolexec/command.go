package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// CommandResult is the outcome of a local command tool.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration string `json:"duration"`
}

// CommandRunner serves a server namespace by running allowlisted local
// commands. The tool name selects the command; args.args appends extra
// arguments and args.dir sets the working directory.
type CommandRunner struct {
	// Commands maps a tool name to the argv prefix it runs.
	Commands map[string][]string
	// Env is appended to the process environment, as KEY=VALUE.
	Env []string
}

// Invoke implements Invoker. A non-zero exit status is an error; the
// captured output is still returned.
func (c *CommandRunner) Invoke(ctx context.Context, tool domain.ToolID, args map[string]any) (any, error) {
	argv, ok := c.Commands[tool.Name()]
	if !ok || len(argv) == 0 {
		return nil, &UnknownToolError{Tool: tool}
	}

	full := append([]string(nil), argv...)
	if extra, ok := args["args"].([]any); ok {
		for _, a := range extra {
			full = append(full, fmt.Sprint(a))
		}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	if dir, ok := args["dir"].(string); ok {
		cmd.Dir = dir
	}
	cmd.Env = append(cmd.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to start %s: %w", full[0], err)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s exited with code %d", full[0], res.ExitCode)
	}
	return res, nil
}
