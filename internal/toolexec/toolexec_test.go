package toolexec

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
)

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	ctx := context.Background()

	tests := []struct {
		name    string
		tool    domain.ToolID
		args    map[string]any
		want    any
		wantErr string
	}{
		{"echo", ToolEcho, map[string]any{"x": 1}, map[string]any{"x": 1}, ""},
		{"concat list", ToolConcat, map[string]any{"values": []any{"a", 1, "b"}, "sep": "-"}, "a-1-b", ""},
		{"concat empty", ToolConcat, nil, "", ""},
		{"concat bad", ToolConcat, map[string]any{"values": 3}, nil, "values must be a list"},
		{"fail", ToolFail, map[string]any{"message": "nope"}, nil, "nope"},
		{"sleep", ToolSleep, map[string]any{"duration": "1ms"}, map[string]any{"slept": "1ms"}, ""},
		{"sleep bad duration", ToolSleep, map[string]any{"duration": "soon"}, nil, "invalid duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Invoke(ctx, tt.tool, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Invoke(ctx, ToolSleep, map[string]any{"duration": "10s"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry()
	r.RegisterServer("remote", &CommandRunner{Commands: map[string][]string{}})
	r.Register("remote:special", func(context.Context, map[string]any) (any, error) { return "special", nil })

	got, err := r.Invoke(context.Background(), "remote:special", nil)
	require.NoError(t, err)
	assert.Equal(t, "special", got)

	_, err = r.Invoke(context.Background(), "remote:other", nil)
	var unknown *UnknownToolError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, domain.ToolID("remote:other"), unknown.Tool)

	_, err = r.Invoke(context.Background(), "nowhere:tool", nil)
	assert.True(t, errors.As(err, &unknown))

	assert.Equal(t, []domain.ToolID{"remote:special"}, r.Tools())
}

func TestCommandRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell")
	}
	runner := &CommandRunner{Commands: map[string][]string{
		"greet": {"sh", "-c", `echo "hello $LOOM_NAME"`},
		"fail":  {"sh", "-c", "echo boom >&2; exit 3"},
	}, Env: []string{"LOOM_NAME=loom"}}

	out, err := runner.Invoke(context.Background(), "exec:greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello loom\n", out.(*CommandResult).Stdout)

	out, err = runner.Invoke(context.Background(), "exec:fail", nil)
	require.Error(t, err)
	res := out.(*CommandResult)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}
