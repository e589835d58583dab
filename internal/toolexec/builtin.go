package toolexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// Builtin tool ids.
var (
	ToolEcho   = domain.MustToolID("builtin:echo")
	ToolSleep  = domain.MustToolID("builtin:sleep")
	ToolFail   = domain.MustToolID("builtin:fail")
	ToolConcat = domain.MustToolID("builtin:concat")
)

// RegisterBuiltins installs the in-process demo tools:
//
//	builtin:echo    returns its arguments
//	builtin:sleep   waits args.duration (e.g. "250ms") or until cancelled
//	builtin:fail    always fails with args.message
//	builtin:concat  joins args.values with args.sep
func RegisterBuiltins(r *Registry) {
	r.Register(ToolEcho, echo)
	r.Register(ToolSleep, sleep)
	r.Register(ToolFail, fail)
	r.Register(ToolConcat, concat)
}

func echo(_ context.Context, args map[string]any) (any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

func sleep(ctx context.Context, args map[string]any) (any, error) {
	d := time.Second
	if raw, ok := args["duration"]; ok {
		parsed, err := time.ParseDuration(fmt.Sprint(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func fail(_ context.Context, args map[string]any) (any, error) {
	msg := "builtin failure"
	if m, ok := args["message"]; ok {
		msg = fmt.Sprint(m)
	}
	return nil, fmt.Errorf("%s", msg)
}

func concat(_ context.Context, args map[string]any) (any, error) {
	sep := ""
	if s, ok := args["sep"]; ok {
		sep = fmt.Sprint(s)
	}

	var parts []string
	switch v := args["values"].(type) {
	case []any:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	case []string:
		parts = append(parts, v...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprint(v[k]))
		}
	case nil:
	default:
		return nil, fmt.Errorf("values must be a list, got %T", v)
	}
	return strings.Join(parts, sep), nil
}
