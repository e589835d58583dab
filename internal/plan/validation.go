package plan

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/loom/internal/domain"
)

// Validate checks the task in isolation.
func (t *Task) Validate() error {
	if err := t.ID.Validate(); err != nil {
		return fmt.Errorf("invalid task ID: %w", err)
	}
	if err := t.Tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	seen := make(map[domain.TaskID]bool, len(t.DependsOn))
	for i, dep := range t.DependsOn {
		if err := dep.Validate(); err != nil {
			return fmt.Errorf("dependency at index %d has invalid task ID: %w", i, err)
		}
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
		if seen[dep] {
			return fmt.Errorf("duplicate dependency %s", dep)
		}
		seen[dep] = true
	}
	return nil
}

// findCycle returns a dependency cycle as a path of task ids, or nil.
func findCycle(tasks []Task) []string {
	graph := make(map[domain.TaskID][]domain.TaskID, len(tasks))
	for _, task := range tasks {
		graph[task.ID] = task.DependsOn
	}

	visited := make(map[domain.TaskID]bool)
	onStack := make(map[domain.TaskID]bool)

	var visit func(id domain.TaskID, path []string) []string
	visit = func(id domain.TaskID, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id.String())

		for _, dep := range graph[id] {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if onStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep.String() {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), dep.String())
			}
		}

		onStack[id] = false
		return nil
	}

	for _, task := range tasks {
		if !visited[task.ID] {
			if cycle := visit(task.ID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// taskIDFor derives a task id from a tool name.
func taskIDFor(tool domain.ToolID) string {
	var b strings.Builder
	for _, r := range tool.Name() {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	id := b.String()
	if id == "" || !isAlnum(id[0]) {
		id = "t" + id
	}
	if len(id) > 90 {
		id = id[:90]
	}
	return id
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// uniqueID returns base, or base with the first free numeric suffix.
func uniqueID(base string, taken map[domain.TaskID]bool) domain.TaskID {
	id := domain.TaskID(base)
	for n := 2; taken[id]; n++ {
		id = domain.TaskID(fmt.Sprintf("%s-%d", base, n))
	}
	taken[id] = true
	return id
}
