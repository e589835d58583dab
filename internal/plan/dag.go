package plan

import (
	"fmt"
	"sort"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/errors"
)

// DAG is an immutable, validated, acyclic set of tasks.
type DAG struct {
	tasks  []Task
	index  map[domain.TaskID]int
	layers [][]domain.TaskID
}

// NewDAG validates tasks and returns the DAG. Every dependency must name a
// task in the same set; a cycle yields a PlanCycleError.
func NewDAG(tasks []Task) (*DAG, error) {
	d := &DAG{
		tasks: make([]Task, len(tasks)),
		index: make(map[domain.TaskID]int, len(tasks)),
	}
	for i, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodePlanInvalid, fmt.Sprintf("task at index %d is invalid", i), err).
				WithTask(t.ID.String())
		}
		if _, dup := d.index[t.ID]; dup {
			return nil, errors.New(errors.ErrCodePlanInvalid, fmt.Sprintf("duplicate task ID %q", t.ID)).
				WithTask(t.ID.String())
		}
		d.index[t.ID] = i
		d.tasks[i] = cloneTask(t)
	}

	for _, t := range d.tasks {
		for _, dep := range t.DependsOn {
			if _, ok := d.index[dep]; !ok {
				return nil, errors.New(errors.ErrCodePlanInvalid,
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep)).WithTask(t.ID.String())
			}
		}
	}

	if cycle := findCycle(d.tasks); cycle != nil {
		return nil, errors.NewPlanCycleError(cycle)
	}

	d.layers = layer(d.tasks)
	return d, nil
}

// layer groups tasks with Kahn's algorithm. Each layer holds every task whose
// dependencies all sit in earlier layers, ordered by id.
func layer(tasks []Task) [][]domain.TaskID {
	indegree := make(map[domain.TaskID]int, len(tasks))
	dependents := make(map[domain.TaskID][]domain.TaskID)
	for _, t := range tasks {
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var current []domain.TaskID
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	var layers [][]domain.TaskID
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
		layers = append(layers, current)

		var next []domain.TaskID
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	return layers
}

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.tasks) }

// Tasks returns a copy of the tasks in declaration order.
func (d *DAG) Tasks() []Task {
	out := make([]Task, len(d.tasks))
	for i, t := range d.tasks {
		out[i] = cloneTask(t)
	}
	return out
}

// Task looks up a task by id.
func (d *DAG) Task(id domain.TaskID) (Task, bool) {
	i, ok := d.index[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(d.tasks[i]), true
}

// Layers returns the topological layering of the DAG.
func (d *DAG) Layers() [][]Task {
	out := make([][]Task, len(d.layers))
	for i, ids := range d.layers {
		out[i] = make([]Task, len(ids))
		for j, id := range ids {
			out[i][j] = cloneTask(d.tasks[d.index[id]])
		}
	}
	return out
}

// Tools returns the distinct tools of the DAG in declaration order.
func (d *DAG) Tools() []domain.ToolID {
	seen := make(map[domain.ToolID]bool)
	var tools []domain.ToolID
	for _, t := range d.tasks {
		if !seen[t.Tool] {
			seen[t.Tool] = true
			tools = append(tools, t.Tool)
		}
	}
	return tools
}

// With returns a new DAG containing the current tasks plus extra.
func (d *DAG) With(extra ...Task) (*DAG, error) {
	return NewDAG(append(d.Tasks(), extra...))
}

// WithArgs returns a new DAG in which the task id has its arguments replaced.
func (d *DAG) WithArgs(id domain.TaskID, args map[string]any) (*DAG, error) {
	i, ok := d.index[id]
	if !ok {
		return nil, errors.New(errors.ErrCodePlanInvalid, fmt.Sprintf("unknown task %s", id)).WithTask(id.String())
	}
	tasks := d.Tasks()
	tasks[i].Args = args
	return NewDAG(tasks)
}

func cloneTask(t Task) Task {
	if t.Args != nil {
		args := make(map[string]any, len(t.Args))
		for k, v := range t.Args {
			args[k] = v
		}
		t.Args = args
	}
	if t.DependsOn != nil {
		t.DependsOn = append([]domain.TaskID(nil), t.DependsOn...)
	}
	return t
}
