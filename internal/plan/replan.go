package plan

import (
	"context"
	"fmt"
	"sort"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/errors"
)

// Replan extends current with tools matching requirement.
//
// Tools already in the DAG are not added again. New tasks are ordered against
// existing tasks and each other by the same pairwise rule as Synthesize. A
// pending task may gain a new prerequisite; a completed one may not, and
// such a merge fails with a ReplanConflictError, as does any merge that
// would form a cycle.
func (s *Synthesizer) Replan(ctx context.Context, current *DAG, completed []domain.TaskID, requirement string) (*DAG, error) {
	if s.searcher == nil {
		return nil, errors.New(errors.ErrCodePlanInvalid, "replanning requires a candidate searcher")
	}

	matches, err := s.searcher.Search(ctx, requirement, s.cfg.ReplanLimit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodePlanInvalid, "candidate search failed", err)
	}

	existing := make(map[domain.ToolID]bool)
	for _, tool := range current.Tools() {
		existing[tool] = true
	}

	var fresh []domain.ToolID
	for _, m := range matches {
		if m.Tool.Validate() != nil || existing[m.Tool] {
			continue
		}
		existing[m.Tool] = true
		fresh = append(fresh, m.Tool)
	}
	if len(fresh) == 0 {
		s.logger.Info("replan found no new tools", "requirement", requirement)
		return current, nil
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })

	done := make(map[domain.TaskID]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}

	tasks := current.Tasks()
	taken := make(map[domain.TaskID]bool, len(tasks)+len(fresh))
	for _, t := range tasks {
		taken[t.ID] = true
	}

	added := make([]Task, len(fresh))
	for i, tool := range fresh {
		added[i] = Task{ID: uniqueID(taskIDFor(tool)+"-r", taken), Tool: tool}
	}

	for i := range added {
		for j := range tasks {
			pre, _, _, ok := s.order(tasks[j].Tool, added[i].Tool)
			if !ok {
				continue
			}
			if pre == tasks[j].Tool {
				added[i].DependsOn = append(added[i].DependsOn, tasks[j].ID)
				continue
			}
			if done[tasks[j].ID] {
				return nil, errors.NewReplanConflictError("",
					fmt.Sprintf("completed task %s would depend on new task %s", tasks[j].ID, added[i].ID))
			}
			tasks[j].DependsOn = append(tasks[j].DependsOn, added[i].ID)
		}
		for k := i + 1; k < len(added); k++ {
			pre, _, _, ok := s.order(added[i].Tool, added[k].Tool)
			if !ok {
				continue
			}
			if pre == added[i].Tool {
				added[k].DependsOn = append(added[k].DependsOn, added[i].ID)
			} else {
				added[i].DependsOn = append(added[i].DependsOn, added[k].ID)
			}
		}
	}

	merged, err := NewDAG(append(tasks, added...))
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodePlanCycle {
			return nil, errors.NewReplanConflictError("", err.Error())
		}
		return nil, err
	}

	s.logger.Info("replanned",
		"requirement", requirement,
		"added", len(added),
		"tasks", merged.Len(),
	)
	return merged, nil
}
