package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func event(ev scheduler.Event) EventMsg { return EventMsg{Event: ev} }

func TestModelTracksTasks(t *testing.T) {
	m := NewModel("wf-1", nil)

	started := scheduler.WorkflowStarted{Tasks: 2}
	started.WorkflowID = "wf-1"
	m, _ = update(t, m, event(started))
	m, _ = update(t, m, event(scheduler.LayerStarted{Layer: 0, Tasks: []domain.TaskID{"fetch", "parse"}}))
	m, _ = update(t, m, event(scheduler.TaskStarted{Layer: 0, TaskID: "fetch", Tool: "web:fetch"}))
	m, _ = update(t, m, event(scheduler.TaskStarted{Layer: 0, TaskID: "parse", Tool: "text:parse"}))

	assert.Equal(t, 2, m.total)
	assert.Equal(t, 0, m.layer)
	require.Len(t, m.tasks, 2)
	assert.Equal(t, taskRunning, m.tasks[0].state)
	assert.Contains(t, m.View(), "0/2 tasks")

	m, _ = update(t, m, event(scheduler.TaskCompleted{Result: workflow.TaskResult{
		TaskID: "fetch", Tool: "web:fetch", Status: workflow.TaskCompleted, Duration: 12 * time.Millisecond,
	}}))
	m, _ = update(t, m, event(scheduler.TaskFailed{Result: workflow.TaskResult{
		TaskID: "parse", Tool: "text:parse", Status: workflow.TaskFailedSafe, Error: "bad input",
	}}))

	assert.Equal(t, taskDone, m.tasks[0].state)
	assert.Equal(t, taskTolerated, m.tasks[1].state)
	assert.Equal(t, 2, m.settled)
	assert.InDelta(t, 1.0, m.ratio(), 1e-9)

	view := m.View()
	assert.Contains(t, view, "2/2 tasks")
	assert.Contains(t, view, "parse: bad input")
}

func TestModelQuitsOnCompletion(t *testing.T) {
	m := NewModel("wf-1", nil)

	done := scheduler.WorkflowCompleted{State: workflow.State{
		WorkflowID: "wf-1",
		Status:     workflow.StatusCompleted,
	}}
	done.WorkflowID = "wf-1"
	m, cmd := update(t, m, event(done))

	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.done)
	assert.Contains(t, m.View(), "workflow wf-1 completed")
}

func TestModelAbortKey(t *testing.T) {
	var reasons []string
	m := NewModel("wf-1", func(reason string) { reasons = append(reasons, reason) })
	assert.Contains(t, m.View(), "abort workflow")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})

	assert.Equal(t, []string{"aborted from terminal"}, reasons)
	assert.Contains(t, m.View(), "aborting")

	aborted := scheduler.WorkflowAborted{Reason: "aborted from terminal"}
	aborted.WorkflowID = "wf-1"
	m, cmd := update(t, m, event(aborted))
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "workflow wf-1 aborted")
}

func TestModelNotices(t *testing.T) {
	m := NewModel("wf-1", nil)
	m, _ = update(t, m, event(scheduler.ErrorEvent{Err: errors.New("command rejected")}))
	assert.Contains(t, m.View(), "command rejected")

	m, cmd := update(t, m, StreamClosedMsg{})
	require.NotNil(t, cmd)
	assert.True(t, m.done)

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 200, Height: 40})
	assert.Equal(t, 60, m.progress.Width)
}
