package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/felixgeelhaar/loom/internal/domain"
	"github.com/felixgeelhaar/loom/internal/scheduler"
	"github.com/felixgeelhaar/loom/internal/workflow"
)

// EventMsg carries a workflow event into the live view.
type EventMsg struct {
	Event scheduler.Event
}

// StreamClosedMsg tells the live view that no more events will arrive.
type StreamClosedMsg struct{}

type taskState int

const (
	taskRunning taskState = iota
	taskDone
	taskFailed
	taskTolerated
)

type taskLine struct {
	id       domain.TaskID
	tool     domain.ToolID
	layer    int
	state    taskState
	err      string
	duration time.Duration
}

type keyMap struct {
	Abort key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Abort: key.NewBinding(
			key.WithKeys("a", "ctrl+c"),
			key.WithHelp("a", "abort workflow"),
		),
	}
}

// Model is a live view of one running workflow: a progress bar over the
// tasks, one line per started task and the final outcome.
type Model struct {
	workflowID string
	total      int
	layer      int
	settled    int
	tasks      []taskLine
	index      map[domain.TaskID]int

	aborting bool
	done     bool
	outcome  string
	notice   string

	abort    func(reason string)
	keys     keyMap
	spinner  spinner.Model
	progress progress.Model
}

// NewModel creates the live view. abort is called once when the operator
// asks to stop the workflow; nil disables the key.
func NewModel(workflowID string, abort func(reason string)) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = headerStyle

	return Model{
		workflowID: workflowID,
		layer:      -1,
		index:      make(map[domain.TaskID]int),
		abort:      abort,
		keys:       defaultKeys(),
		spinner:    s,
		progress:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update applies keys, events and ticks.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Abort) && m.abort != nil && !m.aborting && !m.done {
			m.aborting = true
			m.abort("aborted from terminal")
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.progress.Width = max(10, min(60, msg.Width-10))
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		return m.apply(msg.Event)

	case StreamClosedMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) apply(ev scheduler.Event) (tea.Model, tea.Cmd) {
	switch e := ev.(type) {
	case scheduler.WorkflowStarted:
		m.workflowID = e.WorkflowID
		m.total = e.Tasks
	case scheduler.LayerStarted:
		m.layer = e.Layer
	case scheduler.TaskStarted:
		m.index[e.TaskID] = len(m.tasks)
		m.tasks = append(m.tasks, taskLine{id: e.TaskID, tool: e.Tool, layer: e.Layer})
	case scheduler.TaskCompleted:
		m.finish(e.Result, taskDone)
	case scheduler.TaskFailed:
		state := taskFailed
		if e.Result.Status == workflow.TaskFailedSafe {
			state = taskTolerated
		}
		m.finish(e.Result, state)
	case scheduler.StateUpdated:
		// Skipped tasks never start; count them from the state.
		m.settled = len(e.State.CompletedTasks)
	case scheduler.DecisionRequired:
		m.notice = fmt.Sprintf("decision required after layer %d", e.Layer)
	case scheduler.ErrorEvent:
		m.notice = e.Err.Error()
	case scheduler.WorkflowCompleted:
		m.done = true
		m.settled = len(e.State.CompletedTasks)
		m.outcome = RenderEvent(e)
		return m, tea.Quit
	case scheduler.WorkflowAborted:
		m.done = true
		m.outcome = RenderEvent(e)
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) finish(r workflow.TaskResult, state taskState) {
	i, ok := m.index[r.TaskID]
	if !ok {
		i = len(m.tasks)
		m.index[r.TaskID] = i
		m.tasks = append(m.tasks, taskLine{id: r.TaskID, tool: r.Tool, layer: r.Layer})
	}
	m.tasks[i].state = state
	m.tasks[i].err = r.Error
	m.tasks[i].duration = r.Duration
	m.settled++
}

func (m Model) ratio() float64 {
	if m.total == 0 {
		return 0
	}
	return min(1, float64(m.settled)/float64(m.total))
}

// View renders the live view.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("workflow "+m.workflowID) + "\n")
	b.WriteString(m.progress.ViewAs(m.ratio()))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d/%d tasks", m.settled, m.total)))
	if m.layer >= 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(", layer %d", m.layer)))
	}
	b.WriteString("\n\n")

	for _, t := range m.tasks {
		switch t.state {
		case taskRunning:
			b.WriteString(fmt.Sprintf("  %s %s %s\n", m.spinner.View(), t.id, dimStyle.Render(t.tool.String())))
		case taskDone:
			b.WriteString(okStyle.Render("  ✓ ") + fmt.Sprintf("%s %s\n", t.id, dimStyle.Render(t.duration.Round(time.Millisecond).String())))
		case taskTolerated:
			b.WriteString(warnStyle.Render("  ~ ") + fmt.Sprintf("%s: %s\n", t.id, t.err))
		case taskFailed:
			b.WriteString(errStyle.Render("  ✗ ") + fmt.Sprintf("%s: %s\n", t.id, t.err))
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + warnStyle.Render(m.notice) + "\n")
	}
	switch {
	case m.outcome != "":
		b.WriteString("\n" + m.outcome + "\n")
	case m.aborting:
		b.WriteString("\n" + warnStyle.Render("aborting...") + "\n")
	case !m.done && m.abort != nil:
		help := m.keys.Abort.Help()
		b.WriteString("\n" + keyStyle.Render(help.Key) + " " + dimStyle.Render(help.Desc) + "\n")
	}
	return b.String()
}

// RunLive shows the live view until events closes. Events keep being
// drained after the view exits.
func RunLive(events <-chan scheduler.Event, workflowID string, abort func(reason string)) error {
	p := tea.NewProgram(NewModel(workflowID, abort))
	go func() {
		for ev := range events {
			p.Send(EventMsg{Event: ev})
		}
		p.Send(StreamClosedMsg{})
	}()
	_, err := p.Run()
	return err
}
