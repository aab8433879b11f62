// internal/tui/monitor.go
//
// The status monitor for foreman. It uses bubbletea, which follows The Elm
// Architecture: the Model holds state, Update reacts to messages, View
// renders the state to a string. A ticker message drives periodic refresh so
// the screen tracks the shared directories without user input.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/The-Foreman/internal/engine"
	"github.com/kingrea/The-Foreman/internal/journal"
	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/task"
)

const (
	refreshInterval = 2 * time.Second
	journalLines    = 8
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	highStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

type refreshMsg struct {
	queue   []task.Metadata
	agents  []agentRow
	journal []string
	total   int
	err     error
}

type tickMsg time.Time

type agentRow struct {
	id       string
	status   registry.Status
	workload int
	capacity int
	caps     []string
}

// Monitor is the top-level bubbletea model for `foreman status`.
type Monitor struct {
	engine   *engine.Engine
	registry *registry.Registry
	journal  *journal.Journal

	queue      []task.Metadata
	agents     []agentRow
	agentTable table.Model
	tail       []string
	tailTotal  int
	lastErr    error
	lastUpdate time.Time
	strategy   string
	quitting   bool
}

// NewMonitor builds the status monitor over live collaborators.
func NewMonitor(eng *engine.Engine, reg *registry.Registry, jnl *journal.Journal) *Monitor {
	agentTable := table.New(table.WithColumns([]table.Column{
		{Title: "AGENT", Width: 20},
		{Title: "STATUS", Width: 12},
		{Title: "LOAD", Width: 6},
		{Title: "CAPABILITIES", Width: 32},
	}))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("99"))
	styles.Selected = lipgloss.NewStyle()
	agentTable.SetStyles(styles)
	return &Monitor{engine: eng, registry: reg, journal: jnl, agentTable: agentTable}
}

// Init schedules the first refresh immediately.
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh gathers a consistent snapshot off the Update loop.
func (m *Monitor) refresh() tea.Msg {
	msg := refreshMsg{queue: m.engine.GetAvailableTasks()}
	for _, agent := range m.registry.List() {
		workload, err := m.registry.Workload(agent.AgentID)
		if err != nil {
			msg.err = err
			workload = -1
		}
		msg.agents = append(msg.agents, agentRow{
			id:       agent.AgentID,
			status:   agent.Status,
			workload: workload,
			capacity: agent.MaxConcurrentTasks,
			caps:     agent.Capabilities,
		})
	}
	msg.journal, msg.total = m.journal.Tail(journalLines)
	return msg
}

// Update reacts to key presses and refresh ticks.
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
	case tickMsg:
		return m, tea.Batch(m.refresh, tick())
	case refreshMsg:
		m.queue = msg.queue
		m.agents = msg.agents
		m.tail = msg.journal
		m.tailTotal = msg.total
		m.lastErr = msg.err
		m.lastUpdate = time.Now()
		m.strategy = string(m.engine.GetStrategy())
		rows := make([]table.Row, 0, len(m.agents))
		for _, row := range m.agents {
			load := fmt.Sprintf("%d/%d", row.workload, row.capacity)
			if row.workload < 0 {
				load = "?"
			}
			rows = append(rows, table.Row{row.id, string(row.status), load, strings.Join(row.caps, ",")})
		}
		m.agentTable.SetRows(rows)
		m.agentTable.SetHeight(len(rows) + 1)
	}
	return m, nil
}

// View renders the three panes: queue, agents, journal tail.
func (m *Monitor) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("foreman status"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  strategy=%s  refreshed %s", m.strategy, m.lastUpdate.Format("15:04:05"))))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("Queue (%d)", len(m.queue))))
	b.WriteString("\n")
	if len(m.queue) == 0 {
		b.WriteString(dimStyle.Render("  intake is empty"))
		b.WriteString("\n")
	}
	for _, meta := range m.queue {
		line := fmt.Sprintf("  %-24s %-8s %s", meta.TaskID, meta.Priority, meta.TaskType)
		switch meta.Priority {
		case task.PriorityCritical:
			line = criticalStyle.Render(line)
		case task.PriorityHigh:
			line = highStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("Agents (%d)", len(m.agents))))
	b.WriteString("\n")
	if len(m.agents) == 0 {
		b.WriteString(dimStyle.Render("  no agents registered"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.agentTable.View())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("Journal (last %d of %d)", len(m.tail), m.tailTotal)))
	b.WriteString("\n")
	for _, line := range m.tail {
		b.WriteString(dimStyle.Render("  " + line))
		b.WriteString("\n")
	}
	if m.lastErr != nil {
		b.WriteString(warnStyle.Render("\n  " + m.lastErr.Error()))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("r refresh · q quit"))
	return b.String()
}

// Run starts the monitor in the alternate screen.
func Run(eng *engine.Engine, reg *registry.Registry, jnl *journal.Journal) error {
	program := tea.NewProgram(NewMonitor(eng, reg, jnl), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
