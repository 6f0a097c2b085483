// Package tui is the interactive memory browser.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/felixgeelhaar/memoir/internal/store"
)

// TUI forwards ui.UI calls into a running program.
type TUI struct {
	program *tea.Program
}

func NewTUI(p *tea.Program) *TUI {
	return &TUI{program: p}
}

func (t *TUI) UpdateStatus(status string) {
	t.program.Send(StatusMsg(status))
}

func (t *TUI) Reply(text string) {
	t.program.Send(LogMsg(text))
}

func (t *TUI) Log(msg string) {
	t.program.Send(LogMsg(msg))
}

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4")).
		Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#04B575"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000"))

	helpStyle = lipgloss.NewStyle().Faint(true)
)

// Source is what the browser reads from and deletes through.
type Source interface {
	ListMemories(ctx context.Context, userID string) ([]*store.MemoryRecord, error)
	ForgetID(ctx context.Context, userID, id string) error
}

type LogMsg string
type StatusMsg string

type memoriesMsg []*store.MemoryRecord

type deletedMsg string

type errMsg struct{ err error }

const maxLog = 5

type Model struct {
	UserID   string
	Status   string
	Records  []*store.MemoryRecord
	Log      []string
	Err      error
	Table    table.Model
	Detail   viewport.Model
	Progress progress.Model
	Quitting bool
	Ready    bool
	Width    int
	Height   int

	src Source
	ctx context.Context
}

func NewModel(ctx context.Context, src Source, userID string) Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return Model{
		UserID:   userID,
		Status:   "Loading memories...",
		Table:    t,
		Detail:   viewport.New(80, 6),
		Progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		src:      src,
		ctx:      ctx,
	}
}

func columns(width int) []table.Column {
	content := width - 10 - 8 - 6
	if content < 20 {
		content = 20
	}
	return []table.Column{
		{Title: "Score", Width: 6},
		{Title: "Uses", Width: 6},
		{Title: "Content", Width: content},
	}
}

func (m Model) load() tea.Msg {
	recs, err := m.src.ListMemories(m.ctx, m.UserID)
	if err != nil {
		return errMsg{err}
	}
	return memoriesMsg(recs)
}

func (m Model) remove(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.src.ForgetID(m.ctx, m.UserID, id); err != nil {
			return errMsg{err}
		}
		return deletedMsg(id)
	}
}

// Selected returns the record under the cursor, or nil.
func (m Model) Selected() *store.MemoryRecord {
	i := m.Table.Cursor()
	if i < 0 || i >= len(m.Records) {
		return nil
	}
	return m.Records[i]
}

func (m Model) Init() tea.Cmd {
	return m.load
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.Quitting = true
			return m, tea.Quit
		case "r":
			m.Status = "Reloading..."
			return m, m.load
		case "d", "delete":
			if sel := m.Selected(); sel != nil {
				m.Status = "Deleting..."
				return m, m.remove(sel.ID)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetColumns(columns(msg.Width))
		m.Table.SetHeight(max(msg.Height-16, 3))
		m.Detail.Width = msg.Width
		m.Ready = true

	case memoriesMsg:
		m.Records = msg
		m.Err = nil
		m.Status = fmt.Sprintf("%d memories for %s", len(msg), m.UserID)
		m.Table.SetRows(rows(msg))
		if m.Table.Cursor() >= len(msg) {
			m.Table.SetCursor(max(len(msg)-1, 0))
		}

	case deletedMsg:
		m.appendLog("deleted " + string(msg))
		return m, m.load

	case errMsg:
		m.Err = msg.err
		m.Status = "Error"

	case LogMsg:
		m.appendLog(string(msg))

	case StatusMsg:
		m.Status = string(msg)
	}

	var cmd tea.Cmd
	m.Table, cmd = m.Table.Update(msg)
	cmds = append(cmds, cmd)
	m.Detail.SetContent(detail(m.Selected()))

	return m, tea.Batch(cmds...)
}

func (m *Model) appendLog(line string) {
	m.Log = append(m.Log, line)
	if len(m.Log) > maxLog {
		m.Log = m.Log[len(m.Log)-maxLog:]
	}
}

func rows(recs []*store.MemoryRecord) []table.Row {
	out := make([]table.Row, len(recs))
	for i, r := range recs {
		out[i] = table.Row{
			fmt.Sprintf("%.2f", r.ImportanceScore),
			fmt.Sprintf("%d", r.AccessCount),
			r.Content,
		}
	}
	return out
}

func detail(r *store.MemoryRecord) string {
	if r == nil {
		return "No memory selected."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ID:       %s\n", r.ID)
	fmt.Fprintf(&b, "Context:  %s\n", r.Context)
	if len(r.Tags) > 0 {
		fmt.Fprintf(&b, "Tags:     %s\n", strings.Join(r.Tags, ", "))
	}
	fmt.Fprintf(&b, "Created:  %s\n", r.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Accessed: %s (%d times)", r.LastAccessed.Format("2006-01-02 15:04"), r.AccessCount)
	return b.String()
}

func (m Model) View() string {
	header := titleStyle.Render(" memoir ")
	status := infoStyle.Render(fmt.Sprintf(" %s ", m.Status))

	var importance string
	if sel := m.Selected(); sel != nil {
		importance = "Importance " + m.Progress.ViewAs(sel.ImportanceScore)
	}

	view := fmt.Sprintf("%s%s\n\n%s\n\n%s\n%s\n",
		header, status,
		m.Table.View(),
		importance,
		m.Detail.View())

	if m.Err != nil {
		view += "\n" + errorStyle.Render("Error: "+m.Err.Error()) + "\n"
	}
	if len(m.Log) > 0 {
		view += "\n" + strings.Join(m.Log, "\n") + "\n"
	}
	view += helpStyle.Render("↑/↓ move • d delete • r reload • q quit")

	if m.Quitting {
		return view + "\n  Quitting...\n"
	}
	return view
}
