package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	upStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	downStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type tickMsg time.Time

// Model is the bubbletea model over a Board.
type Model struct {
	board  *Board
	title  string
	onQuit func()
	snap   Snapshot
	width  int
}

// NewModel renders board. onQuit runs once when the user quits.
func NewModel(board *Board, title string, onQuit func()) Model {
	return Model{board: board, title: title, onQuit: onQuit, snap: board.Snapshot()}
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.snap = m.board.Snapshot()
		return m, tickCmd()
	}
	return m, nil
}

func (m Model) View() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(headerStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(titleStyle.Render(s.State))
	if s.Activity > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  account events: %d", s.Activity)))
	}
	b.WriteString("\n\n")

	var rows strings.Builder
	rows.WriteString(titleStyle.Render(fmt.Sprintf("%-9s %-22s %10s %10s %10s %12s", "CHANNEL", "SYMBOL", "BID", "ASK", "LAST", "VOLUME")))
	rows.WriteString("\n")
	if len(s.Rows) == 0 {
		rows.WriteString(dimStyle.Render("waiting for data..."))
		rows.WriteString("\n")
	}
	for _, r := range s.Rows {
		last := fmt.Sprintf("%10s", r.Last.StringFixed(2))
		switch r.Tick {
		case 1:
			last = upStyle.Render(last)
		case -1:
			last = downStyle.Render(last)
		}
		rows.WriteString(fmt.Sprintf("%-9s %-22s %10s %10s %s %12d\n",
			r.Channel, r.Key, r.Bid.StringFixed(2), r.Ask.StringFixed(2), last, r.Volume))
	}
	b.WriteString(borderStyle.Render(strings.TrimRight(rows.String(), "\n")))
	b.WriteString("\n")

	if len(s.Orders) > 0 {
		ids := make([]string, 0, len(s.Orders))
		for id := range s.Orders {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		b.WriteString("\n")
		for _, id := range ids {
			b.WriteString(fmt.Sprintf("order %s  %s\n", id, s.Orders[id]))
		}
	}
	if s.LastErr != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(s.LastErr))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("\nq to quit"))
	return b.String()
}
