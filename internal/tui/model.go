package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-tmux-monitor/atm/internal/session"
)

const blinkInterval = 500 * time.Millisecond

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	workingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	attentionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	staleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type blinkMsg struct{}

// Model is the Bubble Tea model for the viewer.
type Model struct {
	ctx    context.Context
	client *Client

	sessions  map[string]session.View
	connected bool
	lastErr   error
	blinkOn   bool
	spinner   spinner.Model
	width     int
}

// NewModel creates the viewer model around a connected or connecting
// client.
func NewModel(ctx context.Context, client *Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	return Model{
		ctx:      ctx,
		client:   client,
		sessions: make(map[string]session.View),
		spinner:  sp,
		blinkOn:  true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.Listen(m.ctx),
		m.spinner.Tick,
		blinkTick(),
	)
}

func blinkTick() tea.Cmd {
	return tea.Tick(blinkInterval, func(time.Time) tea.Msg { return blinkMsg{} })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.client.Close()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case ConnectedMsg:
		m.connected = true
		m.lastErr = nil
		return m, m.client.ReadNext()

	case DisconnectedMsg:
		m.connected = false
		m.lastErr = msg.Err
		clear(m.sessions)
		return m, m.client.Listen(m.ctx)

	case SnapshotMsg:
		clear(m.sessions)
		for _, v := range msg.Snapshot.Sessions {
			m.sessions[string(v.ID)] = v
		}
		return m, m.client.ReadNext()

	case DeltaMsg:
		for _, v := range msg.Delta.Updated {
			m.sessions[string(v.ID)] = v
		}
		for _, id := range msg.Delta.Removed {
			delete(m.sessions, id)
		}
		return m, m.client.ReadNext()

	case blinkMsg:
		m.blinkOn = !m.blinkOn
		return m, blinkTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// statusRank orders rows: attention first, then working, then idle.
func statusRank(s session.Status) int {
	switch s {
	case session.AttentionNeeded:
		return 0
	case session.Working:
		return 1
	default:
		return 2
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("agent tmux monitor"))
	if !m.connected {
		b.WriteString("  ")
		b.WriteString(offlineStyle.Render("(connecting…)"))
	}
	b.WriteString("\n\n")

	if len(m.sessions) == 0 {
		b.WriteString(idleStyle.Render("no active sessions"))
		b.WriteString("\n")
	} else {
		views := make([]session.View, 0, len(m.sessions))
		for _, v := range m.sessions {
			views = append(views, v)
		}
		sort.Slice(views, func(i, j int) bool {
			ri, rj := statusRank(views[i].Status), statusRank(views[j].Status)
			if ri != rj {
				return ri < rj
			}
			return views[i].IDShort < views[j].IDShort
		})

		b.WriteString(headerStyle.Render(fmt.Sprintf("  %-8s %-8s %-12s %-16s %5s %7s %6s  %s",
			"ID", "AGENT", "STATUS", "ACTIVITY", "CTX%", "COST", "TIME", "DIR")))
		b.WriteString("\n")

		for _, v := range views {
			b.WriteString(m.renderRow(v))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render(fmt.Sprintf("%d sessions · q to quit", len(m.sessions))))
	return b.String()
}

func (m Model) renderRow(v session.View) string {
	icon := v.StatusIcon
	if v.Status == session.Working {
		icon = m.spinner.View()
	}

	label := v.StatusLabel
	if v.ShouldBlink && !m.blinkOn {
		label = strings.Repeat(" ", len(label))
	}

	row := fmt.Sprintf("%s %-8s %-8s %-12s %-16s %4.0f%% %7s %6s  %s",
		icon, v.IDShort, v.AgentLabel, label, truncate(v.ActivityDetail, 16),
		v.ContextPercentage, v.CostDisplay, v.DurationDisplay, v.WorkingDirectory)

	switch {
	case v.IsStale:
		return staleStyle.Render(row)
	case v.Status == session.AttentionNeeded:
		return attentionStyle.Render(row)
	case v.Status == session.Working:
		return workingStyle.Render(row)
	default:
		return idleStyle.Render(row)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run starts the viewer program and blocks until it exits.
func Run(ctx context.Context, socketPath string) error {
	client := NewClient(socketPath)
	p := tea.NewProgram(NewModel(ctx, client), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
