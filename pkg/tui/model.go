// Package tui provides the rtkitctl monitor: a bubbletea dashboard that
// polls a session store, follows its change feed when it has one, and
// shows sessions, endpoints, shared buffers and recent syslog lines.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/strand-protocol/rtkit/pkg/model"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	altRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Background(lipgloss.Color("236")).
			PaddingRight(1)

	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("238")).
				PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true).
			PaddingLeft(1)
)

type tab int

const (
	tabSessions tab = iota
	tabEndpoints
	tabBuffers
	tabSyslog
	tabCount // must stay last
)

// Source lists session snapshots. store.SessionStore satisfies it.
type Source interface {
	List(ctx context.Context) ([]model.Session, error)
}

// LogSource returns the newest syslog entries of one session, oldest first.
// *logsink.MemorySink and *logsink.PostgresSink satisfy it.
type LogSource interface {
	Recent(ctx context.Context, session string, limit int) ([]model.SyslogEntry, error)
}

// Watcher calls fn with the full session list whenever it changes, until
// ctx is done. *store.EtcdStore satisfies it.
type Watcher interface {
	Watch(ctx context.Context, fn func([]model.Session)) error
}

type tickMsg time.Time

type sessionsMsg []model.Session

// SessionsUpdated wraps a pushed session list for Program.Send.
func SessionsUpdated(s []model.Session) tea.Msg { return sessionsMsg(s) }

// Follow relays every list w reports to send until ctx is done. It returns
// nil when ctx is cancelled.
func Follow(ctx context.Context, w Watcher, send func(tea.Msg)) error {
	err := w.Watch(ctx, func(s []model.Session) { send(SessionsUpdated(s)) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type dataMsg struct {
	sessions []model.Session
	logs     []model.SyslogEntry
}

type errMsg error

const (
	defaultRefresh = time.Second
	fetchTimeout   = 2 * time.Second
	syslogLines    = 200
)

// Model is the top-level bubbletea model for the monitor.
type Model struct {
	tabs      []string
	activeTab tab
	src       Source
	logs      LogSource
	label     string
	refresh   time.Duration

	sessions  []model.Session
	syslog    []model.SyslogEntry
	selected  int
	width     int
	height    int
	err       error
	loading   bool
	lastFetch time.Time
}

// New returns a monitor reading from src. logs may be nil. label names the
// source in the status bar.
func New(src Source, logs LogSource, label string, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return Model{
		tabs:    []string{"Sessions", "Endpoints", "Buffers", "Syslog"},
		src:     src,
		logs:    logs,
		label:   label,
		refresh: refresh,
		loading: true,
	}
}

// Init starts the periodic tick and issues the first fetch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.fetch())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetch() tea.Cmd {
	src, logs, selected := m.src, m.logs, m.selected
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		sessions, err := src.List(ctx)
		if err != nil {
			return errMsg(err)
		}
		var lines []model.SyslogEntry
		if logs != nil && len(sessions) > 0 {
			name := sessions[min(selected, len(sessions)-1)].Name
			if lines, err = logs.Recent(ctx, name, syslogLines); err != nil {
				return errMsg(fmt.Errorf("syslog: %w", err))
			}
		}
		return dataMsg{sessions: sessions, logs: lines}
	}
}

func (m *Model) clampSelection() {
	if m.selected >= len(m.sessions) {
		m.selected = max(len(m.sessions)-1, 0)
	}
}

// Update processes messages and returns the updated model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left", "h":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4":
			m.activeTab = tab(msg.String()[0] - '1')
		case "down", "j":
			if m.selected < len(m.sessions)-1 {
				m.selected++
				return m, m.fetch()
			}
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				return m, m.fetch()
			}
		case "r":
			m.loading = true
			m.err = nil
			return m, m.fetch()
		}
		return m, nil

	case tickMsg:
		m.loading = true
		return m, tea.Batch(m.tick(), m.fetch())

	case dataMsg:
		m.loading = false
		m.err = nil
		m.sessions = msg.sessions
		m.syslog = msg.logs
		m.clampSelection()
		m.lastFetch = time.Now()
		return m, nil

	case sessionsMsg:
		m.sessions = msg
		m.clampSelection()
		m.lastFetch = time.Now()
		return m, nil

	case errMsg:
		m.loading = false
		m.err = msg
		return m, nil
	}
	return m, nil
}

// current returns the selected session, or nil.
func (m Model) current() *model.Session {
	if m.selected < len(m.sessions) {
		return &m.sessions[m.selected]
	}
	return nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("  RTKit Monitor  "))
	sb.WriteString("\n")

	var tabParts []string
	for i, name := range m.tabs {
		label := fmt.Sprintf(" %d: %s ", i+1, name)
		if tab(i) == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabParts, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")

	contentHeight := max(m.height-5, 1)
	sb.WriteString(clipLines(m.renderActiveTab(), contentHeight))
	sb.WriteString("\n")

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func (m Model) renderActiveTab() string {
	w := m.width - 2
	switch m.activeTab {
	case tabSessions:
		return renderSessions(m.sessions, m.selected, w)
	case tabEndpoints:
		return renderEndpoints(m.current(), w)
	case tabBuffers:
		return renderBuffers(m.current(), w)
	case tabSyslog:
		return renderSyslog(m.syslog, m.current(), w)
	default:
		return ""
	}
}

func (m Model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}
	parts := []string{fmt.Sprintf("source: %s", m.label)}
	if s := m.current(); s != nil {
		parts = append(parts, fmt.Sprintf("session: %s", s.Name))
	}
	if !m.lastFetch.IsZero() {
		parts = append(parts, fmt.Sprintf("last refresh: %s", m.lastFetch.Format("15:04:05")))
	}
	if m.loading {
		parts = append(parts, "refreshing…")
	}
	parts = append(parts, "q: quit  tab: next tab  j/k: select  r: refresh")
	return statusBarStyle.Render(strings.Join(parts, "  |  "))
}

func clipLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n")
}
