package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mcdev12/couplet/go/internal/cache"
	"github.com/mcdev12/couplet/go/internal/eventstream"
	"github.com/mcdev12/couplet/go/internal/invite"
	"github.com/mcdev12/couplet/go/internal/models"
	"github.com/mcdev12/couplet/go/internal/session"
	"github.com/mcdev12/couplet/go/internal/supervisor"
)

const (
	refreshInterval = time.Second
	maxHistory      = 12
)

var (
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
	colorDimmed  = lipgloss.Color("#6b7280")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f9fafb"))
	styleDimmed = lipgloss.NewStyle().Foreground(colorDimmed)
	styleError  = lipgloss.NewStyle().Foreground(colorDanger)
)

// statusSnapshot is everything the dashboard renders on a refresh
type statusSnapshot struct {
	Stream  eventstream.Status
	Invite  invite.State
	Session session.State
	Room    *models.Room
	Syncing bool
	Cache   map[cache.Key]cache.Entry
}

func snapshotServices(svc *Services) statusSnapshot {
	snap := statusSnapshot{
		Stream:  svc.Stream.Status(),
		Invite:  svc.Invites.State(),
		Session: svc.Launcher.State(),
		Syncing: svc.Supervisor.Syncing(),
		Cache:   svc.Store.Snapshot(),
	}
	if room, ok := svc.Launcher.Room(); ok {
		snap.Room = &room
	}
	return snap
}

// commandRunner executes one parsed console command and returns what it printed
type commandRunner func(ctx context.Context, cmd command) (string, error)

func serviceRunner(svc *Services, lifecycle chan<- supervisor.Lifecycle) commandRunner {
	return func(ctx context.Context, cmd command) (string, error) {
		var buf bytes.Buffer
		c := &console{svc: svc, lifecycle: lifecycle, out: &buf}
		err := c.execute(ctx, cmd)
		return buf.String(), err
	}
}

type dashboardKeys struct {
	Submit key.Binding
	Clear  key.Binding
	Quit   key.Binding
}

func defaultDashboardKeys() dashboardKeys {
	return dashboardKeys{
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "run command"),
		),
		Clear: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "clear input"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}

type refreshMsg time.Time

type commandResultMsg struct {
	line   string
	output string
	err    error
}

// dashboard is the Bubble Tea model of the interactive console
type dashboard struct {
	ctx      context.Context
	snapshot func() statusSnapshot
	run      commandRunner

	keys    dashboardKeys
	input   textinput.Model
	status  statusSnapshot
	history []string
	width   int
}

func newDashboard(ctx context.Context, snapshot func() statusSnapshot, run commandRunner) dashboard {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "help"
	ti.Focus()

	return dashboard{
		ctx:      ctx,
		snapshot: snapshot,
		run:      run,
		keys:     defaultDashboardKeys(),
		input:    ti,
		status:   snapshot(),
	}
}

func (m dashboard) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, refresh())
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case refreshMsg:
		m.status = m.snapshot()
		return m, refresh()

	case commandResultMsg:
		m.record(styleDimmed.Render("> " + msg.line))
		if out := strings.TrimRight(msg.output, "\n"); out != "" {
			m.record(out)
		}
		if msg.err != nil {
			m.record(styleError.Render(msg.err.Error()))
		}
		m.status = m.snapshot()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Clear):
			m.input.Reset()
			return m, nil
		case key.Matches(msg, m.keys.Submit):
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m dashboard) submit() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input.Value())
	m.input.Reset()

	cmd, err := parseCommand(line)
	if err != nil {
		m.record(styleError.Render(err.Error()))
		return m, nil
	}
	if cmd.name == "" {
		return m, nil
	}

	ctx, run := m.ctx, m.run
	return m, func() tea.Msg {
		out, err := run(ctx, cmd)
		return commandResultMsg{line: line, output: out, err: err}
	}
}

func (m *dashboard) record(line string) {
	m.history = append(m.history, line)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func (m dashboard) View() string {
	sections := []string{
		styleHeader.Render("couplet"),
		m.renderStatus(),
		m.renderCache(),
		"",
	}
	sections = append(sections, m.history...)
	sections = append(sections,
		m.input.View(),
		styleDimmed.Render("  enter:run  esc:clear  ctrl+c:quit  help:commands"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboard) renderStatus() string {
	st := m.status.Stream

	color := colorWarning
	switch {
	case st.Exhausted:
		color = colorDanger
	case st.State == eventstream.StateConnected:
		color = colorHealthy
	}
	stream := lipgloss.NewStyle().Foreground(color).Render("● " + string(st.State))
	if st.Attempt > 0 {
		stream += styleDimmed.Render(fmt.Sprintf("  attempt %d", st.Attempt))
	}
	if st.Exhausted {
		stream += styleError.Render("  gave up, type reconnect")
	}

	lines := []string{
		"stream   " + stream,
		"invite   " + string(m.status.Invite),
		"session  " + string(m.status.Session),
	}
	if r := m.status.Room; r != nil {
		lines = append(lines, fmt.Sprintf("room     %s  %s  %d/%d players", r.RoomID, r.GameName, len(r.Players), models.MaxRoomPlayers))
	}
	if m.status.Syncing {
		lines = append(lines, styleDimmed.Render("syncing  refetching critical keys"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m dashboard) renderCache() string {
	if len(m.status.Cache) == 0 {
		return styleDimmed.Render("cache    empty")
	}

	keys := make([]string, 0, len(m.status.Cache))
	for k := range m.status.Cache {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		e := m.status.Cache[cache.Key(k)]
		mark := lipgloss.NewStyle().Foreground(colorHealthy).Render("fresh")
		if e.Stale {
			mark = lipgloss.NewStyle().Foreground(colorWarning).Render("stale")
		}
		lines = append(lines, fmt.Sprintf("cache    %-22s %s  %s", k, mark, styleDimmed.Render(e.UpdatedAt.Format("15:04:05"))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
