package cli

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
)

const (
	monitorRefresh = time.Second
	recentChanges  = 12
)

// MonitorSource is what the monitor reads from, usually the daemon client.
type MonitorSource interface {
	Status(ctx context.Context) (v1.Status, error)
	Watch(ctx context.Context) (iter.Seq2[v1.Change, error], error)
}

type statusMsg struct {
	status v1.Status
	err    error
}

type changeMsg struct {
	change v1.Change
}

type watchEndedMsg struct {
	err error
}

type tickMsg time.Time

// MonitorModel shows the engine state, the relays and a feed of changes.
type MonitorModel struct {
	ctx     context.Context
	src     MonitorSource
	spinner spinner.Model
	changes chan tea.Msg

	status   *v1.Status
	recent   []v1.Change
	err      error
	watchErr error
	width    int
	quitting bool
}

// NewMonitorModel creates the monitor. ctx bounds the watch stream.
func NewMonitorModel(ctx context.Context, src MonitorSource) MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return MonitorModel{
		ctx:     ctx,
		src:     src,
		spinner: s,
		changes: make(chan tea.Msg, 64),
	}
}

func (m MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStatus, m.startWatch, m.waitForChange)
}

func (m MonitorModel) fetchStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	st, err := m.src.Status(ctx)

	return statusMsg{status: st, err: err}
}

func (m MonitorModel) startWatch() tea.Msg {
	changes, err := m.src.Watch(m.ctx)
	if err != nil {
		return watchEndedMsg{err: err}
	}

	go func() {
		for change, err := range changes {
			if err != nil {
				m.changes <- watchEndedMsg{err: err}
				return
			}

			select {
			case m.changes <- changeMsg{change: change}:
			case <-m.ctx.Done():
				return
			}
		}

		m.changes <- watchEndedMsg{}
	}()

	return nil
}

func (m MonitorModel) waitForChange() tea.Msg {
	select {
	case msg := <-m.changes:
		return msg
	case <-m.ctx.Done():
		return nil
	}
}

func tick() tea.Cmd {
	return tea.Tick(monitorRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchStatus
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			st := msg.status
			m.status = &st
		}

		return m, tick()

	case tickMsg:
		return m, m.fetchStatus

	case changeMsg:
		m.recent = append([]v1.Change{msg.change}, m.recent...)
		if len(m.recent) > recentChanges {
			m.recent = m.recent[:recentChanges]
		}

		return m, m.waitForChange

	case watchEndedMsg:
		m.watchErr = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd

		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd
	}

	return m, nil
}

func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	if m.status == nil {
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("\n  ✗ %v\n\n", m.err))
		}

		return fmt.Sprintf("\n  %s Connecting to daemon\n\n", m.spinner.View())
	}

	var b strings.Builder

	b.WriteString(m.headerView())
	b.WriteString("\n")
	b.WriteString(m.endpointsView())
	b.WriteString("\n")
	b.WriteString(m.changesView())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("status: "+m.err.Error()) + "\n")
	}

	if m.watchErr != nil {
		b.WriteString(errorStyle.Render("watch: "+m.watchErr.Error()) + "\n")
	}

	b.WriteString(dimStyle.Render("r refresh • q quit"))

	return docStyle.Render(b.String())
}

func (m MonitorModel) headerView() string {
	st := m.status

	name := st.BusinessName
	if name == "" {
		name = "(unnamed business)"
	}

	lines := []string{
		titleStyle.Render(name),
		fmt.Sprintf("state    %s since %s", stateStyle(st.State).Render(st.State), st.Since.Local().Format(time.TimeOnly)),
		fmt.Sprintf("topic    %s", dimStyle.Render(shorten(st.Topic, 16))),
		fmt.Sprintf("device   %s", dimStyle.Render(st.DeviceID)),
		fmt.Sprintf("outbox   %d pending", st.PendingOutbox),
		fmt.Sprintf("applied  %d   published %d   stale %d   rejected %d",
			st.Counters.Applied, st.Counters.Published, st.Counters.StaleVersionIgnored,
			st.Counters.AuthenticationFailures+st.Counters.SchemaMismatches),
	}

	return boxStyle.Render(strings.Join(lines, "\n"))
}

func (m MonitorModel) endpointsView() string {
	if len(m.status.Endpoints) == 0 {
		return dimStyle.Render("no relays configured")
	}

	rows := make([]string, 0, len(m.status.Endpoints)+1)
	rows = append(rows, titleStyle.Render("Relays"))

	for _, ep := range m.status.Endpoints {
		mark := successStyle.Render("●")

		switch {
		case !ep.Connected:
			mark = errorStyle.Render("●")
		case !ep.Healthy:
			mark = warnStyle.Render("●")
		}

		row := fmt.Sprintf("%s %s", mark, ep.URL)
		if ep.LastError != "" {
			row += " " + dimStyle.Render(ep.LastError)
		}

		rows = append(rows, row)
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m MonitorModel) changesView() string {
	rows := []string{titleStyle.Render("Recent changes")}

	if len(m.recent) == 0 {
		rows = append(rows, dimStyle.Render("waiting for changes"))
	}

	for _, c := range m.recent {
		verb := "put"
		if c.Record.DeletedAt != nil {
			verb = "del"
		}

		rows = append(rows, fmt.Sprintf("%s %-6s %s %s/%s",
			time.UnixMilli(c.Record.Version.Wall).Local().Format(time.TimeOnly),
			c.Origin, verb, c.Record.Collection, c.Record.ID))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "…"
}
