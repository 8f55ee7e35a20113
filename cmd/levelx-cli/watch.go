package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"levelx/internal/api"
	"levelx/internal/domain"
	"levelx/internal/engine"
	"levelx/pkg/levelx"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	haltStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var watchEvery time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal dashboard of status and recent events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		p := tea.NewProgram(newWatchModel(ctx, levelx.NewClient(apiURL), watchEvery), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchEvery, "every", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

type tickMsg time.Time

type refreshMsg struct {
	health api.HealthResponse
	status engine.Status
	events []domain.Event
	at     time.Time
	err    error
}

type resumedMsg struct{ err error }

type watchModel struct {
	ctx    context.Context
	client *levelx.Client
	every  time.Duration

	health  api.HealthResponse
	status  engine.Status
	events  []domain.Event
	updated time.Time
	err     error
	notice  string
	width   int
}

func newWatchModel(ctx context.Context, client *levelx.Client, every time.Duration) watchModel {
	if every <= 0 {
		every = 2 * time.Second
	}
	return watchModel{ctx: ctx, client: client, every: every, width: 100}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.every, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		var r refreshMsg
		r.at = time.Now()
		if r.health, r.err = m.client.Health(m.ctx); r.err != nil {
			return r
		}
		if r.status, r.err = m.client.Status(m.ctx); r.err != nil {
			return r
		}
		r.events, r.err = m.client.Events(m.ctx, levelx.EventFilter{Limit: 12})
		return r
	}
}

func (m watchModel) resume() tea.Cmd {
	return func() tea.Msg {
		_, err := m.client.Resume(m.ctx)
		return resumedMsg{err: err}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.notice = "resuming..."
			return m, m.resume()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.health, m.status, m.events, m.updated = msg.health, msg.status, msg.events, msg.at
		}
	case resumedMsg:
		if msg.err != nil {
			m.notice = "resume failed: " + msg.err.Error()
		} else {
			m.notice = "resumed"
		}
		return m, m.fetch()
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	health := okStyle.Render(m.health.Status)
	if m.health.Status != "ok" {
		health = haltStyle.Render(m.health.Status)
	}
	header := fmt.Sprintf(" levelx  %s  updated %s", apiURL, m.updated.Format("15:04:05"))
	b.WriteString(headerStyle.Render(pad(header, m.width)))
	b.WriteString("\n health: " + health + "\n")

	if m.status.Halted {
		b.WriteString(haltStyle.Render(" TRADING HALTED: "+m.status.HaltReason) + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render(" "+m.err.Error()) + "\n")
	}

	var buf bytes.Buffer
	printStatus(&buf, m.health.Status, m.health.Components, m.status)
	b.WriteString(buf.String())

	b.WriteString("\n" + dimStyle.Render("RECENT EVENTS") + "\n")
	buf.Reset()
	for i := len(m.events) - 1; i >= 0; i-- {
		printEvent(&buf, m.events[i])
	}
	b.WriteString(buf.String())

	footer := " q quit  r resume"
	if m.notice != "" {
		footer += "  | " + m.notice
	}
	b.WriteString("\n" + footerStyle.Render(pad(footer, m.width)))
	return b.String()
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
