package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/launchr/launchr/pkg/jobstate"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

// Querier returns snapshots.
type Querier interface {
	Query(ctx context.Context) (jobstate.Snapshot, error)
}

type snapshotMsg struct {
	snap jobstate.Snapshot
	err  error
}

type tickMsg time.Time

// WatchModel is a bubbletea model that polls the aggregator and draws one
// progress bar per job.
type WatchModel struct {
	querier  Querier
	filter   Filter
	interval time.Duration

	snap    jobstate.Snapshot
	err     error
	loaded  bool
	width   int
	bar     bar.Model
	timeout time.Duration
}

// NewWatchModel creates a watch view polling q every interval.
func NewWatchModel(q Querier, filter Filter, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return WatchModel{
		querier:  q,
		filter:   filter,
		interval: interval,
		width:    80,
		bar:      bar.New(bar.WithDefaultGradient(), bar.WithWidth(30)),
		timeout:  interval,
	}
}

// Watch runs the watch view until the user quits or ctx is cancelled.
func Watch(ctx context.Context, q Querier, filter Filter, interval time.Duration) error {
	p := tea.NewProgram(NewWatchModel(q, filter, interval), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m WatchModel) Init() tea.Cmd {
	return m.fetch()
}

func (m WatchModel) fetch() tea.Cmd {
	q, timeout := m.querier, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := q.Query(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
		return m, nil
	case snapshotMsg:
		m.loaded = true
		m.snap = m.filter.Apply(msg.snap)
		m.err = msg.err
		return m, m.tick()
	case tickMsg:
		return m, m.fetch()
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("launchr downloads"))
	b.WriteString("\n\n")

	switch {
	case !m.loaded:
		b.WriteString(watchMutedStyle.Render("querying aggregator..."))
	case m.err != nil && !errors.Is(m.err, ErrNoAggregator):
		b.WriteString(watchErrorStyle.Render("error: " + m.err.Error()))
	case m.snap.Empty():
		b.WriteString(watchMutedStyle.Render(NoActiveDownloads))
	default:
		titleWidth := m.width - 30 - 40
		if titleWidth < 16 {
			titleWidth = 16
		}
		for _, r := range m.snap.Jobs {
			b.WriteString(m.renderJob(r, titleWidth))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(watchMutedStyle.Render(m.snap.Summary()))
	}

	b.WriteString("\n\n")
	b.WriteString(watchMutedStyle.Render("q quit • r refresh"))
	return b.String()
}

func (m WatchModel) renderJob(r jobstate.Record, titleWidth int) string {
	title := fmt.Sprintf("%-*s", titleWidth, truncate(r.DisplayTitle(), titleWidth))
	line := fmt.Sprintf("%3d %s %s", r.ID, title, m.bar.ViewAs(r.Percent/100))

	switch r.State {
	case jobstate.StateCompleted:
		return line + " " + watchOKStyle.Render("done")
	case jobstate.StateFailed:
		return line + " " + watchErrorStyle.Render(stateLabel(r))
	case jobstate.StatePending:
		return line + " " + watchMutedStyle.Render("pending")
	default:
		return line + " " + watchMutedStyle.Render(fmt.Sprintf("%s ETA %s", dash(r.Speed), FormatETA(r.ETA)))
	}
}
