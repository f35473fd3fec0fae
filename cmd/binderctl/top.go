package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/binder"
)

var topOpts simOptions

func init() {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch a simulation live",
		Long: `The top command runs the same workload as simulate and shows the state
of every process while it runs. It accepts the simulate flags.

Keys: r restarts a finished run, q quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := topOpts.validate(); err != nil {
				return err
			}
			_, err := tea.NewProgram(newTopModel(topOpts), tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().IntVar(&topOpts.Loopers, "loopers", 4, "Server looper threads")
	cmd.Flags().IntVar(&topOpts.Clients, "clients", 8, "Client processes")
	cmd.Flags().IntVar(&topOpts.Calls, "calls", 20000, "Sync calls per client")
	cmd.Flags().IntVar(&topOpts.OnewayEvery, "oneway-every", 10, "Send a oneway transaction after every N calls (0 disables)")
	cmd.Flags().IntVar(&topOpts.Payload, "payload", 128, "Payload size in bytes")
	rootCmd.AddCommand(cmd)
}

const topRefresh = 200 * time.Millisecond

type topKeyMap struct {
	Restart key.Binding
	Quit    key.Binding
}

func defaultTopKeyMap() topKeyMap {
	return topKeyMap{
		Restart: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "restart"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
	}
}

type topTickMsg time.Time

type topDoneMsg struct {
	report *simReport
	err    error
}

// topModel drives one simulation at a time and samples its processes.
type topModel struct {
	opts   simOptions
	keys   topKeyMap
	bctx   *binder.Context
	cancel context.CancelFunc

	started time.Time
	rows    []binder.Info
	report  *simReport
	err     error
	running bool
}

func newTopModel(opts simOptions) *topModel {
	return &topModel{opts: opts, keys: defaultTopKeyMap()}
}

func topTick() tea.Cmd {
	return tea.Tick(topRefresh, func(t time.Time) tea.Msg { return topTickMsg(t) })
}

// start launches a fresh run and returns the command that waits for it.
func (m *topModel) start() tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	// Log lines would tear the screen.
	m.bctx = binder.NewContext(cfg, binder.WithLogger(zap.NewNop()))
	m.started = time.Now()
	m.report, m.err, m.rows = nil, nil, nil
	m.running = true

	bctx, opts := m.bctx, m.opts
	return func() tea.Msg {
		r, err := simulate(ctx, bctx, opts)
		return topDoneMsg{report: r, err: err}
	}
}

func (m *topModel) Init() tea.Cmd {
	return tea.Batch(m.start(), topTick())
}

func (m *topModel) sample() {
	if m.bctx == nil {
		return
	}
	procs := m.bctx.Processes()
	m.rows = m.rows[:0]
	for _, p := range procs {
		m.rows = append(m.rows, p.Info())
	}
}

func (m *topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Restart):
			if !m.running {
				return m, m.start()
			}
		}
	case topTickMsg:
		if m.running {
			m.sample()
		}
		return m, topTick()
	case topDoneMsg:
		m.running = false
		m.report, m.err = msg.report, msg.err
		if msg.report != nil {
			m.rows = msg.report.Processes
		}
		m.cancel()
	}
	return m, nil
}

func (m *topModel) View() string {
	var b strings.Builder
	b.WriteString(render(headerStyle, "binderctl top"))
	b.WriteString("\n\n")

	status := render(okStyle, "running")
	elapsed := time.Since(m.started)
	switch {
	case m.err != nil:
		status = render(warnStyle, "failed: "+m.err.Error())
	case m.report != nil:
		status = render(mutedStyle, "finished")
		elapsed = m.report.Duration
	}
	b.WriteString(printer.Sprintf("  %s  %s  %d clients x %d calls\n\n",
		status, elapsed.Round(time.Millisecond), m.opts.Clients, m.opts.Calls))

	rows := make([][]string, 0, len(m.rows))
	for _, info := range m.rows {
		rows = append(rows, []string{
			strconv.Itoa(int(info.PID)),
			strconv.Itoa(info.Threads),
			strconv.Itoa(info.QueuedWork),
			strconv.Itoa(info.Outstanding),
			strconv.Itoa(info.Buffers),
			printer.Sprintf("%d", info.OnewayFree),
		})
	}
	b.WriteString(table([]string{"PID", "THREADS", "QUEUED", "OUTSTANDING", "BUFFERS", "ONEWAY FREE"}, rows))

	if m.report != nil {
		b.WriteString(printer.Sprintf("\n  %d sync calls, %d oneway, %.0f calls/s\n",
			m.report.Calls, m.report.Oneway, m.report.PerSecond))
	}

	var help []string
	for _, k := range []key.Binding{m.keys.Restart, m.keys.Quit} {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString("\n" + render(mutedStyle, strings.Join(help, " • ")) + "\n")
	return b.String()
}
