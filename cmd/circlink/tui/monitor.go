package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/circlink/pkg/circlink/ledger"
	"github.com/jamesainslie/circlink/pkg/circlink/types"
)

// DefaultInterval is how often the monitor re-reads link state.
const DefaultInterval = time.Second

// LinkLister lists link records.
type LinkLister interface {
	List(pattern string) ([]*types.Record, error)
}

// EntryLister lists ledger entries.
type EntryLister interface {
	All() ([]ledger.Entry, error)
}

// Options configures the monitor.
type Options struct {
	Links    LinkLister
	Ledger   EntryLister
	Interval time.Duration

	// LogPath is the shared log file shown by the log pane. Empty disables it.
	LogPath string
}

// snapshotMsg carries one reading of the records and the ledger.
type snapshotMsg struct {
	recs  []*types.Record
	owned map[int]int
	log   []string
	err   error
	at    time.Time
}

// tickMsg triggers a refresh.
type tickMsg time.Time

// Model is the Bubble Tea model for the link monitor.
type Model struct {
	opts    Options
	table   table.Model
	recs    []*types.Record
	owned   map[int]int
	err     error
	updated time.Time

	showLog   bool
	logLines  []string
	logScroll int

	width  int
	height int
}

var columns = []table.Column{
	{Title: "ID", Width: 4},
	{Title: "NAME", Width: 12},
	{Title: "STATE", Width: 9},
	{Title: "READ", Width: 28},
	{Title: "WRITE", Width: 28},
	{Title: "FILES", Width: 6},
}

// NewModel creates a monitor model.
func NewModel(opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = headerCellStyle
	styles.Selected = selectedRowStyle
	t.SetStyles(styles)

	return Model{
		opts:   opts,
		table:  t,
		owned:  map[int]int{},
		width:  80,
		height: 24,
	}
}

// Init starts the first refresh and the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// refresh reads the records and the ledger off the UI goroutine.
func (m Model) refresh() tea.Cmd {
	links, led, logPath := m.opts.Links, m.opts.Ledger, m.opts.LogPath
	return func() tea.Msg {
		msg := snapshotMsg{owned: map[int]int{}, at: time.Now()}
		msg.recs, msg.err = links.List("*")
		if msg.err != nil {
			return msg
		}
		entries, err := led.All()
		if err != nil {
			msg.err = err
			return msg
		}
		for _, e := range entries {
			msg.owned[e.LinkID]++
		}
		if logPath != "" {
			lines, err := tailLines(logPath, DefaultLogLines)
			if err != nil {
				lines = []string{"reading log: " + err.Error()}
			}
			msg.log = lines
		}
		return msg
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "l":
			if m.opts.LogPath != "" {
				m.showLog = !m.showLog
				m.logScroll = 0
				m.resize()
			}
			return m, nil
		case "up", "k":
			if m.showLog {
				m.logScroll = clampLogScroll(m.logScroll+1, len(m.logLines), m.logHeight()-1)
				return m, nil
			}
		case "down", "j":
			if m.showLog {
				if m.logScroll > 0 {
					m.logScroll--
				}
				return m, nil
			}
		}

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		m.updated = msg.at
		if msg.err == nil {
			m.recs = msg.recs
			m.owned = msg.owned
			m.logLines = msg.log
			m.table.SetRows(m.rows())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// logHeight is the height of the log pane when it is open.
func (m Model) logHeight() int {
	return m.height / 3
}

func (m *Model) resize() {
	h := m.height - 8
	if m.showLog {
		h -= m.logHeight() + 1
	}
	if h > 3 {
		m.table.SetHeight(h)
	}
}

func (m Model) rows() []table.Row {
	rows := make([]table.Row, 0, len(m.recs))
	for _, r := range m.recs {
		rows = append(rows, table.Row{
			strconv.Itoa(r.ID),
			r.DisplayName(),
			r.State(),
			shorten(r.AbsReadPath(), columns[3].Width),
			shorten(r.WritePath, columns[4].Width),
			strconv.Itoa(m.owned[r.ID]),
		})
	}
	return rows
}

// shorten keeps the end of a path, which is the part that tells links apart.
func shorten(path string, width int) string {
	if len(path) <= width || width < 4 {
		return path
	}
	return "…" + path[len(path)-width+1:]
}

// View renders the monitor.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("circlink links"))
	b.WriteString("\n\n")

	if len(m.recs) == 0 {
		b.WriteString(mutedTextStyle.Render("No links in the history"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.table.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.summary())
	b.WriteString("\n")

	if m.showLog {
		b.WriteString("\n")
		b.WriteString(renderLogPane(m.opts.LogPath, m.logLines, m.logScroll, m.width-4, m.logHeight()))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(errorTextStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	updated := "never"
	if !m.updated.IsZero() {
		updated = humanize.Time(m.updated)
	}
	b.WriteString(mutedTextStyle.Render(fmt.Sprintf("updated %s · %s", updated, m.help())))

	return outerBoxStyle.Render(b.String())
}

func (m Model) help() string {
	if m.opts.LogPath == "" {
		return "r refresh · q quit"
	}
	return "r refresh · l log · q quit"
}

func (m Model) summary() string {
	counts := map[string]int{}
	files := 0
	for _, r := range m.recs {
		counts[r.State()]++
		files += m.owned[r.ID]
	}

	var parts []string
	for _, state := range []string{"running", "starting", "stopping", "stopped"} {
		if n := counts[state]; n > 0 {
			parts = append(parts, stateStyle(state).Render(fmt.Sprintf("%d %s", n, state)))
		}
	}
	parts = append(parts, mutedTextStyle.Render(fmt.Sprintf("%d files owned", files)))
	return strings.Join(parts, "  ")
}

// Run starts the monitor.
func Run(opts Options) error {
	p := tea.NewProgram(NewModel(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
