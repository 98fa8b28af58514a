package output

import (
	"bytes"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Color constants using the ANSI 256-color palette.
const (
	ColorPrimary = lipgloss.Color("39")
	ColorSuccess = lipgloss.Color("42")
	ColorWarning = lipgloss.Color("214")
	ColorMuted   = lipgloss.Color("245")
)

var (
	// HeaderStyle is used for column headers.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Padding(0, 1)

	// CellStyle is used for data cells.
	CellStyle = lipgloss.NewStyle().Padding(0, 1)

	// BorderStyle colors the table border.
	BorderStyle = lipgloss.NewStyle().Foreground(ColorMuted)

	// MutedStyle is used for empty-table notices.
	MutedStyle = lipgloss.NewStyle().Foreground(ColorMuted)

	// StateStyles color the state column of a link table.
	StateStyles = map[string]lipgloss.Style{
		"running":  lipgloss.NewStyle().Foreground(ColorSuccess).Padding(0, 1),
		"starting": lipgloss.NewStyle().Foreground(ColorWarning).Padding(0, 1),
		"stopping": lipgloss.NewStyle().Foreground(ColorWarning).Padding(0, 1),
		"stopped":  lipgloss.NewStyle().Foreground(ColorMuted).Padding(0, 1),
	}
)

// PrettyFormatter draws a bordered, colored table for terminals.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, t *Table) error {
	if len(t.Rows) == 0 {
		subject := t.Subject
		if subject == "" {
			subject = "rows"
		}
		w.WriteString(MutedStyle.Render("No "+subject) + "\n")
		return nil
	}

	rows := t.Strings()
	stateCol := -1
	for i, c := range t.Columns {
		if c.Key == "state" {
			stateCol = i
		}
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(BorderStyle).
		Headers(t.Headers()...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == stateCol && row >= 0 && row < len(rows) {
				if s, ok := StateStyles[rows[row][col]]; ok {
					return s
				}
			}
			return CellStyle
		})

	w.WriteString(tbl.String())
	w.WriteString("\n")
	return nil
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

var _ Formatter = (*PrettyFormatter)(nil)
