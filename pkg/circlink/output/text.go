package output

import (
	"bytes"
	"encoding/csv"
	"strings"
	"text/tabwriter"
	"unicode/utf8"
)

// PlainFormatter aligns columns with spaces and no decoration.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, t *Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if _, err := tw.Write([]byte(strings.Join(t.Headers(), "\t") + "\n")); err != nil {
		return err
	}
	for _, row := range t.Strings() {
		if _, err := tw.Write([]byte(strings.Join(row, "\t") + "\n")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

var _ Formatter = (*PlainFormatter)(nil)

// SimpleFormatter is like plain with a dashed rule under the header.
type SimpleFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *SimpleFormatter) Format(w *bytes.Buffer, t *Table) error {
	headers := t.Headers()
	rows := t.Strings()

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}

	writeSimpleRow(w, headers, widths)
	writeSimpleRow(w, rule, widths)
	for _, row := range rows {
		writeSimpleRow(w, row, widths)
	}
	return nil
}

func writeSimpleRow(w *bytes.Buffer, cells []string, widths []int) {
	for i, cell := range cells {
		if i > 0 {
			w.WriteString("  ")
		}
		w.WriteString(cell)
		if i < len(cells)-1 {
			w.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
		}
	}
	w.WriteString("\n")
}

func init() {
	Register("simple", func() Formatter {
		return &SimpleFormatter{}
	})
}

var _ Formatter = (*SimpleFormatter)(nil)

// TSVFormatter formats output as tab-separated values.
type TSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *TSVFormatter) Format(w *bytes.Buffer, t *Table) error {
	w.WriteString(strings.Join(t.Headers(), "\t") + "\n")
	for _, row := range t.Strings() {
		w.WriteString(strings.Join(row, "\t") + "\n")
	}
	return nil
}

func init() {
	Register("tsv", func() Formatter {
		return &TSVFormatter{}
	})
}

var _ Formatter = (*TSVFormatter)(nil)

// CSVFormatter formats output as RFC 4180 comma-separated values.
type CSVFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *CSVFormatter) Format(w *bytes.Buffer, t *Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Headers()); err != nil {
		return err
	}
	for _, row := range t.Strings() {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func init() {
	Register("csv", func() Formatter {
		return &CSVFormatter{}
	})
}

var _ Formatter = (*CSVFormatter)(nil)

// MarkdownFormatter formats output as a GitHub-flavored Markdown table.
type MarkdownFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *MarkdownFormatter) Format(w *bytes.Buffer, t *Table) error {
	headers := t.Headers()
	writeMarkdownRow(w, headers)

	rule := make([]string, len(headers))
	for i := range rule {
		rule[i] = "---"
	}
	writeMarkdownRow(w, rule)

	for _, row := range t.Strings() {
		writeMarkdownRow(w, row)
	}
	return nil
}

func writeMarkdownRow(w *bytes.Buffer, cells []string) {
	w.WriteString("|")
	for _, cell := range cells {
		w.WriteString(" ")
		w.WriteString(escapeMarkdownPipe(cell))
		w.WriteString(" |")
	}
	w.WriteString("\n")
}

// escapeMarkdownPipe escapes pipe characters in a string for Markdown tables.
func escapeMarkdownPipe(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func init() {
	Register("markdown", func() Formatter {
		return &MarkdownFormatter{}
	})
}

var _ Formatter = (*MarkdownFormatter)(nil)
