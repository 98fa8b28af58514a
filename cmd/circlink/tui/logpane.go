package tui

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// DefaultLogLines is how many log lines the log pane keeps.
const DefaultLogLines = 200

// tailChunk is how far back tailLines reads per step.
const tailChunk = 8 * 1024

// tailLines returns up to n complete lines from the end of the file at path,
// oldest first. A missing file has no lines.
func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// Read backwards until there are more than n newlines or the start is hit.
	size := info.Size()
	offset := size
	var buf []byte
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(tailChunk)
		if step > offset {
			step = offset
		}
		offset -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line may be cut.
		lines = lines[1:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// clampLogScroll keeps the scroll offset, counted back from the newest line,
// inside the buffer.
func clampLogScroll(offset, total, visible int) int {
	if total <= visible || offset < 0 {
		return 0
	}
	if limit := total - visible; offset > limit {
		return limit
	}
	return offset
}

// logLineStyle colors a log line by the level charmbracelet/log wrote into it.
func logLineStyle(line string) lipgloss.Style {
	switch {
	case strings.Contains(line, " ERRO "), strings.Contains(line, " FATA "):
		return errorTextStyle
	case strings.Contains(line, " WARN "):
		return lipgloss.NewStyle().Foreground(warningColor)
	case strings.Contains(line, " DEBU "):
		return mutedTextStyle
	default:
		return lipgloss.NewStyle()
	}
}

// renderLogPane draws the newest lines that fit in height, scrolled back by
// scroll lines.
func renderLogPane(path string, lines []string, scroll, width, height int) string {
	if height < 3 {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(" Log "))
	b.WriteString(mutedTextStyle.Render(path + "  [↑/↓] scroll  [l] close"))
	b.WriteString("\n")

	visible := height - 1
	if len(lines) == 0 {
		b.WriteString(mutedTextStyle.Render("No log output yet"))
		return b.String()
	}

	scroll = clampLogScroll(scroll, len(lines), visible)
	end := len(lines) - scroll
	start := end - visible
	if start < 0 {
		start = 0
	}
	for i, line := range lines[start:end] {
		if i > 0 {
			b.WriteString("\n")
		}
		if width > 1 && lipgloss.Width(line) > width {
			line = line[:width-1] + "…"
		}
		b.WriteString(logLineStyle(line).Render(line))
	}

	if len(lines) > visible {
		b.WriteString("\n")
		b.WriteString(mutedTextStyle.Render(fmt.Sprintf("[%d-%d/%d]", start+1, end, len(lines))))
	}
	return b.String()
}
