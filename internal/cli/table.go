package cli

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const columnGap = "  "

// writeTable prints headers and rows as left-aligned columns. Cell widths
// ignore colour escapes so styled statuses line up.
func writeTable(out io.Writer, headers []string, rows [][]string) error {
	all := make([][]string, 0, len(rows)+1)
	if len(headers) > 0 {
		all = append(all, headers)
	}
	all = append(all, rows...)

	var widths []int
	for _, row := range all {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	if len(widths) == 0 {
		return nil
	}

	w := bufio.NewWriter(out)
	for _, row := range all {
		var line strings.Builder
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			line.WriteString(cell)
			if i < len(widths)-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
				line.WriteString(columnGap)
			}
		}
		line.WriteByte('\n')
		if _, err := w.WriteString(line.String()); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

// formatTime renders t in local time, or "-" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncate shortens value to at most width display columns.
func truncate(value string, width int) string {
	if runewidth.StringWidth(value) <= width {
		return value
	}
	return runewidth.Truncate(value, width, "...")
}
