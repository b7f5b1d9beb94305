package util

import (
	"fmt"
	"io"
	"strings"
)

// Table renders rows as left-aligned columns. Cells may contain ANSI color
// codes; they do not count towards the column width.
type Table struct {
	w       io.Writer
	headers []string
	rows    [][]string
}

// NewTable creates a table that renders to w.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{w: w, headers: headers}
}

// AddRow appends a row. Missing cells render empty, extra cells are
// dropped.
func (t *Table) AddRow(cells ...interface{}) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = fmt.Sprint(cells[i])
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added so far.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the header, a separator and every row.
func (t *Table) Render() error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = displayWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := displayWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}

	lines := make([][]string, 0, len(t.rows)+2)
	lines = append(lines, t.headers, sep)
	lines = append(lines, t.rows...)
	for _, line := range lines {
		parts := make([]string, len(line))
		for i, cell := range line {
			parts[i] = pad(cell, widths[i])
		}
		if _, err := fmt.Fprintln(t.w, strings.TrimRight(strings.Join(parts, " "), " ")); err != nil {
			return err
		}
	}
	return nil
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.IndexByte(s[start:], 'm')
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func pad(s string, width int) string {
	if w := displayWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
