package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table renders left-aligned columns sized by display width. Cells may carry
// ANSI color sequences; widths are measured on the plain text.
type Table struct {
	header []string
	rows   [][]cell
	// MaxWidth truncates the last column so lines fit; 0 disables it.
	MaxWidth int
}

type cell struct {
	plain    string
	rendered string
}

func NewTable(header ...string) *Table {
	return &Table{header: header}
}

// Row appends plain cells.
func (t *Table) Row(cells ...string) {
	row := make([]cell, len(cells))
	for i, c := range cells {
		row[i] = cell{plain: c, rendered: c}
	}
	t.rows = append(t.rows, row)
}

// Styled wraps a colored cell value for StyledRow.
func Styled(plain, rendered string) [2]string {
	return [2]string{plain, rendered}
}

// StyledRow appends cells given as plain/rendered pairs.
func (t *Table) StyledRow(cells ...[2]string) {
	row := make([]cell, len(cells))
	for i, c := range cells {
		row[i] = cell{plain: c[0], rendered: c[1]}
	}
	t.rows = append(t.rows, row)
}

func (t *Table) Render(w io.Writer) error {
	cols := len(t.header)
	for _, r := range t.rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	widths := make([]int, cols)
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if cw := runewidth.StringWidth(c.plain); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	if len(t.header) > 0 {
		hdr := make([]cell, len(t.header))
		for i, h := range t.header {
			hdr[i] = cell{plain: h, rendered: h}
		}
		if _, err := fmt.Fprintln(w, t.line(hdr, widths)); err != nil {
			return err
		}
	}
	for _, r := range t.rows {
		if _, err := fmt.Fprintln(w, t.line(r, widths)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) line(r []cell, widths []int) string {
	parts := make([]string, 0, len(r))
	used := 0
	for i, c := range r {
		if i == len(r)-1 {
			text := c.rendered
			if t.MaxWidth > 0 && used+runewidth.StringWidth(c.plain) > t.MaxWidth {
				text = runewidth.Truncate(c.plain, t.MaxWidth-used, "…")
			}
			parts = append(parts, text)
			break
		}
		pad := widths[i] - runewidth.StringWidth(c.plain)
		if pad < 0 {
			pad = 0
		}
		parts = append(parts, c.rendered+strings.Repeat(" ", pad))
		used += widths[i] + 2
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}
