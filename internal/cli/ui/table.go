package ui

import (
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

// Table renders rows in aligned columns under a ruled header. The last
// column is not padded.
type Table struct {
	headers []string
	rows    [][]string
	noColor bool
}

// NewTable creates a table with the given headers
func NewTable(headers []string, noColor bool) *Table {
	return &Table{headers: headers, noColor: noColor}
}

// AddRow adds a row, padding or cutting it to the number of headers
func (t *Table) AddRow(cells ...string) *Table {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
	return t
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render writes the table to w
func (t *Table) Render(w io.Writer) error {
	if len(t.headers) == 0 {
		return nil
	}

	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	head := color.New(color.Bold, color.FgCyan)
	rule := color.New(color.FgHiBlack)
	if t.noColor {
		head.DisableColor()
		rule.DisableColor()
	}

	var b strings.Builder
	writeLine(&b, t.headers, widths, head)
	rules := make([]string, len(widths))
	for i, n := range widths {
		rules[i] = strings.Repeat("─", n)
	}
	writeLine(&b, rules, widths, rule)
	for _, row := range t.rows {
		writeLine(&b, row, widths, nil)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeLine(b *strings.Builder, cells []string, widths []int, c *color.Color) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		if i < len(cells)-1 {
			cell = padRight(cell, widths[i])
		}
		if c != nil {
			cell = c.Sprint(cell)
		}
		b.WriteString(cell)
	}
	b.WriteByte('\n')
}

func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// Properties renders "key: value" lines with aligned values
type Properties struct {
	rows    [][2]string
	noColor bool
}

// NewProperties creates an empty property list
func NewProperties(noColor bool) *Properties {
	return &Properties{noColor: noColor}
}

// Add appends a property
func (p *Properties) Add(key, value string) *Properties {
	p.rows = append(p.rows, [2]string{key, value})
	return p
}

// Render writes the properties to w
func (p *Properties) Render(w io.Writer) error {
	width := 0
	for _, row := range p.rows {
		width = max(width, utf8.RuneCountInString(row[0])+1)
	}

	key := color.New(color.FgCyan)
	if p.noColor {
		key.DisableColor()
	}

	var b strings.Builder
	for _, row := range p.rows {
		b.WriteString(key.Sprint(padRight(row[0]+":", width)))
		b.WriteString(" ")
		b.WriteString(row[1])
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
