package store

import (
	"context"
	"fmt"
	"sort"
)

// Row is one stored row keyed by column name
type Row map[string]any

// Query selects rows of a table whose key columns match one of Keys.
// A nil Keys selects every row.
type Query struct {
	Table   string
	Columns []string
	Keys    []Identity
	// Cacheable marks lookups by primary identity, which a caching backend may serve
	Cacheable bool
}

// Op is the kind of a write statement
type Op int

const (
	// OpInsert inserts Values
	OpInsert Op = iota
	// OpUpdate sets Values on the rows matching Key
	OpUpdate
	// OpDelete deletes the rows matching Key
	OpDelete
)

// String returns the SQL verb of the operation
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Statement is one write produced by a flush
type Statement struct {
	Op         Op
	Table      string
	KeyColumns []string
	Key        Identity
	Values     Row
}

// Plan is the ordered list of writes of one flush
type Plan struct {
	Statements []Statement
}

// Len returns the number of statements
func (p *Plan) Len() int {
	return len(p.Statements)
}

// Count returns the number of statements of the given kind
func (p *Plan) Count(op Op) int {
	n := 0
	for _, st := range p.Statements {
		if st.Op == op {
			n++
		}
	}
	return n
}

// Backend executes the reads and writes of a Session
type Backend interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	// Apply executes every statement of plan atomically
	Apply(ctx context.Context, plan *Plan) error
}

// sortedColumns returns the column names of a row in sorted order
func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// keyOf extracts the values of columns from a row
func keyOf(row Row, columns []string) Identity {
	id := make(Identity, len(columns))
	for i, c := range columns {
		id[i] = normalizeValue(row[c])
	}
	return id
}
