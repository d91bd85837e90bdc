package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps tables in memory. Writes of a plan are applied to a
// copy and swapped in only when every statement succeeds.
type MemoryBackend struct {
	mu     sync.RWMutex
	tables map[string][]Row

	selects int
}

// NewMemoryBackend creates an empty memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string][]Row)}
}

// Seed appends rows to a table
func (m *MemoryBackend) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], copyStoredRow(r))
	}
}

// Rows returns a copy of the rows of a table
func (m *MemoryBackend) Rows(table string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, len(m.tables[table]))
	for i, r := range m.tables[table] {
		out[i] = copyStoredRow(r)
	}
	return out
}

// Selects returns the number of Select calls served
func (m *MemoryBackend) Selects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selects
}

// Select returns the rows matching the query
func (m *MemoryBackend) Select(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.selects++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(q.Keys))
	for _, k := range q.Keys {
		wanted[k.Key()] = true
	}

	var out []Row
	for _, r := range m.tables[q.Table] {
		if q.Keys == nil || wanted[keyOf(r, q.Columns).Key()] {
			out = append(out, copyStoredRow(r))
		}
	}
	return out, nil
}

// Apply executes the statements of plan
func (m *MemoryBackend) Apply(ctx context.Context, plan *Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tables := make(map[string][]Row, len(m.tables))
	for name, rows := range m.tables {
		tables[name] = append([]Row(nil), rows...)
	}

	for i, st := range plan.Statements {
		if err := applyStatement(tables, st); err != nil {
			return fmt.Errorf("statement %d (%s %s): %w", i, st.Op, st.Table, err)
		}
	}
	m.tables = tables
	return nil
}

func applyStatement(tables map[string][]Row, st Statement) error {
	rows := tables[st.Table]
	switch st.Op {
	case OpInsert:
		tables[st.Table] = append(rows, copyStoredRow(st.Values))
	case OpUpdate:
		matched := false
		for i, r := range rows {
			if keyOf(r, st.KeyColumns).Key() != st.Key.Key() {
				continue
			}
			updated := copyStoredRow(r)
			for c, v := range st.Values {
				updated[c] = v
			}
			rows[i] = updated
			matched = true
		}
		if !matched {
			return ErrNotFound
		}
	case OpDelete:
		kept := rows[:0:0]
		for _, r := range rows {
			if keyOf(r, st.KeyColumns).Key() != st.Key.Key() {
				kept = append(kept, r)
			}
		}
		tables[st.Table] = kept
	default:
		return fmt.Errorf("unsupported operation %s", st.Op)
	}
	return nil
}

func copyStoredRow(r Row) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
