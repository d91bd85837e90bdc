// Package tracking computes what changed on store-managed entities between
// the stored state and the in-memory state, so a flush only writes the
// columns and memberships that actually differ.
package tracking

import (
	"reflect"
	"sort"
	"sync"
)

// FieldChange represents a change to a single column
type FieldChange struct {
	Field    string
	OldValue any
	NewValue any
}

// ChangeSet tracks column changes of one entity
type ChangeSet struct {
	mu       sync.RWMutex
	original map[string]any
	current  map[string]any
	changes  map[string]*FieldChange
}

// NewChangeSet creates a change set between the stored row and the current row
func NewChangeSet(original, current map[string]any) *ChangeSet {
	cs := &ChangeSet{
		original: copyRow(original),
		current:  copyRow(current),
		changes:  make(map[string]*FieldChange),
	}
	cs.compute()
	return cs
}

func copyRow(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = copyValue(v)
	}
	return result
}

func copyValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case map[string]any:
		return copyRow(val)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

func (cs *ChangeSet) compute() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for field, newValue := range cs.current {
		oldValue, had := cs.original[field]
		if !had || !Equal(oldValue, newValue) {
			cs.changes[field] = &FieldChange{Field: field, OldValue: oldValue, NewValue: newValue}
		}
	}
	for field, oldValue := range cs.original {
		if _, exists := cs.current[field]; !exists && oldValue != nil {
			cs.changes[field] = &FieldChange{Field: field, OldValue: oldValue}
		}
	}
}

// Equal compares two column values. Pointers compare by address, everything
// else structurally.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Pointer && vb.Kind() == reflect.Pointer {
		return va.Pointer() == vb.Pointer() && va.Type() == vb.Type()
	}
	return reflect.DeepEqual(a, b)
}

// Changed reports whether the column changed
func (cs *ChangeSet) Changed(field string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.changes[field]
	return ok
}

// ChangedFields returns the changed columns in sorted order
func (cs *ChangeSet) ChangedFields() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	fields := make([]string, 0, len(cs.changes))
	for field := range cs.changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Change returns the change of a column, or nil if unchanged
func (cs *ChangeSet) Change(field string) *FieldChange {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.changes[field]
}

// HasChanges reports whether any column changed
func (cs *ChangeSet) HasChanges() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.changes) > 0
}

// Set updates a column value and recomputes its change status
func (cs *ChangeSet) Set(field string, value any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.current[field] = value
	oldValue, had := cs.original[field]
	if !had || !Equal(oldValue, value) {
		cs.changes[field] = &FieldChange{Field: field, OldValue: oldValue, NewValue: value}
	} else {
		delete(cs.changes, field)
	}
}

// ChangedData returns the changed columns with their new values
func (cs *ChangeSet) ChangedData() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	result := make(map[string]any, len(cs.changes))
	for field, change := range cs.changes {
		result[field] = change.NewValue
	}
	return result
}

// Reset makes the current row the stored row
func (cs *ChangeSet) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.original = copyRow(cs.current)
	cs.changes = make(map[string]*FieldChange)
}

// Current returns a copy of the current row
func (cs *ChangeSet) Current() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return copyRow(cs.current)
}
