// Package collection provides the identity-keyed collections held by to-many
// fields. Elements are compared by identity (pointer equality), never by value.
package collection

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNotInitialized is returned when mutating a lazy collection before it is loaded
var ErrNotInitialized = errors.New("collection is not initialized")

// Collection is a mutable set of instances in insertion order
type Collection interface {
	Len() int
	Elements() []any
	Contains(elem any) bool
	Add(elem any)
	Remove(elem any) bool
}

// Lazy is implemented by values that must be loaded before being read
type Lazy interface {
	Initialized() bool
	Initialize(ctx context.Context) error
}

// List is an in-memory collection
type List struct {
	items []any
}

// NewList creates a list holding items
func NewList(items ...any) *List {
	l := &List{items: make([]any, 0, len(items))}
	for _, item := range items {
		l.Add(item)
	}
	return l
}

// Len returns the number of elements
func (l *List) Len() int {
	return len(l.items)
}

// Elements returns a copy of the elements in insertion order
func (l *List) Elements() []any {
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

// Contains reports whether elem is a member
func (l *List) Contains(elem any) bool {
	return l.indexOf(elem) >= 0
}

// Add appends elem unless it is already a member
func (l *List) Add(elem any) {
	if l.indexOf(elem) < 0 {
		l.items = append(l.items, elem)
	}
}

// Remove removes elem and reports whether it was a member
func (l *List) Remove(elem any) bool {
	i := l.indexOf(elem)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return true
}

// Clear removes every element
func (l *List) Clear() {
	l.items = l.items[:0]
}

func (l *List) indexOf(elem any) int {
	for i, item := range l.items {
		if item == elem {
			return i
		}
	}
	return -1
}

// Loader fetches the stored elements of a persistent collection
type Loader func(ctx context.Context) ([]any, error)

// Persistent is a store-managed collection owned by one field of one entity.
// It is loaded lazily and remembers its stored membership so the store can
// compute what changed.
type Persistent struct {
	owner any
	field string

	mu          sync.Mutex
	list        List
	snapshot    []any
	loader      Loader
	initialized bool
}

// NewPersistent creates an uninitialized collection
func NewPersistent(owner any, field string, loader Loader) *Persistent {
	return &Persistent{owner: owner, field: field, loader: loader}
}

// NewLoaded creates an initialized collection holding items
func NewLoaded(owner any, field string, items ...any) *Persistent {
	p := &Persistent{owner: owner, field: field, initialized: true}
	for _, item := range items {
		p.list.Add(item)
	}
	p.snapshot = p.list.Elements()
	return p
}

// Owner returns the entity holding the collection
func (p *Persistent) Owner() any {
	return p.owner
}

// Field returns the owning field name
func (p *Persistent) Field() string {
	return p.field
}

// Initialized reports whether the elements are loaded
func (p *Persistent) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Initialize loads the elements. It is a no-op once initialized.
func (p *Persistent) Initialize(ctx context.Context) error {
	if p.Initialized() {
		return nil
	}
	if p.loader == nil {
		return fmt.Errorf("%w: %s has no loader", ErrNotInitialized, p.field)
	}
	items, err := p.loader(ctx)
	if err != nil {
		return fmt.Errorf("failed to load collection %s: %w", p.field, err)
	}
	p.Hydrate(items)
	return nil
}

// Hydrate assigns the stored elements and marks the collection initialized
func (p *Persistent) Hydrate(items []any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return
	}
	p.list.Clear()
	for _, item := range items {
		p.list.Add(item)
	}
	p.snapshot = p.list.Elements()
	p.initialized = true
}

// Snapshot returns the membership recorded at load time or at the last flush
func (p *Persistent) Snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, len(p.snapshot))
	copy(out, p.snapshot)
	return out
}

// TakeSnapshot records the current membership as stored
func (p *Persistent) TakeSnapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = p.list.Elements()
}

// Len returns the number of elements
func (p *Persistent) Len() int {
	return p.list.Len()
}

// Elements returns the elements; empty until initialized
func (p *Persistent) Elements() []any {
	return p.list.Elements()
}

// Contains reports whether elem is a member
func (p *Persistent) Contains(elem any) bool {
	return p.list.Contains(elem)
}

// Add appends elem
func (p *Persistent) Add(elem any) {
	p.list.Add(elem)
}

// Remove removes elem and reports whether it was a member
func (p *Persistent) Remove(elem any) bool {
	return p.list.Remove(elem)
}

// Elements returns the elements of any supported container: a Collection,
// a slice or array, or nil
func Elements(v any) ([]any, bool) {
	switch c := v.(type) {
	case nil:
		return nil, true
	case Collection:
		return c.Elements(), true
	case []any:
		return c, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
