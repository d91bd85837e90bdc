// Package record provides map-backed entities for classes described by
// mapping files rather than Go structs. A record may be a lazy proxy: only
// its identity is known until it is initialized.
package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotLoadable is returned when initializing a proxy that has no loader
var ErrNotLoadable = errors.New("record has no loader")

// Loader fills a proxy with its stored values
type Loader func(ctx context.Context, r *Record) error

// Record is a dynamic entity instance
type Record struct {
	class  string
	values map[string]any

	mu          sync.Mutex
	initialized bool
	loader      Loader
}

// New creates an initialized record of class
func New(class string) *Record {
	return &Record{
		class:       class,
		values:      make(map[string]any),
		initialized: true,
	}
}

// NewProxy creates an uninitialized record carrying only its identity values
func NewProxy(class string, identity map[string]any, loader Loader) *Record {
	r := &Record{
		class:  class,
		values: make(map[string]any, len(identity)),
		loader: loader,
	}
	for k, v := range identity {
		r.values[k] = v
	}
	return r
}

// ClassName returns the class of the record
func (r *Record) ClassName() string {
	return r.class
}

// Get returns a field value, or nil when unset
func (r *Record) Get(field string) any {
	return r.values[field]
}

// Set assigns a field value
func (r *Record) Set(field string, value any) {
	r.values[field] = value
}

// Has reports whether the field has been assigned
func (r *Record) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// Unset removes a field value
func (r *Record) Unset(field string) {
	delete(r.values, field)
}

// Fields returns the assigned field names in sorted order
func (r *Record) Fields() []string {
	names := make([]string, 0, len(r.values))
	for k := range r.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the assigned values
func (r *Record) Values() map[string]any {
	result := make(map[string]any, len(r.values))
	for k, v := range r.values {
		result[k] = v
	}
	return result
}

// Initialized reports whether the record holds its stored values
func (r *Record) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Initialize loads the stored values of a proxy. It is a no-op once initialized.
func (r *Record) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	loader := r.loader
	r.mu.Unlock()

	if loader == nil {
		return fmt.Errorf("%w: %s", ErrNotLoadable, r)
	}
	if err := loader(ctx, r); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", r, err)
	}
	r.MarkInitialized()
	return nil
}

// Hydrate assigns stored values without overriding fields that were already
// modified in memory, then marks the record initialized
func (r *Record) Hydrate(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return
	}
	for k, v := range values {
		if _, set := r.values[k]; !set {
			r.values[k] = v
		}
	}
	r.initialized = true
}

// MarkInitialized flags the record as holding its stored values
func (r *Record) MarkInitialized() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
}

// String renders the record for diagnostics
func (r *Record) String() string {
	if id, ok := r.values["id"]; ok {
		return fmt.Sprintf("%s#%v", r.class, id)
	}
	return fmt.Sprintf("%s@%p", r.class, r)
}
