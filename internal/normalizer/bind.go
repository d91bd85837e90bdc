package normalizer

import (
	"github.com/conduit-lang/normalizer/internal/tree"
)

// BindPoint is a deferred write location filled by the breadth-first
// scheduler
type BindPoint interface {
	Get() any
	Set(v any)
}

// deferredResult marks a bound call that wrote to its bind point itself
type deferredResult struct{}

var deferred any = deferredResult{}

// rootSlot holds a value on its own
type rootSlot struct {
	value any
}

func (s *rootSlot) Get() any  { return s.value }
func (s *rootSlot) Set(v any) { s.value = v }

// mapSlot is the entry key of m
type mapSlot struct {
	m   *tree.Map
	key string
}

func (s mapSlot) Get() any  { return s.m.Value(s.key) }
func (s mapSlot) Set(v any) { s.m.Set(s.key, v) }

// listSlot is the element i of list
type listSlot struct {
	list []any
	i    int
}

func (s listSlot) Get() any  { return s.list[s.i] }
func (s listSlot) Set(v any) { s.list[s.i] = v }

// inlineSlot is the map of the parent object itself. A map written to it is
// spliced into the parent without overriding its keys.
type inlineSlot struct {
	m *tree.Map
}

func (s inlineSlot) Get() any { return s.m }

func (s inlineSlot) Set(v any) {
	inlined, ok := v.(*tree.Map)
	if !ok || inlined == s.m {
		return
	}
	for _, k := range inlined.Keys() {
		if !s.m.Has(k) {
			s.m.Set(k, inlined.Value(k))
		}
	}
}
