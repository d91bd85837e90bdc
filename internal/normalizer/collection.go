package normalizer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/tree"
)

// normalizeCollection emits a sequence, or a map keyed by the index field
// when rc.IndexByProperty is set. Elements share the collection's context.
func (n *Normalizer) normalizeCollection(ctx context.Context, coll any, rc RequestContext) (any, error) {
	if rc.bound {
		return n.normalizeCollectionBreadthFirst(ctx, coll, rc)
	}

	elems, err := n.elements(ctx, coll)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		v, err := n.normalize(ctx, e, rc.narrow())
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	if rc.IndexByProperty == "" {
		return out, nil
	}

	indexed := tree.NewMap()
	for i, v := range out {
		m, ok := v.(*tree.Map)
		if !ok {
			continue
		}
		key := indexKey(m.Value(rc.IndexByProperty), i)
		m.Delete(rc.IndexByProperty)
		indexed.Set(key, m)
	}
	return indexed, nil
}

func (n *Normalizer) normalizeCollectionBreadthFirst(ctx context.Context, coll any, rc RequestContext) (any, error) {
	if n.collections != nil && n.collections.Collect(coll) {
		rc.sched.register(n.collections)
		rc.sched.bind(rc.slot, n.normalize, coll, rc.narrow())
		return deferred, nil
	}

	elems, err := n.elements(ctx, coll)
	if err != nil {
		return nil, err
	}

	if rc.IndexByProperty != "" {
		out := tree.NewMap()
		rc.slot.Set(out)
		idx := &indexedCollection{target: out, property: rc.IndexByProperty, entries: make([]*indexedEntry, len(elems))}
		for i, e := range elems {
			holder := &rootSlot{}
			child := rc.narrow()
			child.Continuation = func() { idx.complete(i, holder.value) }
			rc.sched.bind(holder, n.normalize, e, child)
		}
	} else {
		out := make([]any, len(elems))
		rc.slot.Set(out)
		for i, e := range elems {
			child := rc.narrow()
			child.Continuation = nil
			rc.sched.bind(listSlot{list: out, i: i}, n.normalize, e, child)
		}
	}

	if rc.Continuation != nil {
		rc.Continuation()
	}
	return deferred, nil
}

// elements loads a lazy collection and returns its members
func (n *Normalizer) elements(ctx context.Context, coll any) ([]any, error) {
	if lazy, ok := coll.(collection.Lazy); ok && !lazy.Initialized() {
		var err error
		if n.collections != nil {
			err = n.collections.Initialize(ctx, coll)
		} else {
			err = lazy.Initialize(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load collection: %w", err)
		}
	}

	elems, ok := collection.Elements(coll)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a collection", ErrUnsupportedValue, coll)
	}
	return elems, nil
}

type indexedEntry struct {
	key   string
	value *tree.Map
}

// indexedCollection collects the elements of an indexed collection as they
// complete, keeping the order of the collection
type indexedCollection struct {
	target   *tree.Map
	property string
	entries  []*indexedEntry
}

func (c *indexedCollection) complete(i int, v any) {
	m, ok := v.(*tree.Map)
	if !ok {
		return
	}
	key := indexKey(m.Value(c.property), i)
	m.Delete(c.property)
	c.entries[i] = &indexedEntry{key: key, value: m}

	c.target.Clear()
	for _, e := range c.entries {
		if e != nil {
			c.target.Set(e.key, e.value)
		}
	}
}

func indexKey(v any, position int) string {
	if v == nil {
		return strconv.Itoa(position)
	}
	return fmt.Sprint(v)
}
