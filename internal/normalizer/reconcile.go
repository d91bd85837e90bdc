package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/tree"
	"github.com/google/uuid"
)

// denormalizeCollection reconciles data with rc.ObjectToPopulate. A managed
// collection is updated in place and returned; anything else is copied and
// the resulting elements are returned as a slice.
func (n *Normalizer) denormalizeCollection(ctx context.Context, data any, class string, rc RequestContext) (any, error) {
	var coll collection.Collection
	managed := false
	if c, ok := rc.ObjectToPopulate.(collection.Collection); ok && !isNil(c) {
		if _, err := n.elements(ctx, c); err != nil {
			return nil, err
		}
		coll, managed = c, true
	} else {
		elems, _ := collection.Elements(rc.ObjectToPopulate)
		coll = collection.NewList(elems...)
	}
	rc.ObjectToPopulate = nil

	if err := n.reconcile(ctx, data, class, coll, newArena(n), rc); err != nil {
		return nil, err
	}
	if managed {
		return coll, nil
	}
	return coll.Elements(), nil
}

type incomingElement struct {
	key string
	obj any
}

// reconcile applies one collection payload to coll
func (n *Normalizer) reconcile(ctx context.Context, data any, class string, coll collection.Collection, a *arena, rc RequestContext) error {
	op, entries, err := parsePayload(data, rc.IndexByProperty)
	if err != nil {
		return err
	}
	if op == OpMerge {
		for _, e := range entries {
			if err := n.reconcile(ctx, e.value, class, coll, a, rc); err != nil {
				return err
			}
		}
		return nil
	}

	existing := coll.Elements()
	existingKeys := make([]string, len(existing))
	members := make(map[string]any, len(existing))
	for i, e := range existing {
		existingKeys[i] = a.key(e)
		members[existingKeys[i]] = e
	}

	child := rc
	child.ObjectToPopulate = nil
	switch op {
	case OpAdd, OpSet:
		child.PreWrite = nil
	case OpRemove:
		child.PreWrite = func(any) bool { return false }
	default:
		child.PreWrite = func(e any) bool {
			_, ok := members[a.key(e)]
			return ok
		}
	}

	// Without a store nothing resolves identities, so incoming data is
	// matched against the current members here
	var byIdentity map[string]any
	if n.store == nil {
		byIdentity = a.members(existing)
	}

	var incoming []incomingElement
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		value := e.value
		if rc.IndexByProperty != "" && e.keyed {
			value = withIndex(value, rc.IndexByProperty, e.key)
		}
		elem := child
		if byIdentity != nil {
			var member any
			var ok bool
			if member, value, ok = a.match(class, value, byIdentity); ok {
				elem.ObjectToPopulate = member
			}
		}
		obj, err := n.denormalizeObject(ctx, value, class, elem)
		if err != nil {
			return err
		}
		if isNil(obj) {
			continue
		}
		k := a.key(obj)
		if seen[k] {
			continue
		}
		seen[k] = true
		incoming = append(incoming, incomingElement{key: k, obj: obj})
	}

	if op.hasRetain() {
		for i, e := range existing {
			if seen[existingKeys[i]] {
				continue
			}
			if err := n.removeElement(ctx, coll, e, rc); err != nil {
				return err
			}
		}
	}

	if op.hasAdd() {
		for _, in := range incoming {
			if _, ok := members[in.key]; ok {
				continue
			}
			coll.Add(in.obj)
			if rc.AutoPersist && n.store != nil {
				if err := n.store.Updater(rc.Flushing).Persist(ctx, in.obj); err != nil {
					return fmt.Errorf("failed to persist %s: %w", class, err)
				}
			}
		}
	}

	if op == OpRemove {
		for _, in := range incoming {
			member, ok := members[in.key]
			if !ok {
				continue
			}
			if err := n.removeElement(ctx, coll, member, rc); err != nil {
				return err
			}
		}
	}

	if n.store != nil {
		if err := n.store.Updater(rc.Flushing).UpdateCollection(ctx, coll); err != nil {
			return fmt.Errorf("failed to update %s collection: %w", class, err)
		}
	}
	return nil
}

func (n *Normalizer) removeElement(ctx context.Context, coll collection.Collection, e any, rc RequestContext) error {
	if !coll.Remove(e) {
		return nil
	}
	if rc.OnRemove != nil {
		return rc.OnRemove(ctx, e)
	}
	return nil
}

// withIndex writes the payload key of an element into its index field
func withIndex(value any, property, key string) any {
	if value == nil {
		m := tree.NewMap()
		m.Set(property, key)
		return m
	}
	m, ok := asTree(value)
	if !ok {
		return value
	}
	m.Set(property, key)
	return m
}

// arena assigns surrogate keys to the elements of one reconciliation.
// Persisted elements are keyed by class and identity so that distinct
// instances of the same entity match; others get a token per instance.
type arena struct {
	n      *Normalizer
	tokens map[any]string
}

func newArena(n *Normalizer) *arena {
	return &arena{n: n, tokens: make(map[any]string)}
}

func (a *arena) key(obj any) string {
	if k, ok := a.identityKey(obj); ok {
		return k
	}
	if reflect.ValueOf(obj).Kind() != reflect.Pointer {
		return uuid.NewString()
	}
	if k, ok := a.tokens[obj]; ok {
		return k
	}
	k := uuid.NewString()
	a.tokens[obj] = k
	return k
}

func (a *arena) identityKey(obj any) (string, bool) {
	class, err := a.n.meta.ClassOf(obj)
	if err != nil {
		return "", false
	}
	values, ok := a.identityValues(class, obj)
	if !ok {
		return "", false
	}
	return class + values, true
}

// identityValues renders the identity of obj without its class name
func (a *arena) identityValues(class string, obj any) (string, bool) {
	p, err := a.n.plan(class)
	if err != nil || len(p.identity) == 0 {
		return "", false
	}

	values := make([]string, 0, len(p.identity))
	for _, f := range p.identity {
		if !f.Readable() {
			return "", false
		}
		v := f.Get(obj)
		if isNil(v) {
			return "", false
		}
		if f.Type.IsObject() {
			k, ok := a.identityKey(v)
			if !ok {
				return "", false
			}
			values = append(values, k)
			continue
		}
		values = append(values, fmt.Sprint(v))
	}
	return encodeValues(values)
}

// dataIdentity renders the identity named by incoming data the way
// identityValues renders it for an instance of class
func (a *arena) dataIdentity(class string, in *tree.Map) (string, bool) {
	p, err := a.n.plan(class)
	if err != nil || len(p.identity) == 0 {
		return "", false
	}

	values := make([]string, 0, len(p.identity))
	for _, f := range p.identity {
		v := in.Value(f.Key())
		if isNil(v) {
			return "", false
		}
		if f.Type.IsObject() {
			if sub, ok := asTree(v); ok {
				k, ok := a.dataIdentity(f.Type.Class, sub)
				if !ok {
					return "", false
				}
				values = append(values, f.Type.Class+k)
				continue
			}
			k, ok := a.identityKey(v)
			if !ok {
				return "", false
			}
			values = append(values, k)
			continue
		}
		values = append(values, fmt.Sprint(v))
	}
	return encodeValues(values)
}

func encodeValues(values []string) (string, bool) {
	b, err := json.Marshal(values)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// members indexes the elements of a collection by identity, for matching
// incoming data when no store resolves it
func (a *arena) members(elems []any) map[string]any {
	byIdentity := make(map[string]any, len(elems))
	for _, e := range elems {
		class, err := a.n.meta.ClassOf(e)
		if err != nil {
			continue
		}
		if k, ok := a.identityValues(class, e); ok {
			byIdentity[k] = e
		}
	}
	return byIdentity
}

// match finds the member named by the identity fields of value. The identity
// fields are dropped from the returned data since the member already holds
// them.
func (a *arena) match(class string, value any, byIdentity map[string]any) (any, any, bool) {
	in, ok := asTree(value)
	if !ok {
		return nil, value, false
	}
	k, ok := a.dataIdentity(class, in)
	if !ok {
		return nil, value, false
	}
	member, ok := byIdentity[k]
	if !ok {
		return nil, value, false
	}
	p, err := a.n.plan(class)
	if err != nil {
		return nil, value, false
	}
	for _, f := range p.identity {
		in.Delete(f.Key())
	}
	return member, in, true
}
