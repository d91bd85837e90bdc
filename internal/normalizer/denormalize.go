package normalizer

import (
	"context"
	"fmt"
	"sort"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/tree"
)

// asTree returns a copy of object data that can be consumed
func asTree(v any) (*tree.Map, bool) {
	switch x := v.(type) {
	case *tree.Map:
		if x == nil {
			return nil, false
		}
		return x.Clone(), true
	case map[string]any:
		return tree.FromMap(x), true
	}
	return nil, false
}

func (n *Normalizer) denormalizeObject(ctx context.Context, data any, class string, rc RequestContext) (any, error) {
	if isNil(data) {
		return nil, nil
	}
	in, ok := asTree(data)
	if !ok {
		if name, err := n.meta.ClassOf(data); err == nil && n.meta.IsA(name, class) {
			return data, nil
		}
		return nil, fmt.Errorf("%w: %s expects an object, got %T", ErrInvalidData, class, data)
	}

	class, err := n.discriminate(class, in)
	if err != nil {
		return nil, err
	}
	p, err := n.plan(class)
	if err != nil {
		return nil, err
	}

	forced := make([]string, 0, len(rc.ForceProperties))
	for k := range rc.ForceProperties {
		forced = append(forced, k)
	}
	sort.Strings(forced)
	for _, k := range forced {
		in.Set(k, rc.ForceProperties[k])
	}

	attrs := p.writable(rc, in)
	if rc.InlineProperty != "" {
		inlined := tree.NewMap()
		for _, k := range in.Keys() {
			if !attrs.Has(k) {
				inlined.Set(k, in.Value(k))
				in.Delete(k)
			}
		}
		attrs[rc.InlineProperty] = nil
		in.Set(rc.InlineProperty, inlined)
	}

	var obj any
	if otp := rc.ObjectToPopulate; otp != nil {
		if name, err := n.meta.ClassOf(otp); err == nil && n.meta.IsA(name, class) {
			obj = otp
		}
	}

	if n.store != nil && len(p.identity) > 0 {
		if obj, err = n.resolveIdentity(ctx, p, in, attrs, obj, rc); err != nil {
			return nil, err
		}
		if obj == nil && rc.StrictFind {
			return nil, nil
		}
	}

	if obj == nil {
		if rc.PreWrite != nil {
			return nil, nil
		}
		if obj, err = n.construct(ctx, p, in, attrs, rc); err != nil {
			return nil, err
		}
	}

	if name, err := n.meta.ClassOf(obj); err == nil && name != p.name {
		sub, err := n.plan(name)
		if err != nil {
			return nil, err
		}
		subAttrs := sub.writable(rc, in)
		if rc.InlineProperty != "" {
			subAttrs[rc.InlineProperty] = nil
		}
		p, attrs = sub, subAttrs
	}

	if err := n.populate(ctx, p, obj, in, attrs, rc); err != nil {
		return nil, err
	}
	return obj, nil
}

// discriminate picks the concrete class named by the discriminator field of
// incoming data
func (n *Normalizer) discriminate(class string, in *tree.Map) (string, error) {
	c, err := n.meta.Class(class)
	if err != nil {
		return "", err
	}
	if c.Discriminator == nil || !in.Has(c.Discriminator.Field) {
		return class, nil
	}

	value := fmt.Sprint(in.Value(c.Discriminator.Field))
	sub, ok := c.Discriminator.Mapping[value]
	if !ok {
		return "", fmt.Errorf("%w: unknown %s %q for %s", ErrInvalidData, c.Discriminator.Field, value, class)
	}
	target, err := n.meta.Class(sub)
	if err != nil {
		return "", err
	}
	if target.Field(c.Discriminator.Field) == nil {
		in.Delete(c.Discriminator.Field)
	}
	return sub, nil
}

// populate writes the selected fields of in on obj
func (n *Normalizer) populate(ctx context.Context, p *classPlan, obj any, in *tree.Map, attrs AttributeSet, rc RequestContext) error {
	if rc.PreWrite != nil && !rc.PreWrite(obj) {
		return nil
	}

	if rc.CheckAuthorizations {
		n.authorize(ctx, p, p.security.Write, obj, attrs)
	}

	if rc.Strict {
		var extra []string
		for _, k := range in.Keys() {
			if !attrs.Has(k) {
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			return &ExtraAttributesError{Class: p.name, Attributes: extra}
		}
	}

	for _, f := range p.fields {
		if !attrs.Has(f.Key()) {
			continue
		}
		raw := in.Value(f.Key())

		if f.Type.IsCollection() && f.Type.RequiresDenormalization() {
			if !f.Readable() {
				continue
			}
			current := f.Get(obj)
			child := n.writeContext(p, f, obj, in, rc)
			child.ObjectToPopulate = current
			result, err := n.denormalizeCollection(ctx, raw, f.Type.Class, child)
			if err != nil {
				return err
			}
			if _, managed := current.(collection.Collection); (!managed || isNil(current)) && f.Writable() {
				if err := f.Set(obj, result); err != nil {
					return fmt.Errorf("failed to set %s.%s: %w", p.name, f.Key(), err)
				}
			}
			continue
		}

		if !f.Writable() {
			continue
		}
		value := raw
		if f.Type.RequiresDenormalization() {
			var err error
			if value, err = n.denormalizeObject(ctx, raw, f.Type.Class, n.writeContext(p, f, obj, in, rc)); err != nil {
				return err
			}
			_, isData := asTree(raw)
			if (isNil(raw) || isData) && f.Readable() {
				if err := n.replace(ctx, p, f, obj, value, rc); err != nil {
					return err
				}
			}
		}
		if err := f.Set(obj, value); err != nil {
			return fmt.Errorf("failed to set %s.%s: %w", p.name, f.Key(), err)
		}
	}
	return nil
}

// replace detaches the previous value of a to-one field about to receive
// value: the inverse side forgets owner and, with auto-remove, the previous
// value is removed from the store
func (n *Normalizer) replace(ctx context.Context, p *classPlan, f *schema.Field, owner, value any, rc RequestContext) error {
	if f.AutoPersist && !isNil(value) && n.store != nil {
		if err := n.store.Updater(rc.Flushing).Persist(ctx, value); err != nil {
			return fmt.Errorf("failed to persist %s.%s: %w", p.name, f.Key(), err)
		}
	}

	previous := f.Get(owner)
	if isNil(previous) || sameInstance(previous, value) {
		return nil
	}
	return n.detach(ctx, f, p.inverses[f.Key()], owner, previous, rc.Flushing)
}

// detach makes target forget owner through inverse and removes target from
// the store when f is auto-remove. Targets whose inverse is a collection are
// only removed once it is empty.
func (n *Normalizer) detach(ctx context.Context, f, inverse *schema.Field, owner, target any, flushing bool) error {
	if inverse != nil {
		if inverse.Type.IsCollection() {
			if err := n.removeMember(ctx, inverse, target, owner); err != nil {
				return err
			}
		} else if inverse.Type.Nullable && inverse.Writable() {
			if err := inverse.Set(target, nil); err != nil {
				return fmt.Errorf("failed to clear %s: %w", inverse.Key(), err)
			}
		}
	}

	if !f.AutoRemove || n.store == nil {
		return nil
	}
	if inverse != nil && inverse.Type.IsCollection() && inverse.Readable() {
		if coll, ok := collection.Elements(inverse.Get(target)); ok && len(coll) > 0 {
			return nil
		}
	}
	if err := n.store.Updater(flushing).Remove(ctx, target); err != nil {
		return fmt.Errorf("failed to remove %s: %w", f.Key(), err)
	}
	return nil
}

// removeMember removes member from the collection held by field f of target
func (n *Normalizer) removeMember(ctx context.Context, f *schema.Field, target, member any) error {
	if !f.Readable() {
		return nil
	}
	current := f.Get(target)
	if coll, ok := current.(collection.Collection); ok && !isNil(coll) {
		if _, err := n.elements(ctx, coll); err != nil {
			return err
		}
		coll.Remove(member)
		return nil
	}

	elems, ok := collection.Elements(current)
	if !ok || !f.Writable() {
		return nil
	}
	kept := make([]any, 0, len(elems))
	for _, e := range elems {
		if !sameInstance(e, member) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(elems) {
		return nil
	}
	if err := f.Set(target, kept); err != nil {
		return fmt.Errorf("failed to update %s: %w", f.Key(), err)
	}
	return nil
}

// writeContext narrows rc for the incoming value of field f. With an owner,
// the value is made to point back to it through the inverse field.
func (n *Normalizer) writeContext(p *classPlan, f *schema.Field, owner any, in *tree.Map, rc RequestContext) RequestContext {
	child := rc.narrow()
	if f.WriteGroups != nil {
		child.Groups = f.WriteGroups
	}
	child.AutoPersist = f.AutoPersist
	child.StrictFind = !f.AutoPersist
	child.InlineProperty = f.Inline
	child.IndexByProperty = f.IndexBy
	child.InboundProperty = f.Key()
	child.ObjectToPopulate = nil
	child.ForceProperties = nil
	child.OnRemove = nil
	child.PreWrite = nil

	if owner == nil {
		return child
	}
	inverse := p.inverses[f.Key()]
	if inverse != nil {
		if inverse.Type.IsCollection() {
			child.ForceProperties = map[string]any{inverse.Key(): inverseAddition(in.Value(f.Key()), inverse.Key(), owner)}
		} else {
			child.ForceProperties = map[string]any{inverse.Key(): owner}
		}
	}
	if inverse != nil || f.AutoRemove {
		flushing := rc.Flushing
		child.OnRemove = func(ctx context.Context, element any) error {
			return n.detach(ctx, f, inverse, owner, element, flushing)
		}
	}
	return child
}

// inverseAddition is the collection payload adding owner to the inverse
// collection of the incoming value, after the payload's own operations on it
func inverseAddition(payload any, inverseKey string, owner any) any {
	if m, ok := asTree(payload); ok && m.Has(inverseKey) {
		if v := m.Value(inverseKey); v != nil {
			return []any{"$merge", v, []any{"$add", owner}}
		}
		return []any{owner}
	}
	return []any{"$add", owner}
}

// denormalizeValue denormalizes the incoming value of a field declared with
// a class
func (n *Normalizer) denormalizeValue(ctx context.Context, f *schema.Field, raw any, rc RequestContext) (any, error) {
	if f.Type.IsCollection() {
		return n.denormalizeCollection(ctx, raw, f.Type.Class, rc)
	}
	return n.denormalizeObject(ctx, raw, f.Type.Class, rc)
}
