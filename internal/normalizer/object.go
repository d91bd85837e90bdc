package normalizer

import (
	"context"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/tree"
)

// normalizeObject guards the traversal of one object, then emits its fields
func (n *Normalizer) normalizeObject(ctx context.Context, obj any, class string, rc RequestContext) (any, error) {
	if rc.bound && n.entities != nil && n.entities.Collect(obj) {
		rc.sched.register(n.entities)
		rc.sched.bind(rc.slot, n.normalize, obj, rc.narrow())
		return deferred, nil
	}

	p, err := n.plan(class)
	if err != nil {
		return nil, err
	}
	rc.trace, err = n.enter(obj, p, rc)
	if err != nil {
		return nil, err
	}

	if rc.bound {
		return deferred, n.normalizeBreadthFirst(ctx, p, obj, rc)
	}
	return n.normalizeFields(ctx, p, obj, rc)
}

func (n *Normalizer) normalizeFields(ctx context.Context, p *classPlan, obj any, rc RequestContext) (any, error) {
	attrs := n.readable(ctx, p, obj, rc)
	for _, gi := range p.initializers {
		if attrs.intersects(p.groups[gi.group]) {
			if err := gi.init.Initialize(ctx, obj); err != nil {
				return nil, fmt.Errorf("failed to initialize %s of %s: %w", gi.group, p.name, err)
			}
		}
	}
	if err := n.load(ctx, p, obj, attrs); err != nil {
		return nil, err
	}

	out := tree.NewMap()
	for _, f := range p.fields {
		override, ok := attrs[f.Key()]
		if !ok || !f.Readable() {
			continue
		}
		v := f.Get(obj)
		if !f.Type.RequiresNormalization() {
			out.Set(f.Key(), v)
			continue
		}
		nv, err := n.normalize(ctx, v, n.readContext(p, f, override, rc))
		if err != nil {
			return nil, err
		}
		out.Set(f.Key(), nv)
	}

	if rc.InlineProperty != "" {
		inlined, _ := out.Get(rc.InlineProperty)
		out.Delete(rc.InlineProperty)
		if m, ok := inlined.(*tree.Map); ok {
			for _, k := range m.Keys() {
				if !out.Has(k) {
					out.Set(k, m.Value(k))
				}
			}
		}
	}
	return out, nil
}

// normalizeBreadthFirst emits the fields of obj into its bind point. The
// first pass queues obj with its group initializers and reschedules itself
// with the computed attributes; the second pass writes scalars and binds
// nested values for the next level.
func (n *Normalizer) normalizeBreadthFirst(ctx context.Context, p *classPlan, obj any, rc RequestContext) error {
	attrs := rc.cached
	if attrs == nil {
		attrs = n.readable(ctx, p, obj, rc)

		requeue := false
		for _, gi := range p.initializers {
			if attrs.intersects(p.groups[gi.group]) && gi.init.Collect(obj) {
				rc.sched.register(gi.init)
				requeue = true
			}
		}
		if requeue {
			next := rc.narrow()
			next.cached = attrs
			rc.sched.bind(rc.slot, func(ctx context.Context, v any, rc RequestContext) (any, error) {
				return deferred, n.normalizeBreadthFirst(ctx, p, v, rc)
			}, obj, next)
			return nil
		}
	}
	if err := n.load(ctx, p, obj, attrs); err != nil {
		return err
	}

	out, ok := rc.slot.Get().(*tree.Map)
	if !ok {
		out = tree.NewMap()
		rc.slot.Set(out)
	}

	callContinuation := true
	for _, f := range p.fields {
		override, ok := attrs[f.Key()]
		if !ok || !f.Readable() || out.Has(f.Key()) {
			continue
		}
		v := f.Get(obj)
		if !f.Type.RequiresNormalization() {
			out.Set(f.Key(), v)
			continue
		}

		child := n.readContext(p, f, override, rc)
		var target BindPoint
		if f.Key() == rc.InlineProperty {
			target = inlineSlot{m: out}
			child.Continuation = rc.Continuation
			callContinuation = false
		} else {
			out.Set(f.Key(), nil)
			target = mapSlot{m: out, key: f.Key()}
			child.Continuation = nil
		}
		rc.sched.bind(target, n.normalize, v, child)
	}

	if callContinuation && rc.Continuation != nil {
		rc.Continuation()
	}
	return nil
}

// readContext narrows rc for the value of field f
func (n *Normalizer) readContext(p *classPlan, f *schema.Field, override []string, rc RequestContext) RequestContext {
	child := rc.narrow()
	if f.Key() == rc.InlineProperty || f.Key() == rc.IndexByProperty {
		child.Shape = rc.Shape
	} else {
		child.Shape = rc.Shape[f.Key()]
	}

	switch {
	case override != nil:
		child.Groups = override
	case f.ReadGroups != nil && !rc.ForceGroups:
		child.Groups = f.ReadGroups
	}

	child.InlineProperty = f.Inline
	child.IndexByProperty = f.IndexBy
	child.SkipProperty = p.skipFor(f)
	child.InboundProperty = f.Key()
	return child
}

// load initializes a lazy object before fields other than its identity are
// read. Objects batched by an initializer are already loaded.
func (n *Normalizer) load(ctx context.Context, p *classPlan, obj any, attrs AttributeSet) error {
	lazy, ok := obj.(collection.Lazy)
	if !ok || lazy.Initialized() {
		return nil
	}

	needed := false
	for k := range attrs {
		if !p.isIdentity(k) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	var err error
	if n.entities != nil {
		err = n.entities.Initialize(ctx, obj)
	} else {
		err = lazy.Initialize(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", p.name, err)
	}
	return nil
}
