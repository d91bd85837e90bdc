package normalizer

import (
	"context"
	"sort"

	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/tree"
)

// AttributeSet maps the keys of the selected fields to nil, meaning the
// field's default groups, or to the groups to use for its nested value
type AttributeSet map[string][]string

// Has reports whether key is selected
func (a AttributeSet) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Keys returns the selected keys in sorted order
func (a AttributeSet) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a AttributeSet) intersects(keys []string) bool {
	for _, k := range keys {
		if a.Has(k) {
			return true
		}
	}
	return false
}

func (p *classPlan) all() AttributeSet {
	attrs := make(AttributeSet, len(p.fields))
	for _, f := range p.fields {
		attrs[f.Key()] = nil
	}
	return attrs
}

func (p *classPlan) groupsSet(groups []string) AttributeSet {
	attrs := make(AttributeSet)
	for _, g := range groups {
		for _, k := range p.groups[g] {
			attrs[k] = nil
		}
	}
	return attrs
}

func (p *classPlan) resolve(h halfShape) AttributeSet {
	if h.all {
		return p.all()
	}
	attrs := p.groupsSet(h.groups)
	for _, k := range h.fields {
		if _, ok := p.byKey[k]; ok {
			attrs[k] = nil
		}
	}
	return attrs
}

// SelectReadable returns the fields of class to emit for obj
func (n *Normalizer) SelectReadable(ctx context.Context, class string, obj any, rc RequestContext) (AttributeSet, error) {
	p, err := n.plan(class)
	if err != nil {
		return nil, err
	}
	return n.readable(ctx, p, obj, rc), nil
}

// SelectWritable returns the fields of class that data may write
func (n *Normalizer) SelectWritable(class string, data *tree.Map, rc RequestContext) (AttributeSet, error) {
	p, err := n.plan(class)
	if err != nil {
		return nil, err
	}
	return p.writable(rc, data), nil
}

func (n *Normalizer) readable(ctx context.Context, p *classPlan, obj any, rc RequestContext) AttributeSet {
	var attrs AttributeSet
	switch {
	case rc.Shape != nil:
		included, excluded := rc.Shape.split()
		attrs = p.resolve(included)
		for k := range p.resolve(excluded) {
			delete(attrs, k)
		}
		filter := rc.AllowedGroups
		if filter == nil {
			filter = rc.Groups
		}
		if filter != nil {
			allowed := p.groupsSet(filter)
			for k := range attrs {
				if !allowed.Has(k) {
					delete(attrs, k)
				}
			}
		}
	case rc.Groups != nil:
		attrs = p.groupsSet(rc.Groups)
	default:
		attrs = p.all()
	}

	if rc.CheckAuthorizations {
		n.authorize(ctx, p, p.security.Read, obj, attrs)
	}

	for _, f := range p.fields {
		if f.AlwaysInclude && !attrs.Has(f.Key()) {
			attrs[f.Key()] = []string{schema.IdentityGroup}
		}
	}
	if rc.SkipProperty != "" {
		delete(attrs, rc.SkipProperty)
	}
	if rc.InlineProperty != "" {
		attrs[rc.InlineProperty] = nil
	}
	if rc.IndexByProperty != "" {
		attrs[rc.IndexByProperty] = nil
	}
	return attrs
}

func (p *classPlan) writable(rc RequestContext, data *tree.Map) AttributeSet {
	var attrs AttributeSet
	if rc.Groups != nil {
		attrs = p.groupsSet(rc.Groups)
	} else {
		attrs = p.all()
	}
	for k := range rc.ForceProperties {
		attrs[k] = nil
	}
	for _, f := range p.identity {
		attrs[f.Key()] = nil
	}
	for k := range attrs {
		if !data.Has(k) {
			delete(attrs, k)
		}
	}
	return attrs
}

// authorize strips the fields of every protected group intersecting attrs
// whose permission is not granted on obj. Without an authorizer protected
// groups are always stripped.
func (n *Normalizer) authorize(ctx context.Context, p *classPlan, permissions map[string]string, obj any, attrs AttributeSet) {
	groups := make([]string, 0, len(permissions))
	for g := range permissions {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		keys := p.groups[g]
		if !attrs.intersects(keys) {
			continue
		}
		if n.authorizer != nil && n.authorizer.IsGranted(ctx, permissions[g], obj) {
			continue
		}
		for _, k := range keys {
			delete(attrs, k)
		}
	}
}
