package normalizer

import (
	"fmt"
	"sort"

	"github.com/conduit-lang/normalizer/internal/orm/schema"
)

// groupInitializer is an initializer attached to the fields of one group
type groupInitializer struct {
	group string
	init  schema.Initializer
}

// classPlan is the per-class table the engine interprets. It is derived once
// from the metadata and cached by class name.
type classPlan struct {
	name     string
	class    *schema.Class
	fields   []*schema.Field
	byKey    map[string]*schema.Field
	byName   map[string]*schema.Field
	groups   map[string][]string
	identity []*schema.Field

	security     schema.GroupSecurity
	initializers []groupInitializer
	// inverses maps a field key to the field of the target class pointing back
	inverses map[string]*schema.Field

	factory     *schema.Factory
	constructor *schema.Factory
}

func (n *Normalizer) plan(name string) (*classPlan, error) {
	if p, ok := n.plans.Load(name); ok {
		return p.(*classPlan), nil
	}

	class, err := n.meta.Class(name)
	if err != nil {
		return nil, err
	}
	fields, err := n.meta.Fields(name)
	if err != nil {
		return nil, err
	}
	factory, err := n.meta.Factory(name)
	if err != nil {
		return nil, err
	}
	security, err := n.meta.GroupSecurity(name)
	if err != nil {
		return nil, err
	}
	inits, err := n.meta.GroupInitializers(name)
	if err != nil {
		return nil, err
	}

	p := &classPlan{
		name:        name,
		class:       class,
		fields:      fields,
		byKey:       make(map[string]*schema.Field, len(fields)),
		byName:      make(map[string]*schema.Field, len(fields)),
		groups:      make(map[string][]string),
		inverses:    make(map[string]*schema.Field),
		security:    security,
		factory:     factory,
		constructor: class.Constructor,
	}
	for _, f := range fields {
		p.byKey[f.Key()] = f
		p.byName[f.Name] = f
		for _, g := range f.Groups {
			p.groups[g] = append(p.groups[g], f.Key())
		}
		if f.InGroup(schema.IdentityGroup) {
			p.identity = append(p.identity, f)
		}

		if f.Inverse == "" || !f.Type.RequiresDenormalization() {
			continue
		}
		target, err := n.meta.Class(f.Type.Class)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", name, f.Key(), err)
		}
		inverse := target.Field(f.Inverse)
		if inverse == nil {
			inverse = target.FieldByName(f.Inverse)
		}
		if inverse != nil {
			p.inverses[f.Key()] = inverse
		}
	}

	groups := make([]string, 0, len(inits))
	for g := range inits {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		p.initializers = append(p.initializers, groupInitializer{group: g, init: inits[g]})
	}

	actual, _ := n.plans.LoadOrStore(name, p)
	return actual.(*classPlan), nil
}

// skipFor returns the field of the target class that must not be emitted
// when normalizing the value of f, since it points back to the owner
func (p *classPlan) skipFor(f *schema.Field) string {
	inverse, ok := p.inverses[f.Key()]
	if !ok {
		return f.Inverse
	}
	if inverse.Type.IsCollection() {
		return ""
	}
	return inverse.Key()
}

func (p *classPlan) isIdentity(key string) bool {
	for _, f := range p.identity {
		if f.Key() == key {
			return true
		}
	}
	return false
}
