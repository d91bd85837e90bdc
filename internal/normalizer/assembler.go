package normalizer

import (
	"context"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/orm/store"
	"github.com/conduit-lang/normalizer/internal/tree"
	"go.uber.org/zap"
)

// resolveIdentity looks up the instance named by the identity fields of in.
// The identity fields of a found instance are consumed and never written; a
// new instance receives them like any other field.
func (n *Normalizer) resolveIdentity(ctx context.Context, p *classPlan, in *tree.Map, attrs AttributeSet, obj any, rc RequestContext) (any, error) {
	if obj != nil {
		return obj, nil
	}

	present := false
	for _, f := range p.identity {
		if attrs.Has(f.Key()) {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}

	identity := make(map[string]any, len(p.identity))
	for _, f := range p.identity {
		if !attrs.Has(f.Key()) {
			return nil, &IdentityError{Err: ErrIdentityIncomplete, Class: p.name, Field: f.Key()}
		}
		v := in.Value(f.Key())
		if v == nil {
			return nil, &IdentityError{Err: ErrIdentityNull, Class: p.name, Field: f.Key()}
		}
		if f.Type.RequiresDenormalization() {
			ref, err := n.denormalizeValue(ctx, f, v, n.writeContext(p, f, nil, in, rc))
			if err != nil {
				return nil, err
			}
			if isNil(ref) {
				return nil, &IdentityError{Err: ErrIdentityNull, Class: p.name, Field: f.Key()}
			}
			v = ref
		}
		identity[f.Name] = v
	}

	found, err := n.store.Find(ctx, p.name, identity)
	if err != nil {
		if !store.IsInvalidReference(err) {
			return nil, fmt.Errorf("failed to find %s: %w", p.name, err)
		}
		n.logger.Warn("invalid reference in incoming data",
			zap.String("class", p.name),
			zap.Any("identity", identity),
			zap.Error(err))
		found = nil
	}

	if isNil(found) {
		return nil, nil
	}
	for _, f := range p.identity {
		in.Delete(f.Key())
		delete(attrs, f.Key())
	}
	return found, nil
}

// construct creates a new instance of p. Parameters of the factory or
// constructor are matched to fields by name and consumed from in.
func (n *Normalizer) construct(ctx context.Context, p *classPlan, in *tree.Map, attrs AttributeSet, rc RequestContext) (any, error) {
	factory, isFactory := p.factory, true
	if factory == nil {
		if p.class.Abstract {
			return nil, &ConstructionError{Err: ErrAbstractNotConstructible, Class: p.name}
		}
		factory, isFactory = p.constructor, false
	}
	if factory == nil {
		if p.class.New == nil {
			return nil, &ConstructionError{Err: ErrAbstractNotConstructible, Class: p.name}
		}
		return p.class.New(), nil
	}

	for _, param := range factory.Params {
		if p.byName[param.Name] == nil && !param.Variadic && !param.HasDefault {
			return nil, &ConstructionError{Err: ErrUnhandledConstructorParameter, Class: p.name, Param: param.Name, Factory: isFactory}
		}
	}

	args := make([]any, 0, len(factory.Params))
	var consumed []string
	for _, param := range factory.Params {
		f := p.byName[param.Name]
		fail := func(err error) error {
			return &ConstructionError{Err: err, Class: p.name, Param: param.Name, Factory: isFactory}
		}

		if f == nil || !attrs.Has(f.Key()) {
			switch {
			case param.Variadic:
				args = append(args, []any{})
			case param.HasDefault:
				args = append(args, param.Default)
			default:
				return nil, fail(ErrConstructionParameterUnwritable)
			}
			continue
		}

		raw := in.Value(f.Key())
		value, err := n.argument(ctx, p, f, raw, in, rc)
		if err != nil {
			return nil, err
		}
		if param.Variadic {
			elems, ok := sequence(value)
			if !ok {
				return nil, fail(ErrConstructionParameterInvalidArity)
			}
			value = elems
		}
		args = append(args, value)
		consumed = append(consumed, f.Key())
	}

	obj, err := factory.New(ctx, args)
	if err != nil {
		return nil, &ConstructionError{Err: err, Class: p.name, Factory: isFactory}
	}
	for _, k := range consumed {
		in.Delete(k)
		delete(attrs, k)
	}
	return obj, nil
}

// argument denormalizes the value of a construction parameter. The instance
// does not exist yet, so nested values are not linked back to it.
func (n *Normalizer) argument(ctx context.Context, p *classPlan, f *schema.Field, raw any, in *tree.Map, rc RequestContext) (any, error) {
	if !f.Type.RequiresDenormalization() {
		return raw, nil
	}
	if isNil(raw) && f.Type.IsObject() && f.Type.Nullable {
		return nil, nil
	}
	return n.denormalizeValue(ctx, f, raw, n.writeContext(p, f, nil, in, rc))
}

func sequence(v any) ([]any, bool) {
	switch v.(type) {
	case nil, string, []byte:
		return nil, false
	}
	return collection.Elements(v)
}
