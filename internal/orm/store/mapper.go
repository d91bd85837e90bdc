package store

import (
	"context"
	"fmt"
	"reflect"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
)

// identityColumns returns the flattened identity columns of a class. A
// reference component contributes one column per identity column of its
// target, prefixed with the field name.
func (s *Session) identityColumns(class *schema.Class) ([]string, error) {
	return s.identityColumnsDepth(class, 0)
}

func (s *Session) identityColumnsDepth(class *schema.Class, depth int) ([]string, error) {
	if depth > 8 {
		return nil, fmt.Errorf("identity of %s references itself", class.Name)
	}
	fields := class.IdentityFields()
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: class %s has no identity fields", ErrIdentityRequired, class.Name)
	}

	var cols []string
	for _, f := range fields {
		if !f.Type.IsObject() {
			cols = append(cols, f.Name)
			continue
		}
		target, err := s.meta.Class(f.Type.Class)
		if err != nil {
			return nil, err
		}
		sub, err := s.identityColumnsDepth(target, depth+1)
		if err != nil {
			return nil, err
		}
		for _, c := range sub {
			cols = append(cols, f.Name+"_"+c)
		}
	}
	return cols, nil
}

// referenceColumns returns the columns storing a to-one reference
func (s *Session) referenceColumns(f *schema.Field) ([]string, error) {
	target, err := s.meta.Class(f.Type.Class)
	if err != nil {
		return nil, err
	}
	sub, err := s.identityColumns(target)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(sub))
	for i, c := range sub {
		cols[i] = f.Name + "_" + c
	}
	return cols, nil
}

// linkTable returns the join table and its owner and target columns for a
// collection that is not mapped through a to-one inverse
func (s *Session) linkTable(owner *schema.Class, f *schema.Field) (table string, ownerCols, targetCols []string, err error) {
	target, err := s.meta.Class(f.Type.Class)
	if err != nil {
		return "", nil, nil, err
	}
	oc, err := s.identityColumns(owner)
	if err != nil {
		return "", nil, nil, err
	}
	tc, err := s.identityColumns(target)
	if err != nil {
		return "", nil, nil, err
	}
	for _, c := range oc {
		ownerCols = append(ownerCols, "owner_"+c)
	}
	for _, c := range tc {
		targetCols = append(targetCols, "target_"+c)
	}
	return owner.TableName() + "_" + f.Name, ownerCols, targetCols, nil
}

// inverseReference returns the to-one field of the element class that maps a
// collection, or nil when the collection uses a join table
func (s *Session) inverseReference(f *schema.Field) (*schema.Field, error) {
	if f.Inverse == "" {
		return nil, nil
	}
	target, err := s.meta.Class(f.Type.Class)
	if err != nil {
		return nil, err
	}
	inv := target.FieldByName(f.Inverse)
	if inv == nil {
		inv = target.Field(f.Inverse)
	}
	if inv == nil || !inv.Type.IsObject() {
		return nil, nil
	}
	return inv, nil
}

// identityOf returns the flattened identity of an entity. Zero values count
// as missing components.
func (s *Session) identityOf(obj any) (Identity, error) {
	class, err := s.classOf(obj)
	if err != nil {
		return nil, err
	}
	return s.identityOfClass(obj, class)
}

func (s *Session) identityOfClass(obj any, class *schema.Class) (Identity, error) {
	var id Identity
	for _, f := range class.IdentityFields() {
		if f.Get == nil {
			return nil, fmt.Errorf("identity field %s.%s is not readable", class.Name, f.Name)
		}
		v := f.Get(obj)
		if !f.Type.IsObject() {
			id = append(id, zeroToNil(normalizeValue(v)))
			continue
		}

		cols, err := s.referenceColumns(f)
		if err != nil {
			return nil, err
		}
		if v == nil {
			id = append(id, make(Identity, len(cols))...)
			continue
		}
		ref, err := s.identityOf(v)
		if err != nil {
			return nil, err
		}
		if !ref.Complete() {
			return nil, fmt.Errorf("%w: %s.%s references an entity without identity", ErrInvalidReference, class.Name, f.Name)
		}
		id = append(id, ref...)
	}
	return id, nil
}

// identityFromValues flattens identity values keyed by field name
func (s *Session) identityFromValues(class *schema.Class, values map[string]any) (Identity, error) {
	var id Identity
	for _, f := range class.IdentityFields() {
		v, ok := values[f.Name]
		if !ok {
			v = values[f.Key()]
		}
		if !f.Type.IsObject() {
			id = append(id, normalizeValue(v))
			continue
		}

		cols, err := s.referenceColumns(f)
		if err != nil {
			return nil, err
		}
		switch {
		case v == nil:
			id = append(id, make(Identity, len(cols))...)
		case len(cols) == 1 && isScalar(v):
			id = append(id, normalizeValue(v))
		default:
			ref, err := s.identityOf(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
			}
			if !ref.Complete() {
				return nil, fmt.Errorf("%w: %s.%s references an entity without identity", ErrInvalidReference, class.Name, f.Name)
			}
			id = append(id, ref...)
		}
	}
	return id, nil
}

// rowOf builds the stored row of an entity
func (s *Session) rowOf(obj any, class *schema.Class) (Row, error) {
	row := make(Row)
	for _, f := range class.Fields {
		if f.Get == nil {
			continue
		}
		switch f.Type.Kind {
		case schema.KindScalar:
			row[f.Name] = normalizeValue(f.Get(obj))
		case schema.KindObject:
			cols, err := s.referenceColumns(f)
			if err != nil {
				return nil, err
			}
			var ref Identity
			if v := f.Get(obj); v != nil {
				if ref, err = s.identityOf(v); err != nil {
					return nil, err
				}
				if !ref.Complete() {
					return nil, fmt.Errorf("%w: %s.%s references an entity without identity", ErrInvalidReference, class.Name, f.Name)
				}
			} else {
				ref = make(Identity, len(cols))
			}
			for i, c := range cols {
				row[c] = ref[i]
			}
		}
	}
	return row, nil
}

// hydrate assigns the values of a stored row to an entity
func (s *Session) hydrate(ctx context.Context, e *entry, row Row) error {
	values := make(map[string]any, len(e.class.Fields))
	for _, f := range e.class.Fields {
		switch f.Type.Kind {
		case schema.KindScalar:
			values[f.Name] = row[f.Name]
		case schema.KindObject:
			cols, err := s.referenceColumns(f)
			if err != nil {
				return err
			}
			id := keyOf(row, cols)
			if !id.Complete() {
				values[f.Name] = nil
				continue
			}
			target, err := s.meta.Class(f.Type.Class)
			if err != nil {
				return err
			}
			ref, err := s.reference(ctx, target, id)
			if err != nil {
				return fmt.Errorf("failed to resolve %s.%s: %w", e.class.Name, f.Name, err)
			}
			values[f.Name] = ref
		case schema.KindCollection:
			if f.Get != nil {
				if existing := f.Get(e.obj); existing != nil {
					if _, lazy := existing.(*collection.Persistent); !lazy {
						// keep collections already modified in memory
						continue
					}
				}
			}
			values[f.Name] = s.lazyCollection(e.obj, f.Name)
		}
	}

	if rec, ok := e.obj.(*record.Record); ok {
		rec.Hydrate(values)
	} else {
		for _, f := range e.class.Fields {
			v, ok := values[f.Name]
			if !ok || f.Set == nil {
				continue
			}
			if err := f.Set(e.obj, v); err != nil {
				return fmt.Errorf("failed to hydrate %s.%s: %w", e.class.Name, f.Name, err)
			}
		}
	}

	stored, err := s.rowOf(e.obj, e.class)
	if err != nil {
		return err
	}
	e.stored = stored
	return nil
}

func (s *Session) lazyCollection(owner any, field string) *collection.Persistent {
	var p *collection.Persistent
	p = collection.NewPersistent(owner, field, func(ctx context.Context) ([]any, error) {
		if err := s.LoadCollections(ctx, []*collection.Persistent{p}); err != nil {
			return nil, err
		}
		return p.Elements(), nil
	})
	return p
}

func isScalar(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return true
	default:
		return false
	}
}

func zeroToNil(v any) any {
	if v == nil || reflect.ValueOf(v).IsZero() {
		return nil
	}
	return v
}
