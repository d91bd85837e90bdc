// Package schema provides the class metadata consumed by the normalizer.
// It describes fields, visibility groups, construction and security rules for
// every normalizable class, independently of how instances are stored.
package schema

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// IdentityGroup is the group holding the fields that identify an instance
const IdentityGroup = "identity"

// Kind represents the declared shape of a field value
type Kind int

const (
	// KindScalar is copied as-is
	KindScalar Kind = iota
	// KindObject references a single instance of another class
	KindObject
	// KindCollection holds instances of another class
	KindCollection
	// KindUntyped is normalized through the dispatcher without a declared class
	KindUntyped
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindObject:
		return "object"
	case KindCollection:
		return "collection"
	case KindUntyped:
		return "untyped"
	default:
		return "unknown"
	}
}

// ParseKind parses a string into a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "scalar":
		return KindScalar, nil
	case "object":
		return KindObject, nil
	case "collection":
		return KindCollection, nil
	case "untyped", "mixed":
		return KindUntyped, nil
	default:
		return KindScalar, fmt.Errorf("unknown field kind: %s", s)
	}
}

// TypeSpec describes the declared type of a field
type TypeSpec struct {
	Kind     Kind
	Class    string // target class for objects and collection elements
	Nullable bool
}

// Scalar returns a scalar type spec
func Scalar() *TypeSpec {
	return &TypeSpec{Kind: KindScalar, Nullable: true}
}

// Object returns a nullable to-one type spec targeting class
func Object(class string) *TypeSpec {
	return &TypeSpec{Kind: KindObject, Class: class, Nullable: true}
}

// CollectionOf returns a to-many type spec whose elements are instances of class
func CollectionOf(class string) *TypeSpec {
	return &TypeSpec{Kind: KindCollection, Class: class}
}

// Untyped returns a type spec for values of unknown shape
func Untyped() *TypeSpec {
	return &TypeSpec{Kind: KindUntyped, Nullable: true}
}

// String returns a readable representation of the type
func (t *TypeSpec) String() string {
	if t == nil {
		return "untyped"
	}
	switch t.Kind {
	case KindObject:
		if t.Nullable {
			return t.Class + "?"
		}
		return t.Class + "!"
	case KindCollection:
		return t.Class + "[]"
	default:
		return t.Kind.String()
	}
}

// IsCollection reports whether the type holds several instances
func (t *TypeSpec) IsCollection() bool {
	return t != nil && t.Kind == KindCollection
}

// IsObject reports whether the type references a single instance
func (t *TypeSpec) IsObject() bool {
	return t != nil && t.Kind == KindObject
}

// RequiresNormalization reports whether values must go through the dispatcher
// instead of being copied. Untyped fields always do.
func (t *TypeSpec) RequiresNormalization() bool {
	return t == nil || t.Kind != KindScalar
}

// RequiresDenormalization reports whether incoming data must be turned into
// instances of a class
func (t *TypeSpec) RequiresDenormalization() bool {
	return t != nil && (t.Kind == KindObject || t.Kind == KindCollection) && t.Class != ""
}

// Accessor reads a field value from an instance
type Accessor func(obj any) any

// Mutator writes a field value on an instance
type Mutator func(obj any, value any) error

// Field describes one normalizable property of a class
type Field struct {
	// Name is the property name, used for constructor parameters and identity lookups
	Name string
	// WireName is the key used in tree values; defaults to Name
	WireName string
	Type     *TypeSpec
	Groups   []string

	AlwaysInclude bool
	AutoPersist   bool
	AutoRemove    bool

	// Inverse names the field on the target class that points back to this one
	Inverse string
	// Inline names a field of the target class whose value is merged into the target's output
	Inline string
	// IndexBy names a field of the element class used to key a collection
	IndexBy string

	// ReadGroups and WriteGroups override the groups used for nested values
	ReadGroups  []string
	WriteGroups []string

	Get Accessor
	Set Mutator
}

// Key returns the name of the field in tree values
func (f *Field) Key() string {
	if f.WireName != "" {
		return f.WireName
	}
	return f.Name
}

// Readable reports whether the field has an accessor
func (f *Field) Readable() bool {
	return f.Get != nil
}

// Writable reports whether the field has a mutator
func (f *Field) Writable() bool {
	return f.Set != nil
}

// InGroup reports whether the field belongs to group
func (f *Field) InGroup(group string) bool {
	for _, g := range f.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Param describes one constructor or factory parameter
type Param struct {
	Name       string
	Variadic   bool
	HasDefault bool
	Default    any
}

// Factory builds instances from positional arguments matched to fields by name.
// A variadic parameter receives a []any.
type Factory struct {
	Params []Param
	New    func(ctx context.Context, args []any) (any, error)
}

// GroupSecurity maps groups to the permission required to read or write them
type GroupSecurity struct {
	Read  map[string]string
	Write map[string]string
}

// Discriminator selects a concrete class from a type field in incoming data
type Discriminator struct {
	Field   string
	Mapping map[string]string
}

// Initializer batches lazy loads of instances or collections
type Initializer interface {
	// Collect queues obj and reports whether it needs a Process call before
	// it can be read
	Collect(obj any) bool
	// Process loads everything queued since the last call
	Process(ctx context.Context) error
	// Initialize collects and processes a single value
	Initialize(ctx context.Context, obj any) error
}

// Class describes a normalizable class
type Class struct {
	Name     string
	Parent   string
	Abstract bool
	Fields   []*Field

	// GoType maps instances back to the class; records carry their class name instead
	GoType reflect.Type

	// New creates a zero instance when no constructor is configured
	New         func() any
	Constructor *Factory
	Factory     *Factory

	Security      GroupSecurity
	Initializers  map[string]Initializer
	Discriminator *Discriminator

	// Preload lists the groups whose fields can only be read once the
	// instance itself is loaded
	Preload []string

	// Table is the storage table for store-managed classes
	Table string
}

// NewClass creates an empty class description
func NewClass(name string) *Class {
	return &Class{
		Name:         name,
		Fields:       make([]*Field, 0),
		Initializers: make(map[string]Initializer),
	}
}

// AddField appends a field and returns the class for chaining
func (c *Class) AddField(f *Field) *Class {
	c.Fields = append(c.Fields, f)
	return c
}

// Field returns the field with the given wire name
func (c *Class) Field(key string) *Field {
	for _, f := range c.Fields {
		if f.Key() == key {
			return f
		}
	}
	return nil
}

// FieldByName returns the field with the given property name
func (c *Class) FieldByName(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// GroupFields returns the fields belonging to group in declaration order
func (c *Class) GroupFields(group string) []*Field {
	var fields []*Field
	for _, f := range c.Fields {
		if f.InGroup(group) {
			fields = append(fields, f)
		}
	}
	return fields
}

// IdentityFields returns the fields of the identity group
func (c *Class) IdentityFields() []*Field {
	return c.GroupFields(IdentityGroup)
}

// Groups returns every group used by the class fields
func (c *Class) Groups() []string {
	seen := make(map[string]bool)
	var groups []string
	for _, f := range c.Fields {
		for _, g := range f.Groups {
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}
	return groups
}

// TableName returns the storage table, derived from the class name when unset
func (c *Class) TableName() string {
	if c.Table != "" {
		return c.Table
	}
	return pluralize(toSnakeCase(c.Name))
}

// toSnakeCase converts PascalCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteRune('_')
		}
		result.WriteRune(r)
	}
	return strings.ToLower(result.String())
}

// pluralize applies the simple English pluralization rules used for table names
func pluralize(s string) string {
	switch {
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsAny(s[len(s)-2:len(s)-1], "aeiou"):
		return s[:len(s)-1] + "ies"
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "x"), strings.HasSuffix(s, "ch"), strings.HasSuffix(s, "sh"):
		return s + "es"
	default:
		return s + "s"
	}
}
