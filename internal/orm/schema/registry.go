package schema

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownClass is returned when a class is not registered
	ErrUnknownClass = errors.New("unknown class")
	// ErrUnmappedObject is returned when an instance cannot be mapped to a class
	ErrUnmappedObject = errors.New("object is not mapped to a class")
)

// Named is implemented by instances that know their class, such as records
type Named interface {
	ClassName() string
}

// Registry manages all normalizable classes of the application
type Registry struct {
	classes map[string]*Class
	types   map[reflect.Type]string
	mu      sync.RWMutex
}

// NewRegistry creates a new class registry
func NewRegistry() *Registry {
	return &Registry{
		classes: make(map[string]*Class),
		types:   make(map[reflect.Type]string),
	}
}

// Register registers a new class
func (r *Registry) Register(class *Class) error {
	if err := validateClass(class); err != nil {
		return fmt.Errorf("class validation failed for %s: %w", class.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[class.Name]; exists {
		return fmt.Errorf("class %s is already registered", class.Name)
	}
	if class.Initializers == nil {
		class.Initializers = make(map[string]Initializer)
	}

	r.classes[class.Name] = class
	if class.GoType != nil {
		r.types[class.GoType] = class.Name
	}
	return nil
}

// MustRegister registers classes and panics on failure (useful for tests and static setup)
func (r *Registry) MustRegister(classes ...*Class) *Registry {
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Class retrieves a class by name
func (r *Registry) Class(name string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	class, exists := r.classes[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return class, nil
}

// ClassOf returns the class name of an instance
func (r *Registry) ClassOf(obj any) (string, error) {
	if named, ok := obj.(Named); ok {
		return named.ClassName(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.types[reflect.TypeOf(obj)]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnmappedObject, obj)
}

// Fields returns the fields of a class
func (r *Registry) Fields(name string) ([]*Field, error) {
	class, err := r.Class(name)
	if err != nil {
		return nil, err
	}
	return class.Fields, nil
}

// Factory returns the factory configured for a class, or nil
func (r *Registry) Factory(name string) (*Factory, error) {
	class, err := r.Class(name)
	if err != nil {
		return nil, err
	}
	return class.Factory, nil
}

// GroupSecurity returns the read and write permissions of a class' groups
func (r *Registry) GroupSecurity(name string) (GroupSecurity, error) {
	class, err := r.Class(name)
	if err != nil {
		return GroupSecurity{}, err
	}
	return class.Security, nil
}

// GroupInitializers returns the initializers attached to a class' groups
func (r *Registry) GroupInitializers(name string) (map[string]Initializer, error) {
	class, err := r.Class(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Initializer, len(class.Initializers))
	for k, v := range class.Initializers {
		result[k] = v
	}
	return result, nil
}

// SetInitializer attaches an initializer to a group of a class
func (r *Registry) SetInitializer(name, group string, init Initializer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	class, exists := r.classes[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	class.Initializers[group] = init
	return nil
}

// IsA reports whether class is parent or one of its descendants
func (r *Registry) IsA(class, parent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for seen := 0; class != "" && seen <= len(r.classes); seen++ {
		if class == parent {
			return true
		}
		c, ok := r.classes[class]
		if !ok {
			return false
		}
		class = c.Parent
	}
	return false
}

// List returns the names of all registered classes in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered classes
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.classes)
}

// ValidateAll checks references between registered classes: field targets,
// inverse fields and discriminator mappings
func (r *Registry) ValidateAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var problems []string
	for _, name := range sortedKeys(r.classes) {
		class := r.classes[name]
		if class.Parent != "" {
			if _, ok := r.classes[class.Parent]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown parent class %s", name, class.Parent))
			}
		}
		for _, f := range class.Fields {
			if !f.Type.RequiresDenormalization() {
				continue
			}
			target, ok := r.classes[f.Type.Class]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: unknown target class %s", name, f.Key(), f.Type.Class))
				continue
			}
			if f.Inverse != "" && target.Field(f.Inverse) == nil {
				problems = append(problems, fmt.Sprintf("%s.%s: inverse field %s not found on %s", name, f.Key(), f.Inverse, target.Name))
			}
			if f.IndexBy != "" && target.Field(f.IndexBy) == nil {
				problems = append(problems, fmt.Sprintf("%s.%s: index field %s not found on %s", name, f.Key(), f.IndexBy, target.Name))
			}
		}
		if class.Discriminator != nil {
			for value, sub := range class.Discriminator.Mapping {
				if _, ok := r.classes[sub]; !ok {
					problems = append(problems, fmt.Sprintf("%s: discriminator value %q maps to unknown class %s", name, value, sub))
				}
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid class references:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// validateClass performs structural validation of a single class
func validateClass(class *Class) error {
	if class.Name == "" {
		return errors.New("class name is required")
	}

	keys := make(map[string]bool, len(class.Fields))
	for _, f := range class.Fields {
		if f.Name == "" {
			return errors.New("field name is required")
		}
		if keys[f.Key()] {
			return fmt.Errorf("duplicate field %s", f.Key())
		}
		keys[f.Key()] = true
		if f.Type != nil && f.Type.Kind == KindCollection && f.Type.Class == "" {
			return fmt.Errorf("collection field %s has no element class", f.Key())
		}
	}

	for _, factory := range []*Factory{class.Constructor, class.Factory} {
		if factory == nil {
			continue
		}
		if factory.New == nil {
			return errors.New("factory has no New function")
		}
		for i, p := range factory.Params {
			if p.Variadic && i != len(factory.Params)-1 {
				return fmt.Errorf("variadic parameter %s must be last", p.Name)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]*Class) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
