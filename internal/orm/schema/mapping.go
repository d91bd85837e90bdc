package schema

import (
	"fmt"
	"io"
	"os"

	"github.com/conduit-lang/normalizer/internal/orm/record"
	"gopkg.in/yaml.v3"
)

// Mapping is the file format describing record-backed classes
type Mapping struct {
	Classes []ClassMapping `yaml:"classes"`
}

// ClassMapping describes one record-backed class
type ClassMapping struct {
	Name          string              `yaml:"name"`
	Table         string              `yaml:"table"`
	Parent        string              `yaml:"parent"`
	Abstract      bool                `yaml:"abstract"`
	Fields        []FieldMapping      `yaml:"fields"`
	Security      SecurityMapping     `yaml:"security"`
	Discriminator *DiscriminatorBlock `yaml:"discriminator"`
	Preload       []string            `yaml:"preload"`
}

// FieldMapping describes one field of a record-backed class
type FieldMapping struct {
	Name          string   `yaml:"name"`
	WireName      string   `yaml:"wire_name"`
	Kind          string   `yaml:"kind"`
	Class         string   `yaml:"class"`
	Nullable      *bool    `yaml:"nullable"`
	Groups        []string `yaml:"groups"`
	AlwaysInclude bool     `yaml:"always_include"`
	AutoPersist   bool     `yaml:"auto_persist"`
	AutoRemove    bool     `yaml:"auto_remove"`
	Inverse       string   `yaml:"inverse"`
	Inline        string   `yaml:"inline"`
	IndexBy       string   `yaml:"index_by"`
	ReadGroups    []string `yaml:"read_groups"`
	WriteGroups   []string `yaml:"write_groups"`
	ReadOnly      bool     `yaml:"read_only"`
}

// SecurityMapping maps groups to permissions
type SecurityMapping struct {
	Read  map[string]string `yaml:"read"`
	Write map[string]string `yaml:"write"`
}

// DiscriminatorBlock describes a type field selecting subclasses
type DiscriminatorBlock struct {
	Field   string            `yaml:"field"`
	Mapping map[string]string `yaml:"mapping"`
}

// LoadMappingFile reads a mapping file and returns the described classes
func LoadMappingFile(path string) ([]*Class, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer f.Close()

	return LoadMapping(f)
}

// LoadMapping decodes a mapping document into record-backed classes
func LoadMapping(r io.Reader) ([]*Class, error) {
	var m Mapping
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode mapping: %w", err)
	}

	classes := make([]*Class, 0, len(m.Classes))
	for _, cm := range m.Classes {
		class, err := cm.build()
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", cm.Name, err)
		}
		classes = append(classes, class)
	}
	return classes, nil
}

func (cm ClassMapping) build() (*Class, error) {
	class := NewClass(cm.Name)
	class.Table = cm.Table
	class.Parent = cm.Parent
	class.Abstract = cm.Abstract
	class.Security = GroupSecurity{Read: cm.Security.Read, Write: cm.Security.Write}
	class.Preload = cm.Preload
	if cm.Discriminator != nil {
		class.Discriminator = &Discriminator{Field: cm.Discriminator.Field, Mapping: cm.Discriminator.Mapping}
	}

	name := cm.Name
	class.New = func() any { return record.New(name) }

	for _, fm := range cm.Fields {
		kind, err := ParseKind(fm.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fm.Name, err)
		}
		if (kind == KindObject || kind == KindCollection) && fm.Class == "" {
			return nil, fmt.Errorf("field %s: %s fields require a class", fm.Name, kind)
		}

		spec := &TypeSpec{Kind: kind, Class: fm.Class, Nullable: kind != KindCollection}
		if fm.Nullable != nil {
			spec.Nullable = *fm.Nullable
		}

		field := &Field{
			Name:          fm.Name,
			WireName:      fm.WireName,
			Type:          spec,
			Groups:        fm.Groups,
			AlwaysInclude: fm.AlwaysInclude,
			AutoPersist:   fm.AutoPersist,
			AutoRemove:    fm.AutoRemove,
			Inverse:       fm.Inverse,
			Inline:        fm.Inline,
			IndexBy:       fm.IndexBy,
			ReadGroups:    fm.ReadGroups,
			WriteGroups:   fm.WriteGroups,
			Get:           RecordGetter(fm.Name),
		}
		if !fm.ReadOnly {
			field.Set = RecordSetter(fm.Name)
		}
		class.AddField(field)
	}
	return class, nil
}

// RecordGetter returns an accessor reading a record field
func RecordGetter(name string) Accessor {
	return func(obj any) any {
		r, ok := obj.(*record.Record)
		if !ok {
			return nil
		}
		return r.Get(name)
	}
}

// RecordSetter returns a mutator writing a record field
func RecordSetter(name string) Mutator {
	return func(obj any, value any) error {
		r, ok := obj.(*record.Record)
		if !ok {
			return fmt.Errorf("cannot set %s on %T", name, obj)
		}
		r.Set(name, value)
		return nil
	}
}
