package ui

import (
	"strconv"
	"strings"

	"github.com/conduit-lang/normalizer/internal/orm/schema"
)

// ClassTable lists classes with their parent, table and field count
func ClassTable(classes []*schema.Class, noColor bool) *Table {
	t := NewTable([]string{"Class", "Parent", "Table", "Fields"}, noColor)
	for _, c := range classes {
		parent := c.Parent
		if c.Abstract {
			parent = strings.TrimSpace(parent + " (abstract)")
		}
		t.AddRow(c.Name, parent, c.TableName(), strconv.Itoa(len(c.Fields)))
	}
	return t
}

// FieldTable describes fields by wire name, type, groups and options
func FieldTable(fields []*schema.Field, noColor bool) *Table {
	t := NewTable([]string{"Field", "Kind", "Groups", "Options"}, noColor)
	for _, f := range fields {
		t.AddRow(f.Key(), f.Type.String(), strings.Join(f.Groups, ","), strings.Join(FieldOptions(f), " "))
	}
	return t
}

// FieldOptions lists the mapping options set on f
func FieldOptions(f *schema.Field) []string {
	var opts []string
	if f.Key() != f.Name {
		opts = append(opts, "name="+f.Name)
	}
	switch {
	case !f.Readable():
		opts = append(opts, "write-only")
	case !f.Writable():
		opts = append(opts, "read-only")
	}
	if f.AlwaysInclude {
		opts = append(opts, "always")
	}
	if f.Inverse != "" {
		opts = append(opts, "inverse="+f.Inverse)
	}
	if f.IndexBy != "" {
		opts = append(opts, "index_by="+f.IndexBy)
	}
	if f.Inline != "" {
		opts = append(opts, "inline="+f.Inline)
	}
	if f.AutoPersist {
		opts = append(opts, "auto_persist")
	}
	if f.AutoRemove {
		opts = append(opts, "auto_remove")
	}
	if len(f.ReadGroups) > 0 {
		opts = append(opts, "read_groups="+strings.Join(f.ReadGroups, ","))
	}
	if len(f.WriteGroups) > 0 {
		opts = append(opts, "write_groups="+strings.Join(f.WriteGroups, ","))
	}
	return opts
}
