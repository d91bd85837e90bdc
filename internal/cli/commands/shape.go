package commands

import (
	"github.com/conduit-lang/normalizer/internal/cli/ui"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/spf13/cobra"
)

type shapeOptions struct {
	list   bool
	groups []string
}

// NewShapeCommand creates the shape command
func NewShapeCommand() *cobra.Command {
	opts := &shapeOptions{}
	cmd := &cobra.Command{
		Use:   "shape [class]",
		Short: "Describe the fields of a mapped class",
		Long: `Print the fields of a class as declared in the mapping: wire name,
kind, groups and relation options. With --groups only the fields those
groups select are listed. Does not connect to the database.`,
		Example: `  # Every mapped class
  normalizer shape --list

  # Fields of Post read with the default group
  normalizer shape Post --groups default`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShape(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.list, "list", false, "List mapped classes")
	cmd.Flags().StringSliceVarP(&opts.groups, "groups", "g", nil, "Only fields selected by these groups")

	return cmd
}

func runShape(cmd *cobra.Command, args []string, opts *shapeOptions) error {
	_, registry, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.list || len(args) == 0 {
		names := registry.List()
		classes := make([]*schema.Class, 0, len(names))
		for _, name := range names {
			class, err := registry.Class(name)
			if err != nil {
				return err
			}
			classes = append(classes, class)
		}
		return ui.ClassTable(classes, noColorFlag).Render(out)
	}

	class, err := lookupClass(registry, args[0])
	if err != nil {
		return err
	}

	var fields []*schema.Field
	for _, f := range class.Fields {
		if selectedBy(f, opts.groups) {
			fields = append(fields, f)
		}
	}
	return ui.FieldTable(fields, noColorFlag).Render(out)
}

// selectedBy mirrors group selection: no groups select every field
func selectedBy(f *schema.Field, groups []string) bool {
	if len(groups) == 0 || f.AlwaysInclude {
		return true
	}
	for _, g := range groups {
		if f.InGroup(g) {
			return true
		}
	}
	return false
}
