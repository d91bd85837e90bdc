package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/conduit-lang/normalizer/internal/normalizer"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/tree"
	"github.com/spf13/cobra"
)

type normalizeOptions struct {
	groups       []string
	shape        string
	breadthFirst bool
	checkAuth    bool
	maxDepth     int
	compact      bool
}

// NewNormalizeCommand creates the normalize command
func NewNormalizeCommand() *cobra.Command {
	opts := &normalizeOptions{}
	cmd := &cobra.Command{
		Use:   "normalize <class> [identity...]",
		Short: "Print stored entities as JSON trees",
		Long: `Load entities of a class from the store and print them as JSON.

Each identity argument selects one entity. Classes with a single identity
field take its value directly; composite identities are written as
field=value pairs separated by commas. Without identities every stored
entity of the class is printed.`,
		Example: `  # One post with the default group
  normalizer normalize Post 10 --groups default

  # Every post, loading relations level by level
  normalizer normalize Post --breadth-first

  # Only some fields, whatever their groups
  normalizer normalize Post 10 --shape '{"title":{},"author":{"name":{}}}'

  # Composite identity
  normalizer normalize Membership group=admins,user=ada`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(cmd, args[0], args[1:], opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.groups, "groups", "g", nil, "Serialization groups")
	cmd.Flags().StringVar(&opts.shape, "shape", "", "JSON shape selecting fields")
	cmd.Flags().BoolVar(&opts.breadthFirst, "breadth-first", false, "Traverse level by level, batching lazy loads")
	cmd.Flags().BoolVar(&opts.checkAuth, "check-auth", false, "Check group permissions for the current roles")
	cmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "Depth limit (defaults to normalizer.max_depth)")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "Print compact JSON")

	return cmd
}

func runNormalize(cmd *cobra.Command, className string, identities []string, opts *normalizeOptions) error {
	env, err := newEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	defer env.reportMetrics(cmd)

	ctx := env.context(cmd)
	class, err := env.class(className)
	if err != nil {
		return err
	}

	rc := normalizer.RequestContext{
		Groups:              opts.groups,
		BreadthFirst:        opts.breadthFirst,
		CheckAuthorizations: opts.checkAuth,
		MaxDepth:            opts.maxDepth,
	}
	if opts.shape != "" {
		raw, err := tree.DecodeString(opts.shape)
		if err != nil {
			return fmt.Errorf("invalid --shape: %w", err)
		}
		if rc.Shape, err = normalizer.ParseShape(raw); err != nil {
			return fmt.Errorf("invalid --shape: %w", err)
		}
	}

	var subject any
	if len(identities) == 0 {
		all, err := env.session.FindAll(ctx, class.Name)
		if err != nil {
			return err
		}
		subject = all
	} else {
		objs := make([]any, 0, len(identities))
		for _, arg := range identities {
			identity, err := parseIdentity(class, arg)
			if err != nil {
				return err
			}
			obj, err := env.session.Find(ctx, class.Name, identity)
			if err != nil {
				return err
			}
			if obj == nil {
				return fmt.Errorf("%s %s not found", class.Name, arg)
			}
			objs = append(objs, obj)
		}
		subject = objs
		if len(objs) == 1 {
			subject = objs[0]
		}
	}

	out, err := env.normalizer.Normalize(ctx, subject, rc)
	if err != nil {
		return err
	}
	return writeJSON(cmd, out, opts.compact)
}

// parseIdentity turns "10" or "group=admins,user=ada" into identity values
func parseIdentity(class *schema.Class, arg string) (map[string]any, error) {
	fields := class.IdentityFields()
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s has no identity fields", class.Name)
	}

	identity := make(map[string]any, len(fields))
	if !strings.Contains(arg, "=") {
		if len(fields) > 1 {
			return nil, fmt.Errorf("%s has a composite identity, use field=value pairs", class.Name)
		}
		identity[fields[0].Name] = parseScalar(arg)
		return identity, nil
	}

	for _, pair := range strings.Split(arg, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid identity component %q", pair)
		}
		if f := class.FieldByName(name); f == nil || !f.InGroup(schema.IdentityGroup) {
			return nil, fmt.Errorf("%s is not an identity field of %s", name, class.Name)
		}
		identity[name] = parseScalar(value)
	}
	return identity, nil
}

func parseScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}

func writeJSON(cmd *cobra.Command, v any, compact bool) error {
	var (
		b   []byte
		err error
	)
	if compact {
		b, err = json.Marshal(v)
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
