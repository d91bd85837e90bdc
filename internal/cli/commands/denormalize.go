package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/conduit-lang/normalizer/internal/cli/ui"
	"github.com/conduit-lang/normalizer/internal/normalizer"
	"github.com/conduit-lang/normalizer/internal/tree"
	"github.com/spf13/cobra"
)

type denormalizeOptions struct {
	groups      []string
	strict      bool
	checkAuth   bool
	autoPersist bool
	yes         bool
	dryRun      bool
	compact     bool
}

// confirmFlush asks before writing
var confirmFlush = askFlush

func askFlush(message string) (bool, error) {
	ok := false
	err := survey.AskOne(&survey.Confirm{Message: message, Default: false}, &ok)
	return ok, err
}

// NewDenormalizeCommand creates the denormalize command
func NewDenormalizeCommand() *cobra.Command {
	opts := &denormalizeOptions{}
	cmd := &cobra.Command{
		Use:   "denormalize <class> [file]",
		Short: "Apply a JSON payload to the stored graph",
		Long: `Read a JSON payload and apply it to entities of a class.

Objects carrying identity values are loaded from the store and updated;
others are created. Collections accept op-code arrays such as
["$add", {...}] or ["$remove", {...}]. The resulting entity is printed,
then the changes are flushed after confirmation.

Use "-" or omit the file to read the payload from stdin. A payload
holding a JSON array is applied to "<class>[]".`,
		Example: `  # Rename a post
  echo '{"id":10,"title":"Renamed"}' | normalizer denormalize Post

  # Tag a post without prompting
  normalizer denormalize Post payload.json --yes

  # Show the outcome without writing
  normalizer denormalize Post payload.json --dry-run`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 2 {
				source = args[1]
			}
			return runDenormalize(cmd, args[0], source, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.groups, "groups", "g", nil, "Serialization groups to write and print")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Reject keys that cannot be written")
	cmd.Flags().BoolVar(&opts.checkAuth, "check-auth", false, "Check group permissions for the current roles")
	cmd.Flags().BoolVar(&opts.autoPersist, "auto-persist", false, "Persist objects created for unknown identities")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Flush without asking")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print the outcome without flushing")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "Print compact JSON")

	return cmd
}

func runDenormalize(cmd *cobra.Command, className, source string, opts *denormalizeOptions) error {
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

	data, err := readPayload(cmd, source)
	if err != nil {
		return err
	}
	target := class.Name
	if _, ok := data.([]any); ok {
		target += "[]"
	}

	out, err := env.normalizer.Denormalize(ctx, data, target, normalizer.RequestContext{
		Groups:              opts.groups,
		Strict:              opts.strict,
		CheckAuthorizations: opts.checkAuth,
		AutoPersist:         opts.autoPersist,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return fmt.Errorf("no %s matched the payload", class.Name)
	}
	if opts.autoPersist {
		roots := []any{out}
		if elems, ok := out.([]any); ok {
			roots = elems
		}
		for _, obj := range roots {
			if err := env.session.Persist(ctx, obj); err != nil {
				return err
			}
		}
	}

	printed, err := env.normalizer.Normalize(ctx, out, normalizer.RequestContext{
		Groups:              opts.groups,
		CheckAuthorizations: opts.checkAuth,
	})
	if err != nil {
		return err
	}
	if err := writeJSON(cmd, printed, opts.compact); err != nil {
		return err
	}

	if opts.dryRun {
		fmt.Fprint(cmd.ErrOrStderr(), ui.Info("Dry run, nothing was flushed.", noColorFlag))
		return nil
	}
	if !opts.yes {
		ok, err := confirmFlush(fmt.Sprintf("Flush changes to %s?", class.Name))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprint(cmd.ErrOrStderr(), ui.FlushAborted(noColorFlag))
			return nil
		}
	}

	if err := env.session.Flush(ctx); err != nil {
		return err
	}
	ui.WriteSuccess(cmd.ErrOrStderr(), "Changes flushed", noColorFlag)
	return nil
}

func readPayload(cmd *cobra.Command, source string) (any, error) {
	var r io.Reader
	if source == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open payload: %w", err)
		}
		defer f.Close()
		r = f
	}

	data, err := tree.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if s, ok := data.(string); ok && strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty payload")
	}
	return data, nil
}
