package commands

import (
	"runtime"

	"github.com/conduit-lang/normalizer/internal/cli/ui"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

var (
	configDirFlag string
	mappingFlag   string
	noColorFlag   bool
	rolesFlag     []string
	userFlag      string
	metricsFlag   bool
)

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "normalizer",
		Short: "Convert stored object graphs to JSON trees and back",
		Long: color.CyanString(`normalizer - object graph normalization

Reads entities through the store configured in normalizer.yml, converts
them to JSON trees filtered by serialization groups, and applies JSON
payloads back onto the stored graph.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColorFlag {
				color.NoColor = true
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configDirFlag, "config-dir", "C", ".", "Directory holding normalizer.yml")
	flags.StringVar(&mappingFlag, "mapping", "", "Mapping file (overrides the configured one)")
	flags.BoolVar(&noColorFlag, "no-color", false, "Disable colored output")
	flags.StringSliceVar(&rolesFlag, "role", nil, "Role of the current user (repeatable)")
	flags.StringVar(&userFlag, "user", "", "ID of the current user")
	flags.BoolVar(&metricsFlag, "metrics", false, "Print collected metrics to stderr when done")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewNormalizeCommand())
	rootCmd.AddCommand(NewDenormalizeCommand())
	rootCmd.AddCommand(NewShapeCommand())

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			return ui.NewProperties(noColorFlag).
				Add("normalizer version", Version).
				Add("Git commit", GitCommit).
				Add("Build date", BuildDate).
				Add("Go version", goVer).
				Render(cmd.OutOrStdout())
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		errorColor := color.New(color.FgRed, color.Bold)
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}
