package cli

import (
	"github.com/spf13/cobra"

	"github.com/hassan/ivdesc/internal/frontend/gossa"
	"github.com/hassan/ivdesc/internal/ir"
)

// AnalyzeOptions holds flags for the analyze command.
type AnalyzeOptions struct {
	Dir string
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnalyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <package pattern>...",
		Short: "Classify the loops of Go packages",
		Long: `Load Go packages, build their SSA form and classify the header phis
of every loop in every function.

Patterns are resolved by the go command relative to --dir, so the packages
must build. Functions the lowering cannot express are skipped with a
warning.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Dir, "dir", "C", ".", "directory the patterns are relative to")

	return cmd
}

func runAnalyze(rootOpts *RootOptions, opts *AnalyzeOptions, patterns []string, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)

	formatter.VerboseLog("Loading %v from %s", patterns, opts.Dir)
	mod, err := gossa.LoadPackages(opts.Dir, patterns...)
	if err != nil {
		return outputError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error())
	}
	formatter.VerboseLog("Lowered %d function(s)", len(mod.Functions))

	return analyzeModules(cmd, rootOpts, formatter, []*ir.Module{mod})
}
