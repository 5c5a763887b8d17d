// Package cli implements the ivdesc command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hassan/ivdesc/internal/config"
	"github.com/hassan/ivdesc/internal/ivdesc"
	"github.com/hassan/ivdesc/internal/legality"
)

// RootOptions holds global flags for all commands.
//
// The flags start from the environment (see package config): a boolean
// flag can only add an assumption, --format replaces IVDESC_FORMAT.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	NoNaNs           bool
	NoSignedZeros    bool
	AllowAssumptions bool
}

// NewRootCommand creates the root command for the ivdesc CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ivdesc",
		Short: "ivdesc - classify loop-carried values",
		Long: `Classify the header phis of every loop as inductions, reductions
or first-order recurrences, the facts a loop vectorizer needs before it
can widen a loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.NoNaNs, "no-nans", false, "assume no floating point value is NaN")
	cmd.PersistentFlags().BoolVar(&opts.NoSignedZeros, "no-signed-zeros", false, "ignore the sign of floating point zeros")
	cmd.PersistentFlags().BoolVar(&opts.AllowAssumptions, "allow-assumptions", false, "let induction analysis assume runtime predicates")

	// Add subcommands
	cmd.AddCommand(NewClassifyCommand(opts))
	cmd.AddCommand(NewAnalyzeCommand(opts))

	return cmd
}

// resolve merges the environment into the flags and installs the logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}

	if cmd.Flags().Changed("format") {
		cfg.Format = o.Format
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, ErrCodeConfig, err)
	}
	o.Format = cfg.Format
	o.NoNaNs = o.NoNaNs || cfg.FP.NoNaNs
	o.NoSignedZeros = o.NoSignedZeros || cfg.FP.NoSignedZeros
	o.AllowAssumptions = o.AllowAssumptions || cfg.AllowAssumptions

	level := cfg.LogLevel
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

func (o *RootOptions) analyzerOptions() legality.Options {
	return legality.Options{
		FP:               ivdesc.FPDefaults{NoNaNs: o.NoNaNs, NoSignedZeros: o.NoSignedZeros},
		AllowAssumptions: o.AllowAssumptions,
	}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}
