package cli

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hassan/ivdesc/internal/asm"
	"github.com/hassan/ivdesc/internal/fixture"
	"github.com/hassan/ivdesc/internal/ir"
)

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <file.yaml|file.ir>...",
		Short: "Classify the loops of IR fixtures",
		Long: `Load IR functions from YAML fixtures or textual .ir files and
classify the header phis of every loop.

Each file becomes one module named after the file. A file that does not
parse or verify stops the command before anything is analyzed.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runClassify(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	modules := make([]*ir.Module, 0, len(files))
	for _, file := range files {
		formatter.VerboseLog("Loading %s", file)
		mod, err := loadModule(file)
		if err != nil {
			code := ErrCodeLoadFailed
			if errors.Is(err, fs.ErrNotExist) {
				code = ErrCodeNotFound
			}
			return outputError(formatter, ExitCommandError, code, err.Error())
		}
		formatter.VerboseLog("Loaded %d function(s) from %s", len(mod.Functions), file)
		modules = append(modules, mod)
	}

	return analyzeModules(cmd, opts, formatter, modules)
}

// loadModule reads a .ir file as text and anything else as a YAML fixture.
func loadModule(file string) (*ir.Module, error) {
	if filepath.Ext(file) == ".ir" {
		return asm.Load(file)
	}
	return fixture.Load(file)
}
