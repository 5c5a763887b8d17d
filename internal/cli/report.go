package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/legality"
)

// ModuleReport holds the reports of every function of one module.
type ModuleReport struct {
	Module    string                     `json:"module"`
	Functions []*legality.FunctionReport `json:"functions"`
}

// analyzeModules runs one analyzer over every module and prints the
// reports.
func analyzeModules(cmd *cobra.Command, opts *RootOptions, formatter *OutputFormatter, modules []*ir.Module) error {
	analyzer := legality.NewAnalyzer(opts.analyzerOptions())

	reports := make([]ModuleReport, 0, len(modules))
	for _, mod := range modules {
		fns, err := analyzer.AnalyzeModule(cmd.Context(), mod)
		if err != nil {
			return outputError(formatter, ExitFailure, ErrCodeAnalysisFailed, err.Error())
		}
		reports = append(reports, ModuleReport{Module: mod.Name, Functions: fns})
	}
	formatter.VerboseLog("%s", strings.TrimRight(analyzer.Stats().String(), "\n"))

	if formatter.Format == "json" {
		return formatter.Success(reports)
	}
	writeText(formatter.Writer, reports)
	return nil
}

// writeText prints the reports one line per finding:
//
//	module kernels
//	func sum
//	  loop loop (depth 1)
//	    induction %i: integer, start 0, step 1, update %i.next
//	    reduction %acc: add i32, start 0, exit %acc.next
func writeText(w io.Writer, modules []ModuleReport) {
	for i, m := range modules {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "module %s\n", m.Module)
		for _, fn := range m.Functions {
			if len(fn.Loops) == 0 {
				fmt.Fprintf(w, "func %s: no loops\n", fn.Name)
				continue
			}
			fmt.Fprintf(w, "func %s\n", fn.Name)
			for _, loop := range fn.Loops {
				writeLoop(w, loop)
			}
		}
	}
}

func writeLoop(w io.Writer, loop *legality.LoopReport) {
	fmt.Fprintf(w, "  loop %s (depth %d)\n", loop.Header, loop.Depth)

	for _, ind := range loop.Inductions {
		parts := []string{ind.Kind.String(), "start " + ind.Start, "step " + ind.Step}
		if ind.Update != "" {
			parts = append(parts, "update "+ind.Update)
		}
		if len(ind.Casts) > 0 {
			parts = append(parts, "casts "+strings.Join(ind.Casts, " "))
		}
		fmt.Fprintf(w, "    induction %s: %s\n", ind.Phi, strings.Join(parts, ", "))
	}

	for _, red := range loop.Reductions {
		parts := []string{red.Kind.String() + " " + red.Type, "start " + red.Start, "exit " + red.Exit}
		if red.Signed {
			parts = append(parts, "signed")
		}
		if red.Ordered {
			parts = append(parts, "ordered")
		}
		if red.Exact != "" {
			parts = append(parts, "exact "+red.Exact)
		}
		if len(red.FastMath) > 0 {
			parts = append(parts, "fast-math "+strings.Join(red.FastMath, " "))
		}
		if len(red.Casts) > 0 {
			parts = append(parts, "casts "+strings.Join(red.Casts, " "))
		}
		fmt.Fprintf(w, "    reduction %s: %s\n", red.Phi, strings.Join(parts, ", "))
	}

	for _, rec := range loop.Recurrences {
		fmt.Fprintf(w, "    recurrence %s: previous %s\n", rec.Phi, rec.Previous)
	}
	for _, sink := range loop.SinkAfter {
		fmt.Fprintf(w, "    sink %s after %s\n", sink.Instr, sink.After)
	}
	for _, phi := range loop.Unclassified {
		fmt.Fprintf(w, "    unclassified %s\n", phi)
	}
	for _, pred := range loop.Predicates {
		fmt.Fprintf(w, "    predicate %s\n", pred)
	}
}
