package gossa

import (
	"fmt"
	"go/token"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/hassan/ivdesc/internal/ir"
)

// LoadPackages type-checks the packages matching patterns, relative to dir,
// builds their SSA form and lowers every function with a body.
//
// ALGORITHM:
//  1. packages.Load with full syntax, offline (GOPROXY=off)
//  2. Fail on any package error; SSA of an ill-typed package is meaningless
//  3. Build SSA for the initial packages only
//  4. Lower each source function, sorted by name. A function the lowering
//     rejects is logged and skipped, the rest of the package still counts.
func LoadPackages(dir string, patterns ...string) (*ir.Module, error) {
	cfg := &packages.Config{
		Dir:  dir,
		Mode: packages.LoadAllSyntax,
		Fset: token.NewFileSet(),
		Env:  append(os.Environ(), "GO111MODULE=on", "GOPROXY=off", "CGO_ENABLED=0"),
	}
	initial, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}
	if len(initial) == 0 {
		return nil, fmt.Errorf("no packages match %v", patterns)
	}

	var errorMessages strings.Builder
	packages.Visit(initial, nil, func(pkg *packages.Package) {
		for _, e := range pkg.Errors {
			errorMessages.WriteString(e.Error() + "\n")
		}
	})
	if errorMessages.Len() > 0 {
		return nil, fmt.Errorf("packages contain errors:\n%s", errorMessages.String())
	}

	prog, _ := ssautil.AllPackages(initial, ssa.InstantiateGenerics)
	wanted := make(map[*ssa.Package]bool)
	paths := make([]string, 0, len(initial))
	for _, p := range initial {
		if ssaPkg := prog.Package(p.Types); ssaPkg != nil {
			ssaPkg.Build()
			wanted[ssaPkg] = true
			paths = append(paths, p.PkgPath)
		}
	}

	mod := ir.NewModule(strings.Join(paths, " "))
	for _, fn := range sourceFunctions(prog, wanted) {
		name := fn.RelString(fn.Pkg.Pkg)
		if len(wanted) > 1 {
			name = fn.String()
		}
		lowered, err := Lower(fn, name)
		if err != nil {
			slog.Warn("skipping function", "function", name, "error", err)
			continue
		}
		slog.Debug("lowered function", "function", name, "blocks", len(lowered.Blocks))
		mod.AddFunction(lowered)
	}
	return mod, nil
}

// sourceFunctions returns the functions written in the wanted packages,
// including closures and methods, in name order. Wrappers, generic bodies
// and declarations without a body are left out.
func sourceFunctions(prog *ssa.Program, wanted map[*ssa.Package]bool) []*ssa.Function {
	var fns []*ssa.Function
	for fn := range ssautil.AllFunctions(prog) {
		switch {
		case fn.Pkg == nil || !wanted[fn.Pkg]:
		case fn.Synthetic != "" || len(fn.Blocks) == 0:
		case fn.TypeParams().Len() > 0 && len(fn.TypeArgs()) == 0:
		default:
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].String() < fns[j].String() })
	return fns
}
