// Package legality runs the phi classifiers over every loop of a function
// and collects what they find into reports.
package legality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/ivdesc"
	"github.com/hassan/ivdesc/internal/scev"
	"github.com/hassan/ivdesc/internal/valuetracking"
)

// Pass classifies the header phis of one loop.
//
// DESIGN CHOICE: One pass per descriptor family because:
//   - Each family has its own classifier and its own report section
//   - The order of the passes decides which family claims a phi that fits
//     more than one (an induction also looks like an add reduction)
//   - A pass can be tested alone by running an Analyzer with only that pass
type Pass interface {
	// Name returns a human-readable name for this pass
	Name() string

	// Run offers the unclaimed header phis of ctx's loop to the classifier
	// and claims those it recognizes
	Run(ctx *LoopContext) error
}

// LoopContext is the state shared by the passes while they visit one loop.
type LoopContext struct {
	Fn   *ir.Function
	Loop *cfg.Loop
	Dom  *cfg.DomTree

	// PSE is private to the loop; the predicates it collects are the
	// runtime checks the loop's descriptors rely on
	PSE *scev.Predicated

	Oracles          ivdesc.Oracles
	FP               ivdesc.FPDefaults
	AllowAssumptions bool

	// SinkAfter is shared by every first-order recurrence of the loop
	SinkAfter *ivdesc.SinkMap

	Report *LoopReport

	claimed map[ir.ValueID]bool
}

// Phis returns the header phis no pass has claimed yet, in program order.
func (c *LoopContext) Phis() []ir.ValueID {
	var phis []ir.ValueID
	for _, v := range c.Fn.Block(c.Loop.Header).Instrs {
		if !c.Fn.IsPhi(v) {
			break
		}
		if !c.claimed[v] {
			phis = append(phis, v)
		}
	}
	return phis
}

// Claim marks phi as classified.
func (c *LoopContext) Claim(phi ir.ValueID) { c.claimed[phi] = true }

// Options configure an Analyzer.
type Options struct {
	// FP is OR-ed with each function's own attributes
	FP ivdesc.FPDefaults

	// AllowAssumptions lets induction analysis add runtime predicates
	AllowAssumptions bool
}

// Analyzer coordinates the execution of classification passes.
//
// DESIGN CHOICE: Separate analyzer from passes because:
// - The analyzer owns the per-function analyses every pass needs
// - Passes focus on one classifier
// - The analyzer decides the pass order
type Analyzer struct {
	passes []Pass
	opts   Options
	stats  *Stats
}

// NewAnalyzer creates an analyzer with the default passes.
//
// DEFAULT PASS ORDER:
//  1. Inductions - the cheapest test, and a counter must not be mistaken
//     for an add reduction
//  2. Reductions
//  3. First-order recurrences - these may schedule instructions to sink,
//     so they only get the phis nothing else explains
func NewAnalyzer(opts Options) *Analyzer {
	return &Analyzer{
		passes: []Pass{
			&InductionPass{},
			&ReductionPass{},
			&RecurrencePass{},
		},
		opts:  opts,
		stats: NewStats(),
	}
}

// NewAnalyzerWithPasses creates an analyzer running only the given passes.
func NewAnalyzerWithPasses(opts Options, passes ...Pass) *Analyzer {
	return &Analyzer{passes: passes, opts: opts, stats: NewStats()}
}

// AddPass appends a pass to run after the existing ones.
func (a *Analyzer) AddPass(pass Pass) {
	a.passes = append(a.passes, pass)
}

// Stats returns the counters accumulated over every analyzed function.
func (a *Analyzer) Stats() *Stats { return a.stats }

// AnalyzeModule analyzes every function of mod.
//
// Functions are independent, each with its own arena and analyses, so they
// are analyzed concurrently. The reports come back in module order.
func (a *Analyzer) AnalyzeModule(ctx context.Context, mod *ir.Module) ([]*FunctionReport, error) {
	reports := make([]*FunctionReport, len(mod.Functions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, fn := range mod.Functions {
		i, fn := i, fn
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			report, err := a.AnalyzeFunction(fn)
			if err != nil {
				return fmt.Errorf("analysis failed for function %s: %w", fn.Name, err)
			}
			reports[i] = report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// AnalyzeFunction classifies the header phis of every loop in fn.
//
// ALGORITHM:
//  1. Verify fn and build the dominator tree, loop info, scalar evolution
//     and the two bit oracles
//  2. Visit loops innermost first
//  3. Run every pass over the loop; a phi claimed by one pass is not offered
//     to the next
//  4. Whatever is left unclaimed is reported as unclassified
func (a *Analyzer) AnalyzeFunction(fn *ir.Function) (*FunctionReport, error) {
	if errs := fn.Verify(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid function %s: %w", fn.Name, errors.Join(errs...))
	}

	dom := cfg.NewDomTree(fn)
	li := cfg.NewLoopInfo(dom)
	se := scev.New(fn, li)
	oracles := ivdesc.Oracles{
		BitUsage:   valuetracking.NewDemandedBits(fn),
		ValueRange: valuetracking.NewTracker(fn),
	}
	fp := a.opts.FP.Merge(ivdesc.FPDefaultsFromAttrs(fn.Attrs))

	report := &FunctionReport{Name: fn.Name}
	for _, loop := range li.InnermostFirst() {
		lc := &LoopContext{
			Fn:               fn,
			Loop:             loop,
			Dom:              dom,
			PSE:              scev.NewPredicated(se),
			Oracles:          oracles,
			FP:               fp,
			AllowAssumptions: a.opts.AllowAssumptions,
			SinkAfter:        ivdesc.NewSinkMap(),
			Report:           newLoopReport(fn, loop),
			claimed:          make(map[ir.ValueID]bool),
		}

		for _, pass := range a.passes {
			slog.Debug("running pass", "pass", pass.Name(), "function", fn.Name, "loop", fn.Block(loop.Header).Label)
			if err := pass.Run(lc); err != nil {
				return nil, fmt.Errorf("pass %s failed: %w", pass.Name(), err)
			}
			a.stats.passRan(pass.Name())
		}

		lc.finish()
		a.stats.record(lc.Report)
		report.Loops = append(report.Loops, lc.Report)
	}
	a.stats.functionDone()

	slog.Info("analyzed function", "function", fn.Name, "loops", len(report.Loops))
	return report, nil
}

// finish records what the passes left over.
func (c *LoopContext) finish() {
	for _, phi := range c.Phis() {
		c.Report.Unclassified = append(c.Report.Unclassified, c.Fn.Ref(phi))
	}
	for _, instr := range c.SinkAfter.Keys() {
		after, _ := c.SinkAfter.Get(instr)
		c.Report.SinkAfter = append(c.Report.SinkAfter, SinkEntry{Instr: c.Fn.Ref(instr), After: c.Fn.Ref(after)})
	}
	for _, p := range c.PSE.Predicates() {
		c.Report.Predicates = append(c.Report.Predicates, p.String())
	}
}
