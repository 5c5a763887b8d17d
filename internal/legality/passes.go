package legality

import (
	"log/slog"

	"github.com/hassan/ivdesc/internal/ivdesc"
)

// InductionPass recognizes integer, pointer and floating point induction
// variables.
type InductionPass struct{}

func (p *InductionPass) Name() string { return "induction" }

func (p *InductionPass) Run(ctx *LoopContext) error {
	for _, phi := range ctx.Phis() {
		d, ok := ivdesc.IsInductionPhi(phi, ctx.Loop, ctx.PSE, ctx.AllowAssumptions)
		if !ok {
			continue
		}
		ctx.Claim(phi)
		ctx.Report.Inductions = append(ctx.Report.Inductions, newInductionReport(ctx.Fn, phi, d))
	}
	return nil
}

// ReductionPass recognizes reductions of every kind.
type ReductionPass struct{}

func (p *ReductionPass) Name() string { return "reduction" }

func (p *ReductionPass) Run(ctx *LoopContext) error {
	for _, phi := range ctx.Phis() {
		rd, ok := ivdesc.IsReductionPhi(phi, ctx.Loop, ctx.FP, ctx.Oracles)
		if !ok {
			continue
		}
		ctx.Claim(phi)
		ctx.Report.Reductions = append(ctx.Report.Reductions, newReductionReport(ctx.Fn, ctx.Loop, phi, rd))
	}
	return nil
}

// RecurrencePass recognizes first-order recurrences. Instructions that must
// move for them accumulate in the loop's sink map.
type RecurrencePass struct{}

func (p *RecurrencePass) Name() string { return "recurrence" }

func (p *RecurrencePass) Run(ctx *LoopContext) error {
	for _, phi := range ctx.Phis() {
		if !ivdesc.IsFirstOrderRecurrence(phi, ctx.Loop, ctx.SinkAfter, ctx.Dom) {
			slog.Debug("phi is not a first-order recurrence", "phi", ctx.Fn.Ref(phi))
			continue
		}
		ctx.Claim(phi)
		previous := ctx.Fn.IncomingValueForBlock(phi, ctx.Loop.Latch())
		ctx.Report.Recurrences = append(ctx.Report.Recurrences, RecurrenceReport{
			Phi:      ctx.Fn.Ref(phi),
			Previous: ctx.Fn.Ref(previous),
		})
	}
	return nil
}
