package legality

import (
	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/ivdesc"
)

// FunctionReport lists the loops of one function, innermost first.
type FunctionReport struct {
	Name  string        `json:"name"`
	Loops []*LoopReport `json:"loops"`
}

// LoopReport is everything found about the header phis of one loop.
// Values are spelled the way the IR printer spells operands.
type LoopReport struct {
	Header string `json:"header"`
	Depth  int    `json:"depth"`

	Inductions   []InductionReport  `json:"inductions,omitempty"`
	Reductions   []ReductionReport  `json:"reductions,omitempty"`
	Recurrences  []RecurrenceReport `json:"recurrences,omitempty"`
	Unclassified []string           `json:"unclassified,omitempty"`

	// SinkAfter lists the moves the recurrences need, in the order they
	// were recorded
	SinkAfter []SinkEntry `json:"sink_after,omitempty"`

	// Predicates are the runtime checks the inductions assume
	Predicates []string `json:"predicates,omitempty"`
}

func newLoopReport(fn *ir.Function, loop *cfg.Loop) *LoopReport {
	return &LoopReport{Header: fn.Block(loop.Header).Label, Depth: loop.Depth()}
}

// InductionReport describes one induction variable.
type InductionReport struct {
	Phi    string               `json:"phi"`
	Kind   ivdesc.InductionKind `json:"kind"`
	Start  string               `json:"start"`
	Step   string               `json:"step"`
	Update string               `json:"update,omitempty"`
	Casts  []string             `json:"casts,omitempty"`

	Descriptor *ivdesc.InductionDescriptor `json:"-"`
}

func newInductionReport(fn *ir.Function, phi ir.ValueID, d *ivdesc.InductionDescriptor) InductionReport {
	r := InductionReport{
		Phi:        fn.Ref(phi),
		Kind:       d.Kind(),
		Start:      fn.Ref(d.StartValue()),
		Step:       d.Step().String(),
		Casts:      refs(fn, d.RedundantCasts()),
		Descriptor: d,
	}
	if u := d.UpdateOperation(); u != ir.NoValue {
		r.Update = fn.Ref(u)
	}
	return r
}

// ReductionReport describes one reduction.
type ReductionReport struct {
	Phi      string           `json:"phi"`
	Kind     ivdesc.RecurKind `json:"kind"`
	Start    string           `json:"start"`
	Exit     string           `json:"exit"`
	Type     string           `json:"type"`
	Signed   bool             `json:"signed,omitempty"`
	Ordered  bool             `json:"ordered,omitempty"`
	FastMath []string         `json:"fast_math,omitempty"`
	Exact    string           `json:"exact,omitempty"`
	Casts    []string         `json:"casts,omitempty"`

	// Chain is the straight chain of reduction operations from the phi to
	// the exit, when there is one
	Chain []string `json:"chain,omitempty"`

	Descriptor *ivdesc.RecurrenceDescriptor `json:"-"`
}

func newReductionReport(fn *ir.Function, loop *cfg.Loop, phi ir.ValueID, rd *ivdesc.RecurrenceDescriptor) ReductionReport {
	r := ReductionReport{
		Phi:        fn.Ref(phi),
		Kind:       rd.Kind(),
		Start:      fn.Ref(rd.StartValue()),
		Exit:       fn.Ref(rd.ExitInstruction()),
		Type:       rd.RecurrenceType().String(),
		Signed:     rd.IsSigned(),
		Ordered:    rd.IsOrdered(),
		Casts:      refs(fn, rd.RedundantCasts()),
		Chain:      refs(fn, rd.ReductionOpChain(phi, loop)),
		Descriptor: rd,
	}
	if rd.Kind().IsFloatingPoint() {
		r.FastMath = rd.FastMathFlags().Words()
	}
	if rd.HasExactFPMath() {
		r.Exact = fn.Ref(rd.ExactFPMathInstruction())
	}
	return r
}

// RecurrenceReport describes one first-order recurrence.
type RecurrenceReport struct {
	Phi      string `json:"phi"`
	Previous string `json:"previous"`
}

// SinkEntry says Instr must be placed right after After.
type SinkEntry struct {
	Instr string `json:"instr"`
	After string `json:"after"`
}

func refs(fn *ir.Function, ids []ir.ValueID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fn.Ref(id)
	}
	return out
}
