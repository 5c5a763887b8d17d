package ivdesc

import (
	"log/slog"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/scev"
	"github.com/hassan/ivdesc/internal/types"
)

// IsInductionPhi checks whether phi is an induction variable of loop.
//
// WHAT IS AN INDUCTION VARIABLE?
// A phi whose value on iteration i is Start + i*Step, with Step a constant
// or loop invariant:
//
//	%i  = phi i64 [0, %ph], [%i1, %loop]       ; {0,+,1}
//	%p  = phi ptr<i32> [%a, %ph], [%p1, %loop]  ; {%a,+,4 bytes} = 1 element
//	%f  = phi float [0.0, %ph], [%f1, %loop]    ; %f1 = fadd %f, %inc
//
// Integer and pointer inductions are recognized through scalar evolution.
// When allowAssumptions is set, pse may add runtime predicates to turn a
// phi hidden behind casts into an add-recurrence; the casts found on the
// update chain are then reported as redundant. Floating point inductions
// are matched structurally.
func IsInductionPhi(phi ir.ValueID, loop *cfg.Loop, pse *scev.Predicated, allowAssumptions bool) (*InductionDescriptor, bool) {
	fn := loop.Func()
	if !fn.IsPhi(phi) {
		return nil, false
	}
	phiType := fn.Type(phi)
	switch {
	case types.IsInteger(phiType), types.IsPointer(phiType):
	case types.IsFloat(phiType):
		switch types.BitWidth(phiType) {
		case 16, 32, 64:
			return isFPInductionPhi(phi, loop, pse.SE())
		}
		return nil, false
	default:
		return nil, false
	}

	phiScev := pse.GetSCEV(phi)
	ar, _ := phiScev.(*scev.AddRec)
	if ar == nil && allowAssumptions {
		ar = pse.AsAddRec(phi)
	}
	if ar == nil {
		slog.Debug("PHI is not a poly recurrence", "phi", fn.Ref(phi))
		return nil, false
	}

	// The oracle remembers phis it rewrote, so the symbolic test looks at
	// the unrewritten form for the same answer on every query
	var casts []ir.ValueID
	if raw := pse.SE().GetSCEV(phi); isUnknown(raw) && raw != scev.Expr(ar) {
		found, inSequence, ok := castsForInductionPhi(pse, phi, ar)
		if !ok {
			return nil, false
		}
		if inSequence {
			casts = found
		}
	}

	return inductionFromAddRec(phi, loop, pse.SE(), ar, casts)
}

// inductionFromAddRec builds the descriptor of an integer or pointer phi
// whose evolution is ar.
func inductionFromAddRec(phi ir.ValueID, loop *cfg.Loop, se *scev.ScalarEvolution, ar *scev.AddRec, casts []ir.ValueID) (*InductionDescriptor, bool) {
	fn := loop.Func()
	if ar.Loop != loop {
		slog.Debug("PHI is a recurrence with respect to an outer loop", "phi", fn.Ref(phi))
		return nil, false
	}

	start := fn.IncomingValueForBlock(phi, loop.Preheader())
	latch := loop.Latch()
	if start == ir.NoValue || latch == ir.NoBlock {
		return nil, false
	}
	update := fn.IncomingValueForBlock(phi, latch)
	if shapeOf(fn, update) != shapeBinary {
		update = ir.NoValue
	}

	step := ar.Step
	constStep, isConst := step.(*scev.Constant)
	if !isConst && !se.IsLoopInvariant(step, loop) {
		return nil, false
	}

	phiType := fn.Type(phi)
	if types.IsInteger(phiType) {
		d := mustInductionDescriptor(fn, start, InductionInteger, step, update, casts)
		slog.Debug("found an integer induction", "phi", fn.Ref(phi), "step", step.String())
		return d, true
	}

	// Pointer steps are in bytes and must be a whole number of elements
	if !isConst {
		return nil, false
	}
	elem := phiType.(*types.PointerType).Elem
	size, sized := types.AllocSize(elem)
	if !sized || size == 0 {
		return nil, false
	}
	if constStep.Value%size != 0 {
		slog.Debug("pointer step is not a multiple of the element size",
			"phi", fn.Ref(phi), "step", constStep.Value, "size", size)
		return nil, false
	}
	elemStep := se.Constant(constStep.Type(), constStep.Value/size)
	d := mustInductionDescriptor(fn, start, InductionPointer, elemStep, update, nil)
	slog.Debug("found a pointer induction", "phi", fn.Ref(phi), "step", elemStep.String())
	return d, true
}

// isFPInductionPhi matches
//
//	%f  = phi float [%start, %ph], [%f1, %latch]
//	%f1 = fadd float %f, %inc      ; or fadd %inc, %f, or fsub %f, %inc
//
// with %inc computed outside the loop. The step is the unknown %inc.
func isFPInductionPhi(phi ir.ValueID, loop *cfg.Loop, se *scev.ScalarEvolution) (*InductionDescriptor, bool) {
	fn := loop.Func()
	val := fn.Value(phi)
	if val.Block != loop.Header || len(val.Args) != 2 {
		return nil, false
	}

	beIdx := 0
	if !loop.Contains(val.Incoming[0]) {
		beIdx = 1
	}
	if !loop.Contains(val.Incoming[beIdx]) || loop.Contains(val.Incoming[1-beIdx]) {
		return nil, false
	}
	backedge, start := val.Args[beIdx], val.Args[1-beIdx]

	if shapeOf(fn, backedge) != shapeBinary {
		return nil, false
	}
	bop := fn.Value(backedge)
	addend := ir.NoValue
	switch bop.Op {
	case ir.OpFAdd:
		if bop.Args[0] == phi {
			addend = bop.Args[1]
		} else if bop.Args[1] == phi {
			addend = bop.Args[0]
		}
	case ir.OpFSub:
		if bop.Args[0] == phi {
			addend = bop.Args[1]
		}
	}
	if addend == ir.NoValue || loop.ContainsValue(addend) {
		return nil, false
	}

	d := mustInductionDescriptor(fn, start, InductionFloatingPoint, se.GetUnknown(addend), backedge, nil)
	slog.Debug("found an fp induction", "phi", fn.Ref(phi), "step", fn.Ref(addend))
	return d, true
}

// castsForInductionPhi finds the instructions on the update chain of phi
// that predicated scalar evolution looked through to model it as ar.
//
// EXAMPLE:
//
//	%x    = phi i64 [0, %ph], [%add, %loop]
//	%t    = shl i64 %x, 32
//	%c    = ashr i64 %t, 32            ; sext(trunc %x to i32)
//	%add  = add i64 %c, %step
//
// Walking from %add towards %x, %c is the first value whose evolution equals
// ar; from there on every instruction belongs to the cast sequence, giving
// [%c, %t]. Only the first of them may have other users.
//
// The walk follows two-operand instructions with one loop-invariant operand
// (and single-operand casts). inSequence is false when no usable sequence
// was found: the walk reached the phi without one, met a step it cannot
// follow, or a later cast has extra users. ok is false only when the chain
// leaves the loop or meets another phi.
func castsForInductionPhi(pse *scev.Predicated, phi ir.ValueID, ar *scev.AddRec) (casts []ir.ValueID, inSequence, ok bool) {
	loop := ar.Loop
	fn := loop.Func()

	getDef := func(v ir.ValueID) ir.ValueID {
		val := fn.Value(v)
		switch shapeOf(fn, v) {
		case shapeBinary:
			if loop.IsLoopInvariant(val.Args[0]) {
				return val.Args[1]
			}
			if loop.IsLoopInvariant(val.Args[1]) {
				return val.Args[0]
			}
		case shapeCast:
			return val.Args[0]
		}
		return ir.NoValue
	}

	latch := loop.Latch()
	if latch == ir.NoBlock {
		return nil, false, false
	}
	v := fn.IncomingValueForBlock(phi, latch)
	for v != phi {
		if !loop.ContainsValue(v) || fn.IsPhi(v) {
			return nil, false, false
		}
		if rec, isRec := pse.GetSCEV(v).(*scev.AddRec); isRec && pse.AreAddRecsEqualWithPreds(rec, ar) {
			inSequence = true
		}
		if inSequence {
			if len(casts) > 0 && !fn.HasOneUse(v) {
				return nil, false, true
			}
			casts = append(casts, v)
		}
		if v = getDef(v); v == ir.NoValue {
			return nil, false, true
		}
	}
	return casts, inSequence, true
}

func isUnknown(e scev.Expr) bool {
	_, ok := e.(*scev.Unknown)
	return ok
}
