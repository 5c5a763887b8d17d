package ivdesc

import (
	"github.com/hassan/ivdesc/internal/ir"
)

// shape is the coarse category of an instruction. Every pattern matcher in
// this package switches over it first and only then looks at the opcode.
type shape uint8

const (
	shapeOther   shape = iota
	shapeBinary        // two-operand integer or floating point arithmetic
	shapeCompare       // icmp, fcmp
	shapeSelect        // select
	shapePhi           // phi
	shapeCast          // width or domain conversion
)

func shapeOf(fn *ir.Function, v ir.ValueID) shape {
	if !fn.IsInstruction(v) {
		return shapeOther
	}
	op := fn.Op(v)
	switch {
	case op.IsBinary():
		return shapeBinary
	case op.IsCompare():
		return shapeCompare
	case op == ir.OpSelect:
		return shapeSelect
	case op == ir.OpPhi:
		return shapePhi
	case op.IsCast():
		return shapeCast
	default:
		return shapeOther
	}
}

// instrDesc is the verdict of matching one instruction of a reduction cycle.
type instrDesc struct {
	// ok is set when the instruction may take part in the reduction
	ok bool

	// kind is the min/max flavor of a matched select, RecurNone otherwise
	kind RecurKind

	// pattern is the last instruction of the matched pattern: the select
	// for a compare/select pair, the instruction itself otherwise
	pattern ir.ValueID

	// exactFP is the instruction itself when it is floating point
	// arithmetic that may not be reassociated
	exactFP ir.ValueID
}

func noMatch(v ir.ValueID) instrDesc {
	return instrDesc{pattern: v, exactFP: ir.NoValue}
}

func matched(ok bool, v ir.ValueID) instrDesc {
	return instrDesc{ok: ok, pattern: v, exactFP: ir.NoValue}
}

// minMaxFlavor returns the min/max operation a select computes, or
// RecurNone.
//
// PATTERNS:
//
//	select (cmp pred a, b), a, b   ; pred decides
//	select (cmp pred a, b), b, a   ; the inverse of pred decides
//
// sgt/sge is smax, slt/sle smin, ugt/uge umax and ult/ule umin. Ordered and
// unordered float predicates both map to fmax (gt/ge) and fmin (lt/le).
func minMaxFlavor(fn *ir.Function, sel ir.ValueID) RecurKind {
	if shapeOf(fn, sel) != shapeSelect {
		return RecurNone
	}
	s := fn.Value(sel)
	cond := s.Args[0]
	if shapeOf(fn, cond) != shapeCompare {
		return RecurNone
	}
	cmp := fn.Value(cond)
	a, b := cmp.Args[0], cmp.Args[1]
	pred := cmp.Pred
	switch {
	case s.Args[1] == a && s.Args[2] == b:
	case s.Args[1] == b && s.Args[2] == a:
		pred = pred.Inverse()
	default:
		return RecurNone
	}

	switch pred {
	case ir.ICmpSGT, ir.ICmpSGE:
		return RecurSMax
	case ir.ICmpSLT, ir.ICmpSLE:
		return RecurSMin
	case ir.ICmpUGT, ir.ICmpUGE:
		return RecurUMax
	case ir.ICmpULT, ir.ICmpULE:
		return RecurUMin
	case ir.FCmpOGT, ir.FCmpOGE, ir.FCmpUGT, ir.FCmpUGE:
		return RecurFMax
	case ir.FCmpOLT, ir.FCmpOLE, ir.FCmpULT, ir.FCmpULE:
		return RecurFMin
	default:
		return RecurNone
	}
}

// isMinMaxSelectCmpPattern matches one half of a compare/select min/max
// pair.
//
// A compare is accepted when its single use is the select it controls; the
// select is then the pattern instruction. A select is accepted when its
// condition is a single-use compare and together they compute a min or max.
// When want is not RecurNone the select must compute exactly that kind.
func isMinMaxSelectCmpPattern(fn *ir.Function, v ir.ValueID, prev instrDesc, want RecurKind) instrDesc {
	switch shapeOf(fn, v) {
	case shapeCompare:
		if !fn.HasOneUse(v) {
			return noMatch(v)
		}
		sel := fn.Users(v)[0]
		if shapeOf(fn, sel) != shapeSelect || fn.Value(sel).Args[0] != v {
			return noMatch(v)
		}
		return instrDesc{ok: true, kind: prev.kind, pattern: sel, exactFP: ir.NoValue}

	case shapeSelect:
		cond := fn.Value(v).Args[0]
		if shapeOf(fn, cond) != shapeCompare || !fn.HasOneUse(cond) {
			return noMatch(v)
		}
		k := minMaxFlavor(fn, v)
		if k == RecurNone || (want != RecurNone && k != want) {
			return noMatch(v)
		}
		return instrDesc{ok: true, kind: k, pattern: v, exactFP: ir.NoValue}
	}
	return noMatch(v)
}

// isConditionalRdxPattern matches the select closing a conditional sum or
// product:
//
//	%cmp   = fcmp pred %x, %c
//	%add   = fadd fast %x, %sum
//	%sum.2 = select %cmp, %add, %sum     ; either arm order
//
// Exactly one select arm must be a phi. The other arm must be fast fadd or
// fsub (for FAdd) or fast fmul (for FMul).
func isConditionalRdxPattern(fn *ir.Function, kind RecurKind, v ir.ValueID) instrDesc {
	if shapeOf(fn, v) != shapeSelect {
		return noMatch(v)
	}
	s := fn.Value(v)
	cond := s.Args[0]
	if shapeOf(fn, cond) != shapeCompare || !fn.HasOneUse(cond) {
		return noMatch(v)
	}

	trueVal, falseVal := s.Args[1], s.Args[2]
	truePhi, falsePhi := fn.IsPhi(trueVal), fn.IsPhi(falseVal)
	if truePhi == falsePhi {
		return noMatch(v)
	}
	other := trueVal
	if truePhi {
		other = falseVal
	}
	if shapeOf(fn, other) != shapeBinary {
		return noMatch(v)
	}

	fast := fn.Value(other).Flags.IsFast()
	switch fn.Op(other) {
	case ir.OpFAdd, ir.OpFSub:
		if fast {
			return matched(kind == RecurFAdd, v)
		}
	case ir.OpFMul:
		if fast {
			return matched(kind == RecurFMul, v)
		}
	}
	return noMatch(v)
}

// isRecurrenceInstr reports whether v may appear in a reduction cycle of
// the given kind. fmf carries the function-level defaults, which gate the
// floating point min/max kinds.
func isRecurrenceInstr(fn *ir.Function, v ir.ValueID, kind RecurKind, prev instrDesc, fmf ir.FastMathFlags) instrDesc {
	switch shapeOf(fn, v) {
	case shapePhi:
		return instrDesc{ok: true, kind: prev.kind, pattern: v, exactFP: ir.NoValue}

	case shapeBinary:
		exact := ir.NoValue
		if !fn.Value(v).Flags.AllowReassoc() {
			exact = v
		}
		switch fn.Op(v) {
		case ir.OpAdd, ir.OpSub:
			return matched(kind == RecurAdd, v)
		case ir.OpMul:
			return matched(kind == RecurMul, v)
		case ir.OpAnd:
			return matched(kind == RecurAnd, v)
		case ir.OpOr:
			return matched(kind == RecurOr, v)
		case ir.OpXor:
			return matched(kind == RecurXor, v)
		case ir.OpFMul, ir.OpFDiv:
			return instrDesc{ok: kind == RecurFMul, pattern: v, exactFP: exact}
		case ir.OpFAdd, ir.OpFSub:
			return instrDesc{ok: kind == RecurFAdd, pattern: v, exactFP: exact}
		}
		return noMatch(v)

	case shapeSelect:
		if kind == RecurFAdd || kind == RecurFMul {
			return isConditionalRdxPattern(fn, kind, v)
		}
		return minMaxCandidate(fn, v, kind, prev, fmf)

	case shapeCompare:
		return minMaxCandidate(fn, v, kind, prev, fmf)
	}
	return noMatch(v)
}

func minMaxCandidate(fn *ir.Function, v ir.ValueID, kind RecurKind, prev instrDesc, fmf ir.FastMathFlags) instrDesc {
	if kind.IsIntMinMax() || (fmf.NoNaNs() && fmf.NoSignedZeros() && kind.IsFPMinMax()) {
		return isMinMaxSelectCmpPattern(fn, v, prev, kind)
	}
	return noMatch(v)
}
