package ivdesc

import (
	"log/slog"
	"slices"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// FPDefaults are the function-wide floating point assumptions a reduction
// classification runs under.
//
// They are passed in explicitly rather than read from the function, so the
// same IR can be classified under different assumptions.
type FPDefaults struct {
	NoNaNs        bool
	NoSignedZeros bool
}

// FPDefaultsFromAttrs reads the defaults from function attributes.
func FPDefaultsFromAttrs(attrs ir.Attrs) FPDefaults {
	return FPDefaults{NoNaNs: attrs.NoNaNsFPMath, NoSignedZeros: attrs.NoSignedZerosFPMath}
}

// Merge grants every assumption either d or o grants.
func (d FPDefaults) Merge(o FPDefaults) FPDefaults {
	return FPDefaults{NoNaNs: d.NoNaNs || o.NoNaNs, NoSignedZeros: d.NoSignedZeros || o.NoSignedZeros}
}

func (d FPDefaults) flags() ir.FastMathFlags {
	var f ir.FastMathFlags
	if d.NoNaNs {
		f |= ir.FlagNoNaNs
	}
	if d.NoSignedZeros {
		f |= ir.FlagNoSignedZeros
	}
	return f
}

// BitUsage answers which result bits of an instruction are observable.
// valuetracking.DemandedBits implements it.
type BitUsage interface {
	DemandedBits(v ir.ValueID) uint64
}

// ValueRange answers sign questions about integer values.
// valuetracking.Tracker implements it.
type ValueRange interface {
	NumSignBits(v ir.ValueID) int
	KnownNonNegative(v ir.ValueID) bool
	KnownNegative(v ir.ValueID) bool
}

// Oracles are the optional analyses used to narrow type-promoted
// reductions. Either or both may be nil.
type Oracles struct {
	BitUsage   BitUsage
	ValueRange ValueRange
}

// AddReductionVar checks whether phi is a reduction of the given kind in
// loop and describes it.
//
// WHAT IS A REDUCTION?
// A cycle phi -> op -> ... -> op -> phi where every op combines the running
// value with something computed in the iteration, and only the final value
// is used after the loop:
//
//	loop:
//	  %sum  = phi i32 [0, %entry], [%sum1, %loop]
//	  %x    = load i32, ptr %p
//	  %sum1 = add i32 %sum, %x
//	  condbr %c, %loop, %exit
//	exit:
//	  ret i32 %sum1
//
// ALGORITHM:
//  1. Check the phi's domain against the kind; look through a masking
//     "and" that an earlier narrowing left behind
//  2. Walk the def-use graph from the start instruction. Every instruction
//     reached must be a legal step of the kind, and values may only leave
//     the loop through one exit instruction feeding the phi
//  3. Min/max kinds need exactly one compare and one select
//  4. For a masked phi, prove independently that the narrow type suffices,
//     and collect the casts that become no-ops
//
// Rejection returns nil, false and never modifies anything.
func AddReductionVar(phi ir.ValueID, kind RecurKind, loop *cfg.Loop, fp FPDefaults, oracles Oracles) (*RecurrenceDescriptor, bool) {
	fn := loop.Func()
	if !fn.IsPhi(phi) {
		return nil, false
	}
	phiVal := fn.Value(phi)
	if len(phiVal.Args) != 2 || phiVal.Block != loop.Header {
		return nil, false
	}
	start := fn.IncomingValueForBlock(phi, loop.Preheader())
	if start == ir.NoValue {
		return nil, false
	}

	recurrenceType := fn.Type(phi)
	startInstr := phi
	visited := map[ir.ValueID]bool{}
	casts := map[ir.ValueID]bool{}

	switch {
	case types.IsFloat(recurrenceType):
		if !kind.IsFloatingPoint() {
			return nil, false
		}
	case types.IsInteger(recurrenceType):
		if !kind.IsInteger() {
			return nil, false
		}
		// Min/max narrowing is looser than the arithmetic case; see the
		// signedness note below
		if kind.IsArithmetic() || kind.IsIntMinMax() {
			startInstr, recurrenceType = lookThroughAnd(fn, phi, recurrenceType, visited, casts)
		}
	default:
		// Pointer min/max is not a supported reduction
		return nil, false
	}

	worklist := []ir.ValueID{startInstr}
	visited[startInstr] = true

	funcFMF := fp.flags()
	fmf := ir.FastMath
	exit, exactFP := ir.NoValue, ir.NoValue
	foundReduxOp, foundStartPhi := false, false
	numCmpSelect := 0
	desc := noMatch(ir.NoValue)

	for len(worklist) > 0 {
		cur := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		// An unused value is a broken chain
		if fn.NumUses(cur) == 0 {
			return nil, false
		}

		curVal := fn.Value(cur)
		sh := shapeOf(fn, cur)
		isPhi := sh == shapePhi

		if cur != phi && isPhi && curVal.Block == phiVal.Block {
			return nil, false
		}

		// Non-commutative steps (sub, fdiv, ...) need the reduction value on
		// the left
		if !curVal.Op.IsCommutative() && !isPhi && sh != shapeSelect && sh != shapeCompare {
			if len(curVal.Args) == 0 || !visited[curVal.Args[0]] {
				return nil, false
			}
		}

		if cur != startInstr {
			desc = isRecurrenceInstr(fn, cur, kind, desc, funcFMF)
			if !desc.ok {
				return nil, false
			}
			if !isPhi && fn.IsFPMathOperator(desc.pattern) {
				curFMF := fn.Value(desc.pattern).Flags
				if shapeOf(fn, desc.pattern) == shapeSelect {
					// Accept the flags of either half of a min/max idiom
					if cond := fn.Value(desc.pattern).Args[0]; fn.Op(cond) == ir.OpFCmp {
						curFMF |= fn.Value(cond).Flags
					}
				}
				fmf = fmf.Intersect(curFMF)
			}
			if desc.exactFP != ir.NoValue {
				exactFP = desc.exactFP
			}
		}

		isSelect := sh == shapeSelect
		if isSelect && (kind == RecurFAdd || kind == RecurFMul) && hasMultipleUsesOf(fn, cur, visited, 2) {
			return nil, false
		}
		if !isPhi && !isSelect && !kind.IsMinMax() && hasMultipleUsesOf(fn, cur, visited, 1) {
			return nil, false
		}
		if isPhi && cur != phi && !allOperandsIn(fn, cur, visited) {
			return nil, false
		}

		if kind.IsIntMinMax() && (curVal.Op == ir.OpICmp || isSelect) {
			numCmpSelect++
		}
		if kind.IsFPMinMax() && (curVal.Op == ir.OpFCmp || isSelect) {
			numCmpSelect++
		}
		foundReduxOp = foundReduxOp || (!isPhi && cur != startInstr)

		// Phis are pushed before the other users so that the other users
		// are popped, and their operands visited, first
		var phis, nonPhis []ir.ValueID
		for _, user := range fn.Users(cur) {
			if !loop.Contains(fn.BlockOf(user)) {
				if exit == cur {
					continue
				}
				// A second escaping value, or the phi itself escaping, would
				// lose the last iterations of a vectorized loop
				if exit != ir.NoValue || cur == phi {
					return nil, false
				}
				if !slices.Contains(phiVal.Args, cur) {
					return nil, false
				}
				exit = cur
				continue
			}

			if !visited[user] {
				visited[user] = true
				if fn.IsPhi(user) {
					phis = append(phis, user)
				} else {
					nonPhis = append(nonPhis, user)
				}
			} else if !fn.IsPhi(user) {
				us := shapeOf(fn, user)
				if us != shapeCompare && us != shapeSelect {
					return nil, false
				}
				if !isConditionalRdxPattern(fn, kind, user).ok &&
					!isMinMaxSelectCmpPattern(fn, user, noMatch(ir.NoValue), RecurNone).ok {
					return nil, false
				}
			}

			if user == phi {
				foundStartPhi = true
			}
		}
		worklist = append(worklist, phis...)
		worklist = append(worklist, nonPhis...)
	}

	if kind.IsMinMax() && numCmpSelect != 2 {
		return nil, false
	}
	if !foundStartPhi || !foundReduxOp || exit == ir.NoValue {
		return nil, false
	}

	ordered := checkOrderedReduction(fn, kind, exactFP, exit, phi)
	if ordered {
		slog.Debug("found an ordered reduction", "phi", fn.Ref(phi), "exit", fn.Ref(exit))
	}

	signed := false
	if startInstr != phi {
		computed, isSigned := computeRecurrenceType(fn, exit, oracles)
		if !computed.Equals(recurrenceType) {
			slog.Debug("narrowed reduction type not confirmed",
				"phi", fn.Ref(phi), "mask", recurrenceType.String(), "computed", computed.String())
			return nil, false
		}
		signed = isSigned
		// NOT SOUND: a masked value lies in [0, 2^n), which iN signed cannot
		// hold. Re-widening a narrowed smin/smax with sext may not give back
		// the wide exit value (200 masked to i8 reads as -56). Callers that
		// narrow signed min/max must check the range themselves.
		if kind == RecurSMin || kind == RecurSMax {
			signed = true
		}
		collectCastsToIgnore(fn, loop, exit, recurrenceType, casts)
	}

	return newRecurrenceDescriptor(start, exit, kind, fmf, exactFP, recurrenceType, signed, ordered, casts), true
}

// lookThroughAnd recognizes a phi whose only use masks it to its low n bits:
//
//	%acc  = phi i32 ...
//	%low  = and i32 %acc, 255      ; or "and 255, %acc"
//
// This is what remains of a narrow reduction after it was promoted to a wider
// type. The walk then starts at the "and", the working type becomes iN and
// the "and" is recorded as a redundant cast.
func lookThroughAnd(fn *ir.Function, phi ir.ValueID, rt types.Type,
	visited, casts map[ir.ValueID]bool) (ir.ValueID, types.Type) {
	if !fn.HasOneUse(phi) {
		return phi, rt
	}
	j := fn.Users(phi)[0]
	if fn.Op(j) != ir.OpAnd {
		return phi, rt
	}
	width := types.BitWidth(rt)
	args := fn.Value(j).Args
	for i := 0; i < 2; i++ {
		if args[1-i] != phi {
			continue
		}
		m, ok := fn.IntValue(args[i])
		if !ok {
			continue
		}
		if n := lowBitsMask(ir.MaskToWidth(uint64(m), width)); n > 0 && n < width {
			visited[phi] = true
			casts[j] = true
			return j, types.Int(n)
		}
	}
	return phi, rt
}

// checkOrderedReduction recognizes the one in-order floating point sum
// shape: the exit is a strict fadd (the exact instruction) reading the phi.
func checkOrderedReduction(fn *ir.Function, kind RecurKind, exactFP, exit, phi ir.ValueID) bool {
	if kind != RecurFAdd {
		return false
	}
	if fn.Op(exit) != ir.OpFAdd || exit != exactFP {
		return false
	}
	args := fn.Value(exit).Args
	return args[0] == phi || args[1] == phi
}

// hasMultipleUsesOf reports whether more than max operands of v are in set.
func hasMultipleUsesOf(fn *ir.Function, v ir.ValueID, set map[ir.ValueID]bool, max int) bool {
	n := 0
	for _, arg := range fn.Value(v).Args {
		if set[arg] {
			n++
		}
		if n > max {
			return true
		}
	}
	return false
}

// allOperandsIn reports whether every operand of v is an instruction in set.
func allOperandsIn(fn *ir.Function, v ir.ValueID, set map[ir.ValueID]bool) bool {
	for _, arg := range fn.Value(v).Args {
		if !fn.IsInstruction(arg) || !set[arg] {
			return false
		}
	}
	return true
}

// IsReductionPhi tries every reduction kind in a fixed order and returns the
// first that describes phi.
func IsReductionPhi(phi ir.ValueID, loop *cfg.Loop, fp FPDefaults, oracles Oracles) (*RecurrenceDescriptor, bool) {
	fn := loop.Func()
	for _, kind := range ReductionKinds {
		if rd, ok := AddReductionVar(phi, kind, loop, fp, oracles); ok {
			slog.Debug("found a reduction phi", "phi", fn.Ref(phi), "kind", kind.String())
			return rd, true
		}
	}
	return nil, false
}
