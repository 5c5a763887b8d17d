package valuetracking

import (
	"math/bits"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// DemandedBits computes, for every integer instruction, which bits of its
// result can influence observable behavior.
//
// ALGORITHM:
//  1. Roots are instructions whose result is always live: anything with side
//     effects, terminators, and instructions producing a non-integer value.
//     Their integer operands are fully demanded.
//  2. Walk the worklist backwards. For each instruction, derive the bits its
//     operands must supply from the bits of its own result that are demanded.
//  3. Bits only ever get added, so the walk reaches a fixpoint.
//
// EXAMPLE:
//
//	%s = add i32 %a, %b
//	%t = and i32 %s, 255      ; only the low 8 bits of %s matter
//	store i32 %t, ptr %p      ; root
//
// Demanded(%s) = 0xff, and carries only flow upwards, so %a and %b are
// demanded at 0xff too.
type DemandedBits struct {
	fn    *ir.Function
	alive map[ir.ValueID]uint64
}

// NewDemandedBits runs the analysis over fn.
func NewDemandedBits(fn *ir.Function) *DemandedBits {
	db := &DemandedBits{fn: fn, alive: make(map[ir.ValueID]uint64)}
	db.run()
	return db
}

func isIntegerValue(fn *ir.Function, v ir.ValueID) bool {
	return types.IsInteger(fn.Type(v))
}

func (db *DemandedBits) isAlwaysLive(v ir.ValueID) bool {
	fn := db.fn
	op := fn.Op(v)
	return op.IsTerminator() || fn.MayHaveSideEffects(v) || !isIntegerValue(fn, v)
}

func (db *DemandedBits) run() {
	fn := db.fn
	var worklist []ir.ValueID

	for _, b := range fn.Blocks {
		for _, v := range b.Instrs {
			if !db.isAlwaysLive(v) {
				continue
			}
			if isIntegerValue(fn, v) {
				db.alive[v] = mask(types.BitWidth(fn.Type(v)))
			}
			worklist = append(worklist, v)
		}
	}

	for len(worklist) > 0 {
		v := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		val := fn.Value(v)
		out := db.alive[v]
		live := db.isAlwaysLive(v)
		if !live && out == 0 {
			continue
		}
		for i, arg := range val.Args {
			if !fn.IsInstruction(arg) || !isIntegerValue(fn, arg) {
				continue
			}
			width := types.BitWidth(fn.Type(arg))
			need := mask(width)
			if !live {
				need = db.operandBits(val, i, out, width)
			}
			old, seen := db.alive[arg]
			if merged := old | need; !seen || merged != old {
				db.alive[arg] = merged
				worklist = append(worklist, arg)
			}
		}
	}
}

// operandBits returns the bits operand i of val must supply when out is
// demanded of val's result.
func (db *DemandedBits) operandBits(val *ir.Value, i int, out uint64, width int) uint64 {
	fn := db.fn
	outWidth := types.BitWidth(val.Type)
	all := mask(width)
	shift := func() (int, bool) {
		c, ok := fn.IntValue(val.Args[1])
		if !ok || c < 0 || c >= int64(outWidth) {
			return 0, false
		}
		return int(c), true
	}

	switch val.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul:
		// Carries propagate upwards only: every bit at or below the highest
		// demanded bit is needed.
		if out == 0 {
			return 0
		}
		return mask(64-bits.LeadingZeros64(out)) & all

	case ir.OpAnd, ir.OpOr, ir.OpXor:
		return out

	case ir.OpShl:
		if i == 0 {
			if c, ok := shift(); ok {
				return out >> uint(c)
			}
		}

	case ir.OpLShr:
		if i == 0 {
			if c, ok := shift(); ok {
				return (out << uint(c)) & all
			}
		}

	case ir.OpAShr:
		if i == 0 {
			if c, ok := shift(); ok {
				need := (out << uint(c)) & all
				// Bits shifted in from the top are copies of the sign bit
				if high := all &^ (all >> uint(c)); out&high != 0 {
					need |= uint64(1) << uint(width-1)
				}
				return need
			}
		}

	case ir.OpTrunc:
		return out

	case ir.OpZExt:
		return out & all

	case ir.OpSExt:
		need := out & all
		if out&^all != 0 {
			need |= uint64(1) << uint(width-1)
		}
		return need

	case ir.OpSelect:
		if i > 0 {
			return out
		}

	case ir.OpPhi:
		return out
	}
	return all
}

// DemandedBits returns the demanded bits of v. Values that are not integer
// instructions are fully demanded; dead integer instructions demand nothing.
func (db *DemandedBits) DemandedBits(v ir.ValueID) uint64 {
	fn := db.fn
	width := types.BitWidth(fn.Type(v))
	if !fn.IsInstruction(v) || !isIntegerValue(fn, v) {
		return mask(width)
	}
	return db.alive[v]
}

// IsDead reports whether none of v's result bits are observable.
func (db *DemandedBits) IsDead(v ir.ValueID) bool {
	return db.fn.IsInstruction(v) && isIntegerValue(db.fn, v) && !db.isAlwaysLive(v) && db.alive[v] == 0
}
