package ivdesc

import (
	"math/bits"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// computeRecurrenceType finds the narrowest integer type that holds every
// value the exit instruction can produce, and whether widening it back
// needs a sign extension.
//
// ALGORITHM:
//  1. With bit-usage information, the width is the position of the highest
//     demanded bit. A narrower result proves the sign bit is not needed, so
//     the value is zero-extended
//  2. When that did not narrow anything, use the sign information instead:
//     width minus the number of known sign bits. A value not known to be
//     non-negative is sign-extended, and unless it is known negative it
//     needs one more bit to keep its sign
//  3. Round up to a power of two
//
// Without either oracle the declared width is returned.
func computeRecurrenceType(fn *ir.Function, exit ir.ValueID, oracles Oracles) (types.Type, bool) {
	full := types.BitWidth(fn.Type(exit))
	width := full
	signed := false

	if oracles.BitUsage != nil {
		width = bits.Len64(oracles.BitUsage.DemandedBits(exit) & lowMask(full))
	}

	if width == full && oracles.ValueRange != nil {
		vr := oracles.ValueRange
		width = full - vr.NumSignBits(exit)
		if !vr.KnownNonNegative(exit) {
			signed = true
			if !vr.KnownNegative(exit) {
				width++
			}
		}
	}

	return types.Int(nextPowerOfTwo(width)), signed
}

// collectCastsToIgnore walks backwards from exit through loop-varying
// operands and records every cast whose source already has the recurrence
// type; the walk does not continue through such a cast.
func collectCastsToIgnore(fn *ir.Function, loop *cfg.Loop, exit ir.ValueID, rt types.Type, casts map[ir.ValueID]bool) {
	worklist := []ir.ValueID{exit}
	seen := map[ir.ValueID]bool{}

	for len(worklist) > 0 {
		v := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		seen[v] = true

		val := fn.Value(v)
		if shapeOf(fn, v) == shapeCast && fn.Type(val.Args[0]).Equals(rt) {
			casts[v] = true
			continue
		}
		for _, arg := range val.Args {
			if loop.ContainsValue(arg) && !seen[arg] {
				worklist = append(worklist, arg)
			}
		}
	}
}

// lowBitsMask returns n when m == 2^n - 1 for some n > 0, and 0 otherwise.
func lowBitsMask(m uint64) int {
	if m == 0 || m&(m+1) != 0 {
		return 0
	}
	return bits.Len64(m)
}

func lowMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	if width <= 0 {
		return 0
	}
	return uint64(1)<<uint(width) - 1
}

// nextPowerOfTwo rounds w up to a power of two; 0 becomes 1.
func nextPowerOfTwo(w int) int {
	if w > 0 && w&(w-1) == 0 {
		return w
	}
	return 1 << uint(bits.Len(uint(w)))
}
