package ivdesc

import (
	"fmt"
	"math"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// IdentityFor returns the neutral element of kind in type t: the value x
// for which "op(x, y) == y" for every y. A vectorized reduction seeds its
// unused lanes with it.
//
//	add, or, xor, umax   0
//	mul                  1
//	and, umin            all ones
//	smin                 signed maximum
//	smax                 signed minimum
//	fmul                 1.0
//	fadd                 -0.0, or +0.0 when signed zeros are ignored
//	fmin                 +inf
//	fmax                 -inf
//
// -0.0 is the true identity of fadd (-0.0 + +0.0 is +0.0). The +0.0 under
// "nsz" avoids mixing zeros of both signs in one vector.
func IdentityFor(kind RecurKind, t types.Type, flags ir.FastMathFlags) ir.Const {
	width := types.BitWidth(t)
	switch kind {
	case RecurAdd, RecurOr, RecurXor, RecurUMax:
		return ir.Const{Bits: 0}
	case RecurMul:
		return ir.Const{Bits: 1}
	case RecurAnd, RecurUMin:
		return ir.Const{Bits: lowMask(width)}
	case RecurSMin:
		return ir.Const{Bits: lowMask(width) >> 1}
	case RecurSMax:
		return ir.Const{Bits: uint64(1) << uint(width-1)}
	case RecurFMul:
		return ir.Const{Float: 1.0}
	case RecurFAdd:
		if flags.NoSignedZeros() {
			return ir.Const{Float: 0.0}
		}
		return ir.Const{Float: math.Copysign(0, -1)}
	case RecurFMin:
		return ir.Const{Float: math.Inf(1)}
	case RecurFMax:
		return ir.Const{Float: math.Inf(-1)}
	}
	panic(fmt.Sprintf("ivdesc: no identity for recurrence kind %s", kind))
}

// OpcodeFor returns the scalar instruction that performs one step of kind.
// Min/max kinds are rebuilt from a compare (and a select).
func OpcodeFor(kind RecurKind) ir.Opcode {
	switch kind {
	case RecurAdd:
		return ir.OpAdd
	case RecurMul:
		return ir.OpMul
	case RecurOr:
		return ir.OpOr
	case RecurAnd:
		return ir.OpAnd
	case RecurXor:
		return ir.OpXor
	case RecurFMul:
		return ir.OpFMul
	case RecurFAdd:
		return ir.OpFAdd
	case RecurSMax, RecurSMin, RecurUMax, RecurUMin:
		return ir.OpICmp
	case RecurFMax, RecurFMin:
		return ir.OpFCmp
	}
	panic(fmt.Sprintf("ivdesc: unknown recurrence kind %s", kind))
}
