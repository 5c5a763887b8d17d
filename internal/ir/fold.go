package ir

import (
	"math"

	"github.com/hassan/ivdesc/internal/types"
)

// Constant folding.
//
// WHAT IS CONSTANT FOLDING?
// Evaluating an operation whose operands are all constants at analysis time.
//
// EXAMPLE:
//   add i8 250, 10   =>  4        (wraps at the type's width)
//   sdiv i8 -128, -1 =>  no fold  (overflow is undefined)
//   icmp ult i8 -1, 1 => false    (-1 is 255 unsigned)
//
// The analyses use these helpers to fold symbolic constants and to check
// that reduction identity elements really are identities.
//
// IMPLEMENTATION NOTE:
// Integer constants are kept as raw bit patterns truncated to the type's
// width; every operation re-masks its result. Floating point constants are
// computed in float64 and rounded to float32 for 32-bit types; half precision
// is treated as float32.

// MaskToWidth keeps the low bits of x.
func MaskToWidth(x uint64, bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return x
	}
	return x & (1<<uint(bits) - 1)
}

// SignExtend interprets the low bits of x as a two's complement number.
func SignExtend(x uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(x)
	}
	shift := uint(64 - bits)
	return int64(x<<shift) >> shift
}

// FoldBinary evaluates op on two constants of type t. The second result is
// false when op is not defined for the operands (division by zero, signed
// overflow in division, oversized shifts).
func FoldBinary(op Opcode, t types.Type, x, y Const) (Const, bool) {
	if types.IsFloat(t) {
		return foldFloatBinary(op, t, x.Float, y.Float)
	}
	width := types.BitWidth(t)
	if width == 0 {
		return Const{}, false
	}
	a, b := MaskToWidth(x.Bits, width), MaskToWidth(y.Bits, width)
	sa, sb := SignExtend(a, width), SignExtend(b, width)

	var result uint64
	switch op {
	case OpAdd:
		result = a + b
	case OpSub:
		result = a - b
	case OpMul:
		result = a * b
	case OpUDiv:
		if b == 0 {
			return Const{}, false
		}
		result = a / b
	case OpURem:
		if b == 0 {
			return Const{}, false
		}
		result = a % b
	case OpSDiv, OpSRem:
		// Don't fold division by zero or the one overflowing quotient
		if sb == 0 || (sb == -1 && sa == SignExtend(uint64(1)<<uint(width-1), width)) {
			return Const{}, false
		}
		if op == OpSDiv {
			result = uint64(sa / sb)
		} else {
			result = uint64(sa % sb)
		}
	case OpAnd:
		result = a & b
	case OpOr:
		result = a | b
	case OpXor:
		result = a ^ b
	case OpShl:
		if b >= uint64(width) {
			return Const{}, false
		}
		result = a << b
	case OpLShr:
		if b >= uint64(width) {
			return Const{}, false
		}
		result = a >> b
	case OpAShr:
		if b >= uint64(width) {
			return Const{}, false
		}
		result = uint64(sa >> b)
	default:
		return Const{}, false
	}
	return Const{Bits: MaskToWidth(result, width)}, true
}

func foldFloatBinary(op Opcode, t types.Type, a, b float64) (Const, bool) {
	var result float64
	switch op {
	case OpFAdd:
		result = a + b
	case OpFSub:
		result = a - b
	case OpFMul:
		result = a * b
	case OpFDiv:
		result = a / b
	case OpFRem:
		result = math.Mod(a, b)
	default:
		return Const{}, false
	}
	return Const{Float: roundTo(t, result)}, true
}

func roundTo(t types.Type, x float64) float64 {
	if types.BitWidth(t) < 64 {
		return float64(float32(x))
	}
	return x
}

// FoldCompare evaluates a comparison of two constants of type t.
func FoldCompare(pred Predicate, t types.Type, x, y Const) bool {
	if pred.IsFloatPredicate() {
		a, b := x.Float, y.Float
		unordered := math.IsNaN(a) || math.IsNaN(b)
		switch pred {
		case FCmpOEQ:
			return !unordered && a == b
		case FCmpOGT:
			return !unordered && a > b
		case FCmpOGE:
			return !unordered && a >= b
		case FCmpOLT:
			return !unordered && a < b
		case FCmpOLE:
			return !unordered && a <= b
		case FCmpONE:
			return !unordered && a != b
		case FCmpORD:
			return !unordered
		case FCmpUNO:
			return unordered
		case FCmpUEQ:
			return unordered || a == b
		case FCmpUGT:
			return unordered || a > b
		case FCmpUGE:
			return unordered || a >= b
		case FCmpULT:
			return unordered || a < b
		case FCmpULE:
			return unordered || a <= b
		case FCmpUNE:
			return unordered || a != b
		}
		return false
	}

	width := types.BitWidth(t)
	a, b := MaskToWidth(x.Bits, width), MaskToWidth(y.Bits, width)
	sa, sb := SignExtend(a, width), SignExtend(b, width)
	switch pred {
	case ICmpEQ:
		return a == b
	case ICmpNE:
		return a != b
	case ICmpUGT:
		return a > b
	case ICmpUGE:
		return a >= b
	case ICmpULT:
		return a < b
	case ICmpULE:
		return a <= b
	case ICmpSGT:
		return sa > sb
	case ICmpSGE:
		return sa >= sb
	case ICmpSLT:
		return sa < sb
	case ICmpSLE:
		return sa <= sb
	}
	return false
}

// FoldCast converts a constant of type from to type to.
func FoldCast(op Opcode, from, to types.Type, x Const) (Const, bool) {
	fromBits, toBits := types.BitWidth(from), types.BitWidth(to)
	switch op {
	case OpTrunc, OpZExt, OpPtrToInt, OpIntToPtr:
		return Const{Bits: MaskToWidth(MaskToWidth(x.Bits, fromBits), toBits)}, true
	case OpSExt:
		return Const{Bits: MaskToWidth(uint64(SignExtend(x.Bits, fromBits)), toBits)}, true
	case OpFPTrunc, OpFPExt:
		return Const{Float: roundTo(to, x.Float)}, true
	case OpSIToFP:
		return Const{Float: roundTo(to, float64(SignExtend(x.Bits, fromBits)))}, true
	case OpUIToFP:
		return Const{Float: roundTo(to, float64(MaskToWidth(x.Bits, fromBits)))}, true
	case OpFPToSI, OpFPToUI:
		if math.IsNaN(x.Float) || math.IsInf(x.Float, 0) {
			return Const{}, false
		}
		return Const{Bits: MaskToWidth(uint64(int64(x.Float)), toBits)}, true
	default:
		return Const{}, false
	}
}
