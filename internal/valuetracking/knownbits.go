// Package valuetracking answers bit-level questions about integer values:
// which bits are known to be zero or one, how many copies of the sign bit a
// value carries, and which bits of a value are ever observed by its users.
//
// WHY?
// A reduction written over i32 may only ever need 8 bits. Knowing that lets
// a vectorizer pack four times as many lanes into a register. The facts
// computed here are conservative: "unknown" is always a correct answer.
package valuetracking

import (
	"math/bits"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// MaxDepth bounds the recursion of KnownBits and NumSignBits.
const MaxDepth = 6

// KnownBits describes the bits of a value of a given width. A bit set in
// Zero is known to be 0, a bit set in One is known to be 1. The two never
// overlap.
type KnownBits struct {
	Zero, One uint64
	Width     int
}

// Unknown returns the KnownBits with nothing known.
func Unknown(width int) KnownBits { return KnownBits{Width: width} }

// ConstantBits returns the KnownBits of the constant c.
func ConstantBits(c uint64, width int) KnownBits {
	c = ir.MaskToWidth(c, width)
	return KnownBits{Zero: ^c & mask(width), One: c, Width: width}
}

// mask returns the low width bits set.
func mask(width int) uint64 {
	switch {
	case width <= 0:
		return 0
	case width >= 64:
		return ^uint64(0)
	}
	return 1<<uint(width) - 1
}

func (k KnownBits) signBit() uint64 {
	if k.Width == 0 {
		return 0
	}
	return 1 << uint(k.Width-1)
}

// IsNonNegative reports whether the sign bit is known to be zero.
func (k KnownBits) IsNonNegative() bool { return k.Width > 0 && k.Zero&k.signBit() != 0 }

// IsNegative reports whether the sign bit is known to be one.
func (k KnownBits) IsNegative() bool { return k.Width > 0 && k.One&k.signBit() != 0 }

// IsConstant reports whether every bit is known.
func (k KnownBits) IsConstant() bool { return k.Zero|k.One == mask(k.Width) }

// Intersect keeps only the facts that hold for both k and o.
func (k KnownBits) Intersect(o KnownBits) KnownBits {
	return KnownBits{Zero: k.Zero & o.Zero, One: k.One & o.One, Width: k.Width}
}

// CountMinLeadingZeros returns how many high bits are known zero.
func (k KnownBits) CountMinLeadingZeros() int {
	return bits.LeadingZeros64(^k.Zero&mask(k.Width)) - (64 - k.Width)
}

// CountMinLeadingOnes returns how many high bits are known one.
func (k KnownBits) CountMinLeadingOnes() int {
	return bits.LeadingZeros64(^k.One&mask(k.Width)) - (64 - k.Width)
}

// CountMinTrailingZeros returns how many low bits are known zero.
func (k KnownBits) CountMinTrailingZeros() int {
	tz := bits.TrailingZeros64(^k.Zero)
	if tz > k.Width {
		return k.Width
	}
	return tz
}

func (k KnownBits) String() string {
	buf := make([]byte, k.Width)
	for i := 0; i < k.Width; i++ {
		bit := uint64(1) << uint(k.Width-1-i)
		switch {
		case k.Zero&bit != 0:
			buf[i] = '0'
		case k.One&bit != 0:
			buf[i] = '1'
		default:
			buf[i] = '?'
		}
	}
	return string(buf)
}

// addCarry computes the known bits of lhs + rhs + carry.
//
// ALGORITHM:
// Form the largest and smallest possible sums. Where both agree with the
// operands' known bits, the carry into that bit is known, and so is the
// result bit.
func addCarry(lhs, rhs KnownBits, carryZero, carryOne bool) KnownBits {
	m := mask(lhs.Width)
	var cz, co uint64
	if !carryZero {
		cz = 1
	}
	if carryOne {
		co = 1
	}
	possibleSumZero := (^lhs.Zero&m + ^rhs.Zero&m + cz) & m
	possibleSumOne := (lhs.One + rhs.One + co) & m

	carryKnownZero := ^(possibleSumZero ^ lhs.Zero ^ rhs.Zero) & m
	carryKnownOne := (possibleSumOne ^ lhs.One ^ rhs.One) & m

	known := (lhs.Zero | lhs.One) & (rhs.Zero | rhs.One) & (carryKnownZero | carryKnownOne)
	return KnownBits{
		Zero:  ^possibleSumOne & known & m,
		One:   possibleSumOne & known & m,
		Width: lhs.Width,
	}
}

// Tracker computes KnownBits and NumSignBits on demand.
//
// DESIGN CHOICE: No caching. Queries are rare (one per narrowed reduction)
// and the recursion is bounded by MaxDepth.
type Tracker struct {
	fn *ir.Function
}

// NewTracker creates a tracker for fn.
func NewTracker(fn *ir.Function) *Tracker {
	return &Tracker{fn: fn}
}

// KnownBits returns what is known about the bits of the integer value v.
func (t *Tracker) KnownBits(v ir.ValueID) KnownBits {
	return t.knownBits(v, 0)
}

// KnownNonNegative reports whether v is known to be >= 0 as a signed value.
func (t *Tracker) KnownNonNegative(v ir.ValueID) bool { return t.KnownBits(v).IsNonNegative() }

// KnownNegative reports whether v is known to be < 0 as a signed value.
func (t *Tracker) KnownNegative(v ir.ValueID) bool { return t.KnownBits(v).IsNegative() }

func (t *Tracker) knownBits(v ir.ValueID, depth int) KnownBits {
	fn := t.fn
	typ := fn.Type(v)
	width := types.BitWidth(typ)
	if !types.IsInteger(typ) {
		return Unknown(width)
	}
	val := fn.Value(v)
	if val.Kind == ir.ValueConstant {
		return ConstantBits(val.Const.Bits, width)
	}
	if val.Kind != ir.ValueInstruction || depth >= MaxDepth {
		return Unknown(width)
	}

	operand := func(i int) KnownBits { return t.knownBits(val.Args[i], depth+1) }
	shift := func() (int, bool) {
		c, ok := fn.IntValue(val.Args[1])
		if !ok || c < 0 || c >= int64(width) {
			return 0, false
		}
		return int(c), true
	}
	m := mask(width)

	switch val.Op {
	case ir.OpAnd:
		a, b := operand(0), operand(1)
		return KnownBits{Zero: a.Zero | b.Zero, One: a.One & b.One, Width: width}

	case ir.OpOr:
		a, b := operand(0), operand(1)
		return KnownBits{Zero: a.Zero & b.Zero, One: a.One | b.One, Width: width}

	case ir.OpXor:
		a, b := operand(0), operand(1)
		return KnownBits{
			Zero:  (a.Zero & b.Zero) | (a.One & b.One),
			One:   (a.Zero & b.One) | (a.One & b.Zero),
			Width: width,
		}

	case ir.OpAdd:
		return addCarry(operand(0), operand(1), true, false)

	case ir.OpSub:
		// a - b == a + ~b + 1
		b := operand(1)
		return addCarry(operand(0), KnownBits{Zero: b.One, One: b.Zero, Width: width}, false, true)

	case ir.OpMul:
		tz := operand(0).CountMinTrailingZeros() + operand(1).CountMinTrailingZeros()
		if tz > width {
			tz = width
		}
		return KnownBits{Zero: mask(tz), Width: width}

	case ir.OpShl:
		if c, ok := shift(); ok {
			a := operand(0)
			return KnownBits{Zero: (a.Zero<<uint(c) | mask(c)) & m, One: a.One << uint(c) & m, Width: width}
		}

	case ir.OpLShr:
		if c, ok := shift(); ok {
			a := operand(0)
			high := m &^ (m >> uint(c))
			return KnownBits{Zero: a.Zero>>uint(c) | high, One: a.One >> uint(c), Width: width}
		}

	case ir.OpAShr:
		if c, ok := shift(); ok {
			a := operand(0)
			high := m &^ (m >> uint(c))
			out := KnownBits{Zero: a.Zero >> uint(c), One: a.One >> uint(c), Width: width}
			switch {
			case a.IsNonNegative():
				out.Zero |= high
			case a.IsNegative():
				out.One |= high
			}
			return out
		}

	case ir.OpURem:
		// x urem 2^n keeps the low n bits
		if c, ok := fn.IntValue(val.Args[1]); ok && c > 0 && c&(c-1) == 0 {
			low := uint64(c) - 1
			a := operand(0)
			return KnownBits{Zero: a.Zero&low | m&^low, One: a.One & low, Width: width}
		}

	case ir.OpTrunc:
		a := t.knownBits(val.Args[0], depth+1)
		return KnownBits{Zero: a.Zero & m, One: a.One & m, Width: width}

	case ir.OpZExt:
		a := t.knownBits(val.Args[0], depth+1)
		return KnownBits{Zero: a.Zero | m&^mask(a.Width), One: a.One, Width: width}

	case ir.OpSExt:
		a := t.knownBits(val.Args[0], depth+1)
		high := m &^ mask(a.Width)
		out := KnownBits{Zero: a.Zero, One: a.One, Width: width}
		switch {
		case a.IsNonNegative():
			out.Zero |= high
		case a.IsNegative():
			out.One |= high
		}
		return out

	case ir.OpICmp, ir.OpFCmp:
		return Unknown(width)

	case ir.OpSelect:
		return operand(1).Intersect(operand(2))

	case ir.OpPhi:
		if len(val.Args) == 0 {
			return Unknown(width)
		}
		out := KnownBits{Zero: m, One: m, Width: width}
		for _, arg := range val.Args {
			if arg == v {
				continue
			}
			out = out.Intersect(t.knownBits(arg, depth+1))
		}
		if out.Zero&out.One != 0 {
			return Unknown(width)
		}
		return out
	}
	return Unknown(width)
}

// NumSignBits returns how many high bits of v are known to equal the sign
// bit, counting the sign bit itself. The result is at least 1.
func (t *Tracker) NumSignBits(v ir.ValueID) int {
	return t.numSignBits(v, 0)
}

func (t *Tracker) numSignBits(v ir.ValueID, depth int) int {
	fn := t.fn
	typ := fn.Type(v)
	if !types.IsInteger(typ) {
		return 1
	}
	width := types.BitWidth(typ)
	n := t.structuralSignBits(v, width, depth)

	// Known leading zeros or ones are sign bits too
	known := t.knownBits(v, depth)
	if lz := known.CountMinLeadingZeros(); lz > n {
		n = lz
	}
	if lo := known.CountMinLeadingOnes(); lo > n {
		n = lo
	}
	if n < 1 {
		n = 1
	}
	if n > width {
		n = width
	}
	return n
}

func (t *Tracker) structuralSignBits(v ir.ValueID, width, depth int) int {
	fn := t.fn
	val := fn.Value(v)
	if val.Kind != ir.ValueInstruction || depth >= MaxDepth {
		return 1
	}
	operand := func(i int) int { return t.numSignBits(val.Args[i], depth+1) }
	shift := func() (int, bool) {
		c, ok := fn.IntValue(val.Args[1])
		if !ok || c < 0 || c >= int64(width) {
			return 0, false
		}
		return int(c), true
	}

	switch val.Op {
	case ir.OpSExt:
		return operand(0) + width - types.BitWidth(fn.Type(val.Args[0]))

	case ir.OpTrunc:
		src := types.BitWidth(fn.Type(val.Args[0]))
		if n := operand(0); n > src-width {
			return n - (src - width)
		}

	case ir.OpAShr:
		if c, ok := shift(); ok {
			return operand(0) + c
		}

	case ir.OpShl:
		if c, ok := shift(); ok {
			if n := operand(0); n > c {
				return n - c
			}
		}

	case ir.OpAnd, ir.OpOr, ir.OpXor:
		return minInt(operand(0), operand(1))

	case ir.OpAdd, ir.OpSub:
		// One carry can eat one sign bit
		if n := minInt(operand(0), operand(1)); n > 1 {
			return n - 1
		}

	case ir.OpSelect:
		return minInt(operand(1), operand(2))

	case ir.OpPhi:
		n := width
		for _, arg := range val.Args {
			if arg == v {
				continue
			}
			n = minInt(n, t.numSignBits(arg, depth+1))
		}
		return n
	}
	return 1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
