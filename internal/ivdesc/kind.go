// Package ivdesc classifies the phi nodes of a loop header.
//
// WHAT IS A LOOP-CARRIED VALUE?
// A phi in a loop header merges the value entering the loop with the value
// computed by the previous iteration. Before a loop can be vectorized every
// such phi has to be understood. Three shapes are recognized here:
//
//   - Reductions: an accumulation that collapses to one result
//     (sum, product, bitwise fold, min/max)
//   - Inductions: a value that advances by a fixed or loop-invariant step
//   - First-order recurrences: the previous iteration's value, forwarded
//     without arithmetic
//
// None of the classifiers modify the IR. A successful classification returns
// an immutable descriptor; rejection is an ordinary "false" result.
//
// EXAMPLE:
//
//	header:
//	  %i   = phi i64 [0, %entry], [%i1, %header]      ; induction, step 1
//	  %acc = phi i32 [0, %entry], [%acc1, %header]    ; add reduction
//	  %x   = load i32, ptr %p
//	  %acc1 = add i32 %acc, %x
//	  %i1  = add i64 %i, 1
package ivdesc

import "fmt"

// RecurKind is the operation a reduction accumulates with.
type RecurKind uint8

const (
	RecurNone RecurKind = iota
	RecurAdd            // Sum of integers
	RecurMul            // Product of integers
	RecurOr             // Bitwise or
	RecurAnd            // Bitwise and
	RecurXor            // Bitwise xor
	RecurSMax           // Signed integer max implemented as compare + select
	RecurSMin           // Signed integer min implemented as compare + select
	RecurUMax           // Unsigned integer max implemented as compare + select
	RecurUMin           // Unsigned integer min implemented as compare + select
	RecurFAdd           // Sum of floats
	RecurFMul           // Product of floats
	RecurFMax           // Float max implemented as fcmp + select
	RecurFMin           // Float min implemented as fcmp + select
)

var recurKindNames = [...]string{
	RecurNone: "none",
	RecurAdd:  "add",
	RecurMul:  "mul",
	RecurOr:   "or",
	RecurAnd:  "and",
	RecurXor:  "xor",
	RecurSMax: "smax",
	RecurSMin: "smin",
	RecurUMax: "umax",
	RecurUMin: "umin",
	RecurFAdd: "fadd",
	RecurFMul: "fmul",
	RecurFMax: "fmax",
	RecurFMin: "fmin",
}

func (k RecurKind) String() string {
	if int(k) < len(recurKindNames) {
		return recurKindNames[k]
	}
	return fmt.Sprintf("RecurKind(%d)", uint8(k))
}

// MarshalText encodes the kind by name.
func (k RecurKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// ParseRecurKind returns the kind spelled name.
func ParseRecurKind(name string) (RecurKind, bool) {
	for k, n := range recurKindNames {
		if n == name && k != int(RecurNone) {
			return RecurKind(k), true
		}
	}
	return RecurNone, false
}

// ReductionKinds is the order IsReductionPhi tries the kinds in.
var ReductionKinds = []RecurKind{
	RecurAdd, RecurMul, RecurOr, RecurAnd, RecurXor,
	RecurSMax, RecurSMin, RecurUMax, RecurUMin,
	RecurFMul, RecurFAdd, RecurFMax, RecurFMin,
}

// IsInteger reports whether k reduces integers.
func (k RecurKind) IsInteger() bool {
	return k >= RecurAdd && k <= RecurUMin
}

// IsFloatingPoint reports whether k reduces floating point values.
func (k RecurKind) IsFloatingPoint() bool {
	return k != RecurNone && !k.IsInteger()
}

// IsArithmetic reports whether k is a sum or a product.
func (k RecurKind) IsArithmetic() bool {
	switch k {
	case RecurAdd, RecurMul, RecurFAdd, RecurFMul:
		return true
	default:
		return false
	}
}

// IsIntMinMax reports whether k is one of the four integer min/max kinds.
func (k RecurKind) IsIntMinMax() bool {
	return k >= RecurSMax && k <= RecurUMin
}

// IsFPMinMax reports whether k is fmin or fmax.
func (k RecurKind) IsFPMinMax() bool {
	return k == RecurFMax || k == RecurFMin
}

// IsMinMax reports whether k is implemented by a compare and a select.
func (k RecurKind) IsMinMax() bool {
	return k.IsIntMinMax() || k.IsFPMinMax()
}

// InductionKind is the domain an induction variable steps through.
type InductionKind uint8

const (
	InductionNone InductionKind = iota
	InductionInteger
	InductionPointer
	InductionFloatingPoint
)

func (k InductionKind) String() string {
	switch k {
	case InductionInteger:
		return "integer"
	case InductionPointer:
		return "pointer"
	case InductionFloatingPoint:
		return "fp"
	default:
		return "none"
	}
}

// MarshalText encodes the kind by name.
func (k InductionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
