// Package ir implements the SSA intermediate representation the loop
// analyses run on.
//
// WHAT IS THIS IR?
// A typed, LLVM-style SSA form: every value is defined exactly once, merges
// of control flow are explicit phi nodes, and each basic block ends in a
// single terminator. Integers carry a bit width rather than a signedness;
// signedness lives on the operations (sdiv vs udiv, icmp slt vs ult).
//
// DESIGN CHOICE: Arena of values addressed by ValueID because:
// - Def-use graphs of loops are cyclic (a phi uses a value that uses the phi)
// - Indices give O(1) identity comparison and cheap visited sets
// - Nothing outside the arena owns a value, so analyses can never mutate it
//
// EXAMPLE:
//
//	header:
//	  %acc  = phi i32 [0, %entry], [%acc2, %latch]
//	  %acc2 = add i32 %acc, %x
//	  br %latch
package ir

import (
	"fmt"
	"strings"

	"github.com/hassan/ivdesc/internal/types"
)

// ValueID addresses a value inside its Function's arena.
type ValueID int32

// NoValue is the absent value (a nil reference).
const NoValue ValueID = -1

// BlockID addresses a basic block inside its Function.
type BlockID int32

// NoBlock is the absent block.
const NoBlock BlockID = -1

// ValueKind represents the kind of value.
type ValueKind uint8

const (
	ValueArgument    ValueKind = iota // Function parameter
	ValueConstant                     // Compile-time constant
	ValueGlobal                       // Address of a global object
	ValueInstruction                  // Result of an instruction
)

func (k ValueKind) String() string {
	switch k {
	case ValueArgument:
		return "argument"
	case ValueConstant:
		return "constant"
	case ValueGlobal:
		return "global"
	case ValueInstruction:
		return "instruction"
	default:
		return "?"
	}
}

// Opcode identifies the operation an instruction performs.
//
// The set is closed: analyses switch over it exhaustively.
type Opcode uint8

const (
	OpInvalid Opcode = iota

	// Integer arithmetic and bitwise
	OpAdd
	OpSub
	OpMul
	OpUDiv
	OpSDiv
	OpURem
	OpSRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr

	// Floating point arithmetic
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFRem
	OpFNeg

	// Casts
	OpTrunc
	OpZExt
	OpSExt
	OpFPTrunc
	OpFPExt
	OpFPToSI
	OpFPToUI
	OpSIToFP
	OpUIToFP
	OpPtrToInt
	OpIntToPtr

	// Other
	OpICmp
	OpFCmp
	OpSelect
	OpPhi
	OpLoad
	OpStore
	OpCall
	OpPtrAdd

	// Terminators
	OpBr
	OpCondBr
	OpRet

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	OpInvalid:  "invalid",
	OpAdd:      "add",
	OpSub:      "sub",
	OpMul:      "mul",
	OpUDiv:     "udiv",
	OpSDiv:     "sdiv",
	OpURem:     "urem",
	OpSRem:     "srem",
	OpAnd:      "and",
	OpOr:       "or",
	OpXor:      "xor",
	OpShl:      "shl",
	OpLShr:     "lshr",
	OpAShr:     "ashr",
	OpFAdd:     "fadd",
	OpFSub:     "fsub",
	OpFMul:     "fmul",
	OpFDiv:     "fdiv",
	OpFRem:     "frem",
	OpFNeg:     "fneg",
	OpTrunc:    "trunc",
	OpZExt:     "zext",
	OpSExt:     "sext",
	OpFPTrunc:  "fptrunc",
	OpFPExt:    "fpext",
	OpFPToSI:   "fptosi",
	OpFPToUI:   "fptoui",
	OpSIToFP:   "sitofp",
	OpUIToFP:   "uitofp",
	OpPtrToInt: "ptrtoint",
	OpIntToPtr: "inttoptr",
	OpICmp:     "icmp",
	OpFCmp:     "fcmp",
	OpSelect:   "select",
	OpPhi:      "phi",
	OpLoad:     "load",
	OpStore:    "store",
	OpCall:     "call",
	OpPtrAdd:   "ptradd",
	OpBr:       "br",
	OpCondBr:   "condbr",
	OpRet:      "ret",
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opcodeNames[op]
	}
	return "?"
}

// ParseOpcode returns the opcode spelled name.
func ParseOpcode(name string) (Opcode, bool) {
	for op := OpAdd; op < numOpcodes; op++ {
		if opcodeNames[op] == name {
			return op, true
		}
	}
	return OpInvalid, false
}

// IsBinary reports whether op takes two operands of the result type.
func (op Opcode) IsBinary() bool {
	return (op >= OpAdd && op <= OpAShr) || (op >= OpFAdd && op <= OpFRem)
}

// IsIntBinary reports whether op is an integer binary operation.
func (op Opcode) IsIntBinary() bool {
	return op >= OpAdd && op <= OpAShr
}

// IsCast reports whether op converts a single operand to another type.
func (op Opcode) IsCast() bool {
	return op >= OpTrunc && op <= OpIntToPtr
}

// IsCommutative reports whether the two operands of op may be swapped.
func (op Opcode) IsCommutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpFAdd, OpFMul:
		return true
	default:
		return false
	}
}

// IsCompare reports whether op is icmp or fcmp.
func (op Opcode) IsCompare() bool {
	return op == OpICmp || op == OpFCmp
}

// IsTerminator reports whether op ends a basic block.
func (op Opcode) IsTerminator() bool {
	return op == OpBr || op == OpCondBr || op == OpRet
}

// Predicate is the condition of an icmp or fcmp instruction.
type Predicate uint8

const (
	PredNone Predicate = iota

	ICmpEQ
	ICmpNE
	ICmpUGT
	ICmpUGE
	ICmpULT
	ICmpULE
	ICmpSGT
	ICmpSGE
	ICmpSLT
	ICmpSLE

	// Ordered comparisons are false when either operand is NaN,
	// unordered comparisons are true.
	FCmpOEQ
	FCmpOGT
	FCmpOGE
	FCmpOLT
	FCmpOLE
	FCmpONE
	FCmpORD
	FCmpUNO
	FCmpUEQ
	FCmpUGT
	FCmpUGE
	FCmpULT
	FCmpULE
	FCmpUNE

	numPredicates
)

var predicateNames = [numPredicates]string{
	PredNone: "",
	ICmpEQ:   "eq",
	ICmpNE:   "ne",
	ICmpUGT:  "ugt",
	ICmpUGE:  "uge",
	ICmpULT:  "ult",
	ICmpULE:  "ule",
	ICmpSGT:  "sgt",
	ICmpSGE:  "sge",
	ICmpSLT:  "slt",
	ICmpSLE:  "sle",
	FCmpOEQ:  "oeq",
	FCmpOGT:  "ogt",
	FCmpOGE:  "oge",
	FCmpOLT:  "olt",
	FCmpOLE:  "ole",
	FCmpONE:  "one",
	FCmpORD:  "ord",
	FCmpUNO:  "uno",
	FCmpUEQ:  "ueq",
	FCmpUGT:  "fugt",
	FCmpUGE:  "fuge",
	FCmpULT:  "fult",
	FCmpULE:  "fule",
	FCmpUNE:  "une",
}

func (p Predicate) String() string {
	if p < numPredicates {
		return strings.TrimPrefix(predicateNames[p], "f")
	}
	return "?"
}

// IsIntPredicate reports whether p belongs to icmp.
func (p Predicate) IsIntPredicate() bool { return p >= ICmpEQ && p <= ICmpSLE }

// IsFloatPredicate reports whether p belongs to fcmp.
func (p Predicate) IsFloatPredicate() bool { return p >= FCmpOEQ && p <= FCmpUNE }

// Swapped returns the predicate that holds when the operands are exchanged.
func (p Predicate) Swapped() Predicate {
	switch p {
	case ICmpUGT:
		return ICmpULT
	case ICmpUGE:
		return ICmpULE
	case ICmpULT:
		return ICmpUGT
	case ICmpULE:
		return ICmpUGE
	case ICmpSGT:
		return ICmpSLT
	case ICmpSGE:
		return ICmpSLE
	case ICmpSLT:
		return ICmpSGT
	case ICmpSLE:
		return ICmpSGE
	case FCmpOGT:
		return FCmpOLT
	case FCmpOGE:
		return FCmpOLE
	case FCmpOLT:
		return FCmpOGT
	case FCmpOLE:
		return FCmpOGE
	case FCmpUGT:
		return FCmpULT
	case FCmpUGE:
		return FCmpULE
	case FCmpULT:
		return FCmpUGT
	case FCmpULE:
		return FCmpUGE
	default:
		return p
	}
}

var inversePredicates = map[Predicate]Predicate{
	ICmpEQ: ICmpNE, ICmpNE: ICmpEQ,
	ICmpUGT: ICmpULE, ICmpULE: ICmpUGT,
	ICmpUGE: ICmpULT, ICmpULT: ICmpUGE,
	ICmpSGT: ICmpSLE, ICmpSLE: ICmpSGT,
	ICmpSGE: ICmpSLT, ICmpSLT: ICmpSGE,
	FCmpOEQ: FCmpUNE, FCmpUNE: FCmpOEQ,
	FCmpOGT: FCmpULE, FCmpULE: FCmpOGT,
	FCmpOGE: FCmpULT, FCmpULT: FCmpOGE,
	FCmpOLT: FCmpUGE, FCmpUGE: FCmpOLT,
	FCmpOLE: FCmpUGT, FCmpUGT: FCmpOLE,
	FCmpONE: FCmpUEQ, FCmpUEQ: FCmpONE,
	FCmpORD: FCmpUNO, FCmpUNO: FCmpORD,
}

// Inverse returns the predicate that holds exactly when p does not. The
// inverse of an ordered comparison is unordered and vice versa.
func (p Predicate) Inverse() Predicate {
	if inv, ok := inversePredicates[p]; ok {
		return inv
	}
	return p
}

// ParsePredicate parses a predicate name. The domain decides between the
// integer and floating point spellings of ugt/uge/ult/ule.
func ParsePredicate(name string, float bool) (Predicate, bool) {
	if float {
		switch name {
		case "ugt", "uge", "ult", "ule":
			name = "f" + name
		}
	}
	for p := ICmpEQ; p < numPredicates; p++ {
		if predicateNames[p] != name {
			continue
		}
		if p.IsFloatPredicate() != float {
			return PredNone, false
		}
		return p, true
	}
	return PredNone, false
}

// FastMathFlags are the floating point relaxation permissions attached to an
// instruction.
type FastMathFlags uint8

const (
	FlagNoNaNs FastMathFlags = 1 << iota
	FlagNoInfs
	FlagNoSignedZeros
	FlagAllowReciprocal
	FlagAllowContract
	FlagApproxFunc
	FlagAllowReassoc

	// FastMath sets every relaxation flag.
	FastMath FastMathFlags = FlagNoNaNs | FlagNoInfs | FlagNoSignedZeros |
		FlagAllowReciprocal | FlagAllowContract | FlagApproxFunc | FlagAllowReassoc
)

var flagNames = []struct {
	flag FastMathFlags
	name string
}{
	{FlagAllowReassoc, "reassoc"},
	{FlagNoNaNs, "nnan"},
	{FlagNoInfs, "ninf"},
	{FlagNoSignedZeros, "nsz"},
	{FlagAllowReciprocal, "arcp"},
	{FlagAllowContract, "contract"},
	{FlagApproxFunc, "afn"},
}

func (f FastMathFlags) NoNaNs() bool        { return f&FlagNoNaNs != 0 }
func (f FastMathFlags) NoSignedZeros() bool { return f&FlagNoSignedZeros != 0 }
func (f FastMathFlags) AllowReassoc() bool  { return f&FlagAllowReassoc != 0 }
func (f FastMathFlags) IsFast() bool        { return f == FastMath }

// Intersect keeps the permissions granted by both f and g.
func (f FastMathFlags) Intersect(g FastMathFlags) FastMathFlags { return f & g }

// Words returns the flag spellings in canonical order.
func (f FastMathFlags) Words() []string {
	if f.IsFast() {
		return []string{"fast"}
	}
	var words []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			words = append(words, fn.name)
		}
	}
	return words
}

func (f FastMathFlags) String() string {
	return strings.Join(f.Words(), " ")
}

// ParseFastMathFlags combines flag spellings ("fast", "nnan", "reassoc", ...).
func ParseFastMathFlags(words []string) (FastMathFlags, error) {
	var flags FastMathFlags
next:
	for _, w := range words {
		if w == "fast" {
			flags |= FastMath
			continue
		}
		for _, fn := range flagNames {
			if fn.name == w {
				flags |= fn.flag
				continue next
			}
		}
		return 0, fmt.Errorf("unknown fast-math flag %q", w)
	}
	return flags, nil
}

// Const is the payload of a constant value. Integer constants are stored
// truncated to their type's width; use Function.IntValue for the signed
// interpretation.
type Const struct {
	Bits  uint64
	Float float64
}

// Value is a single node of the SSA graph: an argument, constant, global or
// instruction.
//
// DESIGN CHOICE: One struct for every instruction rather than a type per
// opcode because:
// - Pattern matchers switch over Op, never over Go types
// - Operand lists are uniform ([]ValueID), which keeps def-use maintenance trivial
// - Fields unused by an opcode stay zero
type Value struct {
	ID   ValueID
	Kind ValueKind
	Op   Opcode
	Type types.Type

	// Name is the source-level name (if any); printing falls back to the ID
	Name string

	// Block holds the defining block of an instruction, NoBlock otherwise
	Block BlockID

	// Args are the operands. For a phi, Args[i] flows in from Incoming[i].
	Args     []ValueID
	Incoming []BlockID

	// Targets are the successors of a br / condbr (true target first)
	Targets []BlockID

	Pred     Predicate
	Flags    FastMathFlags
	Callee   string
	ReadNone bool
	Const    Const

	// users has one entry per use, filled in by Builder.Finish
	users []ValueID

	// pos is the index of the instruction in its block
	pos int
}

// IsInstruction returns true if the value is produced by an instruction.
func (v *Value) IsInstruction() bool { return v.Kind == ValueInstruction }

// IsConstant returns true if this is a constant value.
func (v *Value) IsConstant() bool { return v.Kind == ValueConstant }

// IsPhi returns true if the value is a phi node.
func (v *Value) IsPhi() bool { return v.Kind == ValueInstruction && v.Op == OpPhi }

// Operand returns the i-th operand.
func (v *Value) Operand(i int) ValueID { return v.Args[i] }

// NumOperands returns the operand count.
func (v *Value) NumOperands() int { return len(v.Args) }

// Attrs are function-level floating point defaults, the analogue of
// "no-nans-fp-math" and "no-signed-zeros-fp-math" function attributes.
type Attrs struct {
	NoNaNsFPMath        bool
	NoSignedZerosFPMath bool
}

// Attribute spellings.
const (
	AttrNoNaNs        = "no-nans-fp-math"
	AttrNoSignedZeros = "no-signed-zeros-fp-math"
)

// Words returns the attribute spellings that are set.
func (a Attrs) Words() []string {
	var words []string
	if a.NoNaNsFPMath {
		words = append(words, AttrNoNaNs)
	}
	if a.NoSignedZerosFPMath {
		words = append(words, AttrNoSignedZeros)
	}
	return words
}

// ParseAttrs combines attribute spellings.
func ParseAttrs(words []string) (Attrs, error) {
	var attrs Attrs
	for _, w := range words {
		switch w {
		case AttrNoNaNs:
			attrs.NoNaNsFPMath = true
		case AttrNoSignedZeros:
			attrs.NoSignedZerosFPMath = true
		default:
			return Attrs{}, fmt.Errorf("unknown attribute %q", w)
		}
	}
	return attrs, nil
}
