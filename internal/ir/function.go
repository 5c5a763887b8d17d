package ir

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hassan/ivdesc/internal/types"
)

// Block represents a sequence of instructions with single entry and exit.
//
// WHAT IS A BASIC BLOCK?
// A basic block is a straight-line code sequence with:
// - One entry point (the first instruction)
// - One exit point (the terminator)
// - No jumps in or out in the middle
//
// Phi nodes, if any, come first. Predecessors and successors are derived
// from the terminators when the function is finished, so they are always
// consistent with the instructions.
type Block struct {
	ID    BlockID
	Label string

	// Instrs are the instructions in program order
	Instrs []ValueID

	// Preds are blocks that can jump to this one, in function order.
	// A block branching here twice (condbr to the same target) appears twice.
	Preds []BlockID

	// Succs are the terminator's targets
	Succs []BlockID
}

// Function is the unit every analysis works on. It owns the arena all
// ValueIDs and BlockIDs refer to; after Builder.Finish it is immutable.
type Function struct {
	Name       string
	Params     []ValueID
	ReturnType types.Type

	// Blocks are all basic blocks; the first block is the entry block
	Blocks []*Block

	Attrs Attrs

	values []*Value
}

// Entry returns the entry block.
func (f *Function) Entry() *Block { return f.Blocks[0] }

// Block returns the block with the given ID.
func (f *Function) Block(id BlockID) *Block { return f.Blocks[id] }

// Value returns the value with the given ID.
func (f *Function) Value(id ValueID) *Value { return f.values[id] }

// NumValues returns the size of the arena. Valid IDs are [0, NumValues).
func (f *Function) NumValues() int { return len(f.values) }

// Type returns the type of a value.
func (f *Function) Type(id ValueID) types.Type { return f.values[id].Type }

// Op returns the opcode of a value; OpInvalid for non-instructions.
func (f *Function) Op(id ValueID) Opcode {
	v := f.values[id]
	if v.Kind != ValueInstruction {
		return OpInvalid
	}
	return v.Op
}

// IsInstruction reports whether id is produced by an instruction.
func (f *Function) IsInstruction(id ValueID) bool {
	return id != NoValue && f.values[id].Kind == ValueInstruction
}

// IsPhi reports whether id is a phi node.
func (f *Function) IsPhi(id ValueID) bool {
	return id != NoValue && f.values[id].IsPhi()
}

// BlockOf returns the defining block of an instruction, NoBlock otherwise.
func (f *Function) BlockOf(id ValueID) BlockID { return f.values[id].Block }

// Users returns one entry per use of id, in program order of the users.
// A user that reads id twice appears twice.
func (f *Function) Users(id ValueID) []ValueID { return f.values[id].users }

// NumUses returns the number of uses of id.
func (f *Function) NumUses(id ValueID) int { return len(f.values[id].users) }

// HasOneUse reports whether id is used exactly once.
func (f *Function) HasOneUse(id ValueID) bool { return len(f.values[id].users) == 1 }

// HasNUses reports whether id is used exactly n times.
func (f *Function) HasNUses(id ValueID, n int) bool { return len(f.values[id].users) == n }

// ComesBefore reports whether instruction a precedes b in their common block.
func (f *Function) ComesBefore(a, b ValueID) bool {
	va, vb := f.values[a], f.values[b]
	if va.Block != vb.Block {
		panic(fmt.Sprintf("ComesBefore: %s and %s are in different blocks", f.Ref(a), f.Ref(b)))
	}
	return va.pos < vb.pos
}

// Position returns the index of an instruction within its block.
func (f *Function) Position(id ValueID) int { return f.values[id].pos }

// BlockIndex returns the index of the incoming edge from block in phi, or -1.
func (f *Function) BlockIndex(phi ValueID, block BlockID) int {
	for i, b := range f.values[phi].Incoming {
		if b == block {
			return i
		}
	}
	return -1
}

// IncomingValueForBlock returns the value phi takes when entered from block,
// or NoValue when block is not an incoming block.
func (f *Function) IncomingValueForBlock(phi ValueID, block BlockID) ValueID {
	if i := f.BlockIndex(phi, block); i >= 0 {
		return f.values[phi].Args[i]
	}
	return NoValue
}

// MayHaveSideEffects reports whether executing id can write memory or
// otherwise be observed.
func (f *Function) MayHaveSideEffects(id ValueID) bool {
	v := f.values[id]
	if v.Kind != ValueInstruction {
		return false
	}
	switch v.Op {
	case OpStore:
		return true
	case OpCall:
		return !v.ReadNone
	default:
		return false
	}
}

// MayReadFromMemory reports whether executing id can read memory.
func (f *Function) MayReadFromMemory(id ValueID) bool {
	v := f.values[id]
	if v.Kind != ValueInstruction {
		return false
	}
	switch v.Op {
	case OpLoad:
		return true
	case OpCall:
		return !v.ReadNone
	default:
		return false
	}
}

// IsFPMathOperator reports whether id may carry fast-math flags: floating
// point arithmetic, fcmp, and phi/select/call producing a floating value.
func (f *Function) IsFPMathOperator(id ValueID) bool {
	v := f.values[id]
	if v.Kind != ValueInstruction {
		return false
	}
	switch v.Op {
	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFRem, OpFNeg, OpFCmp:
		return true
	case OpPhi, OpSelect, OpCall:
		return types.IsFloat(v.Type)
	default:
		return false
	}
}

// IntValue returns the sign-extended value of an integer constant.
func (f *Function) IntValue(id ValueID) (int64, bool) {
	v := f.values[id]
	if v.Kind != ValueConstant || !types.IsInteger(v.Type) {
		return 0, false
	}
	return SignExtend(v.Const.Bits, types.BitWidth(v.Type)), true
}

// FloatValue returns the value of a floating point constant.
func (f *Function) FloatValue(id ValueID) (float64, bool) {
	v := f.values[id]
	if v.Kind != ValueConstant || !types.IsFloat(v.Type) {
		return 0, false
	}
	return v.Const.Float, true
}

// Ref returns the operand spelling of a value: a literal for constants and
// "%name" otherwise.
func (f *Function) Ref(id ValueID) string {
	if id == NoValue {
		return "<none>"
	}
	v := f.values[id]
	switch v.Kind {
	case ValueConstant:
		if types.IsFloat(v.Type) {
			return formatFloat(v.Const.Float)
		}
		if v.Type.Equals(types.I1) {
			return strconv.FormatBool(v.Const.Bits != 0)
		}
		return strconv.FormatInt(SignExtend(v.Const.Bits, types.BitWidth(v.Type)), 10)
	case ValueGlobal:
		return "@" + v.Name
	}
	if v.Name != "" {
		return "%" + v.Name
	}
	return fmt.Sprintf("%%v%d", v.ID)
}

func formatFloat(x float64) string {
	switch {
	case math.IsNaN(x):
		return "nan"
	case math.IsInf(x, 1):
		return "inf"
	case math.IsInf(x, -1):
		return "-inf"
	case x == 0 && math.Signbit(x):
		return "-0.0"
	}
	s := strconv.FormatFloat(x, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// InstrString returns a human-readable representation of one instruction.
func (f *Function) InstrString(id ValueID) string {
	v := f.values[id]
	var sb strings.Builder

	if _, void := v.Type.(*types.VoidType); !void {
		sb.WriteString(f.Ref(id))
		sb.WriteString(" = ")
	}
	sb.WriteString(v.Op.String())
	if v.Pred != PredNone {
		sb.WriteString(" ")
		sb.WriteString(v.Pred.String())
	}
	if v.Flags != 0 {
		sb.WriteString(" ")
		sb.WriteString(v.Flags.String())
	}

	switch v.Op {
	case OpPhi:
		sb.WriteString(" ")
		sb.WriteString(v.Type.String())
		for i, arg := range v.Args {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, " [%s, %%%s]", f.Ref(arg), f.Blocks[v.Incoming[i]].Label)
		}
		return sb.String()
	case OpBr, OpCondBr:
		if v.Op == OpCondBr {
			sb.WriteString(" ")
			sb.WriteString(f.Ref(v.Args[0]))
			sb.WriteString(",")
		}
		for i, t := range v.Targets {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(" %")
			sb.WriteString(f.Blocks[t].Label)
		}
		return sb.String()
	case OpCall:
		if v.ReadNone {
			sb.WriteString(" readnone")
		}
		fmt.Fprintf(&sb, " %s @%s(", v.Type, v.Callee)
		for i, arg := range v.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s %s", f.values[arg].Type, f.Ref(arg))
		}
		sb.WriteString(")")
		return sb.String()
	case OpSelect:
		// Both arms may be literals, so each carries its type
		fmt.Fprintf(&sb, " %s %s", f.values[v.Args[0]].Type, f.Ref(v.Args[0]))
		for _, arg := range v.Args[1:] {
			fmt.Fprintf(&sb, ", %s %s", f.values[arg].Type, f.Ref(arg))
		}
		return sb.String()
	}

	if len(v.Args) > 0 {
		sb.WriteString(" ")
		sb.WriteString(f.values[v.Args[0]].Type.String())
		for i, arg := range v.Args {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(" ")
			sb.WriteString(f.Ref(arg))
		}
	}
	if v.Op.IsCast() {
		sb.WriteString(" to ")
		sb.WriteString(v.Type.String())
	}
	return sb.String()
}

// String returns a human-readable representation of the function.
func (f *Function) String() string {
	var sb strings.Builder

	sb.WriteString("func ")
	sb.WriteString(f.Name)
	sb.WriteString("(")
	for i, param := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Ref(param))
		sb.WriteString(": ")
		sb.WriteString(f.Type(param).String())
	}
	sb.WriteString(") ")
	sb.WriteString(f.ReturnType.String())
	for _, attr := range f.Attrs.Words() {
		sb.WriteString(" ")
		sb.WriteString(attr)
	}
	sb.WriteString(" {\n")

	for _, v := range f.values {
		if v.Kind == ValueGlobal {
			fmt.Fprintf(&sb, "  @%s = global %s\n", v.Name, v.Type)
		}
	}

	for _, block := range f.Blocks {
		sb.WriteString(block.Label)
		sb.WriteString(":\n")
		for _, id := range block.Instrs {
			sb.WriteString("  ")
			sb.WriteString(f.InstrString(id))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// Module represents a compilation unit (collection of functions).
type Module struct {
	// Name is the module name (fixture file or Go package path)
	Name string

	// Functions are all functions in this module
	Functions []*Function
}

// NewModule creates a new module.
func NewModule(name string) *Module {
	return &Module{Name: name}
}

// AddFunction adds a function to the module.
func (m *Module) AddFunction(fn *Function) {
	m.Functions = append(m.Functions, fn)
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Verify checks that every function in the module is well-formed.
// Returns a list of errors found.
func (m *Module) Verify() []error {
	var errs []error
	for _, fn := range m.Functions {
		errs = append(errs, fn.Verify()...)
	}
	return errs
}
