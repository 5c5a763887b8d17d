package ir

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hassan/ivdesc/internal/types"
)

// Builder constructs a Function one instruction at a time.
//
// DESIGN PHILOSOPHY:
// Frontends (the YAML fixture loader, the Go SSA lowering, tests) all emit
// IR through this one type. It maintains:
// - The arena being filled
// - The current insertion block
// - A table of interned integer constants
// - Accumulated errors, reported together by Finish
//
// Phi nodes may name values that do not exist yet. Create the phi first and
// attach incoming edges with AddIncoming once the values are built.
// Operands of any instruction can be patched with SetOperands before Finish.
//
// DESIGN CHOICE: Collect errors instead of failing on the first one because:
// - A malformed fixture usually has several mistakes
// - The caller gets one complete report from Finish
type Builder struct {
	fn     *Function
	cur    BlockID
	consts map[constKey]ValueID
	errors []error
	done   bool
}

type constKey struct {
	typ   string
	bits  uint64
	float bool
}

// NewBuilder creates a builder for a function.
func NewBuilder(name string, returnType types.Type) *Builder {
	return &Builder{
		fn: &Function{
			Name:       name,
			ReturnType: returnType,
		},
		cur:    NoBlock,
		consts: make(map[constKey]ValueID),
	}
}

// Func returns the function under construction.
func (b *Builder) Func() *Function { return b.fn }

// SetAttrs sets the function-level floating point defaults.
func (b *Builder) SetAttrs(attrs Attrs) { b.fn.Attrs = attrs }

func (b *Builder) newValue(v *Value) ValueID {
	v.ID = ValueID(len(b.fn.values))
	if v.Kind != ValueInstruction {
		v.Block = NoBlock
	}
	b.fn.values = append(b.fn.values, v)
	return v.ID
}

func (b *Builder) error(format string, args ...interface{}) {
	b.errors = append(b.errors, fmt.Errorf(format, args...))
}

// Param adds a function parameter.
func (b *Builder) Param(name string, t types.Type) ValueID {
	id := b.newValue(&Value{Kind: ValueArgument, Type: t, Name: name})
	b.fn.Params = append(b.fn.Params, id)
	return id
}

// Global adds the address of a named global object. t must be a pointer type.
func (b *Builder) Global(name string, t types.Type) ValueID {
	if !types.IsPointer(t) {
		b.error("global @%s must have pointer type, got %s", name, t)
	}
	return b.newValue(&Value{Kind: ValueGlobal, Type: t, Name: name})
}

// ConstInt returns the integer constant v of type t. Equal constants share
// one value.
func (b *Builder) ConstInt(t types.Type, v int64) ValueID {
	if !types.IsInteger(t) {
		b.error("integer constant %d with non-integer type %s", v, t)
	}
	bits := MaskToWidth(uint64(v), types.BitWidth(t))
	key := constKey{typ: t.String(), bits: bits}
	if id, ok := b.consts[key]; ok {
		return id
	}
	id := b.newValue(&Value{Kind: ValueConstant, Type: t, Const: Const{Bits: bits}})
	b.consts[key] = id
	return id
}

// ConstFloat returns the floating point constant v of type t.
func (b *Builder) ConstFloat(t types.Type, v float64) ValueID {
	if !types.IsFloat(t) {
		b.error("float constant %g with non-float type %s", v, t)
	}
	key := constKey{typ: t.String(), bits: math.Float64bits(v), float: true}
	if id, ok := b.consts[key]; ok {
		return id
	}
	id := b.newValue(&Value{Kind: ValueConstant, Type: t, Const: Const{Float: v}})
	b.consts[key] = id
	return id
}

// Block appends a new basic block. The first block created is the entry.
func (b *Builder) Block(label string) BlockID {
	id := BlockID(len(b.fn.Blocks))
	b.fn.Blocks = append(b.fn.Blocks, &Block{ID: id, Label: label})
	return id
}

// SetBlock moves the insertion point to the end of block id.
func (b *Builder) SetBlock(id BlockID) { b.cur = id }

// CurrentBlock returns the insertion block.
func (b *Builder) CurrentBlock() BlockID { return b.cur }

// Emit appends a partially filled instruction to the current block and
// returns its ID. Kind, ID and Block are set by the builder.
func (b *Builder) Emit(v *Value) ValueID {
	if b.cur == NoBlock {
		b.error("%s emitted outside of a block", v.Op)
		b.cur = b.Block("entry")
	}
	v.Kind = ValueInstruction
	v.Block = b.cur
	if v.Type == nil {
		v.Type = types.Void
	}
	id := b.newValue(v)
	block := b.fn.Blocks[b.cur]
	block.Instrs = append(block.Instrs, id)
	return id
}

// Name sets the name of a value and returns it.
func (b *Builder) Name(id ValueID, name string) ValueID {
	b.fn.values[id].Name = name
	return id
}

// SetFlags sets the fast-math flags of an instruction.
func (b *Builder) SetFlags(id ValueID, flags FastMathFlags) ValueID {
	b.fn.values[id].Flags = flags
	return id
}

// SetOperands replaces the operands of an instruction.
func (b *Builder) SetOperands(id ValueID, args ...ValueID) {
	b.fn.values[id].Args = append([]ValueID(nil), args...)
}

func (b *Builder) typeOf(id ValueID) types.Type {
	if id < 0 || int(id) >= len(b.fn.values) {
		b.error("reference to undefined value %d", id)
		return types.Invalid
	}
	return b.fn.values[id].Type
}

// Binary emits a two-operand arithmetic or bitwise instruction.
func (b *Builder) Binary(op Opcode, x, y ValueID) ValueID {
	if !op.IsBinary() {
		b.error("%s is not a binary operation", op)
	}
	return b.Emit(&Value{Op: op, Type: b.typeOf(x), Args: []ValueID{x, y}})
}

// BinaryFlags emits a floating point binary instruction with fast-math flags.
func (b *Builder) BinaryFlags(op Opcode, flags FastMathFlags, x, y ValueID) ValueID {
	return b.SetFlags(b.Binary(op, x, y), flags)
}

// FNeg emits a floating point negation.
func (b *Builder) FNeg(x ValueID) ValueID {
	return b.Emit(&Value{Op: OpFNeg, Type: b.typeOf(x), Args: []ValueID{x}})
}

// ICmp emits an integer comparison.
func (b *Builder) ICmp(pred Predicate, x, y ValueID) ValueID {
	if !pred.IsIntPredicate() {
		b.error("icmp with predicate %s", pred)
	}
	return b.Emit(&Value{Op: OpICmp, Type: types.I1, Pred: pred, Args: []ValueID{x, y}})
}

// FCmp emits a floating point comparison.
func (b *Builder) FCmp(pred Predicate, x, y ValueID) ValueID {
	if !pred.IsFloatPredicate() {
		b.error("fcmp with predicate %s", pred)
	}
	return b.Emit(&Value{Op: OpFCmp, Type: types.I1, Pred: pred, Args: []ValueID{x, y}})
}

// Select emits "cond ? x : y".
func (b *Builder) Select(cond, x, y ValueID) ValueID {
	return b.Emit(&Value{Op: OpSelect, Type: b.typeOf(x), Args: []ValueID{cond, x, y}})
}

// Cast emits a conversion of x to type to.
func (b *Builder) Cast(op Opcode, x ValueID, to types.Type) ValueID {
	if !op.IsCast() {
		b.error("%s is not a cast", op)
	}
	return b.Emit(&Value{Op: op, Type: to, Args: []ValueID{x}})
}

// Phi emits an empty phi node of type t. Phis must precede every other
// instruction of their block.
func (b *Builder) Phi(t types.Type) ValueID {
	return b.Emit(&Value{Op: OpPhi, Type: t})
}

// AddIncoming adds the edge "v when entered from block" to a phi.
func (b *Builder) AddIncoming(phi, v ValueID, from BlockID) {
	p := b.fn.values[phi]
	if p.Op != OpPhi {
		b.error("AddIncoming on non-phi %s", p.Op)
		return
	}
	p.Args = append(p.Args, v)
	p.Incoming = append(p.Incoming, from)
}

// Load emits a load of type t from ptr.
func (b *Builder) Load(t types.Type, ptr ValueID) ValueID {
	return b.Emit(&Value{Op: OpLoad, Type: t, Args: []ValueID{ptr}})
}

// Store emits a store of v to ptr.
func (b *Builder) Store(v, ptr ValueID) ValueID {
	return b.Emit(&Value{Op: OpStore, Type: types.Void, Args: []ValueID{v, ptr}})
}

// Call emits a call. A readNone call neither reads nor writes memory.
func (b *Builder) Call(t types.Type, callee string, readNone bool, args ...ValueID) ValueID {
	return b.Emit(&Value{Op: OpCall, Type: t, Callee: callee, ReadNone: readNone, Args: args})
}

// PtrAdd emits base + offset, with offset counted in bytes.
func (b *Builder) PtrAdd(base, offset ValueID) ValueID {
	return b.Emit(&Value{Op: OpPtrAdd, Type: b.typeOf(base), Args: []ValueID{base, offset}})
}

// Br emits an unconditional branch.
func (b *Builder) Br(target BlockID) ValueID {
	return b.Emit(&Value{Op: OpBr, Targets: []BlockID{target}})
}

// CondBr emits a two-way branch on cond.
func (b *Builder) CondBr(cond ValueID, ifTrue, ifFalse BlockID) ValueID {
	return b.Emit(&Value{Op: OpCondBr, Args: []ValueID{cond}, Targets: []BlockID{ifTrue, ifFalse}})
}

// Ret emits a return, with or without a value.
func (b *Builder) Ret(v ...ValueID) ValueID {
	return b.Emit(&Value{Op: OpRet, Args: v})
}

// Finish derives the CFG edges and def-use lists, verifies the function and
// returns it. The builder must not be used afterwards.
func (b *Builder) Finish() (*Function, error) {
	if b.done {
		return nil, errors.New("Finish called twice")
	}
	b.done = true
	fn := b.fn

	if len(fn.Blocks) == 0 {
		b.error("function has no blocks")
	}
	if len(b.errors) > 0 {
		return nil, &BuildError{Function: fn.Name, Errs: b.errors}
	}

	// Operand validity is checked before anything dereferences an ID
	for _, v := range fn.values {
		for _, arg := range v.Args {
			if arg < 0 || int(arg) >= len(fn.values) {
				b.error("%s: operand %d out of range", fn.Ref(v.ID), arg)
			}
		}
		for _, t := range append(append([]BlockID(nil), v.Targets...), v.Incoming...) {
			if t < 0 || int(t) >= len(fn.Blocks) {
				b.error("%s: block %d out of range", fn.Ref(v.ID), t)
			}
		}
	}
	if len(b.errors) > 0 {
		return nil, &BuildError{Function: fn.Name, Errs: b.errors}
	}

	for _, block := range fn.Blocks {
		for i, id := range block.Instrs {
			fn.values[id].pos = i
		}
		if n := len(block.Instrs); n > 0 {
			term := fn.values[block.Instrs[n-1]]
			if term.Op.IsTerminator() {
				block.Succs = append(block.Succs, term.Targets...)
			}
		}
	}
	for _, block := range fn.Blocks {
		for _, succ := range block.Succs {
			fn.Blocks[succ].Preds = append(fn.Blocks[succ].Preds, block.ID)
		}
	}
	for _, block := range fn.Blocks {
		for _, id := range block.Instrs {
			for _, arg := range fn.values[id].Args {
				fn.values[arg].users = append(fn.values[arg].users, id)
			}
		}
	}

	if errs := fn.Verify(); len(errs) > 0 {
		return nil, &BuildError{Function: fn.Name, Errs: errs}
	}
	return fn, nil
}

// MustFinish is like Finish but panics on error. Intended for tests.
func (b *Builder) MustFinish() *Function {
	fn, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return fn
}

// BuildError collects every problem found while building or verifying a
// function.
type BuildError struct {
	Function string
	Errs     []error
}

func (e *BuildError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("function %s: %s", e.Function, strings.Join(msgs, "; "))
}

func (e *BuildError) Unwrap() []error { return e.Errs }

// IsBuildError checks if an error is a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}
