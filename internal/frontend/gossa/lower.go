// Package gossa lowers Go functions, in the SSA form built by
// golang.org/x/tools/go/ssa, into the IR so the loop classifiers can run on
// real Go code.
//
// WHAT IS LOWERED?
// Scalar arithmetic, comparisons, conversions, phis, loads and stores,
// element addressing, the min and max builtins and control flow map onto
// their IR counterparts. Every other instruction becomes an opaque call
// that keeps its operands and may have side effects, so the analyses see
// the data dependence and stay conservative.
//
// EXAMPLE:
//
//	for i := 0; i < n; i++ { s += a[i] }
//
// lowers to
//
//	for.loop.3:
//	  %t0 = phi i64 [0, %entry.0], [%t6, %for.body.1]
//	  %t1 = phi i32 [0, %entry.0], [%t5, %for.body.1]
//	  ...
//
// Go loops test their condition at the header, so the value leaving the
// loop is usually the header phi itself. Such a phi is never a reduction;
// loops written in rotated form (the test at the bottom) are.
package gossa

import (
	"fmt"
	"go/constant"
	"go/token"
	gotypes "go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// Lower converts fn into an IR function named name.
func Lower(fn *ssa.Function, name string) (*ir.Function, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%s: function has no body", name)
	}
	if fn.Recover != nil {
		return nil, fmt.Errorf("%s: functions with a recover block are not supported", name)
	}

	tl := newTypeLowerer()
	l := &lowerer{
		src:     fn,
		tl:      tl,
		b:       ir.NewBuilder(name, tl.lower(fn.Signature.Results())),
		blocks:  make([]ir.BlockID, len(fn.Blocks)),
		values:  make(map[ssa.Value]ir.ValueID),
		globals: make(map[string]ir.ValueID),
	}
	return l.run()
}

type lowerer struct {
	src     *ssa.Function
	tl      *typeLowerer
	b       *ir.Builder
	blocks  []ir.BlockID
	values  map[ssa.Value]ir.ValueID
	globals map[string]ir.ValueID
	phis    []*ssa.Phi
}

func (l *lowerer) run() (*ir.Function, error) {
	for _, p := range l.src.Params {
		l.values[p] = l.b.Param(p.Name(), l.tl.lower(p.Type()))
	}
	// Captured variables behave like extra parameters
	for _, fv := range l.src.FreeVars {
		l.values[fv] = l.b.Param(fv.Name(), l.tl.lower(fv.Type()))
	}

	for _, blk := range l.src.Blocks {
		l.blocks[blk.Index] = l.b.Block(blockLabel(blk))
	}

	// Dominator preorder visits every definition before its non-phi uses
	for _, blk := range l.src.DomPreorder() {
		l.b.SetBlock(l.blocks[blk.Index])
		for _, instr := range blk.Instrs {
			if err := l.instr(instr); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", l.b.Func().Name, instr, err)
			}
		}
	}

	for _, phi := range l.phis {
		id := l.values[phi]
		for i, edge := range phi.Edges {
			v, err := l.value(edge)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", l.b.Func().Name, phi, err)
			}
			l.b.AddIncoming(id, v, l.blocks[phi.Block().Preds[i].Index])
		}
	}

	return l.b.Finish()
}

func blockLabel(blk *ssa.BasicBlock) string {
	comment := blk.Comment
	if comment == "" {
		comment = "b"
	}
	return fmt.Sprintf("%s.%d", comment, blk.Index)
}

// def records the lowering of v and gives it v's name.
func (l *lowerer) def(v ssa.Value, id ir.ValueID) {
	l.values[v] = id
	l.b.Name(id, v.Name())
}

// value returns the lowering of an operand.
func (l *lowerer) value(v ssa.Value) (ir.ValueID, error) {
	if id, ok := l.values[v]; ok {
		return id, nil
	}
	switch v := v.(type) {
	case *ssa.Const:
		return l.constant(v), nil
	case *ssa.Global, *ssa.Function, *ssa.Builtin:
		return l.global(v.Name(), l.tl.lower(v.Type())), nil
	}
	return ir.NoValue, fmt.Errorf("%s used before its definition", v.Name())
}

func (l *lowerer) pair(x, y ssa.Value) (ir.ValueID, ir.ValueID, error) {
	a, err := l.value(x)
	if err != nil {
		return ir.NoValue, ir.NoValue, err
	}
	b, err := l.value(y)
	return a, b, err
}

// global returns the address @name, one value per name.
func (l *lowerer) global(name string, t types.Type) ir.ValueID {
	if !types.IsPointer(t) {
		t = types.PointerTo(t)
	}
	key := name + " " + t.String()
	if id, ok := l.globals[key]; ok {
		return id
	}
	id := l.b.Global(name, t)
	l.globals[key] = id
	return id
}

func (l *lowerer) constant(c *ssa.Const) ir.ValueID {
	t := l.tl.lower(c.Type())
	switch {
	case types.IsInteger(t):
		if c.Value == nil {
			return l.b.ConstInt(t, 0)
		}
		switch c.Value.Kind() {
		case constant.Bool:
			if constant.BoolVal(c.Value) {
				return l.b.ConstInt(t, 1)
			}
			return l.b.ConstInt(t, 0)
		case constant.Int:
			if isUnsigned(c.Type()) {
				return l.b.ConstInt(t, int64(c.Uint64()))
			}
			return l.b.ConstInt(t, c.Int64())
		}
	case types.IsFloat(t):
		if c.Value == nil {
			return l.b.ConstFloat(t, 0)
		}
		return l.b.ConstFloat(t, c.Float64())
	case types.IsPointer(t):
		if c.IsNil() {
			return l.global("nil", t)
		}
	}
	// Strings, complex numbers and zero aggregates
	return l.b.Call(t, "const", true)
}

// opaqueCall emits a call standing for an instruction the IR has no
// counterpart for.
func (l *lowerer) opaqueCall(t types.Type, callee string, readNone bool, operands []ssa.Value) (ir.ValueID, error) {
	args := make([]ir.ValueID, 0, len(operands))
	for _, op := range operands {
		id, err := l.value(op)
		if err != nil {
			return ir.NoValue, err
		}
		args = append(args, id)
	}
	return l.b.Call(t, callee, readNone, args...), nil
}

func (l *lowerer) instr(instr ssa.Instruction) error {
	switch in := instr.(type) {
	case *ssa.Phi:
		id := l.b.Phi(l.tl.lower(in.Type()))
		l.def(in, id)
		l.phis = append(l.phis, in)
		return nil
	case *ssa.BinOp:
		return l.binOp(in)
	case *ssa.UnOp:
		return l.unOp(in)
	case *ssa.Convert:
		return l.convert(in)
	case *ssa.ChangeType:
		x, err := l.value(in.X)
		if err != nil {
			return err
		}
		if t := l.tl.lower(in.Type()); !t.Equals(l.b.Func().Type(x)) {
			id, err := l.opaqueCall(t, "changetype", true, []ssa.Value{in.X})
			if err != nil {
				return err
			}
			l.def(in, id)
			return nil
		}
		l.values[in] = x
		return nil
	case *ssa.Store:
		val, addr, err := l.pair(in.Val, in.Addr)
		if err != nil {
			return err
		}
		l.b.Store(val, addr)
		return nil
	case *ssa.IndexAddr:
		return l.indexAddr(in)
	case *ssa.Call:
		return l.call(in)
	case *ssa.If:
		cond, err := l.value(in.Cond)
		if err != nil {
			return err
		}
		succs := in.Block().Succs
		l.b.CondBr(cond, l.blocks[succs[0].Index], l.blocks[succs[1].Index])
		return nil
	case *ssa.Jump:
		l.b.Br(l.blocks[in.Block().Succs[0].Index])
		return nil
	case *ssa.Return:
		return l.ret(in)
	case *ssa.Panic:
		if _, err := l.opaqueCall(types.Void, "panic", false, []ssa.Value{in.X}); err != nil {
			return err
		}
		return l.unreachable()
	case *ssa.DebugRef:
		return nil
	}
	return l.opaque(instr)
}

// opaque lowers any other instruction to a call that may have side effects.
func (l *lowerer) opaque(instr ssa.Instruction) error {
	var operands []ssa.Value
	for _, op := range instr.Operands(nil) {
		if op != nil && *op != nil {
			operands = append(operands, *op)
		}
	}
	callee := strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", instr), "*ssa."))

	t := types.Type(types.Void)
	v, isValue := instr.(ssa.Value)
	if isValue {
		t = l.tl.lower(v.Type())
	}
	id, err := l.opaqueCall(t, callee, false, operands)
	if err != nil {
		return err
	}
	if isValue {
		l.def(v, id)
	}
	return nil
}

// unreachable ends a block that never returns normally.
func (l *lowerer) unreachable() error {
	ret := l.b.Func().ReturnType
	if _, void := ret.(*types.VoidType); void {
		l.b.Ret()
		return nil
	}
	l.b.Ret(l.b.Call(ret, "unreachable", true))
	return nil
}

func (l *lowerer) ret(in *ssa.Return) error {
	switch len(in.Results) {
	case 0:
		l.b.Ret()
		return nil
	case 1:
		v, err := l.value(in.Results[0])
		if err != nil {
			return err
		}
		l.b.Ret(v)
		return nil
	}
	tuple, err := l.opaqueCall(l.b.Func().ReturnType, "tuple", true, in.Results)
	if err != nil {
		return err
	}
	l.b.Ret(tuple)
	return nil
}

var intBinOps = map[token.Token][2]ir.Opcode{
	// signed, unsigned
	token.ADD: {ir.OpAdd, ir.OpAdd},
	token.SUB: {ir.OpSub, ir.OpSub},
	token.MUL: {ir.OpMul, ir.OpMul},
	token.QUO: {ir.OpSDiv, ir.OpUDiv},
	token.REM: {ir.OpSRem, ir.OpURem},
	token.AND: {ir.OpAnd, ir.OpAnd},
	token.OR:  {ir.OpOr, ir.OpOr},
	token.XOR: {ir.OpXor, ir.OpXor},
	token.SHL: {ir.OpShl, ir.OpShl},
	token.SHR: {ir.OpAShr, ir.OpLShr},
}

var floatBinOps = map[token.Token]ir.Opcode{
	token.ADD: ir.OpFAdd,
	token.SUB: ir.OpFSub,
	token.MUL: ir.OpFMul,
	token.QUO: ir.OpFDiv,
}

var intPredicates = map[token.Token][2]ir.Predicate{
	// signed, unsigned
	token.EQL: {ir.ICmpEQ, ir.ICmpEQ},
	token.NEQ: {ir.ICmpNE, ir.ICmpNE},
	token.LSS: {ir.ICmpSLT, ir.ICmpULT},
	token.LEQ: {ir.ICmpSLE, ir.ICmpULE},
	token.GTR: {ir.ICmpSGT, ir.ICmpUGT},
	token.GEQ: {ir.ICmpSGE, ir.ICmpUGE},
}

// Go's != is true when either operand is NaN; the others are false.
var floatPredicates = map[token.Token]ir.Predicate{
	token.EQL: ir.FCmpOEQ,
	token.NEQ: ir.FCmpUNE,
	token.LSS: ir.FCmpOLT,
	token.LEQ: ir.FCmpOLE,
	token.GTR: ir.FCmpOGT,
	token.GEQ: ir.FCmpOGE,
}

func signIndex(t gotypes.Type) int {
	if isUnsigned(t) {
		return 1
	}
	return 0
}

func (l *lowerer) binOp(in *ssa.BinOp) error {
	x, y, err := l.pair(in.X, in.Y)
	if err != nil {
		return err
	}
	t := l.b.Func().Type(x)
	sign := signIndex(in.X.Type())

	var id ir.ValueID
	switch {
	case types.IsInteger(t) && intBinOps[in.Op] != [2]ir.Opcode{}:
		op := intBinOps[in.Op][sign]
		if op == ir.OpShl || op == ir.OpAShr || op == ir.OpLShr {
			y = l.fitInt(y, t, isUnsigned(in.Y.Type()))
		}
		id = l.b.Binary(op, x, y)
	case types.IsInteger(t) && in.Op == token.AND_NOT:
		id = l.b.Binary(ir.OpAnd, x, l.b.Binary(ir.OpXor, y, l.b.ConstInt(t, -1)))
	case types.IsFloat(t) && floatBinOps[in.Op] != ir.OpInvalid:
		id = l.b.Binary(floatBinOps[in.Op], x, y)
	case types.IsInteger(t) && intPredicates[in.Op] != [2]ir.Predicate{},
		types.IsPointer(t) && (in.Op == token.EQL || in.Op == token.NEQ):
		id = l.b.ICmp(intPredicates[in.Op][sign], x, y)
	case types.IsFloat(t) && floatPredicates[in.Op] != ir.PredNone:
		id = l.b.FCmp(floatPredicates[in.Op], x, y)
	default:
		// String concatenation and comparison, interface equality, ...
		id, err = l.opaqueCall(l.tl.lower(in.Type()), in.Op.String(), true, []ssa.Value{in.X, in.Y})
		if err != nil {
			return err
		}
	}
	l.def(in, id)
	return nil
}

// fitInt converts integer v to type t, which Go allows for shift counts.
func (l *lowerer) fitInt(v ir.ValueID, t types.Type, unsigned bool) ir.ValueID {
	from := types.BitWidth(l.b.Func().Type(v))
	to := types.BitWidth(t)
	switch {
	case from > to:
		return l.b.Cast(ir.OpTrunc, v, t)
	case from < to && unsigned:
		return l.b.Cast(ir.OpZExt, v, t)
	case from < to:
		return l.b.Cast(ir.OpSExt, v, t)
	}
	return v
}

func (l *lowerer) unOp(in *ssa.UnOp) error {
	x, err := l.value(in.X)
	if err != nil {
		return err
	}
	t := l.b.Func().Type(x)

	var id ir.ValueID
	switch {
	case in.Op == token.SUB && types.IsInteger(t):
		id = l.b.Binary(ir.OpSub, l.b.ConstInt(t, 0), x)
	case in.Op == token.SUB && types.IsFloat(t):
		id = l.b.FNeg(x)
	case (in.Op == token.NOT || in.Op == token.XOR) && types.IsInteger(t):
		id = l.b.Binary(ir.OpXor, x, l.b.ConstInt(t, -1))
	case in.Op == token.MUL && types.IsPointer(t):
		id = l.b.Load(l.tl.lower(in.Type()), x)
	default:
		// Channel receive
		id, err = l.opaqueCall(l.tl.lower(in.Type()), in.Op.String(), false, []ssa.Value{in.X})
		if err != nil {
			return err
		}
	}
	l.def(in, id)
	return nil
}

func (l *lowerer) convert(in *ssa.Convert) error {
	x, err := l.value(in.X)
	if err != nil {
		return err
	}
	from, to := l.b.Func().Type(x), l.tl.lower(in.Type())
	fw, tw := types.BitWidth(from), types.BitWidth(to)

	var op ir.Opcode
	switch {
	case from.Equals(to):
		l.values[in] = x
		return nil
	case types.IsInteger(from) && types.IsInteger(to):
		switch {
		case fw > tw:
			op = ir.OpTrunc
		case isUnsigned(in.X.Type()):
			op = ir.OpZExt
		default:
			op = ir.OpSExt
		}
	case types.IsInteger(from) && types.IsFloat(to):
		op = ir.OpSIToFP
		if isUnsigned(in.X.Type()) {
			op = ir.OpUIToFP
		}
	case types.IsFloat(from) && types.IsInteger(to):
		op = ir.OpFPToSI
		if isUnsigned(in.Type()) {
			op = ir.OpFPToUI
		}
	case types.IsFloat(from) && types.IsFloat(to):
		op = ir.OpFPTrunc
		if fw < tw {
			op = ir.OpFPExt
		}
	case types.IsPointer(from) && types.IsInteger(to):
		op = ir.OpPtrToInt
	case types.IsInteger(from) && types.IsPointer(to):
		op = ir.OpIntToPtr
	default:
		// Pointer reinterpretation, string and slice conversions
		id, err := l.opaqueCall(to, "convert", true, []ssa.Value{in.X})
		if err != nil {
			return err
		}
		l.def(in, id)
		return nil
	}
	l.def(in, l.b.Cast(op, x, to))
	return nil
}

// indexAddr lowers &x[i] to x + i*size when x lowers to a pointer to the
// element.
func (l *lowerer) indexAddr(in *ssa.IndexAddr) error {
	base, idx, err := l.pair(in.X, in.Index)
	if err != nil {
		return err
	}
	t := l.tl.lower(in.Type())
	elem := t.(*types.PointerType).Elem
	size, sized := types.AllocSize(elem)

	if !sized || !l.b.Func().Type(base).Equals(t) {
		id, err := l.opaqueCall(t, "indexaddr", true, []ssa.Value{in.X, in.Index})
		if err != nil {
			return err
		}
		l.def(in, id)
		return nil
	}

	off := l.fitInt(idx, types.I64, isUnsigned(in.Index.Type()))
	if size != 1 {
		off = l.b.Binary(ir.OpMul, off, l.b.ConstInt(types.I64, size))
	}
	l.def(in, l.b.PtrAdd(base, off))
	return nil
}

func (l *lowerer) call(in *ssa.Call) error {
	common := in.Common()
	t := l.tl.lower(in.Type())

	if bi, ok := common.Value.(*ssa.Builtin); ok {
		switch bi.Name() {
		case "min", "max":
			if types.IsInteger(t) || types.IsFloat(t) {
				return l.minMax(in, bi.Name() == "max")
			}
		case "len", "cap", "real", "imag":
			id, err := l.opaqueCall(t, bi.Name(), true, common.Args)
			if err != nil {
				return err
			}
			l.def(in, id)
			return nil
		}
		id, err := l.opaqueCall(t, bi.Name(), false, common.Args)
		if err != nil {
			return err
		}
		l.def(in, id)
		return nil
	}

	operands := common.Args
	callee := "call"
	switch {
	case common.IsInvoke():
		callee = common.Method.Name()
		operands = append([]ssa.Value{common.Value}, operands...)
	case common.StaticCallee() != nil:
		callee = common.StaticCallee().Name()
	default:
		// The function value is data the call depends on
		operands = append([]ssa.Value{common.Value}, operands...)
	}
	id, err := l.opaqueCall(t, callee, false, operands)
	if err != nil {
		return err
	}
	l.def(in, id)
	return nil
}

// minMax expands min(a, b, c) into a chain of compare/select pairs:
//
//	%c1 = icmp slt %a, %b
//	%s1 = select %c1, %a, %b
//	%c2 = icmp slt %s1, %c
//	%s2 = select %c2, %s1, %c
func (l *lowerer) minMax(in *ssa.Call, isMax bool) error {
	args := in.Common().Args
	acc, err := l.value(args[0])
	if err != nil {
		return err
	}
	t := l.b.Func().Type(acc)
	tok := token.LSS
	if isMax {
		tok = token.GTR
	}

	for _, arg := range args[1:] {
		y, err := l.value(arg)
		if err != nil {
			return err
		}
		var cmp ir.ValueID
		if types.IsFloat(t) {
			cmp = l.b.FCmp(floatPredicates[tok], acc, y)
		} else {
			cmp = l.b.ICmp(intPredicates[tok][signIndex(arg.Type())], acc, y)
		}
		acc = l.b.Select(cmp, acc, y)
	}
	if len(args) == 1 {
		l.values[in] = acc
		return nil
	}
	l.def(in, acc)
	return nil
}
