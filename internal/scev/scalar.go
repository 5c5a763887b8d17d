package scev

import (
	"sort"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// ScalarEvolution computes and caches the evolution of every value of one
// function.
//
// ALGORITHM (header phis):
//  1. Name the phi symbolically as Unknown(phi) and cache that
//  2. Compute the expression of the backedge value; it may refer to the name
//  3. If the backedge expression is Unknown(phi) + Accum with Accum
//     invariant in the loop, the phi is {Start,+,Accum}
//  4. Forget every expression computed while the phi had its symbolic name,
//     since those were built on a placeholder
//
// NOTE: Only affine recurrences are formed. A phi whose step itself varies
// (quadratic evolution, geometric growth) stays Unknown.
type ScalarEvolution struct {
	fn *ir.Function
	li *cfg.LoopInfo

	exprs map[string]Expr
	seq   int

	cache map[ir.ValueID]Expr
	// log records cache insertions in order so tentative results can be
	// forgotten
	log []ir.ValueID
}

// New creates the scalar evolution analysis for a function.
func New(fn *ir.Function, li *cfg.LoopInfo) *ScalarEvolution {
	return &ScalarEvolution{
		fn:    fn,
		li:    li,
		exprs: make(map[string]Expr),
		cache: make(map[ir.ValueID]Expr),
	}
}

// Func returns the analyzed function.
func (se *ScalarEvolution) Func() *ir.Function { return se.fn }

// LoopInfo returns the loops of the analyzed function.
func (se *ScalarEvolution) LoopInfo() *cfg.LoopInfo { return se.li }

func (se *ScalarEvolution) intern(key string, build func(base exprBase) Expr, t types.Type) Expr {
	if e, ok := se.exprs[key]; ok {
		return e
	}
	e := build(exprBase{seq: se.seq, typ: t})
	se.seq++
	se.exprs[key] = e
	return e
}

// Constant returns the constant v of integer type t.
func (se *ScalarEvolution) Constant(t types.Type, v int64) *Constant {
	width := types.BitWidth(t)
	v = ir.SignExtend(ir.MaskToWidth(uint64(v), width), width)
	return se.intern(constantKey(t, v), func(base exprBase) Expr {
		return &Constant{exprBase: base, Value: v}
	}, t).(*Constant)
}

// GetUnknown returns the opaque expression standing for v.
func (se *ScalarEvolution) GetUnknown(v ir.ValueID) *Unknown {
	return se.intern(unknownKey(v), func(base exprBase) Expr {
		return &Unknown{exprBase: base, Value: v, name: se.fn.Ref(v)}
	}, se.fn.Type(v)).(*Unknown)
}

// GetAddRec returns {start,+,step}<loop>; a zero step folds to start.
func (se *ScalarEvolution) GetAddRec(start, step Expr, loop *cfg.Loop) Expr {
	if c, ok := step.(*Constant); ok && c.IsZero() {
		return start
	}
	return se.intern(addRecKey(start, step, loop), func(base exprBase) Expr {
		return &AddRec{exprBase: base, Start: start, Step: step, Loop: loop}
	}, start.Type())
}

// resultType is the pointer type among ops if there is one, otherwise the
// type of the first operand.
func resultType(ops []Expr) types.Type {
	for _, op := range ops {
		if types.IsPointer(op.Type()) {
			return op.Type()
		}
	}
	return ops[0].Type()
}

// constType is the type constants take inside an expression of type t.
func constType(t types.Type) types.Type {
	if types.IsPointer(t) {
		return types.I64
	}
	return t
}

func sortOps(ops []Expr) {
	sort.SliceStable(ops, func(i, j int) bool {
		ri, rj := rank(ops[i]), rank(ops[j])
		if ri != rj {
			return ri < rj
		}
		return ops[i].id() < ops[j].id()
	})
}

// deepestAddRec returns the index of the add-recurrence of the most deeply
// nested loop among ops, or -1.
func deepestAddRec(ops []Expr) int {
	best, depth := -1, 0
	for i, op := range ops {
		if rec, ok := op.(*AddRec); ok && rec.Loop.Depth() > depth {
			best, depth = i, rec.Loop.Depth()
		}
	}
	return best
}

// GetAdd returns the simplified sum of ops.
//
// SIMPLIFICATIONS:
// - Nested sums are flattened and constants folded
// - Recurrences of the same loop are added component-wise
// - Operands invariant in a recurrence's loop join its start value
func (se *ScalarEvolution) GetAdd(ops ...Expr) Expr {
	var flat []Expr
	for _, op := range ops {
		if a, ok := op.(*Add); ok {
			flat = append(flat, a.Ops...)
		} else {
			flat = append(flat, op)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}

	typ := resultType(flat)
	ct := constType(typ)
	var sum int64
	var rest []Expr
	for _, op := range flat {
		if c, ok := op.(*Constant); ok {
			folded, _ := ir.FoldBinary(ir.OpAdd, ct, ir.Const{Bits: uint64(sum)}, ir.Const{Bits: uint64(c.Value)})
			sum = ir.SignExtend(folded.Bits, types.BitWidth(ct))
			continue
		}
		rest = append(rest, op)
	}
	if len(rest) == 0 {
		return se.Constant(ct, sum)
	}

	if idx := deepestAddRec(rest); idx >= 0 {
		rec := rest[idx].(*AddRec)
		start, step := rec.Start, rec.Step
		var absorbed, others []Expr
		changed := sum != 0
		for i, op := range rest {
			if i == idx {
				continue
			}
			if other, ok := op.(*AddRec); ok && other.Loop == rec.Loop {
				start = se.GetAdd(start, other.Start)
				step = se.GetAdd(step, other.Step)
				changed = true
				continue
			}
			if se.IsLoopInvariant(op, rec.Loop) {
				absorbed = append(absorbed, op)
				changed = true
				continue
			}
			others = append(others, op)
		}
		if changed {
			if sum != 0 {
				absorbed = append(absorbed, se.Constant(ct, sum))
			}
			if len(absorbed) > 0 {
				start = se.GetAdd(append([]Expr{start}, absorbed...)...)
			}
			folded := se.GetAddRec(start, step, rec.Loop)
			if len(others) == 0 {
				return folded
			}
			return se.buildAdd(typ, append(others, folded))
		}
	}

	if sum != 0 {
		rest = append(rest, se.Constant(ct, sum))
	}
	if len(rest) == 1 {
		return rest[0]
	}
	return se.buildAdd(typ, rest)
}

func (se *ScalarEvolution) buildAdd(t types.Type, ops []Expr) Expr {
	ops = append([]Expr(nil), ops...)
	sortOps(ops)
	return se.intern(naryKey("add", t, ops), func(base exprBase) Expr {
		return &Add{exprBase: base, Ops: ops}
	}, t)
}

// GetMul returns the simplified product of ops.
//
// SIMPLIFICATIONS:
// - Nested products are flattened and constants folded
// - Loop-invariant factors scale a recurrence: c * {a,+,b} = {c*a,+,c*b}
// - A constant distributes over a sum
func (se *ScalarEvolution) GetMul(ops ...Expr) Expr {
	var flat []Expr
	for _, op := range ops {
		if m, ok := op.(*Mul); ok {
			flat = append(flat, m.Ops...)
		} else {
			flat = append(flat, op)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}

	typ := resultType(flat)
	ct := constType(typ)
	product := int64(1)
	var rest []Expr
	for _, op := range flat {
		if c, ok := op.(*Constant); ok {
			folded, _ := ir.FoldBinary(ir.OpMul, ct, ir.Const{Bits: uint64(product)}, ir.Const{Bits: uint64(c.Value)})
			product = ir.SignExtend(folded.Bits, types.BitWidth(ct))
			continue
		}
		rest = append(rest, op)
	}
	if product == 0 || len(rest) == 0 {
		return se.Constant(ct, product)
	}
	if product == 1 && len(rest) == 1 {
		return rest[0]
	}

	if idx := deepestAddRec(rest); idx >= 0 {
		rec := rest[idx].(*AddRec)
		var scale []Expr
		invariant := true
		for i, op := range rest {
			if i == idx {
				continue
			}
			if !se.IsLoopInvariant(op, rec.Loop) {
				invariant = false
				break
			}
			scale = append(scale, op)
		}
		if invariant {
			if product != 1 {
				scale = append(scale, se.Constant(ct, product))
			}
			start := se.GetMul(append([]Expr{rec.Start}, scale...)...)
			step := se.GetMul(append([]Expr{rec.Step}, scale...)...)
			return se.GetAddRec(start, step, rec.Loop)
		}
	}

	if sum, ok := rest[0].(*Add); ok && len(rest) == 1 {
		terms := make([]Expr, len(sum.Ops))
		for i, op := range sum.Ops {
			terms[i] = se.GetMul(se.Constant(ct, product), op)
		}
		return se.GetAdd(terms...)
	}

	if product != 1 {
		rest = append(rest, se.Constant(ct, product))
	}
	sortOps(rest)
	return se.intern(naryKey("mul", typ, rest), func(base exprBase) Expr {
		return &Mul{exprBase: base, Ops: rest}
	}, typ)
}

// GetNegate returns -x.
func (se *ScalarEvolution) GetNegate(x Expr) Expr {
	return se.GetMul(se.Constant(constType(x.Type()), -1), x)
}

// GetMinus returns a - b.
func (se *ScalarEvolution) GetMinus(a, b Expr) Expr {
	return se.GetAdd(a, se.GetNegate(b))
}

var castOpcodes = map[CastOp]ir.Opcode{Trunc: ir.OpTrunc, ZExt: ir.OpZExt, SExt: ir.OpSExt}

// GetCast returns x truncated or extended to integer type t.
func (se *ScalarEvolution) GetCast(op CastOp, x Expr, t types.Type) Expr {
	if x.Type().Equals(t) {
		return x
	}
	tw := types.BitWidth(t)

	switch k := x.(type) {
	case *Constant:
		folded, _ := ir.FoldCast(castOpcodes[op], k.Type(), t, ir.Const{Bits: uint64(k.Value)})
		return se.Constant(t, ir.SignExtend(folded.Bits, tw))

	case *Cast:
		srcWidth := types.BitWidth(k.X.Type())
		switch {
		case op == Trunc && k.Op == Trunc:
			return se.GetCast(Trunc, k.X, t)
		case op == Trunc && srcWidth == tw:
			return k.X
		case op == Trunc && srcWidth > tw:
			return se.GetCast(Trunc, k.X, t)
		case op == Trunc:
			return se.GetCast(k.Op, k.X, t)
		case op == k.Op:
			return se.GetCast(op, k.X, t)
		case op == SExt && k.Op == ZExt:
			return se.GetCast(ZExt, k.X, t)
		}

	case *AddRec:
		if op == Trunc {
			return se.GetAddRec(se.GetCast(Trunc, k.Start, t), se.GetCast(Trunc, k.Step, t), k.Loop)
		}
	}

	return se.intern(castKey(op, x, t), func(base exprBase) Expr {
		return &Cast{exprBase: base, Op: op, X: x}
	}, t)
}

// IsLoopInvariant reports whether e has the same value on every iteration
// of loop.
func (se *ScalarEvolution) IsLoopInvariant(e Expr, loop *cfg.Loop) bool {
	switch x := e.(type) {
	case *Constant:
		return true
	case *Unknown:
		return loop.IsLoopInvariant(x.Value)
	case *AddRec:
		if x.Loop == loop || loop.ContainsLoop(x.Loop) {
			return false
		}
		if x.Loop.ContainsLoop(loop) {
			return true
		}
		return se.IsLoopInvariant(x.Start, loop) && se.IsLoopInvariant(x.Step, loop)
	case *Add:
		return se.allInvariant(x.Ops, loop)
	case *Mul:
		return se.allInvariant(x.Ops, loop)
	case *Cast:
		return se.IsLoopInvariant(x.X, loop)
	}
	return false
}

func (se *ScalarEvolution) allInvariant(ops []Expr, loop *cfg.Loop) bool {
	for _, op := range ops {
		if !se.IsLoopInvariant(op, loop) {
			return false
		}
	}
	return true
}

func isSCEVable(t types.Type) bool {
	return types.IsInteger(t) || types.IsPointer(t)
}

// GetSCEV returns the evolution of v.
func (se *ScalarEvolution) GetSCEV(v ir.ValueID) Expr {
	if e, ok := se.cache[v]; ok {
		return e
	}
	e := se.createSCEV(v)
	se.cache[v] = e
	se.log = append(se.log, v)
	return e
}

func (se *ScalarEvolution) createSCEV(v ir.ValueID) Expr {
	val := se.fn.Value(v)
	if !isSCEVable(val.Type) {
		return se.GetUnknown(v)
	}
	switch val.Kind {
	case ir.ValueConstant:
		n, _ := se.fn.IntValue(v)
		return se.Constant(val.Type, n)
	case ir.ValueInstruction:
	default:
		return se.GetUnknown(v)
	}

	width := types.BitWidth(val.Type)
	constArg := func(i int) (int64, bool) { return se.fn.IntValue(val.Args[i]) }

	switch val.Op {
	case ir.OpAdd:
		return se.GetAdd(se.GetSCEV(val.Args[0]), se.GetSCEV(val.Args[1]))

	case ir.OpSub:
		return se.GetMinus(se.GetSCEV(val.Args[0]), se.GetSCEV(val.Args[1]))

	case ir.OpMul:
		return se.GetMul(se.GetSCEV(val.Args[0]), se.GetSCEV(val.Args[1]))

	case ir.OpShl:
		if c, ok := constArg(1); ok && c >= 0 && c < int64(width) {
			return se.GetMul(se.GetSCEV(val.Args[0]), se.Constant(val.Type, int64(1)<<uint(c)))
		}

	case ir.OpAnd:
		// x & (2^n - 1) keeps the low n bits: zext(trunc x to iN)
		for i := 0; i < 2; i++ {
			mask, ok := constArg(i)
			if !ok {
				continue
			}
			if n := lowBitMaskWidth(ir.MaskToWidth(uint64(mask), width)); n > 0 && n < width {
				narrow := se.GetCast(Trunc, se.GetSCEV(val.Args[1-i]), types.Int(n))
				return se.GetCast(ZExt, narrow, val.Type)
			}
		}

	case ir.OpAShr:
		// (x << m) >> m sign-extends the low bits: sext(trunc x to iW-m)
		m, ok := constArg(1)
		shl := val.Args[0]
		if ok && m > 0 && m < int64(width) && se.fn.Op(shl) == ir.OpShl {
			if m2, ok := se.fn.IntValue(se.fn.Value(shl).Args[1]); ok && m2 == m {
				narrow := se.GetCast(Trunc, se.GetSCEV(se.fn.Value(shl).Args[0]), types.Int(width-int(m)))
				return se.GetCast(SExt, narrow, val.Type)
			}
		}

	case ir.OpTrunc, ir.OpZExt, ir.OpSExt:
		if !types.IsInteger(se.fn.Type(val.Args[0])) {
			break
		}
		op := map[ir.Opcode]CastOp{ir.OpTrunc: Trunc, ir.OpZExt: ZExt, ir.OpSExt: SExt}[val.Op]
		return se.GetCast(op, se.GetSCEV(val.Args[0]), val.Type)

	case ir.OpPtrAdd:
		offset := se.GetSCEV(val.Args[1])
		if types.BitWidth(offset.Type()) < types.PointerBits {
			offset = se.GetCast(SExt, offset, types.I64)
		}
		return se.GetAdd(se.GetSCEV(val.Args[0]), offset)

	case ir.OpPhi:
		return se.createNodeForPhi(v)
	}
	return se.GetUnknown(v)
}

// lowBitMaskWidth returns n when m == 2^n - 1, and 0 otherwise.
func lowBitMaskWidth(m uint64) int {
	if m == 0 || m&(m+1) != 0 {
		return 0
	}
	n := 0
	for ; m != 0; m >>= 1 {
		n++
	}
	return n
}

// loopPhiEdges returns the unique start and backedge values of a header
// phi, or NoValue.
func loopPhiEdges(fn *ir.Function, loop *cfg.Loop, phi ir.ValueID) (start, backedge ir.ValueID) {
	start, backedge = ir.NoValue, ir.NoValue
	val := fn.Value(phi)
	for i, arg := range val.Args {
		slot := &start
		if loop.Contains(val.Incoming[i]) {
			slot = &backedge
		}
		if *slot != ir.NoValue && *slot != arg {
			return ir.NoValue, ir.NoValue
		}
		*slot = arg
	}
	return start, backedge
}

func (se *ScalarEvolution) createNodeForPhi(phi ir.ValueID) Expr {
	sym := se.GetUnknown(phi)
	block := se.fn.BlockOf(phi)
	loop := se.li.LoopFor(block)
	if loop == nil || loop.Header != block {
		return sym
	}
	start, backedge := loopPhiEdges(se.fn, loop, phi)
	if start == ir.NoValue || backedge == ir.NoValue {
		return sym
	}

	mark := len(se.log)
	se.cache[phi] = sym
	se.log = append(se.log, phi)

	var result Expr = sym
	be := se.GetSCEV(backedge)
	switch {
	case be == Expr(sym):
		// The phi forwards its own value: it is its start value
		result = se.GetSCEV(start)
	default:
		if add, ok := be.(*Add); ok {
			if accum := withoutOperand(se, add, sym); accum != nil && se.IsLoopInvariant(accum, loop) {
				result = se.GetAddRec(se.GetSCEV(start), accum, loop)
			}
		}
	}

	if result != Expr(sym) {
		for _, id := range se.log[mark:] {
			delete(se.cache, id)
		}
		se.log = se.log[:mark]
	} else {
		delete(se.cache, phi)
	}
	return result
}

// withoutOperand returns add with one occurrence of op removed, or nil when
// op is not an operand.
func withoutOperand(se *ScalarEvolution, add *Add, op Expr) Expr {
	for i, x := range add.Ops {
		if x != op {
			continue
		}
		rest := make([]Expr, 0, len(add.Ops)-1)
		rest = append(rest, add.Ops[:i]...)
		rest = append(rest, add.Ops[i+1:]...)
		return se.GetAdd(rest...)
	}
	return nil
}
