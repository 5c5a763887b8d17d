package scev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// buildLoop wraps the common entry -> loop -> exit shape. body emits the
// loop body and returns the loop condition.
func buildLoop(t *testing.T, params func(b *ir.Builder), body func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID) (*ir.Function, *ScalarEvolution) {
	t.Helper()
	b := ir.NewBuilder("f", types.Void)
	if params != nil {
		params(b)
	}
	entry := b.Block("entry")
	loop := b.Block("loop")
	exit := b.Block("exit")

	b.SetBlock(entry)
	b.Br(loop)
	b.SetBlock(loop)
	cond := body(b, entry, loop)
	b.CondBr(cond, loop, exit)
	b.SetBlock(exit)
	b.Ret()

	fn, err := b.Finish()
	require.NoError(t, err)
	li := cfg.NewLoopInfo(cfg.NewDomTree(fn))
	return fn, New(fn, li)
}

func TestGetSCEV_Affine(t *testing.T) {
	var n, base, i, i2, p, shl, sub ir.ValueID
	_, se := buildLoop(t,
		func(b *ir.Builder) {
			n = b.Param("n", types.I32)
			base = b.Param("base", types.PointerTo(types.I32))
		},
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			i = b.Name(b.Phi(types.I32), "i")
			p = b.Name(b.Phi(types.PointerTo(types.I32)), "p")
			i2 = b.Name(b.Binary(ir.OpAdd, i, b.ConstInt(types.I32, 1)), "i2")
			p2 := b.Name(b.PtrAdd(p, b.ConstInt(types.I64, 16)), "p2")
			shl = b.Name(b.Binary(ir.OpShl, i, b.ConstInt(types.I32, 2)), "shl")
			sub = b.Name(b.Binary(ir.OpSub, n, i), "sub")
			b.AddIncoming(i, b.ConstInt(types.I32, 0), entry)
			b.AddIncoming(i, i2, loop)
			b.AddIncoming(p, base, entry)
			b.AddIncoming(p, p2, loop)
			return b.ICmp(ir.ICmpSLT, i2, n)
		})

	tests := []struct {
		name string
		v    ir.ValueID
		want string
	}{
		{"counter", i, "{0,+,1}<%loop>"},
		{"counter update", i2, "{1,+,1}<%loop>"},
		{"pointer", p, "{%base,+,16}<%loop>"},
		{"shift by constant", shl, "{0,+,4}<%loop>"},
		{"invariant minus counter", sub, "{%n,+,-1}<%loop>"},
		{"argument", n, "%n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, se.GetSCEV(tt.v).String())
		})
	}

	rec, ok := se.GetSCEV(p).(*AddRec)
	require.True(t, ok)
	assert.True(t, types.IsPointer(rec.Type()))
	assert.Equal(t, types.I64, rec.Step.Type())
	assert.Same(t, se.GetSCEV(i), se.GetSCEV(i), "cached")
}

func TestGetSCEV_MaskedPhiStaysUnknown(t *testing.T) {
	var x, masked ir.ValueID
	_, se := buildLoop(t, nil, func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
		x = b.Name(b.Phi(types.I64), "x")
		masked = b.Name(b.Binary(ir.OpAnd, x, b.ConstInt(types.I64, 255)), "t")
		x2 := b.Name(b.Binary(ir.OpAdd, masked, b.ConstInt(types.I64, 1)), "x2")
		b.AddIncoming(x, b.ConstInt(types.I64, 0), entry)
		b.AddIncoming(x, x2, loop)
		return b.ICmp(ir.ICmpULT, x2, b.ConstInt(types.I64, 100))
	})

	assert.Equal(t, "%x", se.GetSCEV(x).String())
	assert.Equal(t, "(zext i8 (trunc i64 %x to i8) to i64)", se.GetSCEV(masked).String())
}

func TestExprFolding(t *testing.T) {
	var n, i ir.ValueID
	_, se := buildLoop(t,
		func(b *ir.Builder) { n = b.Param("n", types.I32) },
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			i = b.Name(b.Phi(types.I32), "i")
			i2 := b.Binary(ir.OpAdd, i, b.ConstInt(types.I32, 1))
			b.AddIncoming(i, b.ConstInt(types.I32, 0), entry)
			b.AddIncoming(i, i2, loop)
			return b.ICmp(ir.ICmpSLT, i2, n)
		})

	two := se.Constant(types.I32, 2)
	three := se.Constant(types.I32, 3)
	un := se.GetUnknown(n)
	rec := se.GetSCEV(i)

	assert.Same(t, se.Constant(types.I32, 5), se.GetAdd(two, three))
	assert.Same(t, se.Constant(types.I32, 6), se.GetMul(two, three))
	assert.Same(t, se.GetAdd(un, two), se.GetAdd(two, un), "operand order does not matter")
	assert.Same(t, un, se.GetAdd(un, se.Constant(types.I32, 0)))
	assert.Same(t, three, se.GetMinus(se.Constant(types.I32, 5), two))
	assert.Equal(t, "{0,+,3}<%loop>", se.GetMul(three, rec).String())
	assert.Equal(t, "{2,+,1}<%loop>", se.GetAdd(rec, two).String())
	assert.Equal(t, "{%n,+,2}<%loop>", se.GetAdd(rec, rec, un).String())
	assert.Same(t, se.Constant(types.I32, -128), se.GetCast(SExt, se.Constant(types.I8, 128), types.I32))
	assert.Same(t, se.Constant(types.I32, 128), se.GetCast(ZExt, se.Constant(types.I8, -128), types.I32))

	narrow := se.GetCast(Trunc, un, types.I8)
	assert.Same(t, un, se.GetCast(Trunc, se.GetCast(SExt, un, types.I64), types.I32))
	assert.Same(t, narrow, se.GetCast(Trunc, se.GetCast(ZExt, un, types.I64), types.I8))
	assert.Equal(t, "{0,+,1}<%loop>", se.GetCast(Trunc, rec, types.I8).String())
	assert.Equal(t, types.I8, se.GetCast(Trunc, rec, types.I8).Type())
}

func TestIsLoopInvariant_Nested(t *testing.T) {
	b := ir.NewBuilder("nest", types.Void)
	limit := b.Param("limit", types.I32)
	entry := b.Block("entry")
	outerH := b.Block("outer")
	innerH := b.Block("inner")
	outerLatch := b.Block("outer.latch")
	exit := b.Block("exit")
	zero := b.ConstInt(types.I32, 0)
	one := b.ConstInt(types.I32, 1)

	b.SetBlock(entry)
	b.Br(outerH)
	b.SetBlock(outerH)
	i := b.Name(b.Phi(types.I32), "i")
	b.Br(innerH)
	b.SetBlock(innerH)
	j := b.Name(b.Phi(types.I32), "j")
	sum := b.Name(b.Binary(ir.OpAdd, i, j), "sum")
	j2 := b.Binary(ir.OpAdd, j, one)
	b.CondBr(b.ICmp(ir.ICmpSLT, j2, limit), innerH, outerLatch)
	b.SetBlock(outerLatch)
	i2 := b.Binary(ir.OpAdd, i, one)
	b.CondBr(b.ICmp(ir.ICmpSLT, i2, limit), outerH, exit)
	b.SetBlock(exit)
	b.Ret()
	b.AddIncoming(i, zero, entry)
	b.AddIncoming(i, i2, outerLatch)
	b.AddIncoming(j, zero, outerH)
	b.AddIncoming(j, j2, innerH)
	fn, err := b.Finish()
	require.NoError(t, err)

	li := cfg.NewLoopInfo(cfg.NewDomTree(fn))
	se := New(fn, li)
	outer := li.LoopFor(outerH)
	inner := li.LoopFor(innerH)

	iRec := se.GetSCEV(i)
	jRec := se.GetSCEV(j)
	sumRec := se.GetSCEV(sum)
	assert.Equal(t, "{{0,+,1}<%outer>,+,1}<%inner>", sumRec.String())

	tests := []struct {
		name string
		e    Expr
		loop *cfg.Loop
		want bool
	}{
		{"outer counter in inner loop", iRec, inner, true},
		{"outer counter in outer loop", iRec, outer, false},
		{"inner counter in outer loop", jRec, outer, false},
		{"inner counter in inner loop", jRec, inner, false},
		{"sum in inner loop", sumRec, inner, false},
		{"argument", se.GetUnknown(limit), outer, true},
		{"constant", se.Constant(types.I32, 7), inner, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, se.IsLoopInvariant(tt.e, tt.loop))
		})
	}
}

func TestPredicated_AsAddRec(t *testing.T) {
	tests := []struct {
		name     string
		start    int64
		mask     bool // and-mask form; otherwise shl/ashr
		wantRec  string
		wantPred []string
	}{
		{
			name:     "zero extended mask",
			mask:     true,
			wantRec:  "{0,+,1}<%loop>",
			wantPred: []string{"{0,+,1}<%loop> does not wrap (nusw)"},
		},
		{
			name:     "sign extended shift pair",
			wantRec:  "{0,+,1}<%loop>",
			wantPred: []string{"{0,+,1}<%loop> does not wrap (nssw)"},
		},
		{
			name:  "start does not survive the round trip",
			start: 300,
			mask:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var x, narrowed, x2 ir.ValueID
			_, se := buildLoop(t, nil, func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
				x = b.Name(b.Phi(types.I64), "x")
				if tt.mask {
					narrowed = b.Binary(ir.OpAnd, x, b.ConstInt(types.I64, 255))
				} else {
					shift := b.ConstInt(types.I64, 56)
					narrowed = b.Binary(ir.OpAShr, b.Binary(ir.OpShl, x, shift), shift)
				}
				x2 = b.Name(b.Binary(ir.OpAdd, narrowed, b.ConstInt(types.I64, 1)), "x2")
				b.AddIncoming(x, b.ConstInt(types.I64, tt.start), entry)
				b.AddIncoming(x, x2, loop)
				return b.ICmp(ir.ICmpULT, x2, b.ConstInt(types.I64, 100))
			})
			pse := NewPredicated(se)

			_, plain := pse.GetSCEV(x).(*AddRec)
			require.False(t, plain)

			rec := pse.AsAddRec(x)
			if tt.wantRec == "" {
				assert.Nil(t, rec)
				assert.Empty(t, pse.Predicates())
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, tt.wantRec, rec.String())

			var preds []string
			for _, p := range pse.Predicates() {
				preds = append(preds, p.String())
			}
			assert.Equal(t, tt.wantPred, preds)

			assert.Same(t, rec, pse.GetSCEV(x))
			assert.Same(t, rec, pse.GetSCEV(narrowed), "the cast sequence is the recurrence too")
			assert.Equal(t, "{1,+,1}<%loop>", pse.GetSCEV(x2).String())
			assert.Same(t, rec, pse.AsAddRec(x), "second query is answered from the rewrite")
		})
	}
}

func TestPredicated_AreAddRecsEqualWithPreds(t *testing.T) {
	var a, c, i ir.ValueID
	_, se := buildLoop(t,
		func(b *ir.Builder) {
			a = b.Param("a", types.I32)
			c = b.Param("c", types.I32)
		},
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			i = b.Phi(types.I32)
			i2 := b.Binary(ir.OpAdd, i, b.ConstInt(types.I32, 1))
			b.AddIncoming(i, a, entry)
			b.AddIncoming(i, i2, loop)
			return b.ICmp(ir.ICmpSLT, i2, c)
		})
	pse := NewPredicated(se)

	recA, ok := se.GetSCEV(i).(*AddRec)
	require.True(t, ok)
	recC := se.GetAddRec(se.GetUnknown(c), se.Constant(types.I32, 1), recA.Loop).(*AddRec)

	assert.True(t, pse.AreAddRecsEqualWithPreds(recA, recA))
	assert.False(t, pse.AreAddRecsEqualWithPreds(recA, recC))

	pred := &EqualPredicate{LHS: se.GetUnknown(c), RHS: se.GetUnknown(a)}
	pse.AddPredicate(pred)
	pse.AddPredicate(&EqualPredicate{LHS: se.GetUnknown(c), RHS: se.GetUnknown(a)})
	assert.Len(t, pse.Predicates(), 1, "duplicates are dropped")

	assert.True(t, pse.AreAddRecsEqualWithPreds(recA, recC))
	assert.True(t, pse.AreAddRecsEqualWithPreds(recC, recA))
	assert.Equal(t, "%c == %a", pred.String())
}
