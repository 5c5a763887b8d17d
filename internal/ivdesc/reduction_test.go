package ivdesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

var allFP = FPDefaults{NoNaNs: true, NoSignedZeros: true}

// binary returns a body computing next = op(phi, x) for a loaded x.
func binary(op ir.Opcode, flags ir.FastMathFlags) reductionBody {
	return func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
		x := load(b, b.Func().Type(acc), "x")
		next := b.Name(b.BinaryFlags(op, flags, acc, x), "next")
		return next, []ir.ValueID{next}
	}
}

// selectOf returns a body computing next = select (cmp pred acc, x), a, b
// where swapped picks (x, acc) instead of (acc, x) for the arms.
func selectOf(pred ir.Predicate, swapped bool) reductionBody {
	return func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
		typ := b.Func().Type(acc)
		x := load(b, typ, "x")
		var cmp ir.ValueID
		if types.IsFloat(typ) {
			cmp = b.FCmp(pred, acc, x)
		} else {
			cmp = b.ICmp(pred, acc, x)
		}
		tv, fv := acc, x
		if swapped {
			tv, fv = x, acc
		}
		next := b.Name(b.Select(cmp, tv, fv), "next")
		return next, []ir.ValueID{next}
	}
}

func TestIsReductionPhi(t *testing.T) {
	tests := []struct {
		name string
		typ  types.Type
		fp   FPDefaults
		body reductionBody
		want RecurKind
	}{
		{name: "integer sum", typ: types.I32, body: binary(ir.OpAdd, 0), want: RecurAdd},
		{name: "subtraction from the accumulator", typ: types.I32, body: binary(ir.OpSub, 0), want: RecurAdd},
		{
			name: "accumulator subtracted",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				next := b.Binary(ir.OpSub, load(b, types.I32, "x"), acc)
				return next, []ir.ValueID{next}
			},
		},
		{name: "product", typ: types.I64, body: binary(ir.OpMul, 0), want: RecurMul},
		{name: "or", typ: types.I32, body: binary(ir.OpOr, 0), want: RecurOr},
		{name: "and", typ: types.I32, body: binary(ir.OpAnd, 0), want: RecurAnd},
		{name: "xor", typ: types.I8, body: binary(ir.OpXor, 0), want: RecurXor},
		{name: "division", typ: types.I32, body: binary(ir.OpSDiv, 0)},
		{name: "smax", typ: types.I32, body: selectOf(ir.ICmpSGT, false), want: RecurSMax},
		{name: "smin", typ: types.I32, body: selectOf(ir.ICmpSLE, false), want: RecurSMin},
		{name: "umax with swapped arms", typ: types.I32, body: selectOf(ir.ICmpULT, true), want: RecurUMax},
		{name: "umin", typ: types.I16, body: selectOf(ir.ICmpULT, false), want: RecurUMin},
		{name: "equality select", typ: types.I32, body: selectOf(ir.ICmpEQ, false)},
		{
			name: "two min/max steps",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				x, y := load(b, types.I32, "x"), load(b, types.I32, "y")
				s1 := b.Select(b.ICmp(ir.ICmpSLT, acc, x), acc, x)
				s2 := b.Select(b.ICmp(ir.ICmpSLT, s1, y), s1, y)
				return s2, []ir.ValueID{s2}
			},
		},
		{
			name: "select on an unrelated compare",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				x, y := load(b, types.I32, "x"), load(b, types.I32, "y")
				next := b.Select(b.ICmp(ir.ICmpSLT, x, y), acc, x)
				return next, []ir.ValueID{next}
			},
		},
		{
			name: "phi used after the loop",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				next := b.Binary(ir.OpAdd, acc, load(b, types.I32, "x"))
				return next, []ir.ValueID{next, acc}
			},
		},
		{
			name: "escaping value does not feed the phi",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				a1 := b.Binary(ir.OpAdd, acc, load(b, types.I32, "x"))
				a2 := b.Binary(ir.OpAdd, a1, load(b, types.I32, "y"))
				return a2, []ir.ValueID{a1, a2}
			},
		},
		{
			name: "nothing escapes",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				return b.Binary(ir.OpAdd, acc, load(b, types.I32, "x")), nil
			},
		},
		{
			name: "unused step",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				next := b.Binary(ir.OpAdd, acc, load(b, types.I32, "x"))
				b.Binary(ir.OpAdd, acc, load(b, types.I32, "y"))
				return next, []ir.ValueID{next}
			},
		},
		{
			name: "accumulator used twice by one step",
			typ:  types.I32,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				a1 := b.Binary(ir.OpAdd, acc, load(b, types.I32, "x"))
				next := b.Binary(ir.OpAdd, a1, a1)
				return next, []ir.ValueID{next}
			},
		},
		{name: "fast fadd", typ: types.Float, body: binary(ir.OpFAdd, ir.FastMath), want: RecurFAdd},
		{name: "strict fadd", typ: types.Double, body: binary(ir.OpFAdd, 0), want: RecurFAdd},
		{name: "fsub", typ: types.Float, body: binary(ir.OpFSub, ir.FastMath), want: RecurFAdd},
		{name: "fmul", typ: types.Float, body: binary(ir.OpFMul, ir.FastMath), want: RecurFMul},
		{name: "fmin without fast math defaults", typ: types.Float, body: selectOf(ir.FCmpOLT, false)},
		{name: "fmin", typ: types.Float, fp: allFP, body: selectOf(ir.FCmpOLT, false), want: RecurFMin},
		{name: "fmax with unordered compare", typ: types.Double, fp: allFP, body: selectOf(ir.FCmpUGT, false), want: RecurFMax},
		{
			name: "fmin needs no signed zeros too",
			typ:  types.Float,
			fp:   FPDefaults{NoNaNs: true},
			body: selectOf(ir.FCmpOLT, false),
		},
		{
			name: "conditional fadd",
			typ:  types.Float,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				x := load(b, types.Float, "x")
				cmp := b.FCmp(ir.FCmpOGT, x, b.ConstFloat(types.Float, 0))
				add := b.BinaryFlags(ir.OpFAdd, ir.FastMath, acc, x)
				next := b.Name(b.Select(cmp, add, acc), "next")
				return next, []ir.ValueID{next}
			},
			want: RecurFAdd,
		},
		{
			name: "conditional fmul",
			typ:  types.Double,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				x := load(b, types.Double, "x")
				cmp := b.FCmp(ir.FCmpONE, x, b.ConstFloat(types.Double, 0))
				mul := b.BinaryFlags(ir.OpFMul, ir.FastMath, acc, x)
				next := b.Select(cmp, acc, mul)
				return next, []ir.ValueID{next}
			},
			want: RecurFMul,
		},
		{
			name: "conditional fadd needs fast math on the add",
			typ:  types.Float,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				x := load(b, types.Float, "x")
				cmp := b.FCmp(ir.FCmpOGT, x, b.ConstFloat(types.Float, 0))
				add := b.Binary(ir.OpFAdd, acc, x)
				next := b.Select(cmp, add, acc)
				return next, []ir.ValueID{next}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lf, acc, next := buildReduction(t, tt.typ, tt.body)
			rd, ok := IsReductionPhi(acc, lf.loop, tt.fp, lf.oracles())
			if tt.want == RecurNone {
				assert.False(t, ok)
				assert.Nil(t, rd)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, rd.Kind())
			assert.Equal(t, next, rd.ExitInstruction())
			assert.Equal(t, lf.fn.IncomingValueForBlock(acc, lf.loop.Preheader()), rd.StartValue())
			assert.True(t, tt.typ.Equals(rd.RecurrenceType()))
			assert.Empty(t, rd.RedundantCasts())
		})
	}
}

func TestAddReductionVar_IntegerSum(t *testing.T) {
	lf, acc, next := buildReduction(t, types.I32, binary(ir.OpAdd, 0))

	rd, ok := AddReductionVar(acc, RecurAdd, lf.loop, FPDefaults{}, lf.oracles())
	require.True(t, ok)

	assert.Equal(t, RecurAdd, rd.Kind())
	v, isInt := lf.fn.IntValue(rd.StartValue())
	require.True(t, isInt)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, next, rd.ExitInstruction())
	assert.Equal(t, types.I32, rd.RecurrenceType())
	assert.False(t, rd.IsSigned())
	assert.False(t, rd.IsOrdered())
	assert.False(t, rd.HasExactFPMath())
	assert.Equal(t, ir.Const{Bits: 0}, rd.Identity(types.I32))
	assert.Equal(t, ir.OpAdd, rd.Opcode())
	assert.Equal(t, []ir.ValueID{next}, rd.ReductionOpChain(acc, lf.loop))
	assert.Equal(t, "add start=0 exit=%next type=i32", rd.Describe(lf.fn))

	again, ok := AddReductionVar(acc, RecurAdd, lf.loop, FPDefaults{}, lf.oracles())
	require.True(t, ok)
	assert.Equal(t, rd, again, "classification is deterministic")

	_, ok = AddReductionVar(acc, RecurMul, lf.loop, FPDefaults{}, lf.oracles())
	assert.False(t, ok)
}

func TestAddReductionVar_KindMustMatchType(t *testing.T) {
	tests := []struct {
		name string
		typ  types.Type
		op   ir.Opcode
		kind RecurKind
	}{
		{"integer phi as fadd", types.I32, ir.OpAdd, RecurFAdd},
		{"float phi as add", types.Float, ir.OpFAdd, RecurAdd},
		{"float phi as smax", types.Float, ir.OpFAdd, RecurSMax},
		{"none", types.I32, ir.OpAdd, RecurNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lf, acc, _ := buildReduction(t, tt.typ, binary(tt.op, ir.FastMath))
			rd, ok := AddReductionVar(acc, tt.kind, lf.loop, allFP, lf.oracles())
			assert.False(t, ok)
			assert.Nil(t, rd)
		})
	}
}

func TestAddReductionVar_PointerPhi(t *testing.T) {
	ptr := types.PointerTo(types.I32)
	var p ir.ValueID
	lf := buildLoop(t,
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			p = b.Phi(ptr)
			x := load(b, ptr, "x")
			next := b.Select(b.ICmp(ir.ICmpUGT, p, x), p, x)
			b.AddIncoming(p, b.Param("base", ptr), entry)
			b.AddIncoming(p, next, loop)
			return more(b)
		}, nil)

	for _, kind := range ReductionKinds {
		_, ok := AddReductionVar(p, kind, lf.loop, allFP, lf.oracles())
		assert.False(t, ok, kind.String())
	}
}

// maskedLoop emits the remains of an i8 reduction promoted to i32:
//
//	%acc    = phi i32 [0, %entry], [%next, %loop]
//	%masked = and i32 %acc, 255
//	%zy     = zext i8 %y to i32
//	%next   = <step of %masked and %zy>
func maskedLoop(t *testing.T, step func(b *ir.Builder, masked, zy ir.ValueID) ir.ValueID,
	exit func(b *ir.Builder, next ir.ValueID)) (lf loopFunc, acc, masked, zy, next ir.ValueID) {
	t.Helper()
	lf = buildLoop(t,
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			acc = b.Name(b.Phi(types.I32), "acc")
			masked = b.Name(b.Binary(ir.OpAnd, acc, b.ConstInt(types.I32, 255)), "masked")
			zy = b.Name(b.Cast(ir.OpZExt, load(b, types.I8, "y"), types.I32), "zy")
			next = b.Name(step(b, masked, zy), "next")
			b.AddIncoming(acc, b.ConstInt(types.I32, 0), entry)
			b.AddIncoming(acc, next, loop)
			return more(b)
		},
		func(b *ir.Builder) { exit(b, next) })
	return lf, acc, masked, zy, next
}

func TestAddReductionVar_NarrowedSum(t *testing.T) {
	lf, acc, masked, zy, next := maskedLoop(t,
		func(b *ir.Builder, masked, zy ir.ValueID) ir.ValueID {
			return b.Binary(ir.OpAdd, masked, zy)
		},
		func(b *ir.Builder, next ir.ValueID) {
			escape(b, b.Cast(ir.OpTrunc, next, types.I8))
		})

	rd, ok := AddReductionVar(acc, RecurAdd, lf.loop, FPDefaults{}, lf.oracles())
	require.True(t, ok)
	assert.Equal(t, next, rd.ExitInstruction())
	assert.Equal(t, types.I8, rd.RecurrenceType())
	assert.False(t, rd.IsSigned())
	assert.Equal(t, []ir.ValueID{masked, zy}, rd.RedundantCasts())
	assert.True(t, rd.IsRedundantCast(masked))
	assert.False(t, rd.IsRedundantCast(next))
	assert.Equal(t, "add start=0 exit=%next type=i8 casts=[%masked %zy]", rd.Describe(lf.fn))

	// The narrow type never exceeds the declared one, and widening the
	// narrow sum again gives back every bit observed after the loop
	narrow := rd.RecurrenceType()
	require.LessOrEqual(t, types.BitWidth(narrow), types.BitWidth(lf.fn.Type(acc)))
	demanded := uint64(0xff)
	for _, a := range []uint64{0, 1, 100, 127, 128, 200, 255} {
		for _, y := range []uint64{0, 1, 55, 128, 255} {
			wide, ok := ir.FoldBinary(ir.OpAdd, types.I32, ir.Const{Bits: a & 255}, ir.Const{Bits: y})
			require.True(t, ok)
			small, ok := ir.FoldBinary(ir.OpAdd, narrow, ir.Const{Bits: a}, ir.Const{Bits: y})
			require.True(t, ok)
			widened, ok := ir.FoldCast(ir.OpZExt, narrow, types.I32, small)
			require.True(t, ok)
			assert.Equal(t, wide.Bits&demanded, widened.Bits&demanded, "a=%d y=%d", a, y)
		}
	}
}

func TestAddReductionVar_NarrowingNeedsProof(t *testing.T) {
	lf, acc, _, _, _ := maskedLoop(t,
		func(b *ir.Builder, masked, zy ir.ValueID) ir.ValueID {
			return b.Binary(ir.OpAdd, masked, zy)
		},
		func(b *ir.Builder, next ir.ValueID) {
			escape(b, b.Cast(ir.OpTrunc, next, types.I8))
		})

	_, ok := AddReductionVar(acc, RecurAdd, lf.loop, FPDefaults{}, Oracles{})
	assert.False(t, ok, "without bit usage or value range the mask cannot be trusted")
}

func TestAddReductionVar_NarrowingRejectsWideUse(t *testing.T) {
	// All 32 bits of the sum escape, and the sum of two bytes can need 9
	lf, acc, _, _, _ := maskedLoop(t,
		func(b *ir.Builder, masked, zy ir.ValueID) ir.ValueID {
			return b.Binary(ir.OpAdd, masked, zy)
		},
		escape)

	_, ok := AddReductionVar(acc, RecurAdd, lf.loop, FPDefaults{}, lf.oracles())
	assert.False(t, ok)
}

func TestAddReductionVar_NarrowedSMin(t *testing.T) {
	lf, acc, masked, zy, next := maskedLoop(t,
		func(b *ir.Builder, masked, zy ir.ValueID) ir.ValueID {
			return b.Select(b.ICmp(ir.ICmpSLT, masked, zy), masked, zy)
		},
		escape)

	rd, ok := IsReductionPhi(acc, lf.loop, FPDefaults{}, lf.oracles())
	require.True(t, ok)
	assert.Equal(t, RecurSMin, rd.Kind())
	assert.Equal(t, next, rd.ExitInstruction())
	assert.Equal(t, types.I8, rd.RecurrenceType())
	assert.True(t, rd.IsSigned())
	assert.Contains(t, rd.RedundantCasts(), masked)
	assert.Contains(t, rd.RedundantCasts(), zy)
	assert.LessOrEqual(t, types.BitWidth(rd.RecurrenceType()), 32)
}

func TestAddReductionVar_FloatingPointFlags(t *testing.T) {
	tests := []struct {
		name      string
		body      reductionBody
		ordered   bool
		exact     bool
		wantFlags ir.FastMathFlags
	}{
		{
			name:      "fast",
			body:      binary(ir.OpFAdd, ir.FastMath),
			wantFlags: ir.FastMath,
		},
		{
			name:    "strict step on the phi",
			body:    binary(ir.OpFAdd, 0),
			ordered: true,
			exact:   true,
		},
		{
			name: "strict step after a fast one",
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				a1 := b.BinaryFlags(ir.OpFAdd, ir.FastMath, acc, load(b, types.Float, "x"))
				next := b.Name(b.Binary(ir.OpFAdd, a1, load(b, types.Float, "y")), "next")
				return next, []ir.ValueID{next}
			},
			exact: true,
		},
		{
			name:      "reassociation only",
			body:      binary(ir.OpFAdd, ir.FlagAllowReassoc|ir.FlagNoNaNs),
			wantFlags: ir.FlagAllowReassoc | ir.FlagNoNaNs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lf, acc, next := buildReduction(t, types.Float, tt.body)
			rd, ok := AddReductionVar(acc, RecurFAdd, lf.loop, FPDefaults{}, lf.oracles())
			require.True(t, ok)
			assert.Equal(t, tt.ordered, rd.IsOrdered())
			assert.Equal(t, tt.exact, rd.HasExactFPMath())
			if tt.exact {
				assert.Equal(t, next, rd.ExactFPMathInstruction())
			} else {
				assert.Equal(t, ir.NoValue, rd.ExactFPMathInstruction())
			}
			assert.Equal(t, tt.wantFlags, rd.FastMathFlags())
		})
	}
}

func TestReductionOpChain(t *testing.T) {
	tests := []struct {
		name  string
		typ   types.Type
		kind  RecurKind
		body  reductionBody
		chain []string
	}{
		{name: "single add", typ: types.I32, kind: RecurAdd, body: binary(ir.OpAdd, 0), chain: []string{"%next"}},
		{
			name: "two adds",
			typ:  types.I32,
			kind: RecurAdd,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				a1 := b.Name(b.Binary(ir.OpAdd, acc, load(b, types.I32, "x")), "a1")
				next := b.Name(b.Binary(ir.OpAdd, a1, load(b, types.I32, "y")), "next")
				return next, []ir.ValueID{next}
			},
			chain: []string{"%a1", "%next"},
		},
		{name: "sub", typ: types.I32, kind: RecurAdd, body: binary(ir.OpSub, 0)},
		{
			name: "sub in the middle",
			typ:  types.I32,
			kind: RecurAdd,
			body: func(b *ir.Builder, acc ir.ValueID) (ir.ValueID, []ir.ValueID) {
				a1 := b.Binary(ir.OpSub, acc, load(b, types.I32, "x"))
				next := b.Binary(ir.OpAdd, a1, load(b, types.I32, "y"))
				return next, []ir.ValueID{next}
			},
		},
		{name: "umax", typ: types.I32, kind: RecurUMax, body: selectOf(ir.ICmpUGT, false), chain: []string{"%next"}},
		{name: "fast fadd", typ: types.Float, kind: RecurFAdd, body: binary(ir.OpFAdd, ir.FastMath), chain: []string{"%next"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lf, acc, _ := buildReduction(t, tt.typ, tt.body)
			rd, ok := AddReductionVar(acc, tt.kind, lf.loop, allFP, lf.oracles())
			require.True(t, ok)

			var got []string
			for _, v := range rd.ReductionOpChain(acc, lf.loop) {
				got = append(got, lf.fn.Ref(v))
			}
			assert.Equal(t, tt.chain, got)
		})
	}
}
