package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hassan/ivdesc/internal/types"
)

func ci(v int64) Const { return Const{Bits: uint64(v)} }

func TestFoldBinary(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		typ  types.Type
		x, y int64
		want int64
		ok   bool
	}{
		{"add wraps", OpAdd, types.I8, 250, 10, 4, true},
		{"sub", OpSub, types.I32, 3, 5, -2, true},
		{"mul", OpMul, types.I16, 300, 300, 24464, true},
		{"udiv treats -1 as max", OpUDiv, types.I8, -1, 2, 127, true},
		{"sdiv", OpSDiv, types.I8, -7, 2, -3, true},
		{"srem", OpSRem, types.I8, -7, 2, -1, true},
		{"sdiv overflow", OpSDiv, types.I8, -128, -1, 0, false},
		{"division by zero", OpUDiv, types.I32, 1, 0, 0, false},
		{"and", OpAnd, types.I32, 0xF0, 0x3C, 0x30, true},
		{"or", OpOr, types.I32, 0xF0, 0x0F, 0xFF, true},
		{"xor", OpXor, types.I32, 0xFF, 0x0F, 0xF0, true},
		{"shl", OpShl, types.I8, 1, 7, -128, true},
		{"lshr", OpLShr, types.I8, -128, 7, 1, true},
		{"ashr", OpAShr, types.I8, -128, 7, -1, true},
		{"oversized shift", OpShl, types.I8, 1, 8, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FoldBinary(tt.op, tt.typ, ci(tt.x), ci(tt.y))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, SignExtend(got.Bits, types.BitWidth(tt.typ)))
			}
		})
	}
}

func TestFoldBinary_Float(t *testing.T) {
	got, ok := FoldBinary(OpFAdd, types.Double, Const{Float: 1.5}, Const{Float: 2.25})
	assert.True(t, ok)
	assert.Equal(t, 3.75, got.Float)

	got, ok = FoldBinary(OpFAdd, types.Double, Const{Float: math.Copysign(0, -1)}, Const{Float: 0})
	assert.True(t, ok)
	assert.False(t, math.Signbit(got.Float), "-0 + +0 is +0")

	got, ok = FoldBinary(OpFAdd, types.Float, Const{Float: 1}, Const{Float: 1e-10})
	assert.True(t, ok)
	assert.Equal(t, 1.0, got.Float, "rounded to single precision")
}

func TestFoldCompare(t *testing.T) {
	nan := Const{Float: math.NaN()}
	one := Const{Float: 1}

	assert.False(t, FoldCompare(ICmpULT, types.I8, ci(-1), ci(1)))
	assert.True(t, FoldCompare(ICmpSLT, types.I8, ci(-1), ci(1)))
	assert.True(t, FoldCompare(ICmpEQ, types.I8, ci(255), ci(-1)))
	assert.False(t, FoldCompare(FCmpOLT, types.Double, nan, one))
	assert.True(t, FoldCompare(FCmpULT, types.Double, nan, one))
	assert.True(t, FoldCompare(FCmpUNO, types.Double, nan, one))
	assert.True(t, FoldCompare(FCmpOGE, types.Double, one, one))
}

func TestFoldCast(t *testing.T) {
	tests := []struct {
		name     string
		op       Opcode
		from, to types.Type
		x        int64
		want     uint64
	}{
		{"trunc", OpTrunc, types.I32, types.I8, 0x1FF, 0xFF},
		{"zext", OpZExt, types.I8, types.I32, -1, 0xFF},
		{"sext", OpSExt, types.I8, types.I32, -1, 0xFFFFFFFF},
		{"sext positive", OpSExt, types.I8, types.I32, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FoldCast(tt.op, tt.from, tt.to, ci(tt.x))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got.Bits)
		})
	}

	f, ok := FoldCast(OpSIToFP, types.I8, types.Double, ci(-3))
	assert.True(t, ok)
	assert.Equal(t, -3.0, f.Float)

	_, ok = FoldCast(OpFPToSI, types.Double, types.I32, Const{Float: math.Inf(1)})
	assert.False(t, ok)
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, int64(-1), SignExtend(0xFF, 8))
	assert.Equal(t, int64(127), SignExtend(0x7F, 8))
	assert.Equal(t, int64(-1), SignExtend(1, 1))
	assert.Equal(t, uint64(0xFF), MaskToWidth(math.MaxUint64, 8))
}
