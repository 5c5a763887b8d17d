package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

type nest struct {
	fn                                    *ir.Function
	entry, outer, inner, innerLatch, exit ir.BlockID
	outerLatch                            ir.BlockID
	i, j, j2, sum                         ir.ValueID
}

// buildNest builds a two-deep loop nest:
//
//	entry -> outer -> inner -> innerLatch -> inner | outerLatch
//	outerLatch -> outer | exit
func buildNest(t *testing.T) nest {
	var n nest
	b := ir.NewBuilder("nest", types.Void)
	limit := b.Param("limit", types.I32)
	n.entry = b.Block("entry")
	n.outer = b.Block("outer")
	n.inner = b.Block("inner")
	n.innerLatch = b.Block("inner.latch")
	n.outerLatch = b.Block("outer.latch")
	n.exit = b.Block("exit")
	zero := b.ConstInt(types.I32, 0)
	one := b.ConstInt(types.I32, 1)

	b.SetBlock(n.entry)
	b.Br(n.outer)

	b.SetBlock(n.outer)
	n.i = b.Name(b.Phi(types.I32), "i")
	b.Br(n.inner)

	b.SetBlock(n.inner)
	n.j = b.Name(b.Phi(types.I32), "j")
	n.sum = b.Name(b.Binary(ir.OpAdd, n.i, n.j), "sum")
	b.Br(n.innerLatch)

	b.SetBlock(n.innerLatch)
	n.j2 = b.Name(b.Binary(ir.OpAdd, n.j, one), "j2")
	c := b.ICmp(ir.ICmpSLT, n.j2, limit)
	b.CondBr(c, n.inner, n.outerLatch)

	b.SetBlock(n.outerLatch)
	i2 := b.Name(b.Binary(ir.OpAdd, n.i, one), "i2")
	c2 := b.ICmp(ir.ICmpSLT, i2, limit)
	b.CondBr(c2, n.outer, n.exit)

	b.SetBlock(n.exit)
	b.Ret()

	b.AddIncoming(n.i, zero, n.entry)
	b.AddIncoming(n.i, i2, n.outerLatch)
	b.AddIncoming(n.j, zero, n.outer)
	b.AddIncoming(n.j, n.j2, n.innerLatch)

	fn, err := b.Finish()
	require.NoError(t, err)
	n.fn = fn
	return n
}

func TestDomTree(t *testing.T) {
	n := buildNest(t)
	dom := NewDomTree(n.fn)

	tests := []struct {
		name string
		a, b ir.BlockID
		want bool
	}{
		{"entry dominates all", n.entry, n.exit, true},
		{"self", n.inner, n.inner, true},
		{"outer dominates inner", n.outer, n.innerLatch, true},
		{"inner does not dominate outer", n.inner, n.outer, false},
		{"latch does not dominate entry", n.innerLatch, n.entry, false},
		{"inner latch dominates outer latch", n.innerLatch, n.outerLatch, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dom.Dominates(tt.a, tt.b))
		})
	}

	assert.Equal(t, ir.NoBlock, dom.IDom(n.entry))
	assert.Equal(t, n.outer, dom.IDom(n.inner))
	assert.Equal(t, n.outerLatch, dom.IDom(n.exit))
}

func TestDomTree_InstrDominates(t *testing.T) {
	n := buildNest(t)
	dom := NewDomTree(n.fn)

	assert.True(t, dom.InstrDominates(n.i, n.sum), "outer phi dominates inner use")
	assert.True(t, dom.InstrDominates(n.j, n.sum), "same block, earlier")
	assert.False(t, dom.InstrDominates(n.sum, n.j), "same block, later")
	assert.False(t, dom.InstrDominates(n.j2, n.j), "phi use needs strict block dominance")
	assert.False(t, dom.InstrDominates(n.sum, n.sum))
	assert.True(t, dom.InstrDominates(n.fn.Params[0], n.sum), "arguments dominate everything")
}

func TestLoopInfo(t *testing.T) {
	n := buildNest(t)
	li := NewLoopInfo(NewDomTree(n.fn))

	require.Len(t, li.Loops(), 2)
	require.Len(t, li.TopLevel(), 1)

	outer := li.TopLevel()[0]
	require.Len(t, outer.Children, 1)
	inner := outer.Children[0]

	assert.Equal(t, n.outer, outer.Header)
	assert.Equal(t, n.inner, inner.Header)
	assert.Equal(t, []ir.BlockID{n.inner, n.innerLatch}, inner.Blocks)
	assert.Equal(t, []ir.BlockID{n.outer, n.inner, n.innerLatch, n.outerLatch}, outer.Blocks)
	assert.Equal(t, 2, inner.Depth())
	assert.Same(t, outer, inner.Parent)

	assert.Equal(t, n.outer, inner.Preheader())
	assert.Equal(t, n.innerLatch, inner.Latch())
	assert.Equal(t, n.entry, outer.Preheader())
	assert.Equal(t, n.outerLatch, outer.Latch())
	assert.Equal(t, []ir.BlockID{n.innerLatch}, inner.ExitingBlocks())

	assert.Same(t, inner, li.LoopFor(n.innerLatch))
	assert.Same(t, outer, li.LoopFor(n.outerLatch))
	assert.Nil(t, li.LoopFor(n.exit))
	assert.Equal(t, []*Loop{inner, outer}, li.InnermostFirst())

	assert.True(t, inner.IsLoopInvariant(n.i), "outer phi is invariant in the inner loop")
	assert.False(t, outer.IsLoopInvariant(n.i))
	assert.False(t, inner.IsLoopInvariant(n.sum))
	assert.True(t, outer.ContainsLoop(inner))
	assert.False(t, inner.ContainsLoop(outer))
	assert.Equal(t, "loop %inner", inner.String())
}

func TestLoop_NoPreheader(t *testing.T) {
	// entry branches to both header and exit, so it is a loop predecessor
	// but not a preheader
	b := ir.NewBuilder("guarded", types.Void)
	flag := b.Param("flag", types.I1)
	entry := b.Block("entry")
	header := b.Block("header")
	exit := b.Block("exit")

	b.SetBlock(entry)
	b.CondBr(flag, header, exit)
	b.SetBlock(header)
	b.CondBr(flag, header, exit)
	b.SetBlock(exit)
	b.Ret()
	fn, err := b.Finish()
	require.NoError(t, err)

	li := NewLoopInfo(NewDomTree(fn))
	require.Len(t, li.Loops(), 1)
	loop := li.Loops()[0]
	assert.Equal(t, entry, loop.LoopPredecessor())
	assert.Equal(t, ir.NoBlock, loop.Preheader())
	assert.Equal(t, header, loop.Latch())
}
