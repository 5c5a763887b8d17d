package ivdesc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/scev"
	"github.com/hassan/ivdesc/internal/types"
	"github.com/hassan/ivdesc/internal/valuetracking"
)

// loopFunc is a finished function holding one single-block loop together
// with the analyses the classifiers need.
type loopFunc struct {
	fn   *ir.Function
	dom  *cfg.DomTree
	li   *cfg.LoopInfo
	loop *cfg.Loop
}

func (lf loopFunc) oracles() Oracles {
	return Oracles{
		BitUsage:   valuetracking.NewDemandedBits(lf.fn),
		ValueRange: valuetracking.NewTracker(lf.fn),
	}
}

func (lf loopFunc) pse() *scev.Predicated {
	return scev.NewPredicated(scev.New(lf.fn, lf.li))
}

// buildLoop emits
//
//	entry: br loop
//	loop:  <body>; condbr <cond>, loop, exit
//	exit:  <exit>; ret
//
// body returns the loop condition. exit may be nil.
func buildLoop(t *testing.T, body func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID, exit func(b *ir.Builder)) loopFunc {
	t.Helper()
	b := ir.NewBuilder("f", types.Void)
	entry := b.Block("entry")
	loopBlock := b.Block("loop")
	exitBlock := b.Block("exit")

	b.SetBlock(entry)
	b.Br(loopBlock)
	b.SetBlock(loopBlock)
	cond := body(b, entry, loopBlock)
	b.CondBr(cond, loopBlock, exitBlock)
	b.SetBlock(exitBlock)
	if exit != nil {
		exit(b)
	}
	b.Ret()

	fn, err := b.Finish()
	require.NoError(t, err)
	dom := cfg.NewDomTree(fn)
	li := cfg.NewLoopInfo(dom)
	loop := li.LoopFor(loopBlock)
	require.NotNil(t, loop)
	return loopFunc{fn: fn, dom: dom, li: li, loop: loop}
}

// more is an opaque loop condition.
func more(b *ir.Builder) ir.ValueID {
	return b.Name(b.Call(types.I1, "more", true), "more")
}

// load reads a fresh value of type t from a parameter pointer.
func load(b *ir.Builder, t types.Type, name string) ir.ValueID {
	return b.Name(b.Load(t, b.Param(name+".addr", types.PointerTo(t))), name)
}

// escape makes v observable after the loop.
func escape(b *ir.Builder, v ir.ValueID) {
	out := b.Param("out", types.PointerTo(b.Func().Type(v)))
	b.Store(v, out)
}

// zero returns the zero constant of an integer or float type.
func zero(b *ir.Builder, t types.Type) ir.ValueID {
	if types.IsFloat(t) {
		return b.ConstFloat(t, 0)
	}
	return b.ConstInt(t, 0)
}

// reductionBody emits the loop body around phi and returns the backedge
// value and the values used after the loop.
type reductionBody func(b *ir.Builder, phi ir.ValueID) (next ir.ValueID, escapes []ir.ValueID)

// buildReduction emits a loop whose header phi %acc starts at zero.
func buildReduction(t *testing.T, typ types.Type, body reductionBody) (loopFunc, ir.ValueID, ir.ValueID) {
	t.Helper()
	var acc, next ir.ValueID
	var escapes []ir.ValueID
	lf := buildLoop(t,
		func(b *ir.Builder, entry, loop ir.BlockID) ir.ValueID {
			acc = b.Name(b.Phi(typ), "acc")
			next, escapes = body(b, acc)
			b.AddIncoming(acc, zero(b, typ), entry)
			b.AddIncoming(acc, next, loop)
			return more(b)
		},
		func(b *ir.Builder) {
			for _, v := range escapes {
				escape(b, v)
			}
		})
	return lf, acc, next
}
