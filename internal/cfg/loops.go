package cfg

import (
	"fmt"
	"sort"

	"github.com/hassan/ivdesc/internal/ir"
)

// Loop is a natural loop: a header block that dominates every block of the
// loop, plus all blocks that reach a back edge into the header without
// passing through it.
//
// TERMINOLOGY:
//   - Header:    the loop entry block, target of every back edge
//   - Latch:     a block inside the loop with a back edge to the header
//   - Preheader: the single block outside the loop that branches only to
//     the header
type Loop struct {
	Header ir.BlockID

	// Blocks are the members, in function order
	Blocks []ir.BlockID

	Parent   *Loop
	Children []*Loop

	latches []ir.BlockID
	member  []bool
	fn      *ir.Function
}

func (l *Loop) String() string {
	return fmt.Sprintf("loop %%%s", l.fn.Block(l.Header).Label)
}

// Func returns the function containing the loop.
func (l *Loop) Func() *ir.Function { return l.fn }

// Contains reports whether block b belongs to the loop (or a nested loop).
func (l *Loop) Contains(b ir.BlockID) bool {
	return b >= 0 && int(b) < len(l.member) && l.member[b]
}

// ContainsValue reports whether v is an instruction inside the loop.
func (l *Loop) ContainsValue(v ir.ValueID) bool {
	return l.fn.IsInstruction(v) && l.Contains(l.fn.BlockOf(v))
}

// ContainsLoop reports whether other is l or nested inside l.
func (l *Loop) ContainsLoop(other *Loop) bool {
	for ; other != nil; other = other.Parent {
		if other == l {
			return true
		}
	}
	return false
}

// IsLoopInvariant reports whether v is computed outside the loop, so that
// it has the same value on every iteration.
func (l *Loop) IsLoopInvariant(v ir.ValueID) bool {
	return !l.ContainsValue(v)
}

// Depth returns the nesting depth; outermost loops have depth 1.
func (l *Loop) Depth() int {
	depth := 0
	for p := l; p != nil; p = p.Parent {
		depth++
	}
	return depth
}

// Latches returns every block with a back edge to the header.
func (l *Loop) Latches() []ir.BlockID { return l.latches }

// Latch returns the unique latch block, or NoBlock when the header has more
// than one distinct predecessor inside the loop.
func (l *Loop) Latch() ir.BlockID {
	latch := ir.NoBlock
	for _, p := range l.fn.Block(l.Header).Preds {
		if !l.Contains(p) {
			continue
		}
		if latch != ir.NoBlock && latch != p {
			return ir.NoBlock
		}
		latch = p
	}
	return latch
}

// LoopPredecessor returns the unique block outside the loop that branches
// to the header, or NoBlock.
func (l *Loop) LoopPredecessor() ir.BlockID {
	out := ir.NoBlock
	for _, p := range l.fn.Block(l.Header).Preds {
		if l.Contains(p) {
			continue
		}
		if out != ir.NoBlock && out != p {
			return ir.NoBlock
		}
		out = p
	}
	return out
}

// Preheader returns the loop predecessor when its only successor is the
// header, NoBlock otherwise.
func (l *Loop) Preheader() ir.BlockID {
	pred := l.LoopPredecessor()
	if pred == ir.NoBlock {
		return ir.NoBlock
	}
	succs := l.fn.Block(pred).Succs
	if len(succs) != 1 {
		return ir.NoBlock
	}
	return pred
}

// ExitingBlocks returns the loop blocks with a successor outside the loop.
func (l *Loop) ExitingBlocks() []ir.BlockID {
	var exiting []ir.BlockID
	for _, b := range l.Blocks {
		for _, s := range l.fn.Block(b).Succs {
			if !l.Contains(s) {
				exiting = append(exiting, b)
				break
			}
		}
	}
	return exiting
}

// LoopInfo holds every natural loop of a function.
type LoopInfo struct {
	fn       *ir.Function
	dom      *DomTree
	topLevel []*Loop
	all      []*Loop
	loopFor  []*Loop
}

// NewLoopInfo finds the natural loops of the function dom was built for.
//
// ALGORITHM:
//  1. An edge b -> h is a back edge when h dominates b; h is a header
//  2. The body of h's loop is found by walking predecessors backwards from
//     every latch until the header is reached
//  3. A loop's parent is the smallest other loop containing its header
func NewLoopInfo(dom *DomTree) *LoopInfo {
	fn := dom.Func()
	info := &LoopInfo{
		fn:      fn,
		dom:     dom,
		loopFor: make([]*Loop, len(fn.Blocks)),
	}

	headerToLatches := make(map[ir.BlockID][]ir.BlockID)
	var headers []ir.BlockID
	for _, b := range fn.Blocks {
		if !dom.Reachable(b.ID) {
			continue
		}
		for _, succ := range b.Succs {
			if !dom.Dominates(succ, b.ID) {
				continue
			}
			if _, exists := headerToLatches[succ]; !exists {
				headers = append(headers, succ)
			}
			latches := headerToLatches[succ]
			if len(latches) == 0 || latches[len(latches)-1] != b.ID {
				headerToLatches[succ] = append(latches, b.ID)
			}
		}
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i] < headers[j] })

	for _, header := range headers {
		loop := &Loop{
			Header:  header,
			latches: headerToLatches[header],
			member:  make([]bool, len(fn.Blocks)),
			fn:      fn,
		}
		constructLoopBody(loop, dom)
		for id, in := range loop.member {
			if in {
				loop.Blocks = append(loop.Blocks, ir.BlockID(id))
			}
		}
		info.all = append(info.all, loop)
	}

	for _, child := range info.all {
		var bestParent *Loop
		bestSize := int(^uint(0) >> 1)
		for _, candidate := range info.all {
			if child == candidate || !candidate.Contains(child.Header) {
				continue
			}
			if size := len(candidate.Blocks); size < bestSize {
				bestSize = size
				bestParent = candidate
			}
		}
		if bestParent != nil {
			child.Parent = bestParent
			bestParent.Children = append(bestParent.Children, child)
		} else {
			info.topLevel = append(info.topLevel, child)
		}
	}

	// Innermost loop per block: deeper loops overwrite their parents
	for _, loop := range info.all {
		for _, b := range loop.Blocks {
			if cur := info.loopFor[b]; cur == nil || cur.Depth() < loop.Depth() {
				info.loopFor[b] = loop
			}
		}
	}
	return info
}

func constructLoopBody(loop *Loop, dom *DomTree) {
	loop.member[loop.Header] = true
	var worklist []ir.BlockID
	for _, l := range loop.latches {
		if !loop.member[l] {
			loop.member[l] = true
			worklist = append(worklist, l)
		}
	}

	for len(worklist) > 0 {
		curr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if curr == loop.Header {
			continue
		}
		for _, pred := range loop.fn.Block(curr).Preds {
			if !loop.member[pred] && dom.Reachable(pred) {
				loop.member[pred] = true
				worklist = append(worklist, pred)
			}
		}
	}
}

// Dom returns the dominator tree the loops were computed from.
func (li *LoopInfo) Dom() *DomTree { return li.dom }

// TopLevel returns the outermost loops in header order.
func (li *LoopInfo) TopLevel() []*Loop { return li.topLevel }

// Loops returns every loop in header order.
func (li *LoopInfo) Loops() []*Loop { return li.all }

// LoopFor returns the innermost loop containing block b, or nil.
func (li *LoopInfo) LoopFor(b ir.BlockID) *Loop { return li.loopFor[b] }

// InnermostFirst returns every loop, children before their parents.
func (li *LoopInfo) InnermostFirst() []*Loop {
	var order []*Loop
	var visit func(l *Loop)
	visit = func(l *Loop) {
		for _, c := range l.Children {
			visit(c)
		}
		order = append(order, l)
	}
	for _, l := range li.topLevel {
		visit(l)
	}
	return order
}
