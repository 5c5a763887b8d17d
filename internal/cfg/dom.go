// Package cfg computes control-flow facts over an ir.Function: the dominator
// tree and the natural loops.
package cfg

import (
	"github.com/hassan/ivdesc/internal/ir"
)

// DomTree is the dominator tree of a function.
//
// ALGORITHM:
// Cooper, Harvey and Kennedy, "A Simple, Fast Dominance Algorithm":
// iterate over the blocks in reverse post-order, setting each block's
// immediate dominator to the intersection of its processed predecessors'
// dominators, until nothing changes. A pre/post numbering of the finished
// tree then answers Dominates in O(1).
type DomTree struct {
	fn       *ir.Function
	idom     []ir.BlockID
	children [][]ir.BlockID
	rpo      []ir.BlockID
	rpoNum   []int
	pre      []int
	post     []int
}

// NewDomTree computes the dominator tree of fn.
func NewDomTree(fn *ir.Function) *DomTree {
	n := len(fn.Blocks)
	d := &DomTree{
		fn:       fn,
		idom:     make([]ir.BlockID, n),
		children: make([][]ir.BlockID, n),
		rpoNum:   make([]int, n),
		pre:      make([]int, n),
		post:     make([]int, n),
	}
	for i := range d.idom {
		d.idom[i] = ir.NoBlock
		d.rpoNum[i] = -1
	}
	if n == 0 {
		return d
	}

	d.rpo = reversePostOrder(fn)
	for i, b := range d.rpo {
		d.rpoNum[b] = i
	}

	intersect := func(b1, b2 ir.BlockID) ir.BlockID {
		for b1 != b2 {
			for d.rpoNum[b1] > d.rpoNum[b2] {
				b1 = d.idom[b1]
			}
			for d.rpoNum[b2] > d.rpoNum[b1] {
				b2 = d.idom[b2]
			}
		}
		return b1
	}

	// Entry dominates itself (sentinel)
	entry := d.rpo[0]
	d.idom[entry] = entry

	changed := true
	for changed {
		changed = false
		for _, b := range d.rpo[1:] {
			newIdom := ir.NoBlock
			for _, p := range fn.Block(b).Preds {
				if d.idom[p] == ir.NoBlock {
					continue
				}
				if newIdom == ir.NoBlock {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != ir.NoBlock && d.idom[b] != newIdom {
				d.idom[b] = newIdom
				changed = true
			}
		}
	}
	d.idom[entry] = ir.NoBlock

	for _, b := range d.rpo {
		if p := d.idom[b]; p != ir.NoBlock {
			d.children[p] = append(d.children[p], b)
		}
	}
	d.number(entry)
	return d
}

func reversePostOrder(fn *ir.Function) []ir.BlockID {
	visited := make([]bool, len(fn.Blocks))
	var order []ir.BlockID

	var dfs func(b ir.BlockID)
	dfs = func(b ir.BlockID) {
		if visited[b] {
			return
		}
		visited[b] = true
		for _, s := range fn.Block(b).Succs {
			dfs(s)
		}
		order = append(order, b)
	}
	dfs(fn.Entry().ID)

	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (d *DomTree) number(root ir.BlockID) {
	clock := 0
	var walk func(b ir.BlockID)
	walk = func(b ir.BlockID) {
		d.pre[b] = clock
		clock++
		for _, c := range d.children[b] {
			walk(c)
		}
		d.post[b] = clock
		clock++
	}
	walk(root)
}

// Func returns the function the tree was computed for.
func (d *DomTree) Func() *ir.Function { return d.fn }

// Reachable reports whether b is reachable from the entry block.
func (d *DomTree) Reachable(b ir.BlockID) bool { return d.rpoNum[b] >= 0 }

// IDom returns the immediate dominator of b, NoBlock for the entry block
// and for unreachable blocks.
func (d *DomTree) IDom(b ir.BlockID) ir.BlockID { return d.idom[b] }

// Children returns the blocks immediately dominated by b.
func (d *DomTree) Children(b ir.BlockID) []ir.BlockID { return d.children[b] }

// ReversePostOrder returns the reachable blocks in reverse post-order.
func (d *DomTree) ReversePostOrder() []ir.BlockID { return d.rpo }

// Dominates reports whether block a dominates block b. Every block
// dominates itself; an unreachable block is dominated by everything.
func (d *DomTree) Dominates(a, b ir.BlockID) bool {
	if !d.Reachable(b) {
		return true
	}
	if !d.Reachable(a) {
		return false
	}
	return d.pre[a] <= d.pre[b] && d.post[b] <= d.post[a]
}

// InstrDominates reports whether the definition def dominates the
// instruction user:
// - a value never dominates itself
// - arguments, constants and globals dominate everything
// - a def dominates a phi user only if it strictly dominates the phi's block
// - otherwise blocks decide, and program order decides within a block
func (d *DomTree) InstrDominates(def, user ir.ValueID) bool {
	if def == user {
		return false
	}
	fn := d.fn
	if !fn.IsInstruction(def) {
		return true
	}
	defBlock, useBlock := fn.BlockOf(def), fn.BlockOf(user)
	if !d.Reachable(useBlock) {
		return true
	}
	if !d.Reachable(defBlock) {
		return false
	}
	if fn.IsPhi(user) {
		return defBlock != useBlock && d.Dominates(defBlock, useBlock)
	}
	if defBlock != useBlock {
		return d.Dominates(defBlock, useBlock)
	}
	return fn.ComesBefore(def, user)
}
