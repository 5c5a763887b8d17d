package ivdesc

import (
	"log/slog"
	"sort"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
)

// IsFirstOrderRecurrence checks whether phi forwards the previous
// iteration's value of some instruction, and whether every user of phi can
// be made to execute after that instruction.
//
// WHAT IS A FIRST-ORDER RECURRENCE?
//
//	loop:
//	  %prev.x = phi i32 [%x0, %ph], [%x, %loop]
//	  %d      = sub i32 %x.in, %prev.x      ; uses last iteration's %x
//	  %x      = load i32, ptr %p
//
// A vectorizer builds the phi's vector from the previous and current vectors
// of %x, so every user of the phi must come after %x ("previous"). Users
// that do not are moved ("sunk") right after it, provided that is safe.
//
// ALGORITHM:
//  1. previous is the latch value: an in-loop non-phi instruction that is
//     not itself being sunk
//  2. Walk the users of phi, transitively. A user is fine when
//     previous dominates it. Otherwise it must sit in the header, have no
//     side effects, not read memory, not be a terminator and not already be
//     sunk for another recurrence; it is then queued to sink and its own
//     users are checked. Phis stop the walk
//  3. On success the queued instructions are committed to sinkAfter in
//     program order, each placed after the one before it, the first after
//     previous. On failure sinkAfter is untouched.
func IsFirstOrderRecurrence(phi ir.ValueID, loop *cfg.Loop, sinkAfter *SinkMap, dom *cfg.DomTree) bool {
	fn := loop.Func()
	if !fn.IsPhi(phi) {
		return false
	}
	val := fn.Value(phi)
	if val.Block != loop.Header || len(val.Args) != 2 {
		return false
	}

	preheader, latch := loop.Preheader(), loop.Latch()
	if preheader == ir.NoBlock || latch == ir.NoBlock {
		return false
	}
	if fn.BlockIndex(phi, preheader) < 0 || fn.BlockIndex(phi, latch) < 0 {
		return false
	}

	previous := fn.IncomingValueForBlock(phi, latch)
	if !loop.ContainsValue(previous) || fn.IsPhi(previous) || sinkAfter.Has(previous) {
		return false
	}

	header := val.Block
	toSink := map[ir.ValueID]bool{}
	var order []ir.ValueID
	var worklist []ir.ValueID

	tryToPush := func(candidate ir.ValueID) bool {
		if fn.BlockOf(candidate) == header && toSink[candidate] {
			return true
		}
		// Cyclic dependence
		if candidate == previous {
			return false
		}
		if dom.InstrDominates(previous, candidate) {
			return true
		}
		if fn.BlockOf(candidate) != header ||
			fn.MayHaveSideEffects(candidate) ||
			fn.MayReadFromMemory(candidate) ||
			fn.Op(candidate).IsTerminator() {
			return false
		}
		// Sinking after two different previous values is not supported
		if sinkAfter.Has(candidate) {
			return false
		}
		// A header phi not dominated by previous needs no sinking
		if fn.IsPhi(candidate) {
			return true
		}
		toSink[candidate] = true
		order = append(order, candidate)
		worklist = append(worklist, candidate)
		return true
	}

	worklist = append(worklist, phi)
	for len(worklist) > 0 {
		cur := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, user := range fn.Users(cur) {
			if !tryToPush(user) {
				slog.Debug("first-order recurrence user cannot be sunk",
					"phi", fn.Ref(phi), "previous", fn.Ref(previous), "user", fn.Ref(user))
				return false
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return fn.ComesBefore(order[i], order[j]) })
	after := previous
	for _, instr := range order {
		sinkAfter.Set(instr, after)
		after = instr
	}
	slog.Debug("found a first-order recurrence", "phi", fn.Ref(phi), "previous", fn.Ref(previous), "sunk", len(order))
	return true
}
