package ivdesc

import (
	"github.com/hassan/ivdesc/internal/ir"
)

// SinkMap records, for each instruction that has to move, the instruction
// it must be placed immediately after. Entries keep their insertion order.
//
// INVARIANTS:
//   - Following the "after" links from any key never revisits a key
//   - Each chain ends at the previous value of a first-order recurrence,
//     which is not itself a key
type SinkMap struct {
	keys  []ir.ValueID
	after map[ir.ValueID]ir.ValueID
}

// NewSinkMap creates an empty sink map.
func NewSinkMap() *SinkMap {
	return &SinkMap{after: make(map[ir.ValueID]ir.ValueID)}
}

// Set records that instr must follow after. Re-setting a key keeps its
// original position.
func (m *SinkMap) Set(instr, after ir.ValueID) {
	if _, ok := m.after[instr]; !ok {
		m.keys = append(m.keys, instr)
	}
	m.after[instr] = after
}

// Get returns the instruction instr must follow.
func (m *SinkMap) Get(instr ir.ValueID) (ir.ValueID, bool) {
	after, ok := m.after[instr]
	return after, ok
}

// Has reports whether instr is scheduled to move.
func (m *SinkMap) Has(instr ir.ValueID) bool {
	_, ok := m.after[instr]
	return ok
}

// Len returns the number of entries.
func (m *SinkMap) Len() int { return len(m.keys) }

// Keys returns the instructions to move in insertion order.
func (m *SinkMap) Keys() []ir.ValueID {
	return append([]ir.ValueID(nil), m.keys...)
}

// Chain follows the "after" links from instr and returns every instruction
// visited, ending with the first one that does not move. The result is
// truncated when a link leads back into the chain.
func (m *SinkMap) Chain(instr ir.ValueID) []ir.ValueID {
	seen := map[ir.ValueID]bool{instr: true}
	chain := []ir.ValueID{instr}
	for cur := instr; ; {
		next, ok := m.after[cur]
		if !ok || seen[next] {
			return chain
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
	}
}

// IsAcyclic reports whether no chain of links loops back on itself.
func (m *SinkMap) IsAcyclic() bool {
	for _, k := range m.keys {
		chain := m.Chain(k)
		if m.Has(chain[len(chain)-1]) {
			return false
		}
	}
	return true
}
