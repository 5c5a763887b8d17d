package asm

import (
	"fmt"

	"github.com/hassan/ivdesc/internal/ir"
)

// symbol is a named value of the function being assembled.
type symbol struct {
	// Name includes the sigil, so %x and @x never collide
	Name string
	ID   ir.ValueID
	Pos  Position

	// Used is set by lookup
	Used bool
}

// scope maps the names of one function to their values.
//
// WHAT IS IN A SCOPE?
// - Parameters (%p)
// - Globals declared at the top of the body (@g)
// - Instruction results (%x)
//
// Every name is visible everywhere in its function: phis refer to values
// defined later, and blocks may be printed out of dominance order. The
// builder's verifier rejects uses that are not dominated by their
// definition, so the scope only has to catch unknown and repeated names.
type scope struct {
	symbols map[string]*symbol
}

func newScope() *scope {
	return &scope{symbols: make(map[string]*symbol)}
}

// define adds a symbol. Defining a name twice is an error that points at
// the first definition.
func (s *scope) define(sym *symbol) error {
	if existing, ok := s.symbols[sym.Name]; ok {
		return fmt.Errorf("%s defined twice (first at %s)", sym.Name, existing.Pos)
	}
	s.symbols[sym.Name] = sym
	return nil
}

// lookup finds a symbol by name, sigil included. Returns nil if not found.
func (s *scope) lookup(name string) *symbol {
	sym, ok := s.symbols[name]
	if !ok {
		return nil
	}
	sym.Used = true
	return sym
}

// unusedGlobals returns the globals nothing refers to, in no particular
// order.
func (s *scope) unusedGlobals() []*symbol {
	var unused []*symbol
	for _, sym := range s.symbols {
		if !sym.Used && sym.Name[0] == '@' {
			unused = append(unused, sym)
		}
	}
	return unused
}
