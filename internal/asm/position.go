package asm

import "fmt"

// Position represents a location in an IR file.
//
// DESIGN CHOICE: Position is a value type because it's small and immutable
// once created. Line and Column are 1-based, the way editors show them;
// Offset is a 0-based byte offset into the source.
type Position struct {
	Filename string
	Line     int
	Column   int
	Offset   int
}

// String returns "filename:line:column".
func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.Filename, p.Line, p.Column)
}

// IsValid reports whether the position has a line number.
func (p Position) IsValid() bool {
	return p.Line > 0
}
