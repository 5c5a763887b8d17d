package ivdesc

import (
	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
)

// ReductionOpChain returns the operations leading from phi to the exit
// instruction, ending with the exit, when they form one straight chain of
// the reduction's own operation:
//
//	%s   = phi [0, %ph], [%s2, %loop]   ; one use
//	%s1  = add %s, %a                   ; one use
//	%s2  = add %s1, %b                  ; the phi and one user outside
//
// gives [%s1, %s2]. For min/max kinds every link is a compare/select pair
// and only the selects are listed.
//
// An empty result means there is no exact chain (a sub in an add
// reduction, an intermediate value with extra users, ...). That is not a
// rejection of the reduction itself.
func (rd *RecurrenceDescriptor) ReductionOpChain(phi ir.ValueID, loop *cfg.Loop) []ir.ValueID {
	fn := loop.Func()
	redOp := OpcodeFor(rd.kind)
	minMax := redOp == ir.OpICmp || redOp == ir.OpFCmp

	expectedUses := 1
	if minMax {
		expectedUses = 2
	}

	next := func(cur ir.ValueID) ir.ValueID {
		users := fn.Users(cur)
		if minMax && shapeOf(fn, users[0]) != shapeSelect {
			return users[1]
		}
		return users[0]
	}
	isCorrectOpcode := func(cur ir.ValueID) bool {
		if minMax {
			return minMaxFlavor(fn, cur) != RecurNone
		}
		return fn.Op(cur) == redOp
	}

	// The exit has two uses: the phi and the value leaving the loop
	if !isCorrectOpcode(rd.exit) || !fn.HasNUses(rd.exit, 2) {
		return nil
	}
	if !fn.HasNUses(phi, expectedUses) {
		return nil
	}

	var chain []ir.ValueID
	cur := next(phi)
	for cur != rd.exit {
		if !isCorrectOpcode(cur) || !fn.HasNUses(cur, expectedUses) || len(chain) >= fn.NumValues() {
			return nil
		}
		chain = append(chain, cur)
		cur = next(cur)
	}
	return append(chain, cur)
}
