package ir

import (
	"fmt"
	"sort"

	"github.com/hassan/ivdesc/internal/types"
)

// Verify checks that the function is well-formed.
// Returns a list of errors found.
//
// CHECKS:
// - Every block ends with exactly one terminator
// - Phi nodes come first and have one incoming edge per predecessor
// - The entry block has no predecessors
// - Operand types agree with the opcode
func (f *Function) Verify() []error {
	var errs []error
	report := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(f.Blocks) > 0 && len(f.Entry().Preds) > 0 {
		report("entry block %s has predecessors", f.Entry().Label)
	}

	for _, block := range f.Blocks {
		if len(block.Instrs) == 0 {
			report("block %s is empty", block.Label)
			continue
		}
		seenNonPhi := false
		for i, id := range block.Instrs {
			v := f.values[id]
			last := i == len(block.Instrs)-1
			if v.Op.IsTerminator() != last {
				if last {
					report("block %s has no terminator", block.Label)
				} else {
					report("block %s: terminator %s in the middle of the block", block.Label, v.Op)
				}
			}
			if v.Op == OpPhi {
				if seenNonPhi {
					report("block %s: phi %s after a non-phi instruction", block.Label, f.Ref(id))
				}
				f.verifyPhi(block, v, report)
			} else {
				seenNonPhi = true
			}
			f.verifyOperands(v, report)
		}
	}
	return errs
}

func (f *Function) verifyPhi(block *Block, v *Value, report func(string, ...interface{})) {
	if len(v.Args) != len(v.Incoming) {
		report("phi %s: %d values for %d incoming blocks", f.Ref(v.ID), len(v.Args), len(v.Incoming))
		return
	}
	incoming := append([]BlockID(nil), v.Incoming...)
	preds := append([]BlockID(nil), block.Preds...)
	sort.Slice(incoming, func(i, j int) bool { return incoming[i] < incoming[j] })
	sort.Slice(preds, func(i, j int) bool { return preds[i] < preds[j] })
	mismatch := len(incoming) != len(preds)
	for i := 0; !mismatch && i < len(preds); i++ {
		mismatch = incoming[i] != preds[i]
	}
	if mismatch {
		report("phi %s in %s: incoming blocks do not match predecessors", f.Ref(v.ID), block.Label)
	}
	for _, arg := range v.Args {
		if !f.values[arg].Type.Equals(v.Type) {
			report("phi %s: incoming %s has type %s, want %s", f.Ref(v.ID), f.Ref(arg), f.values[arg].Type, v.Type)
		}
	}
}

func (f *Function) verifyOperands(v *Value, report func(string, ...interface{})) {
	want := func(n int) bool {
		if len(v.Args) != n {
			report("%s %s: %d operands, want %d", v.Op, f.Ref(v.ID), len(v.Args), n)
			return false
		}
		return true
	}
	argType := func(i int) types.Type { return f.values[v.Args[i]].Type }

	switch {
	case v.Op.IsBinary():
		if !want(2) {
			return
		}
		if !argType(0).Equals(v.Type) || !argType(1).Equals(v.Type) {
			report("%s %s: operand types %s, %s do not match %s", v.Op, f.Ref(v.ID), argType(0), argType(1), v.Type)
		}
		if v.Op.IsIntBinary() != types.IsInteger(v.Type) {
			report("%s %s: wrong domain for type %s", v.Op, f.Ref(v.ID), v.Type)
		}
	case v.Op.IsCast():
		want(1)
	case v.Op == OpFNeg:
		if want(1) && !types.IsFloat(v.Type) {
			report("fneg %s: non-float type %s", f.Ref(v.ID), v.Type)
		}
	case v.Op.IsCompare():
		if want(2) && !argType(0).Equals(argType(1)) {
			report("%s %s: comparing %s with %s", v.Op, f.Ref(v.ID), argType(0), argType(1))
		}
	case v.Op == OpSelect:
		if !want(3) {
			return
		}
		if !argType(0).Equals(types.I1) {
			report("select %s: condition has type %s", f.Ref(v.ID), argType(0))
		}
		if !argType(1).Equals(v.Type) || !argType(2).Equals(v.Type) {
			report("select %s: arms do not match %s", f.Ref(v.ID), v.Type)
		}
	case v.Op == OpLoad:
		if want(1) && !types.IsPointer(argType(0)) {
			report("load %s: address has type %s", f.Ref(v.ID), argType(0))
		}
	case v.Op == OpStore:
		if want(2) && !types.IsPointer(argType(1)) {
			report("store: address has type %s", argType(1))
		}
	case v.Op == OpPtrAdd:
		if !want(2) {
			return
		}
		if !types.IsPointer(argType(0)) || !types.IsInteger(argType(1)) {
			report("ptradd %s: operands %s, %s", f.Ref(v.ID), argType(0), argType(1))
		}
	case v.Op == OpCondBr:
		if want(1) && !argType(0).Equals(types.I1) {
			report("condbr: condition has type %s", argType(0))
		}
		if len(v.Targets) != 2 {
			report("condbr: %d targets, want 2", len(v.Targets))
		}
	case v.Op == OpBr:
		if len(v.Targets) != 1 {
			report("br: %d targets, want 1", len(v.Targets))
		}
	case v.Op == OpRet:
		if _, void := f.ReturnType.(*types.VoidType); void != (len(v.Args) == 0) {
			report("ret with %d values in function returning %s", len(v.Args), f.ReturnType)
		}
	}
}
