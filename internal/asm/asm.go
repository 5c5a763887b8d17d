package asm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// Error collects every problem found in one IR file. Each entry starts
// with its "file:line:column".
type Error struct {
	File string
	Errs []error
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

func (e *Error) Unwrap() []error { return e.Errs }

// Load reads an IR file into a module named after the file.
func Load(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read IR file: %w", err)
	}
	return Parse(data, path)
}

// Parse reads IR text. file names the source in positions and the module.
//
// ALGORITHM:
//  1. Parse every function, collecting syntax errors
//  2. Assemble each declaration through ir.Builder, resolving names once
//     the whole body is known so operands may refer forward
//  3. Let Builder.Finish verify types and the CFG
//
// Nothing is returned unless every function assembles.
func Parse(data []byte, file string) (*ir.Module, error) {
	decls, errs := NewParser(NewLexer(string(data), file)).ParseFile()
	if len(errs) > 0 {
		return nil, &Error{File: file, Errs: errs}
	}
	if len(decls) == 0 {
		return nil, &Error{File: file, Errs: []error{errors.New("no functions")}}
	}

	mod := ir.NewModule(strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
	seen := make(map[string]Position)
	for _, fd := range decls {
		if first, ok := seen[fd.name]; ok {
			errs = append(errs, fmt.Errorf("%s: function %s defined twice (first at %s)", fd.pos, fd.name, first))
			continue
		}
		seen[fd.name] = fd.pos

		fn, fnErrs := newAssembler(fd).assemble()
		if len(fnErrs) > 0 {
			errs = append(errs, fnErrs...)
			continue
		}
		mod.AddFunction(fn)
	}
	if len(errs) > 0 {
		return nil, &Error{File: file, Errs: errs}
	}
	return mod, nil
}

// assembler builds one function from its declaration.
type assembler struct {
	fd     *funcDecl
	b      *ir.Builder
	scope  *scope
	blocks map[string]ir.BlockID
	errs   []error
}

func newAssembler(fd *funcDecl) *assembler {
	return &assembler{
		fd:     fd,
		b:      ir.NewBuilder(fd.name, fd.ret),
		scope:  newScope(),
		blocks: make(map[string]ir.BlockID),
	}
}

func (a *assembler) errorf(pos Position, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if pos.IsValid() {
		msg = pos.String() + ": " + msg
	}
	a.errs = append(a.errs, errors.New(msg))
}

func (a *assembler) define(tok Token, id ir.ValueID) {
	if err := a.scope.define(&symbol{Name: tok.Lexeme, ID: id, Pos: tok.Position}); err != nil {
		a.errorf(tok.Position, "%v", err)
	}
}

func (a *assembler) assemble() (*ir.Function, []error) {
	fd := a.fd

	attrs, err := ir.ParseAttrs(fd.attrs)
	if err != nil {
		a.errorf(fd.pos, "%v", err)
	}
	a.b.SetAttrs(attrs)

	for _, p := range fd.params {
		a.define(p.tok, a.b.Param(p.tok.Name(), p.typ))
	}
	for _, g := range fd.globals {
		a.define(g.tok, a.b.Global(g.tok.Name(), g.typ))
	}
	for _, block := range fd.blocks {
		label := block.tok.Lexeme
		if _, ok := a.blocks[label]; ok {
			a.errorf(block.tok.Position, "block %s defined twice", label)
			continue
		}
		a.blocks[label] = a.b.Block(label)
	}
	if len(fd.blocks) == 0 {
		a.errorf(fd.pos, "function %s has no blocks", fd.name)
	}
	if len(a.errs) > 0 {
		return nil, a.errs
	}

	// Emit every instruction first so that operands may name values
	// defined further down
	ids := make(map[*instrDecl]ir.ValueID)
	for _, block := range fd.blocks {
		a.b.SetBlock(a.blocks[block.tok.Lexeme])
		for _, in := range block.instrs {
			ids[in] = a.emit(in)
		}
	}
	for _, block := range fd.blocks {
		for _, in := range block.instrs {
			a.resolve(in, ids[in])
		}
	}
	for _, sym := range a.scope.unusedGlobals() {
		slog.Debug("unused global", "function", fd.name, "global", sym.Name, "pos", sym.Pos.String())
	}
	if len(a.errs) > 0 {
		return nil, a.errs
	}

	fn, err := a.b.Finish()
	if err != nil {
		return nil, []error{fmt.Errorf("%s: %w", fd.pos, err)}
	}
	return fn, nil
}

// emit appends the instruction with its result type and targets but no
// operands.
func (a *assembler) emit(in *instrDecl) ir.ValueID {
	v := &ir.Value{
		Op:       in.op,
		Type:     a.resultType(in),
		Pred:     in.pred,
		Flags:    in.flags,
		Callee:   in.callee,
		ReadNone: in.readNone,
	}
	if in.op != ir.OpPhi {
		for _, tok := range in.labels {
			v.Targets = append(v.Targets, a.block(tok))
		}
	}

	id := a.b.Emit(v)
	if in.result.Type == TokenLocal {
		if _, void := v.Type.(*types.VoidType); void {
			a.errorf(in.result.Position, "%s produces no value to name %s", in.op, in.result.Lexeme)
		}
		a.define(in.result, a.b.Name(id, in.result.Name()))
	}
	return id
}

// resultType derives the type an instruction produces from the type
// written after its opcode.
func (a *assembler) resultType(in *instrDecl) types.Type {
	switch {
	case in.op.IsCompare():
		return types.I1
	case in.op.IsCast():
		return in.to
	}
	switch in.op {
	case ir.OpLoad:
		ptr, ok := in.typ.(*types.PointerType)
		if !ok {
			a.errorf(in.pos, "load from non-pointer type %s", in.typ)
			return types.Invalid
		}
		return ptr.Elem
	case ir.OpStore, ir.OpBr, ir.OpCondBr, ir.OpRet:
		return types.Void
	}
	return in.typ
}

// resolve attaches the operands of an emitted instruction.
func (a *assembler) resolve(in *instrDecl, id ir.ValueID) {
	if in.op == ir.OpPhi {
		for i, arg := range in.args {
			a.b.AddIncoming(id, a.value(arg), a.block(in.labels[i]))
		}
		return
	}
	args := make([]ir.ValueID, len(in.args))
	for i, arg := range in.args {
		args[i] = a.value(arg)
	}
	a.b.SetOperands(id, args...)
}

func (a *assembler) block(tok Token) ir.BlockID {
	id, ok := a.blocks[tok.Name()]
	if !ok {
		a.errorf(tok.Position, "undefined block %s", tok.Lexeme)
		return ir.NoBlock
	}
	return id
}

// value resolves a name, or makes the constant a literal spells.
func (a *assembler) value(o operand) ir.ValueID {
	tok := o.tok
	if tok.Type == TokenLocal || tok.Type == TokenGlobal {
		sym := a.scope.lookup(tok.Lexeme)
		if sym == nil {
			a.errorf(tok.Position, "undefined value %s", tok.Lexeme)
			return ir.NoValue
		}
		return sym.ID
	}

	switch {
	case types.IsInteger(o.typ):
		switch tok.Lexeme {
		case "true", "false":
			if types.BitWidth(o.typ) != 1 {
				break
			}
			if tok.Lexeme == "true" {
				return a.b.ConstInt(o.typ, 1)
			}
			return a.b.ConstInt(o.typ, 0)
		}
		n, err := strconv.ParseInt(tok.Lexeme, 10, 64)
		if err != nil {
			a.errorf(tok.Position, "bad %s literal %s", o.typ, tok)
			return ir.NoValue
		}
		return a.b.ConstInt(o.typ, n)

	case types.IsFloat(o.typ):
		x, err := strconv.ParseFloat(tok.Lexeme, 64)
		if err != nil {
			a.errorf(tok.Position, "bad %s literal %s", o.typ, tok)
			return ir.NoValue
		}
		return a.b.ConstFloat(o.typ, x)
	}

	a.errorf(tok.Position, "literal %s cannot have type %s", tok.Lexeme, o.typ)
	return ir.NoValue
}
