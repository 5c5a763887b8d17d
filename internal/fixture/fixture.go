// Package fixture loads loop fixtures written in YAML into IR functions.
//
// WHAT IS A FIXTURE?
// A YAML document listing functions block by block, one instruction per
// entry. Operands are spelled the way the IR printer spells them: "%name"
// for parameters and instructions, "@name" for globals, and literals
// ("0", "-3", "1.5", "-0.0", "inf", "true") for constants.
//
// EXAMPLE:
//
//	functions:
//	  - name: sum
//	    params:
//	      - {name: a, type: "ptr<i32>"}
//	    blocks:
//	      - label: entry
//	        instrs:
//	          - {op: br, targets: [loop]}
//	      - label: loop
//	        instrs:
//	          - {name: acc, op: phi, type: i32, incoming: [["0", entry], ["%next", loop]]}
//	          - {name: x, op: load, type: i32, args: ["%a"]}
//	          - {name: next, op: add, args: ["%acc", "%x"]}
//	          - {name: c, op: call, type: i1, callee: more, readnone: true}
//	          - {op: condbr, args: ["%c"], targets: [loop, exit]}
//	      - label: exit
//	        instrs:
//	          - {op: store, args: ["%next", "%a"]}
//	          - {op: ret}
//
// LITERAL TYPING:
// A literal takes the type of a named operand of the same instruction when
// there is one. Otherwise it takes the instruction's type, or the "from"
// type for casts, compares and call arguments. Phi incoming literals take the
// phi's type, a condition literal is i1 and a ptradd offset literal is i64.
package fixture

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// File is the top-level YAML document.
type File struct {
	// Functions are loaded in order into one module
	Functions []Func `yaml:"functions"`
}

// Func describes one function.
type Func struct {
	Name string `yaml:"name"`

	// Return is the return type; empty means void
	Return string `yaml:"return,omitempty"`

	// Attrs are function attributes: no-nans-fp-math, no-signed-zeros-fp-math
	Attrs []string `yaml:"attrs,omitempty"`

	Params  []Param `yaml:"params,omitempty"`
	Globals []Param `yaml:"globals,omitempty"`
	Blocks  []Block `yaml:"blocks"`
}

// Param is a named, typed parameter or global.
type Param struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Block is a labelled basic block. The first block is the entry.
type Block struct {
	Label  string  `yaml:"label"`
	Instrs []Instr `yaml:"instrs"`
}

// Instr is one instruction. Fields an opcode does not use must be left out.
type Instr struct {
	Name string   `yaml:"name,omitempty"`
	Op   string   `yaml:"op"`
	Type string   `yaml:"type,omitempty"`
	Args []string `yaml:"args,omitempty"`

	// Incoming lists [value, block] pairs of a phi
	Incoming [][]string `yaml:"incoming,omitempty"`

	Pred    string   `yaml:"pred,omitempty"`
	Flags   []string `yaml:"flags,omitempty"`
	Targets []string `yaml:"targets,omitempty"`

	// From is the operand type of casts, compares and call arguments when
	// no operand is named
	From string `yaml:"from,omitempty"`

	Callee   string `yaml:"callee,omitempty"`
	ReadNone bool   `yaml:"readnone,omitempty"`
}

// LoadError locates a problem in a fixture file.
type LoadError struct {
	File     string
	Function string
	Instr    string
	Err      error
}

func (e *LoadError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.File)
	if e.Function != "" {
		fmt.Fprintf(&sb, ": function %s", e.Function)
	}
	if e.Instr != "" {
		fmt.Fprintf(&sb, ": %s", e.Instr)
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load reads a fixture file into a module named after the file.
func Load(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes fixture YAML. file names the source in errors.
func Parse(data []byte, file string) (*ir.Module, error) {
	var doc File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&doc); err != nil {
		return nil, &LoadError{File: file, Err: fmt.Errorf("failed to parse YAML: %w", err)}
	}
	if len(doc.Functions) == 0 {
		return nil, &LoadError{File: file, Err: fmt.Errorf("no functions")}
	}

	mod := ir.NewModule(strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))
	seen := make(map[string]bool)
	for i := range doc.Functions {
		f := &doc.Functions[i]
		if f.Name == "" {
			return nil, &LoadError{File: file, Err: fmt.Errorf("function #%d has no name", i)}
		}
		if seen[f.Name] {
			return nil, &LoadError{File: file, Function: f.Name, Err: fmt.Errorf("defined twice")}
		}
		seen[f.Name] = true

		fn, err := newLoader(file, f).load()
		if err != nil {
			return nil, err
		}
		mod.AddFunction(fn)
	}
	return mod, nil
}

// loader turns one Func into an ir.Function.
type loader struct {
	file   string
	fn     *Func
	b      *ir.Builder
	ret    types.Type
	values map[string]ir.ValueID
	blocks map[string]ir.BlockID
	phis   []pendingPhi
}

// pendingPhi is a phi whose incoming edges are attached once every value of
// the function exists.
type pendingPhi struct {
	id    ir.ValueID
	typ   types.Type
	instr *Instr
	where string
}

func newLoader(file string, fn *Func) *loader {
	return &loader{
		file:   file,
		fn:     fn,
		values: make(map[string]ir.ValueID),
		blocks: make(map[string]ir.BlockID),
	}
}

func (l *loader) fail(where string, format string, args ...interface{}) *LoadError {
	return &LoadError{File: l.file, Function: l.fn.Name, Instr: where, Err: fmt.Errorf(format, args...)}
}

func (l *loader) load() (*ir.Function, error) {
	l.ret = types.Void
	if l.fn.Return != "" {
		t, err := types.Parse(l.fn.Return)
		if err != nil {
			return nil, l.fail("", "return type: %w", err)
		}
		l.ret = t
	}
	l.b = ir.NewBuilder(l.fn.Name, l.ret)

	attrs, err := ir.ParseAttrs(l.fn.Attrs)
	if err != nil {
		return nil, l.fail("", "%w", err)
	}
	l.b.SetAttrs(attrs)

	for _, p := range l.fn.Params {
		t, err := types.Parse(p.Type)
		if err != nil {
			return nil, l.fail("param "+p.Name, "%w", err)
		}
		if err := l.define("%"+p.Name, l.b.Param(p.Name, t)); err != nil {
			return nil, err
		}
	}
	for _, g := range l.fn.Globals {
		t, err := types.Parse(g.Type)
		if err != nil {
			return nil, l.fail("global "+g.Name, "%w", err)
		}
		if err := l.define("@"+g.Name, l.b.Global(g.Name, t)); err != nil {
			return nil, err
		}
	}

	if len(l.fn.Blocks) == 0 {
		return nil, l.fail("", "no blocks")
	}
	for _, blk := range l.fn.Blocks {
		if _, dup := l.blocks[blk.Label]; dup || blk.Label == "" {
			return nil, l.fail("", "bad or duplicate block label %q", blk.Label)
		}
		l.blocks[blk.Label] = l.b.Block(blk.Label)
	}

	for _, blk := range l.fn.Blocks {
		l.b.SetBlock(l.blocks[blk.Label])
		for i := range blk.Instrs {
			in := &blk.Instrs[i]
			where := describe(in, blk.Label, i)
			id, err := l.emit(in, where)
			if err != nil {
				return nil, err
			}
			if in.Name != "" {
				l.b.Name(id, in.Name)
				if err := l.define("%"+in.Name, id); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, p := range l.phis {
		for _, pair := range p.instr.Incoming {
			if len(pair) != 2 {
				return nil, l.fail(p.where, "incoming entries are [value, block] pairs, got %v", pair)
			}
			from, ok := l.blocks[pair[1]]
			if !ok {
				return nil, l.fail(p.where, "unknown block %q", pair[1])
			}
			v, err := l.operand(pair[0], p.typ, p.where)
			if err != nil {
				return nil, err
			}
			l.b.AddIncoming(p.id, v, from)
		}
	}

	fn, err := l.b.Finish()
	if err != nil {
		return nil, &LoadError{File: l.file, Function: l.fn.Name, Err: err}
	}
	return fn, nil
}

func describe(in *Instr, block string, i int) string {
	if in.Name != "" {
		return "%" + in.Name
	}
	return fmt.Sprintf("%s #%d in %s", in.Op, i, block)
}

func (l *loader) define(ref string, id ir.ValueID) error {
	if _, dup := l.values[ref]; dup {
		return l.fail(ref, "defined twice")
	}
	l.values[ref] = id
	return nil
}

// operand resolves one operand spelling. typ types a literal; a nil typ
// means the literal's type cannot be inferred.
func (l *loader) operand(ref string, typ types.Type, where string) (ir.ValueID, error) {
	if strings.HasPrefix(ref, "%") || strings.HasPrefix(ref, "@") {
		id, ok := l.values[ref]
		if !ok {
			return ir.NoValue, l.fail(where, "undefined value %s", ref)
		}
		return id, nil
	}
	if typ == nil {
		return ir.NoValue, l.fail(where, "cannot infer the type of literal %q", ref)
	}

	switch {
	case types.IsFloat(typ):
		f, err := parseFloat(ref)
		if err != nil {
			return ir.NoValue, l.fail(where, "bad %s literal %q", typ, ref)
		}
		return l.b.ConstFloat(typ, f), nil
	case types.IsInteger(typ):
		switch ref {
		case "true":
			return l.b.ConstInt(typ, 1), nil
		case "false":
			return l.b.ConstInt(typ, 0), nil
		}
		if n, err := strconv.ParseInt(ref, 0, 64); err == nil {
			return l.b.ConstInt(typ, n), nil
		}
		if u, err := strconv.ParseUint(ref, 0, 64); err == nil {
			return l.b.ConstInt(typ, int64(u)), nil
		}
		return ir.NoValue, l.fail(where, "bad %s literal %q", typ, ref)
	}
	return ir.NoValue, l.fail(where, "no literals of type %s", typ)
}

func parseFloat(s string) (float64, error) {
	switch s {
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// siblingType returns the type of the first named operand among refs that
// is already defined, or nil.
func (l *loader) siblingType(refs []string) types.Type {
	for _, ref := range refs {
		if id, ok := l.values[ref]; ok {
			return l.b.Func().Type(id)
		}
	}
	return nil
}

func (l *loader) parseType(s, field, where string) (types.Type, error) {
	if s == "" {
		return nil, nil
	}
	t, err := types.Parse(s)
	if err != nil {
		return nil, l.fail(where, "%s: %w", field, err)
	}
	return t, nil
}

func (l *loader) operands(refs []string, typ types.Type, where string) ([]ir.ValueID, error) {
	ids := make([]ir.ValueID, len(refs))
	for i, ref := range refs {
		id, err := l.operand(ref, typ, where)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (l *loader) block(label, where string) (ir.BlockID, error) {
	id, ok := l.blocks[label]
	if !ok {
		return ir.NoBlock, l.fail(where, "unknown block %q", label)
	}
	return id, nil
}

func (l *loader) arity(in *Instr, where string, n int) error {
	if len(in.Args) != n {
		return l.fail(where, "%s takes %d operands, got %d", in.Op, n, len(in.Args))
	}
	return nil
}

func orType(t, fallback types.Type) types.Type {
	if t != nil {
		return t
	}
	return fallback
}

// emit appends one instruction to the current block.
func (l *loader) emit(in *Instr, where string) (ir.ValueID, error) {
	op, ok := ir.ParseOpcode(in.Op)
	if !ok {
		return ir.NoValue, l.fail(where, "unknown opcode %q", in.Op)
	}
	typ, err := l.parseType(in.Type, "type", where)
	if err != nil {
		return ir.NoValue, err
	}
	from, err := l.parseType(in.From, "from", where)
	if err != nil {
		return ir.NoValue, err
	}
	flags, err := ir.ParseFastMathFlags(in.Flags)
	if err != nil {
		return ir.NoValue, l.fail(where, "%w", err)
	}
	if len(in.Incoming) > 0 && op != ir.OpPhi {
		return ir.NoValue, l.fail(where, "incoming on %s", op)
	}
	b := l.b

	switch {
	case op.IsBinary():
		if err := l.arity(in, where, 2); err != nil {
			return ir.NoValue, err
		}
		args, err := l.operands(in.Args, orType(l.siblingType(in.Args), typ), where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.SetFlags(b.Binary(op, args[0], args[1]), flags), nil

	case op == ir.OpFNeg:
		if err := l.arity(in, where, 1); err != nil {
			return ir.NoValue, err
		}
		x, err := l.operand(in.Args[0], typ, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.SetFlags(b.FNeg(x), flags), nil

	case op.IsCompare():
		if err := l.arity(in, where, 2); err != nil {
			return ir.NoValue, err
		}
		pred, ok := ir.ParsePredicate(in.Pred, op == ir.OpFCmp)
		if !ok {
			return ir.NoValue, l.fail(where, "bad %s predicate %q", op, in.Pred)
		}
		args, err := l.operands(in.Args, orType(l.siblingType(in.Args), from), where)
		if err != nil {
			return ir.NoValue, err
		}
		if op == ir.OpICmp {
			return b.ICmp(pred, args[0], args[1]), nil
		}
		return b.SetFlags(b.FCmp(pred, args[0], args[1]), flags), nil

	case op == ir.OpSelect:
		if err := l.arity(in, where, 3); err != nil {
			return ir.NoValue, err
		}
		cond, err := l.operand(in.Args[0], types.I1, where)
		if err != nil {
			return ir.NoValue, err
		}
		arms, err := l.operands(in.Args[1:], orType(l.siblingType(in.Args[1:]), typ), where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.SetFlags(b.Select(cond, arms[0], arms[1]), flags), nil

	case op.IsCast():
		if err := l.arity(in, where, 1); err != nil {
			return ir.NoValue, err
		}
		if typ == nil {
			return ir.NoValue, l.fail(where, "%s needs a result type", op)
		}
		x, err := l.operand(in.Args[0], from, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.Cast(op, x, typ), nil

	case op == ir.OpPhi:
		if typ == nil {
			return ir.NoValue, l.fail(where, "phi needs a type")
		}
		if len(in.Args) > 0 {
			return ir.NoValue, l.fail(where, "phi operands go in incoming")
		}
		id := b.SetFlags(b.Phi(typ), flags)
		l.phis = append(l.phis, pendingPhi{id: id, typ: typ, instr: in, where: where})
		return id, nil

	case op == ir.OpLoad:
		if err := l.arity(in, where, 1); err != nil {
			return ir.NoValue, err
		}
		if typ == nil {
			return ir.NoValue, l.fail(where, "load needs a type")
		}
		ptr, err := l.operand(in.Args[0], nil, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.Load(typ, ptr), nil

	case op == ir.OpStore:
		if err := l.arity(in, where, 2); err != nil {
			return ir.NoValue, err
		}
		ptr, err := l.operand(in.Args[1], nil, where)
		if err != nil {
			return ir.NoValue, err
		}
		var elem types.Type
		if pt, ok := b.Func().Type(ptr).(*types.PointerType); ok {
			elem = pt.Elem
		}
		v, err := l.operand(in.Args[0], orType(l.siblingType(in.Args[:1]), elem), where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.Store(v, ptr), nil

	case op == ir.OpCall:
		if in.Callee == "" {
			return ir.NoValue, l.fail(where, "call needs a callee")
		}
		args, err := l.operands(in.Args, from, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.SetFlags(b.Call(orType(typ, types.Void), in.Callee, in.ReadNone, args...), flags), nil

	case op == ir.OpPtrAdd:
		if err := l.arity(in, where, 2); err != nil {
			return ir.NoValue, err
		}
		base, err := l.operand(in.Args[0], nil, where)
		if err != nil {
			return ir.NoValue, err
		}
		off, err := l.operand(in.Args[1], types.I64, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.PtrAdd(base, off), nil

	case op == ir.OpBr:
		if len(in.Targets) != 1 {
			return ir.NoValue, l.fail(where, "br takes one target")
		}
		target, err := l.block(in.Targets[0], where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.Br(target), nil

	case op == ir.OpCondBr:
		if err := l.arity(in, where, 1); err != nil {
			return ir.NoValue, err
		}
		if len(in.Targets) != 2 {
			return ir.NoValue, l.fail(where, "condbr takes two targets")
		}
		cond, err := l.operand(in.Args[0], types.I1, where)
		if err != nil {
			return ir.NoValue, err
		}
		ifTrue, err := l.block(in.Targets[0], where)
		if err != nil {
			return ir.NoValue, err
		}
		ifFalse, err := l.block(in.Targets[1], where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.CondBr(cond, ifTrue, ifFalse), nil

	case op == ir.OpRet:
		if len(in.Args) > 1 {
			return ir.NoValue, l.fail(where, "ret takes at most one operand")
		}
		args, err := l.operands(in.Args, l.ret, where)
		if err != nil {
			return ir.NoValue, err
		}
		return b.Ret(args...), nil
	}
	return ir.NoValue, l.fail(where, "unsupported opcode %s", op)
}
