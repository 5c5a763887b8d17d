// Package scev models how integer and pointer values evolve across loop
// iterations ("scalar evolution").
//
// WHAT IS A SCALAR EVOLUTION?
// A symbolic expression for a value in terms of loop iterations. The central
// form is the affine add-recurrence
//
//	{Start,+,Step}<L>
//
// meaning "Start on the first iteration of L, plus Step on each following
// iteration". An induction variable is a phi whose evolution is such an
// add-recurrence with a loop-invariant step.
//
// EXAMPLE:
//
//	%i  = phi i32 [0, %pre], [%i2, %loop]      {0,+,1}<%loop>
//	%i2 = add i32 %i, 1                        {1,+,1}<%loop>
//	%p  = ptradd %base, (mul %i, 4)            {%base,+,4}<%loop>
//
// DESIGN CHOICE: Expressions are interned by their ScalarEvolution, so two
// structurally equal expressions are the same pointer and can be compared
// with ==.
package scev

import (
	"fmt"
	"strings"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// Expr is a symbolic expression. Implementations are *Constant, *Unknown,
// *AddRec, *Add, *Mul and *Cast.
type Expr interface {
	// Type returns the integer or pointer type of the expression.
	Type() types.Type

	String() string

	// id is the interning sequence number, used to order operands
	id() int
}

type exprBase struct {
	seq int
	typ types.Type
}

func (e *exprBase) Type() types.Type { return e.typ }
func (e *exprBase) id() int          { return e.seq }

// Constant is an integer constant, sign-extended from its type's width.
type Constant struct {
	exprBase
	Value int64
}

func (c *Constant) String() string { return fmt.Sprintf("%d", c.Value) }

// IsZero reports whether the constant is zero.
func (c *Constant) IsZero() bool { return c.Value == 0 }

// Unknown is an opaque IR value: an argument, a load, a non-affine phi, ...
type Unknown struct {
	exprBase
	Value ir.ValueID
	name  string
}

func (u *Unknown) String() string { return u.name }

// AddRec is the affine recurrence {Start,+,Step}<Loop>.
type AddRec struct {
	exprBase
	Start Expr
	Step  Expr
	Loop  *cfg.Loop
}

func (r *AddRec) String() string {
	return fmt.Sprintf("{%s,+,%s}<%%%s>", r.Start, r.Step, r.Loop.Func().Block(r.Loop.Header).Label)
}

// Add is a sum of two or more operands, constants first.
type Add struct {
	exprBase
	Ops []Expr
}

func (a *Add) String() string { return joinOps(a.Ops, " + ") }

// Mul is a product of two or more operands, constants first.
type Mul struct {
	exprBase
	Ops []Expr
}

func (m *Mul) String() string { return joinOps(m.Ops, " * ") }

func joinOps(ops []Expr, sep string) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// CastOp is the kind of an integer width change.
type CastOp uint8

const (
	Trunc CastOp = iota
	ZExt
	SExt
)

func (op CastOp) String() string {
	switch op {
	case Trunc:
		return "trunc"
	case ZExt:
		return "zext"
	default:
		return "sext"
	}
}

// Cast truncates or extends X to the cast's type.
type Cast struct {
	exprBase
	Op CastOp
	X  Expr
}

func (c *Cast) String() string {
	return fmt.Sprintf("(%s %s %s to %s)", c.Op, c.X.Type(), c.X, c.typ)
}

// Interning keys. Children are always interned before their parents, so a
// child's sequence number identifies it.
func constantKey(t types.Type, v int64) string { return fmt.Sprintf("c %s %d", t, v) }
func unknownKey(v ir.ValueID) string           { return fmt.Sprintf("u %d", v) }

func addRecKey(start, step Expr, loop *cfg.Loop) string {
	return fmt.Sprintf("r %d %d %d", loop.Header, start.id(), step.id())
}

func naryKey(tag string, t types.Type, ops []Expr) string {
	var sb strings.Builder
	sb.WriteString(tag)
	sb.WriteString(" ")
	sb.WriteString(t.String())
	for _, op := range ops {
		fmt.Fprintf(&sb, " %d", op.id())
	}
	return sb.String()
}

func castKey(op CastOp, x Expr, t types.Type) string {
	return fmt.Sprintf("x %s %d %s", op, x.id(), t)
}

// rank orders operands of commutative expressions: constants first, then
// unknowns, casts, products, sums and recurrences; ties by creation order.
func rank(e Expr) int {
	switch e.(type) {
	case *Constant:
		return 0
	case *Unknown:
		return 1
	case *Cast:
		return 2
	case *Mul:
		return 3
	case *Add:
		return 4
	default:
		return 5
	}
}
