package scev

import (
	"fmt"

	"github.com/hassan/ivdesc/internal/cfg"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// Predicate is a runtime condition under which a rewritten expression is
// valid. A client that relies on such an expression must emit a check for
// every predicate before using it.
type Predicate interface {
	String() string
	key() string
}

// EqualPredicate asserts LHS == RHS at runtime.
type EqualPredicate struct {
	LHS, RHS Expr
}

func (p *EqualPredicate) String() string { return fmt.Sprintf("%s == %s", p.LHS, p.RHS) }
func (p *EqualPredicate) key() string    { return fmt.Sprintf("eq %d %d", p.LHS.id(), p.RHS.id()) }

// WrapFlag says which overflow a WrapPredicate excludes.
type WrapFlag uint8

const (
	// NUSW: the recurrence never wraps in the unsigned sense
	NUSW WrapFlag = iota
	// NSSW: the recurrence never wraps in the signed sense
	NSSW
)

func (f WrapFlag) String() string {
	if f == NUSW {
		return "nusw"
	}
	return "nssw"
}

// WrapPredicate asserts that AddRec does not overflow its type.
type WrapPredicate struct {
	AddRec *AddRec
	Flag   WrapFlag
}

func (p *WrapPredicate) String() string {
	return fmt.Sprintf("%s does not wrap (%s)", p.AddRec, p.Flag)
}
func (p *WrapPredicate) key() string { return fmt.Sprintf("wrap %d %s", p.AddRec.id(), p.Flag) }

// castedPhi is a rewrite learned from a phi whose update goes through
// ext(trunc(phi)): both the phi and its truncate-extend sequence stand for
// the same add-recurrence under the recorded predicates.
type castedPhi struct {
	rec    *AddRec
	extOp  CastOp
	narrow types.Type
}

// Predicated wraps ScalarEvolution with a growing set of runtime
// predicates. Expressions it returns are rewritten under every predicate
// added so far.
//
// WHY PREDICATES?
// A loop like
//
//	%x  = phi i64 [0, %pre], [%x2, %loop]
//	%t  = and i64 %x, 255
//	%x2 = add i64 %t, 1
//
// is {0,+,1} only if %x never exceeds 255. Plain scalar evolution cannot
// prove that and gives up. Under the predicate "{0,+,1} as i8 does not wrap"
// the mask is a no-op and the phi is an affine recurrence.
type Predicated struct {
	se    *ScalarEvolution
	preds []Predicate
	keys  map[string]bool
	phis  map[ir.ValueID]castedPhi
}

// NewPredicated starts with an empty predicate set.
func NewPredicated(se *ScalarEvolution) *Predicated {
	return &Predicated{
		se:   se,
		keys: make(map[string]bool),
		phis: make(map[ir.ValueID]castedPhi),
	}
}

// SE returns the underlying scalar evolution.
func (p *Predicated) SE() *ScalarEvolution { return p.se }

// Predicates returns the predicates added so far, in order.
func (p *Predicated) Predicates() []Predicate { return p.preds }

// AddPredicate records pred unless an identical predicate is present.
func (p *Predicated) AddPredicate(pred Predicate) {
	if k := pred.key(); !p.keys[k] {
		p.keys[k] = true
		p.preds = append(p.preds, pred)
	}
}

func (p *Predicated) implies(pred Predicate) bool { return p.keys[pred.key()] }

// GetSCEV returns the evolution of v rewritten under the current predicates.
func (p *Predicated) GetSCEV(v ir.ValueID) Expr {
	e := p.se.GetSCEV(v)
	if len(p.phis) == 0 {
		return e
	}
	return p.rewrite(e)
}

func (p *Predicated) rewrite(e Expr) Expr {
	se := p.se
	switch x := e.(type) {
	case *Unknown:
		if cp, ok := p.phis[x.Value]; ok {
			return cp.rec
		}
		return x
	case *Cast:
		if inner, ok := x.X.(*Cast); ok && inner.Op == Trunc && x.Op != Trunc {
			if u, ok := inner.X.(*Unknown); ok {
				cp, found := p.phis[u.Value]
				if found && cp.extOp == x.Op && cp.narrow.Equals(inner.Type()) && cp.rec.Type().Equals(x.Type()) {
					return cp.rec
				}
			}
		}
		return se.GetCast(x.Op, p.rewrite(x.X), x.Type())
	case *AddRec:
		return se.GetAddRec(p.rewrite(x.Start), p.rewrite(x.Step), x.Loop)
	case *Add:
		return se.GetAdd(p.rewriteAll(x.Ops)...)
	case *Mul:
		return se.GetMul(p.rewriteAll(x.Ops)...)
	}
	return e
}

func (p *Predicated) rewriteAll(ops []Expr) []Expr {
	out := make([]Expr, len(ops))
	for i, op := range ops {
		out[i] = p.rewrite(op)
	}
	return out
}

// AsAddRec tries to express v as an add-recurrence, adding runtime
// predicates when that is the only way. Returns nil when even predicates
// cannot help.
func (p *Predicated) AsAddRec(v ir.ValueID) *AddRec {
	if rec, ok := p.GetSCEV(v).(*AddRec); ok {
		return rec
	}
	if !p.se.fn.IsPhi(v) {
		return nil
	}
	cp, preds, ok := p.addRecFromPhiWithCasts(v)
	if !ok {
		return nil
	}
	for _, pred := range preds {
		p.AddPredicate(pred)
	}
	p.phis[v] = cp
	return cp.rec
}

// addRecFromPhiWithCasts recognizes a header phi whose backedge value is
// ext(trunc(phi)) + Accum with Accum loop invariant.
//
// The phi is then {Start,+,Accum} provided that:
// - the truncated recurrence {trunc Start,+,trunc Accum} does not wrap
// - Start and Accum survive the truncate-extend round trip unchanged
// A round trip that provably changes a constant makes the rewrite invalid.
func (p *Predicated) addRecFromPhiWithCasts(phi ir.ValueID) (castedPhi, []Predicate, bool) {
	se := p.se
	fn := se.fn
	block := fn.BlockOf(phi)
	loop := se.li.LoopFor(block)
	if loop == nil || loop.Header != block {
		return castedPhi{}, nil, false
	}
	start, backedge := loopPhiEdges(fn, loop, phi)
	if start == ir.NoValue || backedge == ir.NoValue {
		return castedPhi{}, nil, false
	}

	sym := se.GetUnknown(phi)
	add, ok := se.GetSCEV(backedge).(*Add)
	if !ok {
		return castedPhi{}, nil, false
	}

	for i, op := range add.Ops {
		ext, ok := op.(*Cast)
		if !ok || ext.Op == Trunc {
			continue
		}
		trunc, ok := ext.X.(*Cast)
		if !ok || trunc.Op != Trunc || trunc.X != Expr(sym) {
			continue
		}

		rest := append(append([]Expr(nil), add.Ops[:i]...), add.Ops[i+1:]...)
		accum := se.GetAdd(rest...)
		if !se.IsLoopInvariant(accum, loop) {
			return castedPhi{}, nil, false
		}
		return p.castedRecurrence(loop, se.GetSCEV(start), accum, ext.Op, trunc.Type())
	}
	return castedPhi{}, nil, false
}

func (p *Predicated) castedRecurrence(loop *cfg.Loop, start, accum Expr, extOp CastOp, narrow types.Type) (castedPhi, []Predicate, bool) {
	se := p.se
	wide := start.Type()

	rec, ok := se.GetAddRec(start, accum, loop).(*AddRec)
	if !ok {
		return castedPhi{}, nil, false
	}
	truncated, ok := se.GetAddRec(se.GetCast(Trunc, start, narrow), se.GetCast(Trunc, accum, narrow), loop).(*AddRec)
	if !ok {
		return castedPhi{}, nil, false
	}

	flag := NUSW
	if extOp == SExt {
		flag = NSSW
	}
	preds := []Predicate{&WrapPredicate{AddRec: truncated, Flag: flag}}

	for _, e := range []Expr{start, accum} {
		roundTrip := se.GetCast(extOp, se.GetCast(Trunc, e, narrow), wide)
		if roundTrip == e {
			continue
		}
		_, c1 := e.(*Constant)
		_, c2 := roundTrip.(*Constant)
		if c1 && c2 {
			return castedPhi{}, nil, false
		}
		preds = append(preds, &EqualPredicate{LHS: roundTrip, RHS: e})
	}
	return castedPhi{rec: rec, extOp: extOp, narrow: narrow}, preds, true
}

// AreAddRecsEqualWithPreds reports whether a and b are the same recurrence,
// possibly because an equality predicate makes their starts or steps equal.
func (p *Predicated) AreAddRecsEqualWithPreds(a, b *AddRec) bool {
	if a == b {
		return true
	}
	if a.Loop != b.Loop {
		return false
	}
	equal := func(x, y Expr) bool {
		return x == y ||
			p.implies(&EqualPredicate{LHS: x, RHS: y}) ||
			p.implies(&EqualPredicate{LHS: y, RHS: x})
	}
	return equal(a.Start, b.Start) && equal(a.Step, b.Step)
}
