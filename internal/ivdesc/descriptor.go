package ivdesc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/scev"
	"github.com/hassan/ivdesc/internal/types"
)

// RecurrenceDescriptor describes a reduction found by AddReductionVar.
//
// A descriptor is built once per successful classification and never
// changes afterwards. It refers to instructions by ValueID only; the
// function owning them is not modified.
type RecurrenceDescriptor struct {
	start   ir.ValueID
	exit    ir.ValueID
	kind    RecurKind
	flags   ir.FastMathFlags
	exactFP ir.ValueID

	// recurrenceType may be narrower than the phi when the reduction was
	// type-promoted; signed tells how to widen it again
	recurrenceType types.Type
	signed         bool
	ordered        bool

	// casts is sorted by ValueID
	casts []ir.ValueID
}

func newRecurrenceDescriptor(start, exit ir.ValueID, kind RecurKind, flags ir.FastMathFlags,
	exactFP ir.ValueID, rt types.Type, signed, ordered bool, casts map[ir.ValueID]bool) *RecurrenceDescriptor {
	sorted := make([]ir.ValueID, 0, len(casts))
	for c := range casts {
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &RecurrenceDescriptor{
		start:          start,
		exit:           exit,
		kind:           kind,
		flags:          flags,
		exactFP:        exactFP,
		recurrenceType: rt,
		signed:         signed,
		ordered:        ordered,
		casts:          sorted,
	}
}

// StartValue returns the value entering the loop from the preheader.
func (rd *RecurrenceDescriptor) StartValue() ir.ValueID { return rd.start }

// ExitInstruction returns the one instruction of the cycle used outside the loop.
func (rd *RecurrenceDescriptor) ExitInstruction() ir.ValueID { return rd.exit }

// Kind returns the reduction operation.
func (rd *RecurrenceDescriptor) Kind() RecurKind { return rd.kind }

// FastMathFlags returns the relaxations every operation of the cycle allows.
func (rd *RecurrenceDescriptor) FastMathFlags() ir.FastMathFlags { return rd.flags }

// ExactFPMathInstruction returns the floating point operation that forbids
// reassociation, or NoValue.
func (rd *RecurrenceDescriptor) ExactFPMathInstruction() ir.ValueID { return rd.exactFP }

// HasExactFPMath reports whether some operation forbids reassociation.
func (rd *RecurrenceDescriptor) HasExactFPMath() bool { return rd.exactFP != ir.NoValue }

// RecurrenceType returns the type the reduction can be computed in.
func (rd *RecurrenceDescriptor) RecurrenceType() types.Type { return rd.recurrenceType }

// IsSigned reports whether widening the result back needs a sign extension.
func (rd *RecurrenceDescriptor) IsSigned() bool { return rd.signed }

// IsOrdered reports whether the reduction must be evaluated in loop order.
func (rd *RecurrenceDescriptor) IsOrdered() bool { return rd.ordered }

// RedundantCasts returns the casts that become no-ops in the recurrence
// type, sorted by ValueID.
func (rd *RecurrenceDescriptor) RedundantCasts() []ir.ValueID {
	return append([]ir.ValueID(nil), rd.casts...)
}

// IsRedundantCast reports whether v is one of the redundant casts.
func (rd *RecurrenceDescriptor) IsRedundantCast(v ir.ValueID) bool {
	i := sort.Search(len(rd.casts), func(i int) bool { return rd.casts[i] >= v })
	return i < len(rd.casts) && rd.casts[i] == v
}

// Opcode returns the scalar operation that rebuilds the reduction.
func (rd *RecurrenceDescriptor) Opcode() ir.Opcode { return OpcodeFor(rd.kind) }

// Identity returns the neutral element of the reduction in type t.
func (rd *RecurrenceDescriptor) Identity(t types.Type) ir.Const {
	return IdentityFor(rd.kind, t, rd.flags)
}

// Describe renders the descriptor using the value names of fn.
func (rd *RecurrenceDescriptor) Describe(fn *ir.Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s start=%s exit=%s type=%s", rd.kind, fn.Ref(rd.start), fn.Ref(rd.exit), rd.recurrenceType)
	if rd.signed {
		sb.WriteString(" signed")
	}
	if rd.ordered {
		sb.WriteString(" ordered")
	}
	if rd.kind.IsFloatingPoint() && rd.flags != 0 {
		fmt.Fprintf(&sb, " fmf=[%s]", rd.flags)
	}
	if rd.exactFP != ir.NoValue {
		fmt.Fprintf(&sb, " exact=%s", fn.Ref(rd.exactFP))
	}
	writeRefs(&sb, fn, " casts=", rd.casts)
	return sb.String()
}

func writeRefs(sb *strings.Builder, fn *ir.Function, label string, ids []ir.ValueID) {
	if len(ids) == 0 {
		return
	}
	sb.WriteString(label)
	sb.WriteString("[")
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fn.Ref(id))
	}
	sb.WriteString("]")
}

// InductionDescriptor describes an induction variable found by
// IsInductionPhi.
type InductionDescriptor struct {
	start  ir.ValueID
	kind   InductionKind
	step   scev.Expr
	update ir.ValueID
	casts  []ir.ValueID
}

// NewInductionDescriptor validates and builds an induction descriptor.
//
// INVARIANTS:
// - The start value's type matches kind (integer, pointer or float)
// - A constant step is never zero
// - A pointer induction has a constant step
// - Integer and pointer steps are integers; a floating point step is a float
// - A floating point induction names its fadd/fsub update operation
//
// update may be NoValue except for floating point inductions. casts is
// copied and keeps its order.
func NewInductionDescriptor(fn *ir.Function, start ir.ValueID, kind InductionKind,
	step scev.Expr, update ir.ValueID, casts []ir.ValueID) (*InductionDescriptor, error) {
	if start == ir.NoValue {
		return nil, descriptorError(ErrStartTypeMismatch, "start value is missing")
	}
	startType := fn.Type(start)
	switch kind {
	case InductionInteger:
		if !types.IsInteger(startType) {
			return nil, descriptorError(ErrStartTypeMismatch, "integer induction starts at %s of type %s", fn.Ref(start), startType)
		}
	case InductionPointer:
		if !types.IsPointer(startType) {
			return nil, descriptorError(ErrStartTypeMismatch, "pointer induction starts at %s of type %s", fn.Ref(start), startType)
		}
	case InductionFloatingPoint:
		if !types.IsFloat(startType) {
			return nil, descriptorError(ErrStartTypeMismatch, "fp induction starts at %s of type %s", fn.Ref(start), startType)
		}
	default:
		return nil, descriptorError(ErrStartTypeMismatch, "%s is not an induction kind", kind)
	}

	if step == nil {
		return nil, descriptorError(ErrStepTypeMismatch, "step is missing")
	}
	c, isConst := step.(*scev.Constant)
	if isConst && c.IsZero() {
		return nil, descriptorError(ErrZeroStep, "step value is zero")
	}
	if kind == InductionPointer && !isConst {
		return nil, descriptorError(ErrNonConstantPointerStep, "pointer induction step %s is not constant", step)
	}
	if kind == InductionFloatingPoint {
		if !types.IsFloat(step.Type()) {
			return nil, descriptorError(ErrStepTypeMismatch, "fp induction step %s has type %s", step, step.Type())
		}
		if update == ir.NoValue || (fn.Op(update) != ir.OpFAdd && fn.Op(update) != ir.OpFSub) {
			return nil, descriptorError(ErrMissingFPUpdate, "fp induction needs an fadd or fsub update")
		}
	} else if !types.IsInteger(step.Type()) {
		return nil, descriptorError(ErrStepTypeMismatch, "step %s has type %s", step, step.Type())
	}

	return &InductionDescriptor{
		start:  start,
		kind:   kind,
		step:   step,
		update: update,
		casts:  append([]ir.ValueID(nil), casts...),
	}, nil
}

// mustInductionDescriptor is NewInductionDescriptor for the classifiers,
// which only ever build valid descriptors.
func mustInductionDescriptor(fn *ir.Function, start ir.ValueID, kind InductionKind,
	step scev.Expr, update ir.ValueID, casts []ir.ValueID) *InductionDescriptor {
	d, err := NewInductionDescriptor(fn, start, kind, step, update, casts)
	if err != nil {
		panic(fmt.Sprintf("ivdesc: invalid induction descriptor: %v", err))
	}
	return d
}

// StartValue returns the value entering the loop.
func (d *InductionDescriptor) StartValue() ir.ValueID { return d.start }

// Kind returns the induction kind.
func (d *InductionDescriptor) Kind() InductionKind { return d.kind }

// Step returns the per-iteration step. Pointer steps count elements, not bytes.
func (d *InductionDescriptor) Step() scev.Expr { return d.step }

// UpdateOperation returns the binary instruction computing the next value,
// or NoValue when the backedge value is not a binary instruction.
func (d *InductionDescriptor) UpdateOperation() ir.ValueID { return d.update }

// RedundantCasts returns the casts on the update chain, in the order they
// were found walking from the backedge value towards the phi.
func (d *InductionDescriptor) RedundantCasts() []ir.ValueID {
	return append([]ir.ValueID(nil), d.casts...)
}

// ConstIntStepValue returns the step when it is an integer constant.
func (d *InductionDescriptor) ConstIntStepValue() (int64, bool) {
	if c, ok := d.step.(*scev.Constant); ok {
		return c.Value, true
	}
	return 0, false
}

// Describe renders the descriptor using the value names of fn.
func (d *InductionDescriptor) Describe(fn *ir.Function) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s start=%s step=%s", d.kind, fn.Ref(d.start), d.step)
	if d.update != ir.NoValue {
		fmt.Fprintf(&sb, " update=%s", fn.Ref(d.update))
	}
	writeRefs(&sb, fn, " casts=", d.casts)
	return sb.String()
}
