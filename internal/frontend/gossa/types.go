package gossa

import (
	gotypes "go/types"

	"github.com/hassan/ivdesc/internal/types"
)

// typeLowerer maps Go types to IR types.
//
// MAPPING:
//
//	bool                      i1
//	int8 ... int64, uint...   iN (int, uint and uintptr are i64)
//	float32, float64          float, double
//	*T, []T, *[N]T            ptr<T>
//	[N]T, struct{...}         [N x T], {...} when every element has a
//	                          faithful layout, an opaque named struct otherwise
//	anything else             ptr<%T>, an opaque handle
//
// A slice lowers to its data pointer and a pointer to an array to a pointer
// to its first element, so &a[i] is a plain ptradd in both cases.
type typeLowerer struct {
	// inProgress breaks cycles through named types
	inProgress map[*gotypes.Named]bool
}

func newTypeLowerer() *typeLowerer {
	return &typeLowerer{inProgress: make(map[*gotypes.Named]bool)}
}

func opaqueHandle(t gotypes.Type) types.Type {
	return types.PointerTo(types.Opaque(t.String()))
}

func (tl *typeLowerer) lower(t gotypes.Type) types.Type {
	switch u := t.Underlying().(type) {
	case *gotypes.Basic:
		if s := basic(u); s != nil {
			return s
		}
	case *gotypes.Pointer:
		elem := u.Elem()
		if arr, ok := elem.Underlying().(*gotypes.Array); ok {
			elem = arr.Elem()
		}
		return types.PointerTo(tl.element(elem))
	case *gotypes.Slice:
		return types.PointerTo(tl.element(u.Elem()))
	case *gotypes.Array, *gotypes.Struct:
		return tl.aggregate(t)
	case *gotypes.Tuple:
		if u.Len() == 0 {
			return types.Void
		}
		if u.Len() == 1 {
			return tl.lower(u.At(0).Type())
		}
	}
	return opaqueHandle(t)
}

// element lowers the pointee of a pointer or slice.
func (tl *typeLowerer) element(t gotypes.Type) types.Type {
	if named, ok := t.(*gotypes.Named); ok && tl.inProgress[named] {
		return types.Opaque(named.String())
	}
	return tl.lower(t)
}

// aggregate lowers an array or struct, or returns an opaque struct when
// some element has no faithful IR layout.
func (tl *typeLowerer) aggregate(t gotypes.Type) types.Type {
	named, _ := t.(*gotypes.Named)
	if named != nil {
		if tl.inProgress[named] {
			return types.Opaque(named.String())
		}
		tl.inProgress[named] = true
		defer delete(tl.inProgress, named)
	}

	if lowered, ok := tl.layout(t.Underlying()); ok {
		return lowered
	}
	return types.Opaque(t.String())
}

// layout lowers a type that sits inside an aggregate. It fails for types
// whose Go representation is wider than their IR handle (strings, slices,
// interfaces, complex numbers).
func (tl *typeLowerer) layout(t gotypes.Type) (types.Type, bool) {
	switch u := t.Underlying().(type) {
	case *gotypes.Basic:
		s := basic(u)
		return s, s != nil
	case *gotypes.Pointer, *gotypes.Map, *gotypes.Chan, *gotypes.Signature:
		return tl.lower(t), true
	case *gotypes.Array:
		elem, ok := tl.layout(u.Elem())
		if !ok {
			return nil, false
		}
		return &types.ArrayType{Elem: elem, Len: int(u.Len())}, true
	case *gotypes.Struct:
		st := &types.StructType{}
		for i := 0; i < u.NumFields(); i++ {
			field, ok := tl.layout(u.Field(i).Type())
			if !ok {
				return nil, false
			}
			st.Fields = append(st.Fields, field)
		}
		return st, true
	}
	return nil, false
}

func basic(b *gotypes.Basic) types.Type {
	switch b.Kind() {
	case gotypes.Bool, gotypes.UntypedBool:
		return types.I1
	case gotypes.Int8, gotypes.Uint8:
		return types.I8
	case gotypes.Int16, gotypes.Uint16:
		return types.I16
	case gotypes.Int32, gotypes.Uint32, gotypes.UntypedRune:
		return types.I32
	case gotypes.Int, gotypes.Uint, gotypes.Int64, gotypes.Uint64, gotypes.Uintptr, gotypes.UntypedInt:
		return types.I64
	case gotypes.Float32:
		return types.Float
	case gotypes.Float64, gotypes.UntypedFloat:
		return types.Double
	case gotypes.UnsafePointer:
		return types.PointerTo(types.I8)
	}
	return nil
}

// isUnsigned reports whether t is an unsigned integer type.
func isUnsigned(t gotypes.Type) bool {
	b, ok := t.Underlying().(*gotypes.Basic)
	return ok && b.Info()&gotypes.IsUnsigned != 0
}
