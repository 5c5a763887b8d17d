// Package types implements the type system of the analysis IR.
//
// The IR is typed the way a low-level SSA IR is typed: integers carry an
// explicit bit width (i1, i8, i32, ...), floating-point values carry one of
// the IEEE widths (half, float, double), and pointers remember the type they
// point to so that a pointer step can be expressed in elements rather than
// bytes.
//
// KEY RULES:
// - Integer types are equal when their widths are equal (i32 == i32)
// - Pointer types are equal when their element types are equal
// - Named structs compare nominally, anonymous structs structurally
// - A struct with a name and no fields is opaque and has no known size
package types

import (
	"fmt"
	"strings"
)

// Type is the interface that all types implement.
type Type interface {
	// String returns the textual spelling of the type (i32, double, ptr<i8>).
	String() string

	// Equals checks if this type is identical to another type.
	Equals(other Type) bool

	// kind returns the kind of type (for internal use)
	// We don't export this because external code should use type switches
	kind() TypeKind
}

// TypeKind represents the kind of type.
type TypeKind int

const (
	KindInvalid TypeKind = iota
	KindVoid
	KindInt
	KindFloat
	KindPointer
	KindArray
	KindStruct
)

// InvalidType represents an invalid or error type.
type InvalidType struct{}

func (i *InvalidType) String() string         { return "<invalid>" }
func (i *InvalidType) Equals(other Type) bool { return false }
func (i *InvalidType) kind() TypeKind         { return KindInvalid }

// VoidType is the result type of instructions that produce no value.
type VoidType struct{}

func (v *VoidType) String() string         { return "void" }
func (v *VoidType) Equals(other Type) bool { _, ok := other.(*VoidType); return ok }
func (v *VoidType) kind() TypeKind         { return KindVoid }

// IntType is an integer of an arbitrary bit width. Signedness is a property
// of operations, not of the type.
type IntType struct {
	Bits int
}

func (i *IntType) String() string { return fmt.Sprintf("i%d", i.Bits) }
func (i *IntType) Equals(other Type) bool {
	o, ok := other.(*IntType)
	return ok && o.Bits == i.Bits
}
func (i *IntType) kind() TypeKind { return KindInt }

// FloatType is an IEEE binary floating-point type of 16, 32 or 64 bits.
type FloatType struct {
	Bits int
}

func (f *FloatType) String() string {
	switch f.Bits {
	case 16:
		return "half"
	case 32:
		return "float"
	case 64:
		return "double"
	default:
		return fmt.Sprintf("f%d", f.Bits)
	}
}
func (f *FloatType) Equals(other Type) bool {
	o, ok := other.(*FloatType)
	return ok && o.Bits == f.Bits
}
func (f *FloatType) kind() TypeKind { return KindFloat }

// PointerType is a typed pointer. Pointers are 64 bits wide.
type PointerType struct {
	Elem Type
}

func (p *PointerType) String() string { return "ptr<" + p.Elem.String() + ">" }
func (p *PointerType) Equals(other Type) bool {
	o, ok := other.(*PointerType)
	return ok && p.Elem.Equals(o.Elem)
}
func (p *PointerType) kind() TypeKind { return KindPointer }

// ArrayType is a fixed-length array.
type ArrayType struct {
	Elem Type
	Len  int
}

func (a *ArrayType) String() string { return fmt.Sprintf("[%d x %s]", a.Len, a.Elem) }
func (a *ArrayType) Equals(other Type) bool {
	o, ok := other.(*ArrayType)
	return ok && o.Len == a.Len && a.Elem.Equals(o.Elem)
}
func (a *ArrayType) kind() TypeKind { return KindArray }

// StructType is a sequence of fields. A named struct without fields is
// opaque: it can be pointed to but has no size.
type StructType struct {
	Name   string
	Fields []Type
}

func (s *StructType) String() string {
	if s.Name != "" {
		return "%" + s.Name
	}
	parts := make([]string, len(s.Fields))
	for i, field := range s.Fields {
		parts[i] = field.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s *StructType) Equals(other Type) bool {
	o, ok := other.(*StructType)
	if !ok {
		return false
	}
	// Named structs: compare by name (nominal typing)
	if s.Name != "" || o.Name != "" {
		return s.Name == o.Name
	}
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i, field := range s.Fields {
		if !field.Equals(o.Fields[i]) {
			return false
		}
	}
	return true
}

func (s *StructType) kind() TypeKind { return KindStruct }

// IsOpaque reports whether the struct has no body.
func (s *StructType) IsOpaque() bool {
	return s.Name != "" && len(s.Fields) == 0
}

// Predefined type instances (singletons)
var (
	Invalid = &InvalidType{}
	Void    = &VoidType{}
	I1      = &IntType{Bits: 1}
	I8      = &IntType{Bits: 8}
	I16     = &IntType{Bits: 16}
	I32     = &IntType{Bits: 32}
	I64     = &IntType{Bits: 64}
	Half    = &FloatType{Bits: 16}
	Float   = &FloatType{Bits: 32}
	Double  = &FloatType{Bits: 64}
)

// PointerBits is the width of every pointer.
const PointerBits = 64

// Int returns the integer type of the given width, reusing the predefined
// instances for the common widths.
func Int(bits int) *IntType {
	switch bits {
	case 1:
		return I1
	case 8:
		return I8
	case 16:
		return I16
	case 32:
		return I32
	case 64:
		return I64
	default:
		return &IntType{Bits: bits}
	}
}

// PointerTo creates a pointer type to elem.
func PointerTo(elem Type) *PointerType {
	return &PointerType{Elem: elem}
}

// Opaque creates a named struct without a body.
func Opaque(name string) *StructType {
	return &StructType{Name: name}
}

// IsInteger returns true if the type is an integer type.
func IsInteger(t Type) bool {
	_, ok := t.(*IntType)
	return ok
}

// IsFloat returns true if the type is a floating-point type.
func IsFloat(t Type) bool {
	_, ok := t.(*FloatType)
	return ok
}

// IsPointer returns true if the type is a pointer type.
func IsPointer(t Type) bool {
	_, ok := t.(*PointerType)
	return ok
}

// BitWidth returns the width in bits of a scalar type, or 0 for aggregates.
func BitWidth(t Type) int {
	switch tt := t.(type) {
	case *IntType:
		return tt.Bits
	case *FloatType:
		return tt.Bits
	case *PointerType:
		return PointerBits
	default:
		return 0
	}
}

// AllocSize returns the number of bytes a value of type t occupies in
// memory, including padding. The second result is false for unsized types
// (void, opaque structs).
//
// Integers round up to a power-of-two number of bytes (i1 and i8 take one
// byte, i24 takes four); struct fields are naturally aligned.
func AllocSize(t Type) (int64, bool) {
	switch tt := t.(type) {
	case *IntType:
		bytes := int64((tt.Bits + 7) / 8)
		size := int64(1)
		for size < bytes {
			size <<= 1
		}
		return size, true
	case *FloatType:
		return int64(tt.Bits / 8), true
	case *PointerType:
		return PointerBits / 8, true
	case *ArrayType:
		elem, ok := AllocSize(tt.Elem)
		if !ok {
			return 0, false
		}
		return elem * int64(tt.Len), true
	case *StructType:
		if tt.IsOpaque() {
			return 0, false
		}
		var offset, maxAlign int64 = 0, 1
		for _, field := range tt.Fields {
			size, ok := AllocSize(field)
			if !ok {
				return 0, false
			}
			align := alignOf(field)
			if align > maxAlign {
				maxAlign = align
			}
			offset = (offset + align - 1) / align * align
			offset += size
		}
		return (offset + maxAlign - 1) / maxAlign * maxAlign, true
	default:
		return 0, false
	}
}

func alignOf(t Type) int64 {
	switch tt := t.(type) {
	case *ArrayType:
		return alignOf(tt.Elem)
	case *StructType:
		align := int64(1)
		for _, field := range tt.Fields {
			if a := alignOf(field); a > align {
				align = a
			}
		}
		return align
	default:
		size, ok := AllocSize(t)
		if !ok || size == 0 {
			return 1
		}
		return size
	}
}
