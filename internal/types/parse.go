package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads the textual spelling produced by Type.String back into a Type.
//
// ACCEPTED FORMS:
//
//	iN                  integer of N bits (i1, i8, i32, i17)
//	half, float, double floating point (f16/f32/f64 are accepted as aliases)
//	ptr<T>              pointer to T
//	[N x T]             array
//	{T, U, ...}         anonymous struct
//	%name               opaque named struct
//	void
func Parse(s string) (Type, error) {
	p := &typeParser{src: strings.TrimSpace(s)}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected %q after type in %q", p.src[p.pos:], s)
	}
	return t, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level tables.
func MustParse(s string) Type {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) consume(prefix string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.pos:], prefix) {
		p.pos += len(prefix)
		return true
	}
	return false
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *typeParser) parse() (Type, error) {
	switch {
	case p.consume("ptr<"):
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if !p.consume(">") {
			return nil, fmt.Errorf("missing '>' in pointer type %q", p.src)
		}
		return PointerTo(elem), nil

	case p.consume("["):
		n, err := strconv.Atoi(p.ident())
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad array length in %q", p.src)
		}
		if !p.consume("x") {
			return nil, fmt.Errorf("missing 'x' in array type %q", p.src)
		}
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if !p.consume("]") {
			return nil, fmt.Errorf("missing ']' in array type %q", p.src)
		}
		return &ArrayType{Elem: elem, Len: n}, nil

	case p.consume("{"):
		st := &StructType{}
		if p.consume("}") {
			return st, nil
		}
		for {
			field, err := p.parse()
			if err != nil {
				return nil, err
			}
			st.Fields = append(st.Fields, field)
			if p.consume("}") {
				return st, nil
			}
			if !p.consume(",") {
				return nil, fmt.Errorf("missing ',' in struct type %q", p.src)
			}
		}

	case p.consume("%"):
		name := p.ident()
		if name == "" {
			return nil, fmt.Errorf("missing struct name in %q", p.src)
		}
		return Opaque(name), nil
	}

	word := p.ident()
	switch word {
	case "void":
		return Void, nil
	case "half", "f16":
		return Half, nil
	case "float", "f32":
		return Float, nil
	case "double", "f64":
		return Double, nil
	case "":
		return nil, fmt.Errorf("expected type in %q", p.src)
	}

	if word[0] == 'i' {
		bits, err := strconv.Atoi(word[1:])
		if err == nil && bits > 0 && bits <= 64 {
			return Int(bits), nil
		}
	}
	return nil, fmt.Errorf("unknown type %q", word)
}
