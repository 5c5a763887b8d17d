package asm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/ivdesc/internal/fixture"
	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/ivdesc"
	"github.com/hassan/ivdesc/internal/legality"
	"github.com/hassan/ivdesc/internal/types"
)

const sumSource = `; running sum of a[0..n)
func sum(%a: ptr<i32>, %n: i64) i32 {
entry:
  br %loop
loop:                                   ; header
  %i = phi i64 [0, %entry], [%i.next, %loop]
  %acc = phi i32 [0, %entry], [%acc.next, %loop]
  %off = shl i64 %i, 2
  %p = ptradd ptr<i32> %a, %off
  %x = load ptr<i32> %p
  %acc.next = add i32 %acc, %x
  %i.next = add i64 %i, 1
  %done = icmp sge i64 %i.next, %n
  condbr %done, %exit, %loop
exit:
  ret i32 %acc.next
}
`

func TestParse(t *testing.T) {
	mod, err := Parse([]byte(sumSource), "testdata/kernels.ir")
	require.NoError(t, err)
	assert.Equal(t, "kernels", mod.Name)
	require.Len(t, mod.Functions, 1)

	fn := mod.Function("sum")
	require.NotNil(t, fn)
	assert.Len(t, fn.Params, 2)
	assert.True(t, fn.ReturnType.Equals(types.I32))
	require.Len(t, fn.Blocks, 3)
	assert.Equal(t, "loop", fn.Block(1).Label)

	x := fn.Block(1).Instrs[4]
	assert.Equal(t, ir.OpLoad, fn.Op(x))
	assert.True(t, fn.Type(x).Equals(types.I32))

	want := `func sum(%a: ptr<i32>, %n: i64) i32 {
entry:
  br %loop
loop:
  %i = phi i64 [0, %entry], [%i.next, %loop]
  %acc = phi i32 [0, %entry], [%acc.next, %loop]
  %off = shl i64 %i, 2
  %p = ptradd ptr<i32> %a, %off
  %x = load ptr<i32> %p
  %acc.next = add i32 %acc, %x
  %i.next = add i64 %i, 1
  %done = icmp sge i64 %i.next, %n
  condbr %done, %exit, %loop
exit:
  ret i32 %acc.next
}
`
	assert.Equal(t, want, fn.String())
}

func TestParse_Classifies(t *testing.T) {
	mod, err := Parse([]byte(sumSource), "sum.ir")
	require.NoError(t, err)

	report, err := legality.NewAnalyzer(legality.Options{}).AnalyzeFunction(mod.Function("sum"))
	require.NoError(t, err)
	require.Len(t, report.Loops, 1)

	loop := report.Loops[0]
	require.Len(t, loop.Inductions, 1)
	assert.Equal(t, "%i", loop.Inductions[0].Phi)
	require.Len(t, loop.Reductions, 1)
	assert.Equal(t, ivdesc.RecurAdd, loop.Reductions[0].Kind)
	assert.Equal(t, "%acc.next", loop.Reductions[0].Exit)
}

// mixed builds a function that uses every printed form: attributes,
// globals, flags, casts, literals of every kind, calls and an unnamed
// value.
func mixed() *ir.Function {
	b := ir.NewBuilder("mixed", types.Double)
	b.SetAttrs(ir.Attrs{NoNaNsFPMath: true, NoSignedZerosFPMath: true})
	n := b.Param("n", types.I64)
	out := b.Param("out", types.PointerTo(types.I32))
	node := b.Param("node", types.PointerTo(types.MustParse("{ptr<%node>, [4 x i8]}")))
	scale := b.Global("scale", types.PointerTo(types.Double))

	entry := b.Block("entry")
	loop := b.Block("for.body.1")
	exit := b.Block("exit")

	b.SetBlock(entry)
	b.Br(loop)

	b.SetBlock(loop)
	i := b.Name(b.Phi(types.I64), "i")
	s := b.Name(b.Phi(types.Double), "s")
	x := b.Name(b.Load(types.Double, scale), "x")
	f := b.Name(b.Cast(ir.OpSIToFP, i, types.Double), "f")
	y := b.Name(b.BinaryFlags(ir.OpFMul, ir.FastMath, x, f), "y")
	c := b.Name(b.FCmp(ir.FCmpUNO, y, b.ConstFloat(types.Double, math.NaN())), "c")
	z := b.Name(b.Select(c, b.ConstFloat(types.Double, math.Copysign(0, -1)), y), "z")
	sNext := b.Name(b.BinaryFlags(ir.OpFAdd, ir.FlagNoNaNs|ir.FlagNoSignedZeros, s, z), "s.next")
	b.Name(b.Call(types.I1, "keep", true, i, z, b.ConstFloat(types.Double, math.Inf(-1))), "keep")
	b.Call(types.Void, "log", false, node)
	b.Store(b.Cast(ir.OpTrunc, i, types.I32), out)
	b.Name(b.PtrAdd(node, b.ConstInt(types.I64, 16)), "field")
	iNext := b.Name(b.Binary(ir.OpAdd, i, b.ConstInt(types.I64, 1)), "i.next")
	done := b.Name(b.ICmp(ir.ICmpSGE, iNext, n), "done")
	b.CondBr(done, exit, loop)

	b.SetBlock(exit)
	b.Ret(sNext)

	b.AddIncoming(i, b.ConstInt(types.I64, 0), entry)
	b.AddIncoming(i, iNext, loop)
	b.AddIncoming(s, b.ConstFloat(types.Double, 1e21), entry)
	b.AddIncoming(s, sNext, loop)
	return b.MustFinish()
}

func TestParse_RoundTrip(t *testing.T) {
	fixtures, err := fixture.Load("../fixture/testdata/loops.yaml")
	require.NoError(t, err)
	kernels, err := fixture.Load("../cli/testdata/kernels.yaml")
	require.NoError(t, err)

	fns := []*ir.Function{mixed()}
	fns = append(fns, fixtures.Functions...)
	fns = append(fns, kernels.Functions...)

	for _, fn := range fns {
		t.Run(fn.Name, func(t *testing.T) {
			text := fn.String()
			mod, err := Parse([]byte(text), "roundtrip.ir")
			require.NoError(t, err, text)
			require.Len(t, mod.Functions, 1)
			assert.Equal(t, text, mod.Functions[0].String())
			assert.Equal(t, fn.Attrs, mod.Functions[0].Attrs)
		})
	}
}

func TestParse_Module(t *testing.T) {
	fixtures, err := fixture.Load("../fixture/testdata/loops.yaml")
	require.NoError(t, err)

	var text string
	for _, fn := range fixtures.Functions {
		text += fn.String()
	}
	mod, err := Parse([]byte(text), "loops.ir")
	require.NoError(t, err)
	require.Len(t, mod.Functions, len(fixtures.Functions))
	for i, fn := range fixtures.Functions {
		assert.Equal(t, fn.Name, mod.Functions[i].Name)
	}
}

func TestParse_Errors(t *testing.T) {
	body := func(instrs string) string {
		return "func f(%a: i64) void {\nentry:\n" + instrs + "  ret\n}\n"
	}

	tests := []struct {
		name     string
		src      string
		contains string
	}{
		{"unknown opcode", body("  frob\n"), `bad.ir:3:3: unknown opcode "frob"`},
		{"undefined value", body("  %x = add i32 %y, 1\n"), "bad.ir:3:16: undefined value %y"},
		{"defined twice", body("  %x = add i64 %a, 1\n  %x = add i64 %a, 2\n"), "%x defined twice (first at bad.ir:3:3)"},
		{"undefined block", body("  br %nowhere\n"), "undefined block %nowhere"},
		{"duplicate block", "func f() void {\nentry:\n  br %entry\nentry:\n  ret\n}\n", "block entry defined twice"},
		{"unexpected character", body("  %x = add i64 %a, 1 # note\n"), "bad.ir:3:22: unexpected character '#'"},
		{"missing brace", "func f() void {\nentry:\n  ret\n", "expected '}', found end of file"},
		{"unknown type", "func f(%a: i128) void {\nentry:\n  ret\n}\n", `unknown type "i128"`},
		{"unknown attribute", "func f() void fast-math {\nentry:\n  ret\n}\n", `unknown attribute "fast-math"`},
		{"load from non-pointer", body("  %x = load i64 %a\n"), "load from non-pointer type i64"},
		{"pointer literal", body("  %q = ptradd ptr<i8> 0, 1\n"), "literal 0 cannot have type ptr<i8>"},
		{"bad literal", body("  %x = add i64 %a, 1.5\n"), "bad i64 literal"},
		{"void result", body("  %s = store i64 %a, %a\n"), "store produces no value to name %s"},
		{"unknown predicate", body("  %c = icmp oeq i64 %a, 1\n"), `unknown icmp predicate "oeq"`},
		{"trailing tokens", body("  %x = add i64 %a, 1 2\n"), `unexpected "2" after add`},
		{"global after block", body("  @g = global ptr<i8>\n"), "global @g declared after the first block"},
		{"instruction before label", "func f() void {\n  ret\n}\n", "instruction before the first block label"},
		{"verifier", body("  %x = add i32 %a, 1\n"), "function f"},
		{"no functions", "; nothing here\n", "no functions"},
		{"function twice", "func f() void {\nentry:\n  ret\n}\nfunc f() void {\nentry:\n  ret\n}\n", "function f defined twice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.ir")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParse_ReportsEveryBadLine(t *testing.T) {
	src := `func f(%a: i64) void {
entry:
  %x = frob i64 %a
  %y = add i64 %a,
  %z = add i64 %a, 1
  ret
}
func g() void {
entry:
  ret i32 (
}
`
	_, err := Parse([]byte(src), "bad.ir")
	require.Error(t, err)

	var asmErr *Error
	require.ErrorAs(t, err, &asmErr)
	require.Len(t, asmErr.Errs, 3)
	assert.Contains(t, asmErr.Errs[0].Error(), "bad.ir:3:8:")
	assert.Contains(t, asmErr.Errs[1].Error(), "bad.ir:4:18: expected operand after \",\"")
	assert.Contains(t, asmErr.Errs[2].Error(), "bad.ir:10:11: expected operand")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.ir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read IR file")
}

func TestLexer(t *testing.T) {
	tests := []struct {
		src    string
		types  []TokenType
		lexeme []string
	}{
		{
			"%i.next = add nnan i32 %i, -1 ; step",
			[]TokenType{TokenLocal, TokenEquals, TokenIdent, TokenIdent, TokenIdent, TokenLocal, TokenComma, TokenNumber, TokenComment},
			[]string{"%i.next", "=", "add", "nnan", "i32", "%i", ",", "-1", "; step"},
		},
		{
			"call readnone i1 @Safe$1(double -inf, float 1e+21, double nan)",
			[]TokenType{TokenIdent, TokenIdent, TokenIdent, TokenGlobal, TokenLeftParen, TokenIdent, TokenNumber, TokenComma,
				TokenIdent, TokenNumber, TokenComma, TokenIdent, TokenIdent, TokenRightParen},
			[]string{"call", "readnone", "i1", "@Safe$1", "(", "double", "-inf", ",", "float", "1e+21", ",", "double", "nan", ")"},
		},
		{
			"ptr<[4 x {i32, %node}]>",
			[]TokenType{TokenIdent, TokenLess, TokenLeftBracket, TokenNumber, TokenIdent, TokenLeftBrace, TokenIdent,
				TokenComma, TokenLocal, TokenRightBrace, TokenRightBracket, TokenGreater},
			[]string{"ptr", "<", "[", "4", "x", "{", "i32", ",", "%node", "}", "]", ">"},
		},
		{
			"func f() void no-nans-fp-math {",
			[]TokenType{TokenIdent, TokenIdent, TokenLeftParen, TokenRightParen, TokenIdent, TokenIdent, TokenLeftBrace},
			[]string{"func", "f", "(", ")", "void", "no-nans-fp-math", "{"},
		},
		{
			"select i1 true, float -0.0, float 2.5",
			[]TokenType{TokenIdent, TokenIdent, TokenIdent, TokenComma, TokenIdent, TokenNumber, TokenComma, TokenIdent, TokenNumber},
			[]string{"select", "i1", "true", ",", "float", "-0.0", ",", "float", "2.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			l := NewLexer(tt.src, "t.ir")
			var gotTypes []TokenType
			var gotLexemes []string
			for {
				tok, err := l.NextToken()
				require.NoError(t, err)
				if tok.Type == TokenEOF {
					break
				}
				gotTypes = append(gotTypes, tok.Type)
				gotLexemes = append(gotLexemes, tok.Lexeme)
			}
			assert.Equal(t, tt.types, gotTypes)
			assert.Equal(t, tt.lexeme, gotLexemes)
		})
	}
}

func TestLexer_Positions(t *testing.T) {
	l := NewLexer("entry:\n  br %loop", "t.ir")

	var toks []Token
	for {
		tok, err := l.NextToken()
		require.NoError(t, err)
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			break
		}
	}

	require.Len(t, toks, 5)
	assert.Equal(t, "t.ir:1:1", toks[0].Position.String())
	assert.Equal(t, "t.ir:2:3", toks[2].Position.String())
	assert.Equal(t, "t.ir:2:6", toks[3].Position.String())
	assert.Equal(t, "loop", toks[3].Name())
	assert.Equal(t, "end of file", toks[4].String())
}

func TestLexer_Errors(t *testing.T) {
	tests := []struct {
		src      string
		contains string
	}{
		{"#", "t.ir:1:1: unexpected character '#'"},
		{"% x", "missing name after '%'"},
		{"@", "missing name after '@'"},
		{"- 1", "unexpected character '-'"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			tok, err := NewLexer(tt.src, "t.ir").NextToken()
			require.Error(t, err)
			assert.Equal(t, TokenInvalid, tok.Type)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
