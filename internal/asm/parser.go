package asm

import (
	"fmt"
	"strconv"

	"github.com/hassan/ivdesc/internal/ir"
	"github.com/hassan/ivdesc/internal/types"
)

// Parser turns tokens into function declarations. It checks syntax only;
// names, operand types and the CFG are checked when a declaration is
// assembled.
//
// GRAMMAR:
//
//	file     = { function } EOF
//	function = "func" NAME "(" [ param { "," param } ] ")" type { ATTR }
//	           "{" { global } { block } "}"
//	param    = LOCAL ":" type
//	global   = GLOBAL "=" "global" type
//	block    = NAME ":" { instr }
//	instr    = [ LOCAL "=" ] OPCODE [ PRED ] { FLAG } operands
//
// The operand syntax depends on the opcode; see parseInstr.
//
// ERROR HANDLING STRATEGY:
//   - Errors are accumulated, so one pass reports every bad line
//   - An error inside an instruction abandons it with panic(bailout{}) and
//     recovery resumes on the next line, since instructions are one per line
//   - An error in a function header skips to the next "func"
type Parser struct {
	lexer *Lexer

	// current is the token being examined and next the one after it; a
	// label is told apart from an opcode by the ':' that follows it
	current  Token
	next     Token
	previous Token

	errors []error

	// panicMode suppresses follow-up errors until the parser recovers
	panicMode bool

	// lineLimit is the line the current instruction must end on, 0 outside
	// instructions
	lineLimit int
}

// bailout unwinds the parser to the nearest recovery point.
type bailout struct{}

// funcDecl is one parsed function.
type funcDecl struct {
	pos     Position
	name    string
	params  []paramDecl
	ret     types.Type
	attrs   []string
	globals []paramDecl
	blocks  []*blockDecl
}

// paramDecl is a typed name: a parameter or a global.
type paramDecl struct {
	tok Token
	typ types.Type
}

type blockDecl struct {
	tok    Token
	instrs []*instrDecl
}

// instrDecl is one parsed instruction.
//
// typ is the type written after the opcode (for casts the source type,
// for loads the pointer type); the result type is derived from it when
// the instruction is assembled.
type instrDecl struct {
	pos      Position
	result   Token
	op       ir.Opcode
	pred     ir.Predicate
	flags    ir.FastMathFlags
	readNone bool
	typ      types.Type
	to       types.Type
	callee   string
	args     []operand
	labels   []Token
}

// operand is a value reference or a literal, with the type a literal
// takes.
type operand struct {
	tok Token
	typ types.Type
}

// NewParser creates a parser reading from l.
func NewParser(l *Lexer) *Parser {
	p := &Parser{lexer: l}
	// Prime current and next
	p.advance()
	p.advance()
	return p
}

// ParseFile parses every function of the source. The declarations parsed
// before an error are returned with the errors.
func (p *Parser) ParseFile() ([]*funcDecl, []error) {
	var funcs []*funcDecl
	for !p.isAtEnd() {
		if fd := p.parseFunctionRecover(); fd != nil {
			funcs = append(funcs, fd)
		}
	}
	return funcs, p.errors
}

func (p *Parser) parseFunctionRecover() (fd *funcDecl) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			fd = nil
			p.synchronizeFunction()
		}
	}()
	return p.parseFunction()
}

func (p *Parser) parseFunction() *funcDecl {
	fd := &funcDecl{pos: p.current.Position}

	p.keyword("func")
	fd.name = p.consume(TokenIdent, "function name").Lexeme

	p.consume(TokenLeftParen, "'('")
	if !p.check(TokenRightParen) {
		for {
			tok := p.consume(TokenLocal, "parameter")
			p.consume(TokenColon, "':'")
			fd.params = append(fd.params, paramDecl{tok: tok, typ: p.parseType()})
			if !p.match(TokenComma) {
				break
			}
		}
	}
	p.consume(TokenRightParen, "')'")

	fd.ret = p.parseType()
	for p.check(TokenIdent) {
		fd.attrs = append(fd.attrs, p.current.Lexeme)
		p.advance()
	}
	p.consume(TokenLeftBrace, "'{'")

	var block *blockDecl
	for !p.check(TokenRightBrace) && !p.isAtEnd() {
		switch {
		case p.check(TokenGlobal):
			p.line(func() {
				if block != nil {
					p.fail(p.current, "global %s declared after the first block", p.current.Lexeme)
				}
				fd.globals = append(fd.globals, p.parseGlobal())
			})
		case p.check(TokenIdent) && p.next.Type == TokenColon:
			block = &blockDecl{tok: p.current}
			fd.blocks = append(fd.blocks, block)
			p.advance()
			p.advance()
		case block == nil:
			p.line(func() {
				p.fail(p.current, "instruction before the first block label")
			})
		default:
			b := block
			p.line(func() {
				b.instrs = append(b.instrs, p.parseInstr())
			})
		}
	}
	p.consume(TokenRightBrace, "'}'")
	return fd
}

// line runs parse and, if it bails out, skips the rest of the line the
// parse started on.
func (p *Parser) line(parse func()) {
	line := p.current.Position.Line
	p.lineLimit = line
	defer func() {
		p.lineLimit = 0
		if r := recover(); r != nil {
			if _, ok := r.(bailout); !ok {
				panic(r)
			}
			p.panicMode = false
			for !p.isAtEnd() && p.current.Position.Line == line {
				p.advance()
			}
		}
	}()
	parse()
}

// parseGlobal parses "@name = global T".
func (p *Parser) parseGlobal() paramDecl {
	tok := p.consume(TokenGlobal, "global")
	p.consume(TokenEquals, "'='")
	p.keyword("global")
	return paramDecl{tok: tok, typ: p.parseType()}
}

// parseInstr parses one instruction.
//
// OPERAND FORMS:
//
//	phi T [v, %label], ...
//	br %label
//	condbr c, %then, %else
//	call [readnone] T @callee(T v, ...)
//	select T c, T x, T y
//	ret [T v]
//	OP T v, ...          (binary, fneg, compares, load, store, ptradd)
//	CAST T v to U
//
// Literals take the written type, except the offset of ptradd, which is
// an i64, and the condition of condbr, which is an i1.
func (p *Parser) parseInstr() *instrDecl {
	in := &instrDecl{pos: p.current.Position}
	if p.check(TokenLocal) {
		in.result = p.current
		p.advance()
		p.consume(TokenEquals, "'='")
	}

	opTok := p.consume(TokenIdent, "opcode")
	op, ok := ir.ParseOpcode(opTok.Lexeme)
	if !ok {
		p.fail(opTok, "unknown opcode %q", opTok.Lexeme)
	}
	in.op = op

	if op.IsCompare() {
		tok := p.consume(TokenIdent, "predicate")
		pred, ok := ir.ParsePredicate(tok.Lexeme, op == ir.OpFCmp)
		if !ok {
			p.fail(tok, "unknown %s predicate %q", op, tok.Lexeme)
		}
		in.pred = pred
	}

	var words []string
	for p.check(TokenIdent) && isFlag(p.current.Lexeme) {
		words = append(words, p.current.Lexeme)
		p.advance()
	}
	in.flags, _ = ir.ParseFastMathFlags(words)

	switch op {
	case ir.OpPhi:
		in.typ = p.parseType()
		for {
			p.consume(TokenLeftBracket, "'['")
			in.args = append(in.args, p.operand(in.typ))
			p.consume(TokenComma, "','")
			in.labels = append(in.labels, p.consume(TokenLocal, "block"))
			p.consume(TokenRightBracket, "']'")
			if !p.match(TokenComma) {
				break
			}
		}

	case ir.OpBr:
		in.labels = append(in.labels, p.consume(TokenLocal, "block"))

	case ir.OpCondBr:
		in.args = append(in.args, p.operand(types.I1))
		p.consume(TokenComma, "','")
		in.labels = append(in.labels, p.consume(TokenLocal, "block"))
		p.consume(TokenComma, "','")
		in.labels = append(in.labels, p.consume(TokenLocal, "block"))

	case ir.OpCall:
		if p.check(TokenIdent) && p.current.Lexeme == "readnone" {
			in.readNone = true
			p.advance()
		}
		in.typ = p.parseType()
		in.callee = p.consume(TokenGlobal, "callee").Name()
		p.consume(TokenLeftParen, "'('")
		if !p.check(TokenRightParen) {
			for {
				in.args = append(in.args, p.operand(p.parseType()))
				if !p.match(TokenComma) {
					break
				}
			}
		}
		p.consume(TokenRightParen, "')'")

	case ir.OpSelect:
		for i := 0; i < 3; i++ {
			if i > 0 {
				p.consume(TokenComma, "','")
			}
			in.args = append(in.args, p.operand(p.parseType()))
		}
		in.typ = in.args[1].typ

	default:
		if op == ir.OpRet && p.atLineEnd() {
			break
		}
		in.typ = p.parseType()
		in.args = append(in.args, p.operand(in.typ))
		for p.match(TokenComma) {
			t := in.typ
			if op == ir.OpPtrAdd {
				t = types.I64
			}
			in.args = append(in.args, p.operand(t))
		}
		if op.IsCast() {
			p.keyword("to")
			in.to = p.parseType()
		}
	}

	if !p.atLineEnd() {
		p.fail(p.current, "unexpected %s after %s", p.current, op)
	}
	return in
}

// operand parses a value reference or a literal that takes type t.
func (p *Parser) operand(t types.Type) operand {
	p.needMore("operand")
	tok := p.current
	switch tok.Type {
	case TokenLocal, TokenGlobal, TokenNumber:
	case TokenIdent:
		switch tok.Lexeme {
		case "true", "false", "inf", "nan":
		default:
			p.fail(tok, "expected operand, found %s", tok)
		}
	default:
		p.fail(tok, "expected operand, found %s", tok)
	}
	p.advance()
	return operand{tok: tok, typ: t}
}

// parseType parses the spelling produced by types.Type.String.
//
// The scalar words (i32, float, void, ...) are handed to types.Parse;
// pointers, arrays and structs nest, so they are parsed here token by
// token.
func (p *Parser) parseType() types.Type {
	p.needMore("type")
	tok := p.current
	switch tok.Type {
	case TokenLeftBracket:
		p.advance()
		lenTok := p.consume(TokenNumber, "array length")
		n, err := strconv.Atoi(lenTok.Lexeme)
		if err != nil || n < 0 {
			p.fail(lenTok, "bad array length %s", lenTok)
		}
		p.keyword("x")
		elem := p.parseType()
		p.consume(TokenRightBracket, "']'")
		return &types.ArrayType{Elem: elem, Len: n}

	case TokenLeftBrace:
		p.advance()
		st := &types.StructType{}
		if p.match(TokenRightBrace) {
			return st
		}
		for {
			st.Fields = append(st.Fields, p.parseType())
			if !p.match(TokenComma) {
				break
			}
		}
		p.consume(TokenRightBrace, "'}'")
		return st

	case TokenLocal:
		p.advance()
		return types.Opaque(tok.Name())

	case TokenIdent:
		p.advance()
		if tok.Lexeme == "ptr" {
			p.consume(TokenLess, "'<'")
			elem := p.parseType()
			p.consume(TokenGreater, "'>'")
			return types.PointerTo(elem)
		}
		t, err := types.Parse(tok.Lexeme)
		if err != nil {
			p.fail(tok, "%v", err)
		}
		return t
	}

	p.fail(tok, "expected type, found %s", tok)
	return nil
}

// Token helpers

func (p *Parser) advance() {
	p.previous = p.current
	p.current = p.next
	for {
		tok, err := p.lexer.NextToken()
		if err != nil {
			p.errors = append(p.errors, err)
			continue
		}
		if tok.Type != TokenComment {
			p.next = tok
			return
		}
	}
}

func (p *Parser) check(tokenType TokenType) bool {
	return p.current.Type == tokenType
}

func (p *Parser) match(tokenType TokenType) bool {
	if p.check(tokenType) {
		p.advance()
		return true
	}
	return false
}

// consume returns the current token if it has the wanted type and bails
// out otherwise.
func (p *Parser) consume(tokenType TokenType, what string) Token {
	p.needMore(what)
	if p.check(tokenType) {
		p.advance()
		return p.previous
	}
	p.fail(p.current, "expected %s, found %s", what, p.current)
	return Token{}
}

// keyword consumes the identifier word.
func (p *Parser) keyword(word string) {
	p.needMore(strconv.Quote(word))
	if p.check(TokenIdent) && p.current.Lexeme == word {
		p.advance()
		return
	}
	p.fail(p.current, "expected %q, found %s", word, p.current)
}

func (p *Parser) isAtEnd() bool {
	return p.current.Type == TokenEOF
}

// needMore bails out when an instruction runs out of tokens before the
// end of its line.
func (p *Parser) needMore(what string) {
	if p.lineLimit > 0 && (p.isAtEnd() || p.current.Position.Line != p.lineLimit) {
		p.fail(p.previous, "expected %s after %s", what, p.previous)
	}
}

// atLineEnd reports whether the current token starts a new line.
func (p *Parser) atLineEnd() bool {
	return p.isAtEnd() || p.current.Position.Line != p.previous.Position.Line
}

// fail records an error at tok and bails out.
func (p *Parser) fail(tok Token, format string, args ...interface{}) {
	if !p.panicMode {
		p.panicMode = true
		p.errors = append(p.errors, fmt.Errorf("%s: %s", tok.Position, fmt.Sprintf(format, args...)))
	}
	panic(bailout{})
}

// synchronizeFunction skips tokens until the next function header.
func (p *Parser) synchronizeFunction() {
	p.panicMode = false
	for !p.isAtEnd() {
		if p.check(TokenIdent) && p.current.Lexeme == "func" && p.next.Type == TokenIdent {
			return
		}
		p.advance()
	}
}

func isFlag(word string) bool {
	_, err := ir.ParseFastMathFlags([]string{word})
	return err == nil
}
