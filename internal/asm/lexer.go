package asm

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Lexer converts IR text into a stream of tokens.
//
// DESIGN PHILOSOPHY:
// The lexer only breaks the source into words, names, numbers and
// delimiters and tracks positions. It does not know opcodes or types:
// "add", "i32" and "entry" are all TokenIdent, and the parser decides
// what a word means from where it appears.
type Lexer struct {
	source   string
	filename string

	// start is the byte offset of the token being scanned, current the
	// offset being examined
	start   int
	current int

	// line is 1-based; lineStart is the offset where it begins, so the
	// column of a token is start - lineStart + 1
	line      int
	lineStart int
}

// NewLexer creates a lexer for source. filename only appears in positions.
func NewLexer(source, filename string) *Lexer {
	return &Lexer{
		source:   source,
		filename: filename,
		line:     1,
	}
}

// NextToken returns the next token from the source, TokenEOF at the end.
//
// On a lexical error the token is TokenInvalid and the error carries its
// position; the lexer has already moved past the bad character, so the
// caller may keep going.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()
	l.start = l.current

	if l.isAtEnd() {
		return l.makeToken(TokenEOF), nil
	}

	ch := l.advance()

	if isNameStart(ch) {
		l.scanName()
		return l.makeToken(TokenIdent), nil
	}
	if isDigit(ch) {
		l.scanNumber()
		return l.makeToken(TokenNumber), nil
	}

	switch ch {
	case '(':
		return l.makeToken(TokenLeftParen), nil
	case ')':
		return l.makeToken(TokenRightParen), nil
	case '{':
		return l.makeToken(TokenLeftBrace), nil
	case '}':
		return l.makeToken(TokenRightBrace), nil
	case '[':
		return l.makeToken(TokenLeftBracket), nil
	case ']':
		return l.makeToken(TokenRightBracket), nil
	case '<':
		return l.makeToken(TokenLess), nil
	case '>':
		return l.makeToken(TokenGreater), nil
	case ',':
		return l.makeToken(TokenComma), nil
	case ':':
		return l.makeToken(TokenColon), nil
	case '=':
		return l.makeToken(TokenEquals), nil

	case '%', '@':
		if !isNameChar(l.peek()) {
			return l.makeToken(TokenInvalid), l.error(fmt.Sprintf("missing name after %q", ch))
		}
		l.scanName()
		if ch == '%' {
			return l.makeToken(TokenLocal), nil
		}
		return l.makeToken(TokenGlobal), nil

	case '-':
		// Negative literals: -1, -0.0, -inf, -nan
		switch next := l.peek(); {
		case isDigit(next):
			l.scanNumber()
			return l.makeToken(TokenNumber), nil
		case isNameStart(next):
			l.scanName()
			return l.makeToken(TokenNumber), nil
		}

	case ';':
		for !l.isAtEnd() && l.peek() != '\n' {
			l.advance()
		}
		return l.makeToken(TokenComment), nil
	}

	return l.makeToken(TokenInvalid), l.error(fmt.Sprintf("unexpected character %q", ch))
}

func (l *Lexer) advance() rune {
	if l.isAtEnd() {
		return 0
	}
	ch, size := utf8.DecodeRuneInString(l.source[l.current:])
	l.current += size
	return ch
}

func (l *Lexer) peek() rune {
	if l.isAtEnd() {
		return 0
	}
	ch, _ := utf8.DecodeRuneInString(l.source[l.current:])
	return ch
}

// peekNext returns the character after the current one.
func (l *Lexer) peekNext() rune {
	if l.isAtEnd() {
		return 0
	}
	_, size := utf8.DecodeRuneInString(l.source[l.current:])
	if l.current+size >= len(l.source) {
		return 0
	}
	ch, _ := utf8.DecodeRuneInString(l.source[l.current+size:])
	return ch
}

func (l *Lexer) isAtEnd() bool {
	return l.current >= len(l.source)
}

// skipWhitespace skips blanks and tracks newlines for positions.
func (l *Lexer) skipWhitespace() {
	for !l.isAtEnd() {
		switch l.peek() {
		case ' ', '\r', '\t':
			l.advance()
		case '\n':
			l.advance()
			l.line++
			l.lineStart = l.current
		default:
			return
		}
	}
}

// scanName consumes the rest of a word or a sigil name.
//
// RULES:
// Names continue with letters, digits and . _ $ -, which covers block
// labels like "for.body.3", Go closures like "Safe$1" and attribute words
// like "no-nans-fp-math".
func (l *Lexer) scanName() {
	for !l.isAtEnd() && isNameChar(l.peek()) {
		l.advance()
	}
}

// scanNumber consumes the rest of a numeric literal.
//
// SUPPORTED FORMATS:
// - Integers: 0, 42 (the sign was consumed by the caller)
// - Decimals: 1.5, 0.25
// - Exponents: 1e+21, 2.5e-07
func (l *Lexer) scanNumber() {
	for isDigit(l.peek()) {
		l.advance()
	}

	if l.peek() == '.' && isDigit(l.peekNext()) {
		l.advance()
		for isDigit(l.peek()) {
			l.advance()
		}
	}

	if l.peek() == 'e' || l.peek() == 'E' {
		saved := l.current
		l.advance()
		if l.peek() == '+' || l.peek() == '-' {
			l.advance()
		}
		if !isDigit(l.peek()) {
			// Not an exponent; backtrack
			l.current = saved
			return
		}
		for isDigit(l.peek()) {
			l.advance()
		}
	}
}

func (l *Lexer) makeToken(tokenType TokenType) Token {
	return Token{
		Type:     tokenType,
		Lexeme:   l.source[l.start:l.current],
		Position: l.currentPosition(),
	}
}

func (l *Lexer) currentPosition() Position {
	return Position{
		Filename: l.filename,
		Line:     l.line,
		Column:   utf8.RuneCountInString(l.source[l.lineStart:l.start]) + 1,
		Offset:   l.start,
	}
}

func (l *Lexer) error(message string) error {
	return fmt.Errorf("%s: %s", l.currentPosition(), message)
}

func isNameStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == '_'
}

func isNameChar(ch rune) bool {
	return isNameStart(ch) || isDigit(ch) || ch == '.' || ch == '$' || ch == '-'
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}
