// Package asm reads the textual IR that ir.Function.String prints back into
// functions, so loops can be written by hand in .ir files and printed
// functions can be fed back to the analyses.
//
// EXAMPLE:
//
//	func sum(%a: ptr<i32>, %n: i64) i32 {
//	entry:
//	  br %loop
//	loop:
//	  %i = phi i64 [0, %entry], [%i.next, %loop]
//	  %acc = phi i32 [0, %entry], [%acc.next, %loop]
//	  ...
//	}
//
// A ';' starts a comment that runs to the end of the line.
package asm

import "fmt"

// TokenType represents the type of a token.
type TokenType int

// Token type enumeration.
//
// ORGANIZATION:
// 1. Special tokens (EOF, Invalid, Comment)
// 2. Words and names (identifiers, %locals, @globals, numbers)
// 3. Delimiters
const (
	// Special tokens

	// TokenEOF marks the end of the input.
	TokenEOF TokenType = iota

	// TokenInvalid represents a lexical error.
	TokenInvalid

	// TokenComment is a ';' comment. The parser never sees it.
	TokenComment

	// Words and names

	// TokenIdent is a bare word: keywords, opcodes, type names, labels,
	// flags and the literals true, false, inf and nan.
	TokenIdent

	// TokenLocal is a %name: parameters, instruction results, block
	// references and opaque struct types.
	TokenLocal

	// TokenGlobal is an @name: globals and callees.
	TokenGlobal

	// TokenNumber is an integer or floating point literal, including -inf
	// and -nan.
	TokenNumber

	// Delimiters

	TokenLeftParen    // (
	TokenRightParen   // )
	TokenLeftBrace    // {
	TokenRightBrace   // }
	TokenLeftBracket  // [
	TokenRightBracket // ]
	TokenLess         // <
	TokenGreater      // >
	TokenComma        // ,
	TokenColon        // :
	TokenEquals       // =
)

var tokenNames = map[TokenType]string{
	TokenEOF:          "EOF",
	TokenInvalid:      "INVALID",
	TokenComment:      "COMMENT",
	TokenIdent:        "IDENT",
	TokenLocal:        "LOCAL",
	TokenGlobal:       "GLOBAL",
	TokenNumber:       "NUMBER",
	TokenLeftParen:    "(",
	TokenRightParen:   ")",
	TokenLeftBrace:    "{",
	TokenRightBrace:   "}",
	TokenLeftBracket:  "[",
	TokenRightBracket: "]",
	TokenLess:         "<",
	TokenGreater:      ">",
	TokenComma:        ",",
	TokenColon:        ":",
	TokenEquals:       "=",
}

// String returns the name of the token type.
func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TokenType(%d)", int(t))
}

// Token is one lexeme with its position.
//
// Lexeme is the exact source text, sigil included for locals and globals.
type Token struct {
	Type     TokenType
	Lexeme   string
	Position Position
}

// Name returns the lexeme without its '%' or '@' sigil.
func (t Token) Name() string {
	if t.Type == TokenLocal || t.Type == TokenGlobal {
		return t.Lexeme[1:]
	}
	return t.Lexeme
}

// String describes the token for error messages.
func (t Token) String() string {
	if t.Type == TokenEOF {
		return "end of file"
	}
	return fmt.Sprintf("%q", t.Lexeme)
}
