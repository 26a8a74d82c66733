package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString

	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokComma
	tokColon
	tokDot

	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokSlashSlash
	tokPercent

	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe

	tokAnd
	tokOr
	tokNot
	tokIn
	tokIs
	tokIf
	tokElse
	tokTrue
	tokFalse
	tokNone
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"in":    tokIn,
	"is":    tokIs,
	"if":    tokIf,
	"else":  tokElse,
	"True":  tokTrue,
	"False": tokFalse,
	"None":  tokNone,
}

// Keywords from the source language that can never appear in a condition.
// Naming them beats a generic syntax error: the config author learns what
// was rejected, not just where.
var forbiddenKeywords = map[string]string{
	"lambda": "lambda expressions are forbidden",
	"for":    "comprehensions and loops are forbidden",
	"import": "imports are forbidden",
	"yield":  "yield expressions are forbidden",
	"await":  "await expressions are forbidden",
	"def":    "function definitions are forbidden",
	"class":  "class definitions are forbidden",
	"del":    "del statements are forbidden",
	"global": "global statements are forbidden",
	"assert": "assert statements are forbidden",
	"return": "return statements are forbidden",
	"while":  "loops are forbidden",
	"raise":  "raise statements are forbidden",
	"with":   "with statements are forbidden",
	"try":    "try statements are forbidden",
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: src} }

func (l *lexer) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Message: fmt.Sprintf(format, args...), Pos: pos}
}

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.lexNumber()
	case c == '\'' || c == '"':
		return l.lexString()
	case isIdentStart(rune(c)) || c >= utf8.RuneSelf:
		return l.lexIdent()
	}

	l.pos++
	switch c {
	case '(':
		return token{tokLParen, "(", start}, nil
	case ')':
		return token{tokRParen, ")", start}, nil
	case '[':
		return token{tokLBracket, "[", start}, nil
	case ']':
		return token{tokRBracket, "]", start}, nil
	case '{':
		return token{tokLBrace, "{", start}, nil
	case '}':
		return token{tokRBrace, "}", start}, nil
	case ',':
		return token{tokComma, ",", start}, nil
	case '.':
		return token{tokDot, ".", start}, nil
	case '+':
		return token{tokPlus, "+", start}, nil
	case '-':
		return token{tokMinus, "-", start}, nil
	case '*':
		if l.peekByte() == '*' {
			return token{}, &SecurityError{Message: "the ** operator is forbidden"}
		}
		return token{tokStar, "*", start}, nil
	case '/':
		if l.peekByte() == '/' {
			l.pos++
			return token{tokSlashSlash, "//", start}, nil
		}
		return token{tokSlash, "/", start}, nil
	case '%':
		return token{tokPercent, "%", start}, nil
	case '=':
		if l.peekByte() == '=' {
			l.pos++
			return token{tokEq, "==", start}, nil
		}
		return token{}, &SecurityError{Message: "assignment is forbidden, use == for comparison"}
	case '!':
		if l.peekByte() == '=' {
			l.pos++
			return token{tokNe, "!=", start}, nil
		}
		return token{}, l.errorf(start, "unexpected character %q", string(c))
	case '<':
		if l.peekByte() == '=' {
			l.pos++
			return token{tokLe, "<=", start}, nil
		}
		return token{tokLt, "<", start}, nil
	case '>':
		if l.peekByte() == '=' {
			l.pos++
			return token{tokGe, ">=", start}, nil
		}
		return token{tokGt, ">", start}, nil
	case ':':
		if l.peekByte() == '=' {
			return token{}, &SecurityError{Message: "assignment expressions (:=) are forbidden"}
		}
		return token{tokColon, ":", start}, nil
	case '@', '&', '|', '^', '~', ';', '#', '\\', '$', '`', '?':
		return token{}, l.errorf(start, "unexpected character %q", string(c))
	}
	return token{}, l.errorf(start, "unexpected character %q", string(c))
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	isFloat := false
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		isFloat = true
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			isFloat = true
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		} else {
			l.pos = mark
		}
	}
	text := l.src[start:l.pos]
	kind := tokInt
	if isFloat {
		kind = tokFloat
	}
	return token{kind, text, start}, nil
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	quote := l.src[l.pos]
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' {
			if l.pos+1 >= len(l.src) {
				return token{}, l.errorf(start, "unterminated string literal")
			}
			esc := l.src[l.pos+1]
			l.pos += 2
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				sb.WriteByte('\\')
			case '\'':
				sb.WriteByte('\'')
			case '"':
				sb.WriteByte('"')
			default:
				sb.WriteByte('\\')
				sb.WriteByte(esc)
			}
			continue
		}
		if c == quote {
			l.pos++
			return token{tokString, sb.String(), start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf(start, "unterminated string literal")
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	text := l.src[start:l.pos]

	// String prefixes (f"...", r'...') read as an identifier glued to a
	// quote. f-strings are a named forbidden construct; the rest are
	// plain syntax errors.
	if l.pos < len(l.src) && (l.src[l.pos] == '\'' || l.src[l.pos] == '"') {
		if text == "f" || text == "F" {
			return token{}, &SecurityError{Message: "f-strings are forbidden"}
		}
		return token{}, l.errorf(start, "string prefix %q is not supported", text)
	}

	if msg, bad := forbiddenKeywords[text]; bad {
		return token{}, &SecurityError{Message: msg}
	}
	if kind, ok := keywords[text]; ok {
		return token{kind, text, start}, nil
	}
	return token{tokIdent, text, start}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
