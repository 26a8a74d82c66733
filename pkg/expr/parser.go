package expr

import (
	"fmt"
	"strconv"
)

// parser is a recursive descent parser over the lexer token stream.
// Precedence from loosest to tightest: ternary, or, and, not, comparison
// chain, additive, multiplicative, unary sign, postfix (call, subscript,
// attribute), primary.
type parser struct {
	lex *lexer
	tok token
	err error
}

func newParser(src string) *parser {
	p := &parser{lex: newLexer(src)}
	p.advance()
	return p
}

func (p *parser) advance() error {
	if p.err != nil {
		return p.err
	}
	p.tok, p.err = p.lex.next()
	return p.err
}

func (p *parser) syntaxErrorf(format string, args ...any) error {
	return &SyntaxError{Message: fmt.Sprintf(format, args...), Pos: p.tok.pos}
}

func (p *parser) expect(kind tokenKind, what string) error {
	if p.err != nil {
		return p.err
	}
	if p.tok.kind != kind {
		return p.syntaxErrorf("expected %s, found %q", what, p.tok.text)
	}
	return p.advance()
}

func (p *parser) parseExpression() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind == tokEOF {
		return nil, p.syntaxErrorf("empty expression")
	}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.syntaxErrorf("unexpected %q after expression", p.tok.text)
	}
	return n, nil
}

func (p *parser) parseTernary() (node, error) {
	body, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokIf {
		return body, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokElse, "'else'"); err != nil {
		return nil, err
	}
	orelse, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, body: body, orelse: orelse}, nil
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokOr {
		return first, nil
	}
	operands := []node{first}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	return &boolOpNode{op: "or", operands: operands}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokAnd {
		return first, nil
	}
	operands := []node{first}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	return &boolOpNode{op: "and", operands: operands}, nil
}

func (p *parser) parseNot() (node, error) {
	if p.tok.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	var ops []string
	var rest []node
	for {
		var op string
		switch p.tok.kind {
		case tokEq:
			op = "=="
		case tokNe:
			op = "!="
		case tokLt:
			op = "<"
		case tokLe:
			op = "<="
		case tokGt:
			op = ">"
		case tokGe:
			op = ">="
		case tokIn:
			op = "in"
		case tokIs:
			if err := p.advance(); err != nil {
				return nil, err
			}
			op = "is"
			if p.tok.kind == tokNot {
				op = "is not"
			} else {
				right, err := p.parseAdditive()
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
				rest = append(rest, right)
				continue
			}
		case tokNot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIn {
				return nil, p.syntaxErrorf("expected 'in' after 'not'")
			}
			op = "not in"
		default:
			if len(ops) == 0 {
				return left, nil
			}
			return &compareNode{left: left, ops: ops, rest: rest}, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		rest = append(rest, right)
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokStar || p.tok.kind == tokSlash || p.tok.kind == tokSlashSlash || p.tok.kind == tokPercent {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokMinus || p.tok.kind == tokPlus {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, p.syntaxErrorf("expected attribute name after '.'")
			}
			target = &attrNode{target: target, name: p.tok.text, pos: p.tok.pos}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokLParen:
			pos := p.tok.pos
			if err := p.advance(); err != nil {
				return nil, err
			}
			var args []node
			for p.tok.kind != tokRParen {
				arg, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.tok.kind != tokComma {
					break
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			if err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			target = &callNode{callee: target, args: args, pos: pos}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			index, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if p.tok.kind == tokColon {
				return nil, &SecurityError{Message: "slicing is forbidden"}
			}
			if err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			target = &subscriptNode{target: target, index: index}
		default:
			return target, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokInt:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(text, 64)
			if ferr != nil {
				return nil, p.syntaxErrorf("invalid number %q", text)
			}
			return &literalNode{value: f}, nil
		}
		return &literalNode{value: i}, nil
	case tokFloat:
		text := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, p.syntaxErrorf("invalid number %q", text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		value := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: value}, nil
	case tokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: true}, nil
	case tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: false}, nil
	case tokNone:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: nil}, nil
	case tokIdent:
		name := p.tok.text
		pos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &nameNode{name: name, pos: pos}, nil
	case tokLParen:
		return p.parseParenthesized()
	case tokLBracket:
		return p.parseListDisplay()
	case tokLBrace:
		return p.parseBraceDisplay()
	case tokEOF:
		return nil, p.syntaxErrorf("unexpected end of expression")
	default:
		return nil, p.syntaxErrorf("unexpected %q", p.tok.text)
	}
}

// parseParenthesized handles grouping and tuple displays. Tuples evaluate
// as lists; the distinction carries no weight for conditions.
func (p *parser) parseParenthesized() (node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokRParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &listNode{}, nil
	}
	first, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokComma {
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return first, nil
	}
	elems := []node{first}
	for p.tok.kind == tokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokRParen {
			break
		}
		next, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		elems = append(elems, next)
	}
	if err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &listNode{elems: elems}, nil
}

func (p *parser) parseListDisplay() (node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var elems []node
	for p.tok.kind != tokRBracket {
		elem, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if p.tok.kind != tokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return &listNode{elems: elems}, nil
}

// parseBraceDisplay handles dict and set displays. A colon after the first
// element commits to a dict; anything else is a set.
func (p *parser) parseBraceDisplay() (node, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.tok.kind == tokRBrace {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &dictNode{}, nil
	}
	first, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokColon {
		keys := []node{first}
		var values []node
		if err := p.advance(); err != nil {
			return nil, err
		}
		value, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		values = append(values, value)
		for p.tok.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokRBrace {
				break
			}
			key, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokColon, "':'"); err != nil {
				return nil, err
			}
			val, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
			values = append(values, val)
		}
		if err := p.expect(tokRBrace, "'}'"); err != nil {
			return nil, err
		}
		return &dictNode{keys: keys, values: values}, nil
	}
	elems := []node{first}
	for p.tok.kind == tokComma {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokRBrace {
			break
		}
		next, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		elems = append(elems, next)
	}
	if err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return &setNode{elems: elems}, nil
}
