// Package expr implements the sandboxed expression language used by gate
// conditions and aggregation triggers. Expressions are a restricted subset
// of a classical expression language: row field access, literals,
// comparisons, boolean logic, arithmetic, membership tests, and a fixed
// whitelist of builtins. Everything else is rejected before a run starts.
//
// Parsing happens in two phases. Parse builds the syntax tree and fails on
// malformed input; validation then walks the tree and rejects constructs
// that are syntactically fine but forbidden (unknown names, calls outside
// the whitelist, attribute access other than row.get). Evaluation errors,
// such as a missing row key or int("x"), surface per evaluation and fail
// only that gate decision.
package expr

import "fmt"

// SyntaxError reports malformed input at a byte offset.
type SyntaxError struct {
	Message string
	Pos     int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid syntax at offset %d: %s", e.Pos, e.Message)
}

// SecurityError reports a well-formed expression using a forbidden
// construct. These are configuration defects and fail at load time.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return "forbidden construct: " + e.Message
}

// EvalError reports a runtime evaluation failure against a concrete row.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string {
	return "evaluation failed: " + e.Message
}

func evalErrorf(format string, args ...any) *EvalError {
	return &EvalError{Message: fmt.Sprintf(format, args...)}
}

// Expression is a parsed and validated expression, safe to evaluate against
// row data. Immutable after Parse; safe for concurrent Eval calls.
type Expression struct {
	src  string
	root node
}

// Parse parses and validates an expression over the single identifier row.
// The returned Expression is ready to evaluate; any forbidden construct or
// syntax error is reported here, never at row time.
func Parse(expression string) (*Expression, error) {
	return ParseNames(expression, "row")
}

// ParseNames parses and validates an expression whose identifiers must come
// from names. Gate conditions use Parse, which admits only row; aggregation
// trigger conditions admit batch_count and batch_age_seconds instead.
func ParseNames(expression string, names ...string) (*Expression, error) {
	p := newParser(expression)
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := validate(root, names); err != nil {
		return nil, err
	}
	return &Expression{src: expression, root: root}, nil
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.src }

// IsBoolean reports whether the expression statically returns a boolean:
// comparisons, and/or/not, boolean literals, and ternaries whose branches
// are both boolean. Gate configs use this to insist on true/false route
// labels for boolean conditions.
func (e *Expression) IsBoolean() bool { return isBooleanNode(e.root) }

// Eval evaluates the expression against a row. The result is whatever the
// expression produces; gate callers usually want EvalBool.
func (e *Expression) Eval(row map[string]any) (any, error) {
	return evalNode(e.root, map[string]any{"row": row})
}

// EvalBool evaluates the expression and applies truthiness to the result:
// nil, false, zero, empty string, and empty containers are false.
func (e *Expression) EvalBool(row map[string]any) (bool, error) {
	v, err := e.Eval(row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// EvalScope evaluates the expression against arbitrary named values, for
// expressions parsed with ParseNames.
func (e *Expression) EvalScope(scope map[string]any) (any, error) {
	return evalNode(e.root, scope)
}

// EvalBoolScope is EvalScope with truthiness applied to the result.
func (e *Expression) EvalBoolScope(scope map[string]any) (bool, error) {
	v, err := evalNode(e.root, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (e *Expression) String() string {
	return fmt.Sprintf("expr.Expression(%q)", e.src)
}
