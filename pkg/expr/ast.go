package expr

// node is the interface implemented by every AST node. Nodes are built by
// the parser, checked by validate, and walked by evalNode.
type node interface {
	nodeKind() string
}

// literalNode holds int64, float64, bool, string or nil.
type literalNode struct {
	value any
}

type nameNode struct {
	name string
	pos  int
}

type listNode struct {
	elems []node
}

type setNode struct {
	elems []node
}

type dictNode struct {
	keys   []node
	values []node
}

// subscriptNode is container[index], e.g. row['status'].
type subscriptNode struct {
	target node
	index  node
}

// attrNode is target.name. Validation only permits it as the callee of a
// call (row.get); bare attribute access is rejected.
type attrNode struct {
	target node
	name   string
	pos    int
}

type callNode struct {
	callee node
	args   []node
	pos    int
}

type unaryNode struct {
	op      string // "-", "+", "not"
	operand node
}

type binaryNode struct {
	op    string // "+", "-", "*", "/", "//", "%"
	left  node
	right node
}

// boolOpNode is a chain of and/or with two or more operands, matching the
// source language's n-ary BoolOp shape so short-circuit evaluation returns
// operand values rather than coerced booleans.
type boolOpNode struct {
	op       string // "and", "or"
	operands []node
}

// compareNode is a comparison chain: left op[0] rest[0] op[1] rest[1] ...
// such as 1 < x <= 10. Each link is evaluated at most once and the chain
// short-circuits on the first false link.
type compareNode struct {
	left node
	ops  []string // "==", "!=", "<", "<=", ">", ">=", "in", "not in", "is", "is not"
	rest []node
}

// ternaryNode is the conditional expression: body if cond else orelse.
type ternaryNode struct {
	cond   node
	body   node
	orelse node
}

func (*literalNode) nodeKind() string   { return "literal" }
func (*nameNode) nodeKind() string      { return "name" }
func (*listNode) nodeKind() string      { return "list" }
func (*setNode) nodeKind() string       { return "set" }
func (*dictNode) nodeKind() string      { return "dict" }
func (*subscriptNode) nodeKind() string { return "subscript" }
func (*attrNode) nodeKind() string      { return "attribute" }
func (*callNode) nodeKind() string      { return "call" }
func (*unaryNode) nodeKind() string     { return "unary" }
func (*binaryNode) nodeKind() string    { return "binary" }
func (*boolOpNode) nodeKind() string    { return "boolop" }
func (*compareNode) nodeKind() string   { return "compare" }
func (*ternaryNode) nodeKind() string   { return "ternary" }

// isBooleanNode reports whether the expression is statically known to
// produce a boolean. Gates with route maps keyed "true"/"false" require
// this so a non-boolean condition fails at load time instead of routing
// every row down one branch.
func isBooleanNode(n node) bool {
	switch v := n.(type) {
	case *compareNode:
		return true
	case *boolOpNode:
		for _, op := range v.operands {
			if !isBooleanNode(op) {
				return false
			}
		}
		return true
	case *unaryNode:
		return v.op == "not"
	case *literalNode:
		_, ok := v.value.(bool)
		return ok
	case *ternaryNode:
		return isBooleanNode(v.body) && isBooleanNode(v.orelse)
	default:
		return false
	}
}
