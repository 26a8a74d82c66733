package expr

import (
	"fmt"
	"sort"
	"strings"
)

// builtins maps the whitelisted call names to their required argument
// count. Everything callable outside this table, other than <name>.get, is
// rejected.
var builtins = map[string]int{
	"len":   1,
	"str":   1,
	"int":   1,
	"float": 1,
	"bool":  1,
	"abs":   1,
}

type validator struct {
	allowed map[string]struct{}
}

// validate walks the parsed tree and rejects constructs that are
// syntactically valid but outside the sandbox: identifiers not in the
// allowed set, attribute access other than .get as a call target, and
// calls to anything but .get and the builtin whitelist.
func validate(root node, names []string) error {
	v := &validator{allowed: make(map[string]struct{}, len(names))}
	for _, n := range names {
		v.allowed[n] = struct{}{}
	}
	return v.node(root)
}

func (v *validator) node(n node) error {
	switch t := n.(type) {
	case *literalNode:
		return nil
	case *nameNode:
		if _, ok := v.allowed[t.name]; !ok {
			return &SecurityError{Message: fmt.Sprintf("unknown identifier %q, available: %s", t.name, v.allowedList())}
		}
		return nil
	case *listNode:
		return v.all(t.elems)
	case *setNode:
		return v.all(t.elems)
	case *dictNode:
		if err := v.all(t.keys); err != nil {
			return err
		}
		return v.all(t.values)
	case *subscriptNode:
		if err := v.node(t.target); err != nil {
			return err
		}
		return v.node(t.index)
	case *attrNode:
		return &SecurityError{Message: fmt.Sprintf("attribute access %q is forbidden, only .get(...) calls are permitted", t.name)}
	case *callNode:
		return v.call(t)
	case *unaryNode:
		return v.node(t.operand)
	case *binaryNode:
		if err := v.node(t.left); err != nil {
			return err
		}
		return v.node(t.right)
	case *boolOpNode:
		return v.all(t.operands)
	case *compareNode:
		if err := v.node(t.left); err != nil {
			return err
		}
		return v.all(t.rest)
	case *ternaryNode:
		if err := v.node(t.cond); err != nil {
			return err
		}
		if err := v.node(t.body); err != nil {
			return err
		}
		return v.node(t.orelse)
	default:
		return &SecurityError{Message: fmt.Sprintf("unsupported construct %s", n.nodeKind())}
	}
}

func (v *validator) call(call *callNode) error {
	switch callee := call.callee.(type) {
	case *attrNode:
		name, ok := callee.target.(*nameNode)
		if !ok || callee.name != "get" {
			return &SecurityError{Message: "method calls other than .get are forbidden"}
		}
		if _, allowed := v.allowed[name.name]; !allowed {
			return &SecurityError{Message: fmt.Sprintf("unknown identifier %q, available: %s", name.name, v.allowedList())}
		}
		if len(call.args) < 1 || len(call.args) > 2 {
			return &SyntaxError{Message: fmt.Sprintf("%s.get takes 1 or 2 arguments, got %d", name.name, len(call.args)), Pos: call.pos}
		}
		return v.all(call.args)
	case *nameNode:
		want, ok := builtins[callee.name]
		if !ok {
			return &SecurityError{Message: fmt.Sprintf("call to %q is forbidden, allowed builtins are len, str, int, float, bool, abs", callee.name)}
		}
		if len(call.args) != want {
			return &SyntaxError{Message: fmt.Sprintf("%s takes exactly %d argument, got %d", callee.name, want, len(call.args)), Pos: call.pos}
		}
		return v.all(call.args)
	default:
		return &SecurityError{Message: "only .get and builtin calls are permitted"}
	}
}

func (v *validator) all(nodes []node) error {
	for _, n := range nodes {
		if err := v.node(n); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) allowedList() string {
	names := make([]string, 0, len(v.allowed))
	for n := range v.allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
