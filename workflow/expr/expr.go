// Package expr evaluates guard and condition expressions against a workflow
// variable map. The grammar is deliberately closed: numeric, string and
// boolean literals, dotted variable access, the operators
// + - * / % && || ! == != < <= > >=, parentheses, and the functions len and
// has. No identifier ever resolves to a host value outside the variable map,
// so expressions cannot escape the sandbox.
package expr

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/flowmesh/flowmesh/workflow"
)

// ErrUndefined is returned when an expression references a variable path that
// does not resolve in the variable map. Use has() to probe for presence.
var ErrUndefined = errors.New("undefined variable")

type (
	// Expr is a parsed expression, reusable across evaluations.
	Expr struct {
		src  string
		root node
	}

	node interface {
		eval(vars map[string]any) (any, error)
	}

	literalNode struct{ value any }

	varNode struct{ path string }

	unaryNode struct {
		op      string
		operand node
	}

	binaryNode struct {
		op          string
		left, right node
	}

	callNode struct {
		fn  string
		arg node
	}
)

// Parse compiles src into an Expr.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("parse %q: trailing input at %d", src, p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

// String returns the original source of the expression.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against vars and returns the result.
func (e *Expr) Eval(vars map[string]any) (any, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return v, nil
}

// EvalBool evaluates the expression and requires a boolean result.
func (e *Expr) EvalBool(vars map[string]any) (bool, error) {
	v, err := e.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is %T, not bool", e.src, v)
	}
	return b, nil
}

// Eval is a convenience that parses and evaluates src in one step.
func Eval(src string, vars map[string]any) (any, error) {
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(vars)
}

// EvalBool parses and evaluates src, requiring a boolean result.
func EvalBool(src string, vars map[string]any) (bool, error) {
	e, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.EvalBool(vars)
}

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n *varNode) eval(vars map[string]any) (any, error) {
	v, ok := workflow.LookupPath(vars, n.path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefined, n.path)
	}
	return v, nil
}

func (n *unaryNode) eval(vars map[string]any) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operator ! needs bool, got %T", v)
		}
		return !b, nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("operator - needs number, got %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

func (n *binaryNode) eval(vars map[string]any) (any, error) {
	// && and || short-circuit; the right side is only evaluated when needed.
	if n.op == "&&" || n.op == "||" {
		lb, err := evalBoolOperand(n.left, vars, n.op)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		return evalBoolOperand(n.right, vars, n.op)
	}

	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	}

	if ls, lok := lv.(string); lok {
		rs, rok := rv.(string)
		if !rok {
			return nil, fmt.Errorf("operator %s: mixed string and %T", n.op, rv)
		}
		switch n.op {
		case "+":
			return ls + rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
		return nil, fmt.Errorf("operator %s not defined on strings", n.op)
	}

	lf, lok := toNumber(lv)
	rf, rok := toNumber(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", n.op, lv, rv)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, errors.New("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func (n *callNode) eval(vars map[string]any) (any, error) {
	switch n.fn {
	case "has":
		// has probes for presence without erroring on undefined paths. The
		// argument is a variable path or a string naming one.
		switch arg := n.arg.(type) {
		case *varNode:
			_, ok := workflow.LookupPath(vars, arg.path)
			return ok, nil
		case *literalNode:
			s, ok := arg.value.(string)
			if !ok {
				return nil, fmt.Errorf("has expects a variable or path string, got %T", arg.value)
			}
			_, found := workflow.LookupPath(vars, s)
			return found, nil
		default:
			return nil, errors.New("has expects a variable or path string")
		}
	case "len":
		v, err := n.arg.eval(vars)
		if err != nil {
			return nil, err
		}
		switch val := v.(type) {
		case string:
			return float64(len(val)), nil
		case []any:
			return float64(len(val)), nil
		case map[string]any:
			return float64(len(val)), nil
		default:
			return nil, fmt.Errorf("len not defined on %T", v)
		}
	}
	return nil, fmt.Errorf("unknown function %q", n.fn)
}

func evalBoolOperand(n node, vars map[string]any, op string) (bool, error) {
	v, err := n.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("operator %s needs bool operands, got %T", op, v)
	}
	return b, nil
}

// toNumber normalizes the numeric types that appear in variable maps after
// JSON round-trips.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// looseEqual compares scalars numerically when both sides are numbers and
// falls back to deep equality otherwise, so 1 == 1.0 regardless of how the
// values were decoded.
func looseEqual(a, b any) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
