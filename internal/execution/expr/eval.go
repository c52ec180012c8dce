package expr

import (
	"fmt"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

// Scope supplies the data references resolve against. Lookups return plain data;
// nothing reachable from a Scope is ever invoked by the evaluator.
type Scope interface {
	Lookup(path string) (any, bool)
}

// MapScope resolves dotted paths over a plain map.
type MapScope map[string]any

func (m MapScope) Lookup(path string) (any, bool) {
	parts, ok := values.SplitPath(path)
	if !ok {
		return nil, false
	}
	return values.Walk(map[string]any(m), parts)
}

// Evaluate parses and evaluates src, returning the resulting value.
func Evaluate(src string, scope Scope) (any, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Eval(n, scope)
}

// EvaluateBool parses src and returns the truthiness of its value.
func EvaluateBool(src string, scope Scope) (bool, error) {
	v, err := Evaluate(src, scope)
	if err != nil {
		return false, err
	}
	return values.Truthy(v), nil
}

// Eval walks n against scope. It is total over the node set and performs no I/O.
func Eval(n Node, scope Scope) (any, error) {
	switch node := n.(type) {
	case Literal:
		return node.Value, nil
	case Ref:
		v, ok := scope.Lookup(node.Path)
		if !ok {
			return nil, &domain.VariableResolutionError{Path: node.Path}
		}
		return v, nil
	case Not:
		v, err := Eval(node.X, scope)
		if err != nil {
			return nil, err
		}
		return !values.Truthy(v), nil
	case And:
		for _, term := range node.Terms {
			v, err := Eval(term, scope)
			if err != nil {
				return nil, err
			}
			if !values.Truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case Or:
		for _, term := range node.Terms {
			v, err := Eval(term, scope)
			if err != nil {
				return nil, err
			}
			if values.Truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case Compare:
		return evalCompare(node, scope)
	default:
		return nil, fmt.Errorf("unsupported expression node %T", n)
	}
}

// EvalBool evaluates n and returns its truthiness.
func EvalBool(n Node, scope Scope) (bool, error) {
	v, err := Eval(n, scope)
	if err != nil {
		return false, err
	}
	return values.Truthy(v), nil
}

func evalCompare(node Compare, scope Scope) (bool, error) {
	switch node.Op {
	case domain.OpIsEmpty, domain.OpIsNotEmpty:
		// A missing reference counts as empty.
		left, err := evalOptional(node.Left, scope)
		if err != nil {
			return false, err
		}
		empty := values.IsEmpty(left)
		if node.Op == domain.OpIsEmpty {
			return empty, nil
		}
		return !empty, nil
	}

	left, err := Eval(node.Left, scope)
	if err != nil {
		return false, err
	}
	if node.Right == nil {
		return false, fmt.Errorf("operator %s requires a right operand", node.Op)
	}
	right, err := Eval(node.Right, scope)
	if err != nil {
		return false, err
	}

	switch node.Op {
	case domain.OpEquals:
		return values.Equal(left, right), nil
	case domain.OpNotEquals:
		return !values.Equal(left, right), nil
	case domain.OpContains:
		return values.Contains(left, right), nil
	case domain.OpGreater, domain.OpGreaterEq, domain.OpLess, domain.OpLessEq:
		cmp, ok := values.Compare(left, right)
		if !ok {
			return false, nil
		}
		switch node.Op {
		case domain.OpGreater:
			return cmp > 0, nil
		case domain.OpGreaterEq:
			return cmp >= 0, nil
		case domain.OpLess:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported operator %q", node.Op)
	}
}

func evalOptional(n Node, scope Scope) (any, error) {
	if ref, ok := n.(Ref); ok {
		v, found := scope.Lookup(ref.Path)
		if !found {
			return nil, nil
		}
		return v, nil
	}
	return Eval(n, scope)
}
