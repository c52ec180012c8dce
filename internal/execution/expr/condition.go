package expr

import (
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
)

// CompileCondition lowers a structured condition into the same AST the parser
// produces, so both input forms share one evaluator.
func CompileCondition(c domain.Condition) (Node, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return compile(c, 0)
}

func compile(c domain.Condition, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("condition nested too deeply")
	}
	switch c.Type {
	case domain.ConditionSimple:
		left := Ref{Path: refPath(c.Field)}
		op := domain.CanonicalOperator(c.Operator)
		switch op {
		case domain.OpIsEmpty, domain.OpIsNotEmpty:
			return Compare{Op: op, Left: left}, nil
		}
		return Compare{Op: op, Left: left, Right: valueNode(c.Value)}, nil
	case domain.ConditionAnd, domain.ConditionOr:
		terms := make([]Node, 0, len(c.Conditions))
		for _, child := range c.Conditions {
			n, err := compile(child, depth+1)
			if err != nil {
				return nil, err
			}
			terms = append(terms, n)
		}
		if c.Type == domain.ConditionAnd {
			return And{Terms: terms}, nil
		}
		return Or{Terms: terms}, nil
	case domain.ConditionNot:
		x, err := compile(*c.Condition, depth+1)
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	case domain.ConditionExpression:
		return Parse(c.Expression)
	default:
		return nil, fmt.Errorf("unsupported conditionType %q", c.Type)
	}
}

// refPath accepts both "step.field" and "{{step.field}}".
func refPath(field string) string {
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "{{") && strings.HasSuffix(field, "}}") {
		field = strings.TrimSpace(field[2 : len(field)-2])
	}
	return field
}

// valueNode turns a condition value into a node. A string that is exactly one
// {{reference}} compares against the referenced value.
func valueNode(v any) Node {
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
			strings.Count(trimmed, "{{") == 1 {
			return Ref{Path: refPath(trimmed)}
		}
	}
	return Literal{Value: v}
}

// Condition evaluates a structured condition against scope.
func Condition(c domain.Condition, scope Scope) (bool, error) {
	n, err := CompileCondition(c)
	if err != nil {
		return false, err
	}
	return EvalBool(n, scope)
}
