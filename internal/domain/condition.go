package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConditionType discriminates the condition union.
type ConditionType string

const (
	ConditionSimple     ConditionType = "simple"
	ConditionAnd        ConditionType = "complex_and"
	ConditionOr         ConditionType = "complex_or"
	ConditionNot        ConditionType = "complex_not"
	ConditionExpression ConditionType = "expression"
)

// Comparison operators accepted by simple conditions.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpGreater    = "greater_than"
	OpGreaterEq  = "greater_or_equal"
	OpLess       = "less_than"
	OpLessEq     = "less_or_equal"
	OpContains   = "contains"
	OpIsEmpty    = "is_empty"
	OpIsNotEmpty = "is_not_empty"
)

// Condition is a boolean predicate over the execution context.
// Each ConditionType uses exactly one shape:
//
//	simple       field, operator, value
//	complex_and  conditions
//	complex_or   conditions
//	complex_not  condition
//	expression   expression
type Condition struct {
	Type       ConditionType `json:"conditionType"`
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Value      any           `json:"value,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Condition  *Condition    `json:"condition,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

var legacyConditionKeys = []string{"and", "or", "not"}

func (c *Condition) UnmarshalJSON(raw []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return fmt.Errorf("condition must be an object: %w", err)
	}
	if _, ok := keys["conditionType"]; !ok {
		for _, legacy := range legacyConditionKeys {
			if _, found := keys[legacy]; found {
				return &ValidationError{Issues: []string{
					fmt.Sprintf("condition uses unsupported %q shape; use conditionType complex_%s", legacy, legacy),
				}}
			}
		}
		if _, ok := keys["expression"]; ok {
			// A bare expression object is unambiguous.
			var expr string
			if err := json.Unmarshal(keys["expression"], &expr); err != nil {
				return fmt.Errorf("condition expression: %w", err)
			}
			*c = Condition{Type: ConditionExpression, Expression: expr}
			return nil
		}
		return &ValidationError{Issues: []string{"condition conditionType is required"}}
	}
	type plain Condition
	var decoded plain
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*c = Condition(decoded)
	c.Type = ConditionType(strings.ToLower(strings.TrimSpace(string(c.Type))))
	return nil
}

// Validate reports shape violations recursively.
func (c Condition) Validate() error {
	issues := &ValidationError{}
	c.collectIssues(issues, "condition")
	return issues.OrNil()
}

func (c Condition) collectIssues(issues *ValidationError, path string) {
	switch c.Type {
	case ConditionSimple:
		if strings.TrimSpace(c.Field) == "" {
			issues.Add(path + ".field is required")
		}
		if !isKnownOperator(CanonicalOperator(c.Operator)) {
			issues.Add(fmt.Sprintf("%s.operator unsupported: %q", path, c.Operator))
		}
		if len(c.Conditions) > 0 || c.Condition != nil || c.Expression != "" {
			issues.Add(path + " simple condition must not carry nested conditions or expression")
		}
	case ConditionAnd, ConditionOr:
		if len(c.Conditions) == 0 {
			issues.Add(path + ".conditions must not be empty")
		}
		if c.Field != "" || c.Operator != "" || c.Condition != nil || c.Expression != "" {
			issues.Add(fmt.Sprintf("%s %s condition only accepts conditions", path, c.Type))
		}
		for i, child := range c.Conditions {
			child.collectIssues(issues, fmt.Sprintf("%s.conditions[%d]", path, i))
		}
	case ConditionNot:
		if c.Condition == nil {
			issues.Add(path + ".condition is required")
		} else {
			c.Condition.collectIssues(issues, path+".condition")
		}
		if c.Field != "" || c.Operator != "" || len(c.Conditions) > 0 || c.Expression != "" {
			issues.Add(path + " complex_not condition only accepts condition")
		}
	case ConditionExpression:
		if strings.TrimSpace(c.Expression) == "" {
			issues.Add(path + ".expression is required")
		}
	case "":
		issues.Add(path + ".conditionType is required")
	default:
		issues.Add(fmt.Sprintf("%s.conditionType unsupported: %q", path, c.Type))
	}
}

var operatorSymbols = map[string]string{
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGreater,
	">=": OpGreaterEq,
	"<":  OpLess,
	"<=": OpLessEq,
}

// CanonicalOperator maps the symbolic comparison forms onto the named operators.
// Other values are returned trimmed and otherwise unchanged.
func CanonicalOperator(op string) string {
	op = strings.TrimSpace(op)
	if named, ok := operatorSymbols[op]; ok {
		return named
	}
	return op
}

func isKnownOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq, OpContains, OpIsEmpty, OpIsNotEmpty:
		return true
	default:
		return false
	}
}
