// Package transform applies deterministic in-process operations to step data.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/expr"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

// Operations supported by Apply.
const (
	OpFilter      = "filter"
	OpMap         = "map"
	OpSort        = "sort"
	OpGroup       = "group"
	OpAggregate   = "aggregate"
	OpReduce      = "reduce"
	OpLimit       = "limit"
	OpFlatten     = "flatten"
	OpDeduplicate = "deduplicate"
)

// ItemAlias is the name each element is bound to inside filter conditions and map fields.
const ItemAlias = "item"

// Result is the transformed data and the number of elements it holds.
type Result struct {
	Data      any
	ItemCount int
}

// IsOperation reports whether name is an operation Apply supports.
func IsOperation(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case OpFilter, OpMap, OpSort, OpGroup, OpAggregate, OpReduce, OpLimit, OpFlatten, OpDeduplicate:
		return true
	default:
		return false
	}
}

// Apply runs cfg.Operation over input. base resolves references that are not
// relative to the current item.
func Apply(cfg *domain.TransformConfig, input any, base expr.Scope) (Result, error) {
	op := strings.ToLower(strings.TrimSpace(cfg.Operation))
	if op == OpAggregate || op == OpReduce {
		items, err := asItems(input)
		if err != nil {
			return Result{}, err
		}
		if op == OpReduce {
			v, err := Reduce(cfg.Reducer, items, cfg.Field, cfg.Separator, cfg.Initial)
			if err != nil {
				return Result{}, err
			}
			return Result{Data: v, ItemCount: len(items)}, nil
		}
		v, err := aggregate(items, cfg.Aggregations)
		return Result{Data: v, ItemCount: len(items)}, err
	}

	items, err := asItems(input)
	if err != nil {
		return Result{}, err
	}
	switch op {
	case OpFilter:
		return filter(items, cfg.Condition, base)
	case OpMap:
		return mapItems(items, cfg.Fields, base)
	case OpSort:
		return sortItems(items, cfg.Field, cfg.Order)
	case OpGroup:
		return group(items, cfg.Field)
	case OpLimit:
		if cfg.Limit < 0 {
			return Result{}, fmt.Errorf("limit must be >= 0")
		}
		if cfg.Limit < len(items) {
			items = items[:cfg.Limit]
		}
		return Result{Data: items, ItemCount: len(items)}, nil
	case OpFlatten:
		out := make([]any, 0, len(items))
		for _, item := range items {
			if list, ok := values.AsSlice(item); ok {
				out = append(out, list...)
				continue
			}
			out = append(out, item)
		}
		return Result{Data: out, ItemCount: len(out)}, nil
	case OpDeduplicate:
		return deduplicate(items, cfg.Field)
	default:
		return Result{}, fmt.Errorf("unsupported transform operation %q", cfg.Operation)
	}
}

func asItems(input any) ([]any, error) {
	if input == nil {
		return []any{}, nil
	}
	if items, ok := values.AsSlice(input); ok {
		return items, nil
	}
	return nil, fmt.Errorf("transform input must be a list, got %T", input)
}

// itemScope resolves "item.*" against the current element and everything else
// through base.
type itemScope struct {
	item  any
	index int
	base  expr.Scope
}

func (s itemScope) Lookup(path string) (any, bool) {
	parts, ok := values.SplitPath(path)
	if !ok {
		return nil, false
	}
	switch parts[0] {
	case ItemAlias:
		// Missing item fields read as null so one sparse element does not fail the step.
		v, _ := values.Walk(s.item, parts[1:])
		return v, true
	case "index":
		if len(parts) == 1 {
			return s.index, true
		}
	}
	if s.base == nil {
		return nil, false
	}
	return s.base.Lookup(path)
}

func filter(items []any, cond *domain.Condition, base expr.Scope) (Result, error) {
	if cond == nil {
		return Result{}, fmt.Errorf("filter requires a condition")
	}
	node, err := expr.CompileCondition(*cond)
	if err != nil {
		return Result{}, err
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		keep, err := expr.EvalBool(node, itemScope{item: item, index: i, base: base})
		if err != nil {
			return Result{}, fmt.Errorf("filter item %d: %w", i, err)
		}
		if keep {
			out = append(out, item)
		}
	}
	return Result{Data: out, ItemCount: len(out)}, nil
}

// mapItems projects each element into a new object. A field spec is either a path
// relative to the element ("name", "item.name") or a {{reference}}.
func mapItems(items []any, fields map[string]string, base expr.Scope) (Result, error) {
	if len(fields) == 0 {
		return Result{}, fmt.Errorf("map requires fields")
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(items))
	for i, item := range items {
		scope := itemScope{item: item, index: i, base: base}
		row := make(map[string]any, len(fields))
		for _, key := range keys {
			spec := strings.TrimSpace(fields[key])
			if inner, ok := wholeRef(spec); ok {
				v, found := scope.Lookup(inner)
				if !found {
					return Result{}, &domain.VariableResolutionError{Path: inner, Reason: fmt.Sprintf("map item %d", i)}
				}
				row[key] = v
				continue
			}
			row[key] = lookupRelative(item, spec, scope)
		}
		out = append(out, row)
	}
	return Result{Data: out, ItemCount: len(out)}, nil
}

func lookupRelative(item any, spec string, scope itemScope) any {
	parts, ok := values.SplitPath(spec)
	if !ok {
		return nil
	}
	if parts[0] == ItemAlias {
		v, _ := values.Walk(item, parts[1:])
		return v
	}
	if v, found := values.Walk(item, parts); found {
		return v
	}
	v, _ := scope.Lookup(spec)
	return v
}

func wholeRef(s string) (string, bool) {
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && strings.Count(s, "{{") == 1 {
		return strings.TrimSpace(s[2 : len(s)-2]), true
	}
	return "", false
}

func fieldValue(item any, field string) (any, bool) {
	if strings.TrimSpace(field) == "" {
		return item, true
	}
	parts, ok := values.SplitPath(field)
	if !ok {
		return nil, false
	}
	if parts[0] == ItemAlias {
		parts = parts[1:]
	}
	return values.Walk(item, parts)
}

// sortItems is stable; elements missing the field sort last.
func sortItems(items []any, field, order string) (Result, error) {
	order = strings.ToLower(strings.TrimSpace(order))
	if order != "" && order != "asc" && order != "desc" {
		return Result{}, fmt.Errorf("sort order must be asc or desc, got %q", order)
	}
	desc := order == "desc"
	out := append([]any(nil), items...)
	var cmpErr error
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := fieldValue(out[i], field)
		b, bok := fieldValue(out[j], field)
		if !aok || a == nil {
			return false
		}
		if !bok || b == nil {
			return true
		}
		cmp, ok := values.Compare(a, b)
		if !ok {
			if cmpErr == nil {
				cmpErr = fmt.Errorf("sort: values %v and %v are not comparable", a, b)
			}
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	if cmpErr != nil {
		return Result{}, cmpErr
	}
	return Result{Data: out, ItemCount: len(out)}, nil
}

func group(items []any, field string) (Result, error) {
	if strings.TrimSpace(field) == "" {
		return Result{}, fmt.Errorf("group requires a field")
	}
	groups := make(map[string]any)
	for _, item := range items {
		v, _ := fieldValue(item, field)
		key := values.Stringify(v)
		bucket, _ := groups[key].([]any)
		groups[key] = append(bucket, item)
	}
	return Result{Data: groups, ItemCount: len(groups)}, nil
}

func aggregate(items []any, aggregations []domain.Aggregation) (map[string]any, error) {
	if len(aggregations) == 0 {
		return nil, fmt.Errorf("aggregate requires aggregations")
	}
	out := make(map[string]any, len(aggregations))
	for _, agg := range aggregations {
		name := strings.TrimSpace(agg.Name)
		if name == "" {
			name = agg.Operation
			if agg.Field != "" {
				name += "_" + agg.Field
			}
		}
		if !IsAggregation(agg.Operation) {
			return nil, fmt.Errorf("aggregation %s: unsupported operation %q", name, agg.Operation)
		}
		v, err := Reduce(agg.Operation, items, agg.Field, "", nil)
		if err != nil {
			return nil, fmt.Errorf("aggregation %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func deduplicate(items []any, field string) (Result, error) {
	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, _ := fieldValue(item, field)
		key := fmt.Sprintf("%T:%s", v, values.Stringify(v))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return Result{Data: out, ItemCount: len(out)}, nil
}
