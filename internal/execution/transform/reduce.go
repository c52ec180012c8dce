package transform

import (
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/execution/values"
)

// Named reducers shared by the reduce transform and scatter/gather fan-in.
const (
	ReduceSum    = "sum"
	ReduceCount  = "count"
	ReduceMin    = "min"
	ReduceMax    = "max"
	ReduceAvg    = "avg"
	ReduceConcat = "concat"
	ReduceJoin   = "join"
)

const defaultSeparator = ", "

// Reduce folds items with a named reducer. When field is set each item is
// projected to that path first; items missing the field are ignored.
func Reduce(reducer string, items []any, field, separator string, initial any) (any, error) {
	projected := project(items, field)
	reducer = strings.ToLower(strings.TrimSpace(reducer))
	switch reducer {
	case ReduceSum:
		total := 0.0
		if initial != nil {
			start, ok := values.ToFloat64(initial)
			if !ok {
				return nil, fmt.Errorf("sum initial value %v is not numeric", initial)
			}
			total = start
		}
		for _, item := range projected {
			n, ok := values.ToFloat64(item)
			if !ok {
				return nil, fmt.Errorf("sum: value %v is not numeric", item)
			}
			total += n
		}
		return total, nil
	case ReduceCount:
		return len(projected), nil
	case ReduceMin, ReduceMax:
		var best any
		for _, item := range projected {
			if best == nil {
				best = item
				continue
			}
			cmp, ok := values.Compare(item, best)
			if !ok {
				return nil, fmt.Errorf("%s: values %v and %v are not comparable", reducer, item, best)
			}
			if (reducer == ReduceMin && cmp < 0) || (reducer == ReduceMax && cmp > 0) {
				best = item
			}
		}
		return best, nil
	case ReduceAvg:
		if len(projected) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, item := range projected {
			n, ok := values.ToFloat64(item)
			if !ok {
				return nil, fmt.Errorf("avg: value %v is not numeric", item)
			}
			total += n
		}
		return total / float64(len(projected)), nil
	case ReduceConcat:
		out := make([]any, 0, len(projected))
		if start, ok := values.AsSlice(initial); ok {
			out = append(out, start...)
		}
		for _, item := range projected {
			if list, ok := values.AsSlice(item); ok {
				out = append(out, list...)
				continue
			}
			out = append(out, item)
		}
		return out, nil
	case ReduceJoin:
		if separator == "" {
			separator = defaultSeparator
		}
		parts := make([]string, 0, len(projected))
		for _, item := range projected {
			parts = append(parts, values.Stringify(item))
		}
		return strings.Join(parts, separator), nil
	default:
		return nil, fmt.Errorf("unsupported reducer %q", reducer)
	}
}

func project(items []any, field string) []any {
	field = strings.TrimSpace(field)
	if field == "" {
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
		return out
	}
	parts, ok := values.SplitPath(field)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if v, found := values.Walk(item, parts); found && v != nil {
			out = append(out, v)
		}
	}
	return out
}

// IsReducer reports whether name is a supported reducer.
func IsReducer(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ReduceSum, ReduceCount, ReduceMin, ReduceMax, ReduceAvg, ReduceConcat, ReduceJoin:
		return true
	default:
		return false
	}
}

// IsAggregation reports whether name can be used inside an aggregate transform.
func IsAggregation(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ReduceSum, ReduceCount, ReduceMin, ReduceMax, ReduceAvg:
		return true
	default:
		return false
	}
}
