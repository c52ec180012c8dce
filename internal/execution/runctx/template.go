package runctx

import (
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

// Resolve returns the value at path, or a VariableResolutionError naming it.
func (c *Context) Resolve(path string) (any, error) {
	path = strings.TrimSpace(path)
	v, ok := c.Lookup(path)
	if !ok {
		return nil, &domain.VariableResolutionError{Path: path}
	}
	return v, nil
}

// Render substitutes {{path}} references throughout v. A string that is exactly
// one reference yields the raw referenced value; embedded references are
// stringified. Maps and slices are rendered recursively into fresh copies.
func (c *Context) Render(v any) (any, error) {
	switch typed := v.(type) {
	case string:
		return c.RenderString(typed)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			rendered, err := c.Render(item)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			rendered, err := c.Render(item)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			rendered, err := c.RenderString(item)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders every value of params.
func (c *Context) RenderMap(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	rendered, err := c.Render(params)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderString renders references inside s.
func (c *Context) RenderString(s string) (any, error) {
	if path, ok := WholeReference(s); ok {
		return c.Resolve(path)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+2+end])
		v, err := c.Resolve(path)
		if err != nil {
			return nil, err
		}
		b.WriteString(values.Stringify(v))
		rest = rest[start+2+end+2:]
	}
	return b.String(), nil
}

// WholeReference reports whether s is exactly one {{path}} reference.
func WholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// References lists the paths referenced anywhere in v.
func References(v any) []string {
	var refs []string
	var walk func(any)
	walk = func(v any) {
		switch typed := v.(type) {
		case string:
			rest := typed
			for {
				start := strings.Index(rest, "{{")
				if start < 0 {
					return
				}
				end := strings.Index(rest[start+2:], "}}")
				if end < 0 {
					return
				}
				refs = append(refs, strings.TrimSpace(rest[start+2:start+2+end]))
				rest = rest[start+2+end+2:]
			}
		case map[string]any:
			for _, key := range values.SortedKeys(typed) {
				walk(typed[key])
			}
		case []any:
			for _, item := range typed {
				walk(item)
			}
		case map[string]string:
			for _, item := range typed {
				walk(item)
			}
		}
	}
	walk(v)
	return refs
}
