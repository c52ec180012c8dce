// Package runctx holds the mutable state of a single workflow run.
package runctx

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

// LoopFrame binds one scatter item to its alias.
type LoopFrame struct {
	Alias string
	Item  any
	Index int
}

type shared struct {
	mu      sync.RWMutex
	outputs map[string]domain.StepOutput
	tokens  map[string]int
	total   atomic.Int64
	sealed  atomic.Bool
}

// Context is the per-run execution state. The root context is created once per run;
// forks share its outputs and token counter but keep their own loop stack and a
// local overlay for sub-step outputs.
type Context struct {
	executionID string
	inputs      map[string]any
	vars        map[string]any
	shared      *shared

	parent  *Context
	localMu sync.RWMutex
	local   map[string]domain.StepOutput
	loops   []LoopFrame
}

// New creates the root context for a run.
func New(executionID string, inputs, vars map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	return &Context{
		executionID: executionID,
		inputs:      inputs,
		vars:        vars,
		shared: &shared{
			outputs: make(map[string]domain.StepOutput),
			tokens:  make(map[string]int),
		},
	}
}

func (c *Context) ExecutionID() string { return c.executionID }

// Fork returns a child context for one scatter item.
func (c *Context) Fork() *Context {
	loops := make([]LoopFrame, len(c.loops))
	copy(loops, c.loops)
	return &Context{
		executionID: c.executionID,
		inputs:      c.inputs,
		vars:        c.vars,
		shared:      c.shared,
		parent:      c,
		local:       make(map[string]domain.StepOutput),
		loops:       loops,
	}
}

// SetStepOutput records the output of a plan-level step. A repeated write for the
// same id replaces the previous output and swaps its token count out of the total.
// Sub-steps inside forks record through SetAggregateOutput.
func (c *Context) SetStepOutput(id string, out domain.StepOutput) {
	c.store(id, out, true)
}

// SetAggregateOutput records a composite step output whose tokens were already
// counted through its children.
func (c *Context) SetAggregateOutput(id string, out domain.StepOutput) {
	c.store(id, out, false)
}

func (c *Context) store(id string, out domain.StepOutput, count bool) {
	s := c.shared
	if s.sealed.Load() {
		return
	}
	if count {
		s.mu.Lock()
		prev := s.tokens[id]
		s.tokens[id] = out.Metadata.TokensUsed
		s.total.Add(int64(out.Metadata.TokensUsed - prev))
		s.mu.Unlock()
	}
	if c.parent != nil {
		c.localMu.Lock()
		c.local[id] = out
		c.localMu.Unlock()
		return
	}
	s.mu.Lock()
	s.outputs[id] = out
	s.mu.Unlock()
}

// StepOutput returns the output visible from c for id.
func (c *Context) StepOutput(id string) (domain.StepOutput, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.parent == nil {
			break
		}
		cur.localMu.RLock()
		out, ok := cur.local[id]
		cur.localMu.RUnlock()
		if ok {
			return out, true
		}
	}
	c.shared.mu.RLock()
	defer c.shared.mu.RUnlock()
	out, ok := c.shared.outputs[id]
	return out, ok
}

// Outputs returns a copy of the run-level outputs.
func (c *Context) Outputs() map[string]domain.StepOutput {
	c.shared.mu.RLock()
	defer c.shared.mu.RUnlock()
	out := make(map[string]domain.StepOutput, len(c.shared.outputs))
	for id, v := range c.shared.outputs {
		out[id] = v
	}
	return out
}

// OutputIDs returns the ids with a run-level output, sorted.
func (c *Context) OutputIDs() []string {
	c.shared.mu.RLock()
	defer c.shared.mu.RUnlock()
	ids := make([]string, 0, len(c.shared.outputs))
	for id := range c.shared.outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalTokensUsed is the de-duplicated token count across the run.
func (c *Context) TotalTokensUsed() int {
	return int(c.shared.total.Load())
}

// Seal stops all further writes. Abandoned steps that finish after the run
// has ended are discarded.
func (c *Context) Seal() { c.shared.sealed.Store(true) }

func (c *Context) Sealed() bool { return c.shared.sealed.Load() }

// PushLoopFrame binds alias to item for subsequent resolution on c.
func (c *Context) PushLoopFrame(alias string, item any, index int) {
	c.loops = append(c.loops, LoopFrame{Alias: alias, Item: item, Index: index})
}

// PopLoopFrame removes the innermost loop frame.
func (c *Context) PopLoopFrame() (LoopFrame, bool) {
	if len(c.loops) == 0 {
		return LoopFrame{}, false
	}
	frame := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	return frame, true
}

// Lookup resolves a path without template braces. It satisfies expr.Scope.
func (c *Context) Lookup(path string) (any, bool) {
	parts, ok := values.SplitPath(path)
	if !ok {
		return nil, false
	}
	root, rest := parts[0], parts[1:]

	for i := len(c.loops) - 1; i >= 0; i-- {
		if c.loops[i].Alias == root {
			return values.Walk(c.loops[i].Item, rest)
		}
	}
	switch root {
	case "loop":
		if len(c.loops) == 0 || len(rest) == 0 {
			return nil, false
		}
		frame := c.loops[len(c.loops)-1]
		switch rest[0] {
		case "index":
			if len(rest) > 1 {
				return nil, false
			}
			return frame.Index, true
		case "item":
			return values.Walk(frame.Item, rest[1:])
		default:
			return nil, false
		}
	case "input":
		return values.Walk(c.inputs, rest)
	case "vars":
		c.shared.mu.RLock()
		defer c.shared.mu.RUnlock()
		return values.Walk(c.vars, rest)
	}

	out, ok := c.StepOutput(root)
	if !ok {
		return nil, false
	}
	return values.Walk(out.Data, rest)
}
