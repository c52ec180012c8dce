// Package plugin defines the boundary to external plugin actions.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/stepflow/internal/domain"
)

// Result is what a plugin action reports back.
type Result struct {
	Data         any    `json:"data"`
	TokensUsed   int    `json:"tokensUsed,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	NonRetryable bool   `json:"nonRetryable,omitempty"`
}

// Executor runs one plugin action with fully resolved parameters.
type Executor interface {
	Execute(ctx context.Context, plugin, action string, params map[string]any) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, plugin, action string, params map[string]any) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, plugin, action string, params map[string]any) (Result, error) {
	return f(ctx, plugin, action, params)
}

// Mux routes calls by plugin name, falling back to a default executor when set.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Executor
	fallback Executor
}

func NewMux(fallback Executor) *Mux {
	return &Mux{handlers: make(map[string]Executor), fallback: fallback}
}

// Register binds name to exec, replacing any previous binding.
func (m *Mux) Register(name string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[strings.TrimSpace(name)] = exec
}

// Plugins lists the registered plugin names.
func (m *Mux) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) Execute(ctx context.Context, plugin, action string, params map[string]any) (Result, error) {
	m.mu.RLock()
	exec, ok := m.handlers[plugin]
	m.mu.RUnlock()
	if !ok {
		exec = m.fallback
	}
	if exec == nil {
		return Result{}, &domain.PluginExecutionError{
			Plugin:       plugin,
			Action:       action,
			Message:      fmt.Sprintf("plugin %q is not registered", plugin),
			NonRetryable: true,
		}
	}
	return exec.Execute(ctx, plugin, action, params)
}
