// Package llm defines the boundary to the external language model provider.
package llm

import "context"

// Role values for Message.Role.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string
	Content string
}

// Params tune a single completion.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Completion is the provider's answer and the tokens it consumed.
type Completion struct {
	Content    string
	TokensUsed int
}

// Provider completes a conversation.
type Provider interface {
	Complete(ctx context.Context, messages []Message, params Params) (Completion, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, messages []Message, params Params) (Completion, error)

func (f ProviderFunc) Complete(ctx context.Context, messages []Message, params Params) (Completion, error) {
	return f(ctx, messages, params)
}
