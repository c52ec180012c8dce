// Package langchain adapts a langchaingo model to llm.Provider.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/animus-labs/stepflow/internal/llm"
)

type Provider struct {
	model llms.Model
}

var _ llm.Provider = (*Provider)(nil)

func New(model llms.Model) (*Provider, error) {
	if model == nil {
		return nil, errors.New("llm model is required")
	}
	return &Provider{model: model}, nil
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewOpenAI builds a provider backed by an OpenAI-compatible endpoint.
func NewOpenAI(cfg OpenAIConfig) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return New(model)
}

func (p *Provider) Complete(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Completion, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role := llms.ChatMessageTypeHuman
		if msg.Role == llm.RoleSystem {
			role = llms.ChatMessageTypeSystem
		}
		content = append(content, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(msg.Content)},
		})
	}

	var opts []llms.CallOption
	if params.Model != "" {
		opts = append(opts, llms.WithModel(params.Model))
	}
	if params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(params.Temperature))
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if params.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := p.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return llm.Completion{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.Completion{}, errors.New("llm returned no choices")
	}
	choice := resp.Choices[0]
	return llm.Completion{
		Content:    choice.Content,
		TokensUsed: totalTokens(choice.GenerationInfo),
	}, nil
}

// totalTokens reads the usage the provider reports in GenerationInfo.
func totalTokens(info map[string]any) int {
	if n, ok := asInt(info["TotalTokens"]); ok {
		return n
	}
	prompt, _ := asInt(info["PromptTokens"])
	completion, _ := asInt(info["CompletionTokens"])
	return prompt + completion
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
