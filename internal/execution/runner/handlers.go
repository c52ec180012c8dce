package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/expr"
	"github.com/animus-labs/stepflow/internal/execution/recovery"
	"github.com/animus-labs/stepflow/internal/execution/runctx"
	"github.com/animus-labs/stepflow/internal/execution/transform"
	"github.com/animus-labs/stepflow/internal/execution/values"
	"github.com/animus-labs/stepflow/internal/llm"
)

// handler binds a runner to one run context. It implements domain.StepHandler, so
// a new step kind does not compile until it is handled here.
type handler struct {
	r       *Runner
	rc      *runctx.Context
	nested  bool
	discard bool
}

var _ domain.StepHandler = (*handler)(nil)

// observe records every attempt so a retried step replaces, not adds, its tokens.
// Attempts that finish after the step deadline are dropped.
func (h *handler) observe(ctx context.Context, step domain.Step) recovery.Observer {
	return func(_ int, out domain.StepOutput, _ error) {
		if h.discard {
			return
		}
		h.r.store(ctx, h.rc, step, out, h.nested)
	}
}

func (h *handler) RunAction(ctx context.Context, step domain.Step, cfg *domain.ActionConfig) (domain.StepOutput, error) {
	if h.r.plugins == nil {
		return domain.StepOutput{}, &domain.PluginExecutionError{
			Plugin: cfg.Plugin, Action: cfg.Action, Message: "no plugin executor configured", NonRetryable: true,
		}
	}
	params, err := h.rc.RenderMap(cfg.Params)
	if err != nil {
		return domain.StepOutput{}, err
	}

	target := recovery.ActionTarget(cfg.Plugin, cfg.Action)
	policy := h.r.policy.ForStep(step)
	out, _, err := h.r.recovery.Execute(ctx, target, policy, func(ctx context.Context, attempt int) (domain.StepOutput, error) {
		res, err := h.r.plugins.Execute(ctx, cfg.Plugin, cfg.Action, params)
		out := domain.StepOutput{
			Data: res.Data,
			Metadata: domain.StepMetadata{
				TokensUsed: res.TokensUsed,
				ItemCount:  itemCount(res.Data),
			},
		}
		if err != nil {
			return out, classifyPluginError(ctx, cfg, err)
		}
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "plugin reported failure"
			}
			return out, &domain.PluginExecutionError{
				Plugin: cfg.Plugin, Action: cfg.Action, Message: msg, NonRetryable: res.NonRetryable,
			}
		}
		return out, nil
	}, h.observe(ctx, step))
	return out, err
}

// classifyPluginError keeps context errors intact and wraps the rest as retryable
// plugin failures unless the executor already classified them.
func classifyPluginError(ctx context.Context, cfg *domain.ActionConfig, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var classified domain.Retryable
	if errors.As(err, &classified) {
		return err
	}
	return &domain.PluginExecutionError{Plugin: cfg.Plugin, Action: cfg.Action, Err: err}
}

func (h *handler) RunTransform(ctx context.Context, step domain.Step, cfg *domain.TransformConfig) (domain.StepOutput, error) {
	input, err := h.rc.Render(cfg.Input)
	if err != nil {
		return domain.StepOutput{}, err
	}
	res, err := transform.Apply(cfg, input, h.rc)
	if err != nil {
		return domain.StepOutput{}, fmt.Errorf("transform %s: %w", cfg.Operation, err)
	}
	return domain.StepOutput{
		Data:     res.Data,
		Metadata: domain.StepMetadata{Success: true, ItemCount: res.ItemCount},
	}, nil
}

func (h *handler) RunAIProcessing(ctx context.Context, step domain.Step, cfg *domain.AIProcessingConfig) (domain.StepOutput, error) {
	if h.r.llm == nil {
		return domain.StepOutput{}, &domain.PluginExecutionError{
			Plugin: "llm", Message: "no llm provider configured", NonRetryable: true,
		}
	}
	messages, err := h.buildMessages(cfg)
	if err != nil {
		return domain.StepOutput{}, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = h.r.defaultModel
	}
	params := llm.Params{
		Model:       model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		JSON:        strings.EqualFold(cfg.OutputFormat, "json"),
	}

	policy := h.r.policy.ForStep(step)
	out, _, err := h.r.recovery.Execute(ctx, recovery.ModelTarget(model), policy, func(ctx context.Context, attempt int) (domain.StepOutput, error) {
		completion, err := h.r.llm.Complete(ctx, messages, params)
		out := domain.StepOutput{
			Data:     completion.Content,
			Metadata: domain.StepMetadata{TokensUsed: completion.TokensUsed},
		}
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			var classified domain.Retryable
			if errors.As(err, &classified) {
				return out, err
			}
			return out, &domain.PluginExecutionError{Plugin: "llm", Action: model, Err: err}
		}
		if params.JSON {
			var parsed any
			if err := json.Unmarshal([]byte(stripCodeFence(completion.Content)), &parsed); err != nil {
				return out, &domain.PluginExecutionError{
					Plugin: "llm", Action: model, Message: "response is not valid JSON: " + err.Error(),
				}
			}
			out.Data = parsed
			out.Metadata.ItemCount = itemCount(parsed)
		}
		return out, nil
	}, h.observe(ctx, step))
	return out, err
}

func (h *handler) buildMessages(cfg *domain.AIProcessingConfig) ([]llm.Message, error) {
	prompt, err := h.rc.RenderString(cfg.Prompt)
	if err != nil {
		return nil, err
	}
	content := values.Stringify(prompt)
	if cfg.Input != nil {
		input, err := h.rc.Render(cfg.Input)
		if err != nil {
			return nil, err
		}
		content += "\n\n" + values.Stringify(input)
	}
	messages := make([]llm.Message, 0, 2)
	if strings.TrimSpace(cfg.System) != "" {
		system, err := h.rc.RenderString(cfg.System)
		if err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: values.Stringify(system)})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: content}), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func (h *handler) RunConditional(ctx context.Context, step domain.Step, cfg *domain.ConditionalConfig) (domain.StepOutput, error) {
	node, err := expr.CompileCondition(*cfg.Condition)
	if err != nil {
		return domain.StepOutput{}, err
	}
	holds, err := expr.EvalBool(node, h.rc)
	if err != nil {
		return domain.StepOutput{}, fmt.Errorf("evaluate condition: %w", err)
	}
	if holds {
		return h.runBranch(ctx, step, "then", true, cfg.Then)
	}
	return h.runBranch(ctx, step, "else", false, cfg.Else)
}

// runBranch runs branch steps in order inside the parent's slot. The result is the
// data of the last branch step.
func (h *handler) runBranch(ctx context.Context, step domain.Step, name string, condition bool, steps []domain.Step) (domain.StepOutput, error) {
	if len(steps) == 0 {
		name = "none"
	}
	meta := domain.StepMetadata{}
	var result any
	for _, sub := range steps {
		out, err := h.r.runNested(ctx, h.rc, sub)
		meta.TokensUsed += out.Metadata.TokensUsed
		meta.ItemCount++
		if err != nil {
			return domain.StepOutput{Metadata: meta}, fmt.Errorf("%s branch step %s: %w", name, sub.ID, err)
		}
		result = out.Data
	}
	return domain.StepOutput{
		Data: map[string]any{
			"branch":    name,
			"condition": condition,
			"result":    result,
		},
		Metadata: meta,
	}, nil
}

func (h *handler) RunScatterGather(ctx context.Context, step domain.Step, cfg *domain.ScatterGatherConfig) (domain.StepOutput, error) {
	if h.r.fanout == nil {
		return domain.StepOutput{}, fmt.Errorf("step %s: scatter_gather requires a scheduler", step.ID)
	}
	return h.r.fanout.ScatterGather(ctx, h.rc, step, cfg, h.r.runNested)
}

func itemCount(data any) int {
	if list, ok := values.AsSlice(data); ok {
		return len(list)
	}
	return 0
}
