package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StepType discriminates the step config union.
type StepType string

const (
	StepTypeAction        StepType = "action"
	StepTypeTransform     StepType = "transform"
	StepTypeAIProcessing  StepType = "ai_processing"
	StepTypeConditional   StepType = "conditional"
	StepTypeScatterGather StepType = "scatter_gather"
)

// Step is one node of a compiled workflow graph. Steps are immutable once a run starts.
type Step struct {
	ID           string
	Type         StepType
	Name         string
	Dependencies []string
	Config       StepConfig
	TimeoutMs    int
	Retry        *RetryOverride
	Fallback     *Step
	Compensate   *Step
}

// RetryOverride replaces the engine retry defaults for a single step.
type RetryOverride struct {
	MaxRetries *int `json:"maxRetries,omitempty"`
	BackoffMs  *int `json:"backoffMs,omitempty"`
}

// StepHandler executes a step per config kind. Adding a StepConfig implementation
// requires a new method here, so every handler fails to compile until it covers the kind.
type StepHandler interface {
	RunAction(ctx context.Context, step Step, cfg *ActionConfig) (StepOutput, error)
	RunTransform(ctx context.Context, step Step, cfg *TransformConfig) (StepOutput, error)
	RunAIProcessing(ctx context.Context, step Step, cfg *AIProcessingConfig) (StepOutput, error)
	RunConditional(ctx context.Context, step Step, cfg *ConditionalConfig) (StepOutput, error)
	RunScatterGather(ctx context.Context, step Step, cfg *ScatterGatherConfig) (StepOutput, error)
}

// StepConfig is the closed set of step payloads. The unexported method seals it.
type StepConfig interface {
	Kind() StepType
	dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error)
}

// Dispatch routes the step to the handler method matching its config kind.
func (s Step) Dispatch(ctx context.Context, h StepHandler) (StepOutput, error) {
	if s.Config == nil {
		return StepOutput{}, fmt.Errorf("step %q: %w", s.ID, ErrNoConfig)
	}
	return s.Config.dispatch(ctx, s, h)
}

// ActionConfig delegates to an external plugin action.
type ActionConfig struct {
	Plugin string         `json:"plugin"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (*ActionConfig) Kind() StepType { return StepTypeAction }

func (c *ActionConfig) dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error) {
	return h.RunAction(ctx, step, c)
}

// TransformConfig describes a deterministic in-process data operation.
type TransformConfig struct {
	Operation    string            `json:"operation"`
	Input        any               `json:"input"`
	Condition    *Condition        `json:"condition,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Field        string            `json:"field,omitempty"`
	Order        string            `json:"order,omitempty"`
	Aggregations []Aggregation     `json:"aggregations,omitempty"`
	Reducer      string            `json:"reducer,omitempty"`
	Separator    string            `json:"separator,omitempty"`
	Initial      any               `json:"initial,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

// Aggregation computes one named value over a collection field.
type Aggregation struct {
	Name      string `json:"name"`
	Operation string `json:"operation"`
	Field     string `json:"field,omitempty"`
}

func (*TransformConfig) Kind() StepType { return StepTypeTransform }

func (c *TransformConfig) dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error) {
	return h.RunTransform(ctx, step, c)
}

// AIProcessingConfig delegates a prompt to the external LLM provider.
type AIProcessingConfig struct {
	Prompt       string  `json:"prompt"`
	System       string  `json:"system,omitempty"`
	Input        any     `json:"input,omitempty"`
	Model        string  `json:"model,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	OutputFormat string  `json:"outputFormat,omitempty"`
}

func (*AIProcessingConfig) Kind() StepType { return StepTypeAIProcessing }

func (c *AIProcessingConfig) dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error) {
	return h.RunAIProcessing(ctx, step, c)
}

// ConditionalConfig runs one of two inline branches. Branch steps are not scheduled on
// their own; they run in the parent's slot of the plan.
type ConditionalConfig struct {
	Condition *Condition `json:"condition"`
	Then      []Step     `json:"then,omitempty"`
	Else      []Step     `json:"else,omitempty"`
}

func (*ConditionalConfig) Kind() StepType { return StepTypeConditional }

func (c *ConditionalConfig) dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error) {
	return h.RunConditional(ctx, step, c)
}

// GatherMode selects the fan-in strategy.
type GatherMode string

const (
	GatherCollect GatherMode = "collect"
	GatherMerge   GatherMode = "merge"
	GatherReduce  GatherMode = "reduce"
)

// GatherConfig configures how per-item results are combined.
type GatherConfig struct {
	Mode      GatherMode `json:"mode"`
	Reducer   string     `json:"reducer,omitempty"`
	Field     string     `json:"field,omitempty"`
	Separator string     `json:"separator,omitempty"`
	Initial   any        `json:"initial,omitempty"`
}

// ScatterGatherConfig fans sub-steps out over a collection.
type ScatterGatherConfig struct {
	Input          any          `json:"input"`
	ItemVariable   string       `json:"itemVariable,omitempty"`
	Steps          []Step       `json:"steps"`
	Gather         GatherConfig `json:"gather"`
	MaxConcurrency int          `json:"maxConcurrency,omitempty"`
}

func (*ScatterGatherConfig) Kind() StepType { return StepTypeScatterGather }

func (c *ScatterGatherConfig) dispatch(ctx context.Context, step Step, h StepHandler) (StepOutput, error) {
	return h.RunScatterGather(ctx, step, c)
}

// ItemAlias returns the loop variable name bound per item.
func (c *ScatterGatherConfig) ItemAlias() string {
	if alias := strings.TrimSpace(c.ItemVariable); alias != "" {
		return alias
	}
	return "item"
}

// NewStepConfig returns an empty config for the given type.
func NewStepConfig(t StepType) (StepConfig, error) {
	switch t {
	case StepTypeAction:
		return &ActionConfig{}, nil
	case StepTypeTransform:
		return &TransformConfig{}, nil
	case StepTypeAIProcessing:
		return &AIProcessingConfig{}, nil
	case StepTypeConditional:
		return &ConditionalConfig{}, nil
	case StepTypeScatterGather:
		return &ScatterGatherConfig{}, nil
	default:
		return nil, fmt.Errorf("unsupported step type %q", t)
	}
}

type stepPayload struct {
	ID           string          `json:"id"`
	Type         StepType        `json:"type"`
	Name         string          `json:"name,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	TimeoutMs    int             `json:"timeoutMs,omitempty"`
	Retry        *RetryOverride  `json:"retry,omitempty"`
	Fallback     *Step           `json:"fallback,omitempty"`
	Compensate   *Step           `json:"compensate,omitempty"`
}

func (s *Step) UnmarshalJSON(raw []byte) error {
	var payload stepPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	stepType := StepType(strings.ToLower(strings.TrimSpace(string(payload.Type))))
	cfg, err := NewStepConfig(stepType)
	if err != nil {
		return fmt.Errorf("step %q: %w", payload.ID, err)
	}
	if len(payload.Config) > 0 && string(payload.Config) != "null" {
		if err := json.Unmarshal(payload.Config, cfg); err != nil {
			return fmt.Errorf("step %q config: %w", payload.ID, err)
		}
	}
	*s = Step{
		ID:           strings.TrimSpace(payload.ID),
		Type:         stepType,
		Name:         payload.Name,
		Dependencies: payload.Dependencies,
		Config:       cfg,
		TimeoutMs:    payload.TimeoutMs,
		Retry:        payload.Retry,
		Fallback:     payload.Fallback,
		Compensate:   payload.Compensate,
	}
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	var cfg json.RawMessage
	if s.Config != nil {
		encoded, err := json.Marshal(s.Config)
		if err != nil {
			return nil, err
		}
		cfg = encoded
	}
	stepType := s.Type
	if stepType == "" && s.Config != nil {
		stepType = s.Config.Kind()
	}
	return json.Marshal(stepPayload{
		ID:           s.ID,
		Type:         stepType,
		Name:         s.Name,
		Dependencies: s.Dependencies,
		Config:       cfg,
		TimeoutMs:    s.TimeoutMs,
		Retry:        s.Retry,
		Fallback:     s.Fallback,
		Compensate:   s.Compensate,
	})
}

// Validate checks the step shape without looking at the rest of the graph.
func (s Step) Validate() error {
	issues := &ValidationError{}
	s.collectIssues(issues, "")
	return issues.OrNil()
}

func (s Step) collectIssues(issues *ValidationError, prefix string) {
	label := prefix + s.ID
	if strings.TrimSpace(s.ID) == "" {
		issues.Add(prefix + "step id is required")
		return
	}
	if s.Config == nil {
		issues.Add(fmt.Sprintf("step[%s] config is required", label))
		return
	}
	if s.Type != "" && s.Type != s.Config.Kind() {
		issues.Add(fmt.Sprintf("step[%s] type %q does not match config kind %q", label, s.Type, s.Config.Kind()))
	}
	if s.TimeoutMs < 0 {
		issues.Add(fmt.Sprintf("step[%s] timeoutMs must be >= 0", label))
	}
	if s.Retry != nil {
		if s.Retry.MaxRetries != nil && *s.Retry.MaxRetries < 0 {
			issues.Add(fmt.Sprintf("step[%s] retry.maxRetries must be >= 0", label))
		}
		if s.Retry.BackoffMs != nil && *s.Retry.BackoffMs < 0 {
			issues.Add(fmt.Sprintf("step[%s] retry.backoffMs must be >= 0", label))
		}
	}
	switch cfg := s.Config.(type) {
	case *ActionConfig:
		if strings.TrimSpace(cfg.Plugin) == "" {
			issues.Add(fmt.Sprintf("step[%s] plugin is required", label))
		}
		if strings.TrimSpace(cfg.Action) == "" {
			issues.Add(fmt.Sprintf("step[%s] action is required", label))
		}
	case *TransformConfig:
		if strings.TrimSpace(cfg.Operation) == "" {
			issues.Add(fmt.Sprintf("step[%s] operation is required", label))
		}
		if cfg.Condition != nil {
			if err := cfg.Condition.Validate(); err != nil {
				issues.Add(fmt.Sprintf("step[%s] condition: %v", label, err))
			}
		}
	case *AIProcessingConfig:
		if strings.TrimSpace(cfg.Prompt) == "" {
			issues.Add(fmt.Sprintf("step[%s] prompt is required", label))
		}
	case *ConditionalConfig:
		if cfg.Condition == nil {
			issues.Add(fmt.Sprintf("step[%s] condition is required", label))
		} else if err := cfg.Condition.Validate(); err != nil {
			issues.Add(fmt.Sprintf("step[%s] condition: %v", label, err))
		}
		for _, branch := range cfg.Then {
			branch.collectIssues(issues, label+".then.")
		}
		for _, branch := range cfg.Else {
			branch.collectIssues(issues, label+".else.")
		}
	case *ScatterGatherConfig:
		if cfg.Input == nil {
			issues.Add(fmt.Sprintf("step[%s] input is required", label))
		}
		if len(cfg.Steps) == 0 {
			issues.Add(fmt.Sprintf("step[%s] steps must contain at least one step", label))
		}
		switch cfg.Gather.Mode {
		case GatherCollect, GatherMerge, "":
		case GatherReduce:
			if strings.TrimSpace(cfg.Gather.Reducer) == "" {
				issues.Add(fmt.Sprintf("step[%s] gather.reducer is required for reduce", label))
			}
		default:
			issues.Add(fmt.Sprintf("step[%s] gather.mode unsupported: %q", label, cfg.Gather.Mode))
		}
		if cfg.MaxConcurrency < 0 {
			issues.Add(fmt.Sprintf("step[%s] maxConcurrency must be >= 0", label))
		}
		for _, sub := range cfg.Steps {
			sub.collectIssues(issues, label+".steps.")
		}
	}
	if s.Fallback != nil {
		s.Fallback.collectIssues(issues, label+".fallback.")
	}
	if s.Compensate != nil {
		if _, ok := s.Compensate.Config.(*ActionConfig); !ok && s.Compensate.Config != nil {
			issues.Add(fmt.Sprintf("step[%s] compensate must be an action step", label))
		}
		s.Compensate.collectIssues(issues, label+".compensate.")
	}
}

// ErrNoConfig is returned when a step is dispatched without a payload.
var ErrNoConfig = errors.New("step config is required")
