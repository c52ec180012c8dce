// Package runner executes a single step against a run context.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/recovery"
	"github.com/animus-labs/stepflow/internal/execution/runctx"
	"github.com/animus-labs/stepflow/internal/llm"
	"github.com/animus-labs/stepflow/internal/plugin"
)

// StepFunc runs one step against rc. Scatter/gather fan-out uses it for sub-steps.
type StepFunc func(ctx context.Context, rc *runctx.Context, step domain.Step) (domain.StepOutput, error)

// Fanout executes scatter/gather steps. The scheduler implements it.
type Fanout interface {
	ScatterGather(ctx context.Context, rc *runctx.Context, step domain.Step, cfg *domain.ScatterGatherConfig, run StepFunc) (domain.StepOutput, error)
}

// Runner dispatches steps by type. Plugin and LLM calls go through the recovery executor.
type Runner struct {
	plugins      plugin.Executor
	llm          llm.Provider
	recovery     *recovery.Executor
	policy       recovery.Policy
	fanout       Fanout
	stepTimeout  time.Duration
	defaultModel string
	logger       *slog.Logger
}

type Option func(*Runner)

func WithPlugins(exec plugin.Executor) Option {
	return func(r *Runner) { r.plugins = exec }
}

func WithLLM(provider llm.Provider, defaultModel string) Option {
	return func(r *Runner) {
		r.llm = provider
		if defaultModel != "" {
			r.defaultModel = defaultModel
		}
	}
}

func WithRecovery(exec *recovery.Executor, policy recovery.Policy) Option {
	return func(r *Runner) {
		if exec != nil {
			r.recovery = exec
		}
		r.policy = policy
	}
}

func WithFanout(f Fanout) Option {
	return func(r *Runner) { r.fanout = f }
}

// WithStepTimeout sets the default per-step timeout. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stepTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

const defaultModel = "gpt-4o-mini"

func New(opts ...Option) *Runner {
	r := &Runner{
		recovery: recovery.NewExecutor(nil),
		policy: recovery.Policy{
			MaxRetries:  recovery.DefaultMaxRetries,
			BaseBackoff: recovery.DefaultBaseBackoff,
			MaxBackoff:  recovery.DefaultMaxBackoff,
		},
		defaultModel: defaultModel,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes a plan-level step. If it fails and declares a fallback, the
// fallback runs and its output is stored under the original step id.
func (r *Runner) Run(ctx context.Context, rc *runctx.Context, step domain.Step) (domain.StepOutput, error) {
	out, err := r.execute(ctx, rc, step, false)
	if err == nil || step.Fallback == nil || ctx.Err() != nil {
		return out, err
	}
	r.logger.Warn("step failed, running fallback",
		"execution_id", rc.ExecutionID(),
		"step_id", step.ID,
		"error", err.Error(),
	)
	return r.RunFallback(ctx, rc, step)
}

// RunFallback runs step's fallback in place of the step itself.
func (r *Runner) RunFallback(ctx context.Context, rc *runctx.Context, step domain.Step) (domain.StepOutput, error) {
	if step.Fallback == nil {
		return domain.StepOutput{}, fmt.Errorf("step %s has no fallback", step.ID)
	}
	alt := *step.Fallback
	alt.ID = step.ID
	alt.Fallback = nil
	out, err := r.execute(ctx, rc, alt, false)
	out.Metadata.FallbackUsed = true
	r.store(ctx, rc, alt, out, false)
	return out, err
}

// RunElse runs a conditional's else branch without evaluating its condition. It is
// used when an upstream dependency failed and the condition has nothing to read.
func (r *Runner) RunElse(ctx context.Context, rc *runctx.Context, step domain.Step) (domain.StepOutput, error) {
	cfg, ok := step.Config.(*domain.ConditionalConfig)
	if !ok || len(cfg.Else) == 0 {
		return domain.StepOutput{}, fmt.Errorf("step %s has no else branch", step.ID)
	}
	started := time.Now()
	out, err := r.withTimeout(ctx, rc, step, false, func(ctx context.Context, rc *runctx.Context) (domain.StepOutput, error) {
		h := &handler{r: r, rc: rc}
		return h.runBranch(ctx, step, "else", false, cfg.Else)
	})
	out.Metadata.ExecutionTimeMs = time.Since(started).Milliseconds()
	out.Metadata.Success = err == nil
	if err != nil {
		out.Metadata.Error = err.Error()
	}
	r.store(ctx, rc, step, out, false)
	return out, err
}

// Compensate runs the step's compensating action. Its output is not recorded.
func (r *Runner) Compensate(ctx context.Context, rc *runctx.Context, step domain.Step) error {
	if step.Compensate == nil {
		return nil
	}
	comp := *step.Compensate
	if comp.ID == "" {
		comp.ID = step.ID + ".compensate"
	}
	cfg, ok := comp.Config.(*domain.ActionConfig)
	if !ok {
		return fmt.Errorf("step %s compensate must be an action", step.ID)
	}
	h := &handler{r: r, rc: rc, nested: true, discard: true}
	_, err := h.RunAction(ctx, comp, cfg)
	return err
}

// runNested executes a sub-step of a conditional or scatter/gather step. Nested
// outputs are visible to later steps but their tokens are billed via the parent.
func (r *Runner) runNested(ctx context.Context, rc *runctx.Context, step domain.Step) (domain.StepOutput, error) {
	out, err := r.execute(ctx, rc, step, true)
	if err == nil || step.Fallback == nil || ctx.Err() != nil {
		return out, err
	}
	alt := *step.Fallback
	alt.ID = step.ID
	alt.Fallback = nil
	out, err = r.execute(ctx, rc, alt, true)
	out.Metadata.FallbackUsed = true
	r.store(ctx, rc, alt, out, true)
	return out, err
}

func (r *Runner) execute(ctx context.Context, rc *runctx.Context, step domain.Step, nested bool) (domain.StepOutput, error) {
	started := time.Now()
	out, err := r.withTimeout(ctx, rc, step, nested, func(ctx context.Context, rc *runctx.Context) (domain.StepOutput, error) {
		return step.Dispatch(ctx, &handler{r: r, rc: rc, nested: nested})
	})
	if out.Metadata.ExecutionTimeMs == 0 {
		out.Metadata.ExecutionTimeMs = time.Since(started).Milliseconds()
	}
	if err == nil && ctx.Err() != nil {
		// The run ended while the step was finishing: its result is abandoned.
		err = ctx.Err()
	}
	out.Metadata.Success = err == nil
	if err != nil {
		out.Metadata.Error = err.Error()
		if out.Metadata.Attempts == 0 {
			out.Metadata.Attempts = 1
		}
	}
	r.store(ctx, rc, step, out, nested)
	return out, err
}

// withTimeout runs fn under the step deadline. When the deadline passes the call is
// abandoned: a buffered channel absorbs its eventual result.
func (r *Runner) withTimeout(ctx context.Context, rc *runctx.Context, step domain.Step, nested bool, fn func(context.Context, *runctx.Context) (domain.StepOutput, error)) (domain.StepOutput, error) {
	timeout := r.stepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		return fn(ctx, rc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out domain.StepOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(stepCtx, rc)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return res.out, &domain.TimeoutError{Scope: domain.TimeoutStep, StepID: step.ID, After: timeout}
		}
		return res.out, res.err
	case <-stepCtx.Done():
		if err := ctx.Err(); err != nil {
			return domain.StepOutput{}, err
		}
		r.logger.Warn("step timed out",
			"execution_id", rc.ExecutionID(),
			"step_id", step.ID,
			"timeout_ms", timeout.Milliseconds(),
		)
		return domain.StepOutput{}, &domain.TimeoutError{Scope: domain.TimeoutStep, StepID: step.ID, After: timeout}
	}
}

// store records out unless ctx has ended. Results of abandoned steps never reach
// the run context, even before it is sealed.
func (r *Runner) store(ctx context.Context, rc *runctx.Context, step domain.Step, out domain.StepOutput, nested bool) {
	if ctx.Err() != nil {
		return
	}
	if nested {
		rc.SetAggregateOutput(step.ID, out)
		return
	}
	rc.SetStepOutput(step.ID, out)
}
