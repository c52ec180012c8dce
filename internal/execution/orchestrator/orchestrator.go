// Package orchestrator drives a workflow run: plan, optional restore from
// checkpoints, level-by-level execution with skip propagation, rollback, output
// resolution and the final result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/plan"
	"github.com/animus-labs/stepflow/internal/execution/runctx"
	"github.com/animus-labs/stepflow/internal/execution/runner"
	"github.com/animus-labs/stepflow/internal/execution/scheduler"
	"github.com/animus-labs/stepflow/internal/platform/auditlog"
	"github.com/animus-labs/stepflow/internal/repo"
)

const (
	DefaultWorkflowTimeout = 300 * time.Second
	defaultActor           = "stepflow"
)

type Config struct {
	WorkflowTimeout   time.Duration
	CheckpointEnabled bool
	RollbackOnFailure bool
}

func DefaultConfig() Config {
	return Config{
		WorkflowTimeout:   DefaultWorkflowTimeout,
		CheckpointEnabled: true,
		RollbackOnFailure: true,
	}
}

var (
	ErrResumeWithoutID   = errors.New("resume requires an execution id")
	ErrResumeUnsupported = errors.New("resume requires a checkpoint store")
)

// Auditor receives execution lifecycle events.
type Auditor interface {
	Record(ctx context.Context, event auditlog.Event) error
}

type Orchestrator struct {
	runner      *runner.Runner
	scheduler   *scheduler.Scheduler
	checkpoints checkpoint.Store
	outputs     checkpoint.OutputStore
	executions  repo.ExecutionRepository
	auditor     Auditor
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithCheckpointStore(store checkpoint.Store) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

// WithOutputStore enables output reuse on resume.
func WithOutputStore(store checkpoint.OutputStore) Option {
	return func(o *Orchestrator) { o.outputs = store }
}

func WithExecutionRepository(r repo.ExecutionRepository) Option {
	return func(o *Orchestrator) { o.executions = r }
}

func WithAuditor(a Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New wires an orchestrator. The runner should use s as its fan-out so scatter
// items share the level concurrency cap.
func New(r *runner.Runner, s *scheduler.Scheduler, opts ...Option) *Orchestrator {
	if s == nil {
		s = scheduler.New(scheduler.DefaultMaxConcurrency)
	}
	if r == nil {
		r = runner.New(runner.WithFanout(s))
	}
	o := &Orchestrator{
		runner:    r,
		scheduler: s,
		cfg:       DefaultConfig(),
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request describes one run. Resume continues ExecutionID from its checkpoints.
type Request struct {
	Workflow    domain.Workflow
	Inputs      map[string]any
	ExecutionID string
	Resume      bool
	Actor       string
	RequestID   string
}

// Execute runs a workflow to completion. A ValidationError is returned before any
// step runs; step failures are reported in the result, not as an error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (domain.WorkflowExecutionResult, error) {
	started := o.now()
	p, err := plan.Build(req.Workflow)
	if err != nil {
		return domain.WorkflowExecutionResult{}, err
	}

	executionID := strings.TrimSpace(req.ExecutionID)
	if req.Resume && executionID == "" {
		return domain.WorkflowExecutionResult{}, ErrResumeWithoutID
	}
	if executionID == "" {
		executionID = uuid.NewString()
	}
	logger := o.logger.With("execution_id", executionID, "workflow_id", p.WorkflowID)

	rc := runctx.New(executionID, req.Inputs, req.Workflow.Variables)
	run := newRunState(p)

	var latest map[string]domain.Checkpoint
	if req.Resume {
		if o.checkpoints == nil {
			return domain.WorkflowExecutionResult{}, ErrResumeUnsupported
		}
		latest, err = o.checkpoints.LoadLatest(ctx, executionID)
		if err != nil {
			return domain.WorkflowExecutionResult{}, fmt.Errorf("resume %s: %w", executionID, err)
		}
		o.restore(ctx, logger, p, rc, run, latest)
	}

	var writer *checkpoint.Writer
	if o.cfg.CheckpointEnabled && o.checkpoints != nil {
		writer = checkpoint.NewWriter(context.WithoutCancel(ctx), o.checkpoints,
			checkpoint.WithWriterLogger(logger),
			checkpoint.WithSequenceStart(checkpoint.MaxSequence(latest)),
		)
	}

	o.startExecution(ctx, logger, req, executionID, p.WorkflowID, started)

	runCtx := ctx
	if o.cfg.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
		defer cancel()
	}

	logger.Info("execution started", "levels", len(p.Levels), "steps", p.StepCount(), "resumed", req.Resume)
	for _, level := range p.Levels {
		if err := runCtx.Err(); err != nil {
			o.skipRemaining(run, level, o.runError(ctx, err), writer, executionID)
			continue
		}
		o.runLevel(runCtx, ctx, logger, p, level, rc, run, writer)
	}
	rc.Seal()

	if o.cfg.RollbackOnFailure && len(run.failed()) > 0 {
		o.rollback(context.WithoutCancel(ctx), logger, p, rc, run)
	}

	result := o.buildResult(p, req, rc, run)
	result.ExecutionID = executionID
	result.Resumed = req.Resume
	result.TotalExecutionTimeMs = o.now().Sub(started).Milliseconds()

	if writer != nil {
		if err := writer.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("checkpoint flush failed", "error", err.Error())
		}
	}
	o.finishExecution(ctx, logger, req, result)

	logger.Info("execution finished",
		"status", string(result.Status),
		"completed", len(result.CompletedStepIDs),
		"failed", len(result.FailedStepIDs),
		"skipped", len(result.SkippedStepIDs),
		"tokens_used", result.TotalTokensUsed,
		"duration_ms", result.TotalExecutionTimeMs,
	)
	return result, nil
}

// runError converts a run context error into the error recorded for steps.
func (o *Orchestrator) runError(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &domain.TimeoutError{Scope: domain.TimeoutWorkflow, After: o.cfg.WorkflowTimeout}
	}
	return err
}

type stepMode int

const (
	modeRun stepMode = iota
	modeFallback
	modeElse
)

func (o *Orchestrator) runLevel(runCtx, parent context.Context, logger *slog.Logger, p domain.ExecutionPlan, level domain.Level, rc *runctx.Context, run *runState, writer *checkpoint.Writer) {
	steps := make([]domain.Step, 0, len(level.StepIDs))
	modes := make(map[string]stepMode, len(level.StepIDs))
	for _, id := range level.StepIDs {
		if _, done := run.status[id]; done {
			continue
		}
		step, _ := p.Step(id)
		dep, ok := run.firstUnmetDependency(step)
		if !ok {
			modes[id] = modeRun
			steps = append(steps, step)
			continue
		}
		switch {
		case step.Fallback != nil:
			modes[id] = modeFallback
			steps = append(steps, step)
		case hasElse(step):
			modes[id] = modeElse
			steps = append(steps, step)
		default:
			err := &domain.DependencyFailedError{StepID: id, Dependency: dep}
			run.mark(id, domain.StepSkipped, err)
			o.checkpoint(writer, rc.ExecutionID(), p, id, domain.StepSkipped, domain.StepOutput{}, err)
			logger.Info("step skipped", "step_id", id, "dependency", dep)
		}
	}
	if len(steps) == 0 {
		return
	}

	logger.Debug("level started", "level", level.Index, "steps", len(steps))
	outcomes := o.scheduler.RunLevel(runCtx, steps, func(ctx context.Context, step domain.Step) (domain.StepOutput, error) {
		switch modes[step.ID] {
		case modeFallback:
			return o.runner.RunFallback(ctx, rc, step)
		case modeElse:
			return o.runner.RunElse(ctx, rc, step)
		default:
			return o.runner.Run(ctx, rc, step)
		}
	})

	for _, outcome := range outcomes {
		err := outcome.Err
		status := domain.StepCompleted
		switch {
		case err == nil:
		case !outcome.Started:
			status = domain.StepSkipped
			err = o.runError(parent, err)
		case outcome.Abandoned:
			status = domain.StepFailed
			err = o.runError(parent, err)
		case runCtx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
			status = domain.StepFailed
			err = o.runError(parent, runCtx.Err())
		default:
			status = domain.StepFailed
		}
		run.mark(outcome.StepID, status, err)
		o.checkpoint(writer, rc.ExecutionID(), p, outcome.StepID, status, outcome.Output, err)

		if status == domain.StepCompleted {
			run.completedOrder = append(run.completedOrder, outcome.StepID)
			o.saveOutput(parent, logger, rc.ExecutionID(), outcome.StepID, outcome.Output)
			step, _ := p.Step(outcome.StepID)
			for _, id := range branchStepIDs(step) {
				if out, ok := rc.StepOutput(id); ok {
					o.saveOutput(parent, logger, rc.ExecutionID(), id, out)
				}
			}
			continue
		}
		logger.Warn("step did not complete",
			"step_id", outcome.StepID,
			"status", string(status),
			"error_type", domain.ErrorType(err),
			"error", err.Error(),
		)
	}
	logger.Debug("level finished", "level", level.Index)
}

func (o *Orchestrator) skipRemaining(run *runState, level domain.Level, err error, writer *checkpoint.Writer, executionID string) {
	for _, id := range level.StepIDs {
		if _, done := run.status[id]; done {
			continue
		}
		run.mark(id, domain.StepSkipped, err)
		o.checkpoint(writer, executionID, run.plan, id, domain.StepSkipped, domain.StepOutput{}, err)
	}
}

func hasElse(step domain.Step) bool {
	cfg, ok := step.Config.(*domain.ConditionalConfig)
	return ok && len(cfg.Else) > 0
}

func (o *Orchestrator) checkpoint(writer *checkpoint.Writer, executionID string, p domain.ExecutionPlan, stepID string, status domain.StepStatus, out domain.StepOutput, err error) {
	if writer == nil {
		return
	}
	writer.Enqueue(checkpoint.FromRecord(checkpoint.Record{
		ExecutionID: executionID,
		WorkflowID:  p.WorkflowID,
		StepID:      stepID,
		Status:      status,
		Level:       p.LevelByStep[stepID],
		Output:      out,
		Err:         err,
	}, o.now()))
}

func (o *Orchestrator) saveOutput(ctx context.Context, logger *slog.Logger, executionID, stepID string, out domain.StepOutput) {
	if o.outputs == nil {
		return
	}
	if err := o.outputs.PutOutput(context.WithoutCancel(ctx), executionID, stepID, out); err != nil {
		logger.Warn("store step output failed", "step_id", stepID, "error", err.Error())
	}
}

// restore marks completed steps from a previous attempt of the execution and
// reuses their stored outputs. A completed step without a stored output runs again,
// as does a conditional whose taken branch outputs are missing.
func (o *Orchestrator) restore(ctx context.Context, logger *slog.Logger, p domain.ExecutionPlan, rc *runctx.Context, run *runState, latest map[string]domain.Checkpoint) {
	for _, level := range p.Levels {
		for _, id := range level.StepIDs {
			cp, ok := latest[id]
			if !ok || cp.Status != domain.StepCompleted {
				continue
			}
			if o.outputs == nil {
				logger.Info("completed step has no output store, re-running", "step_id", id)
				continue
			}
			out, found, err := o.outputs.GetOutput(ctx, rc.ExecutionID(), id)
			if err != nil || !found {
				logger.Info("completed step output unavailable, re-running", "step_id", id)
				continue
			}
			step, _ := p.Step(id)
			branch, ok := o.loadBranchOutputs(ctx, rc.ExecutionID(), step, out)
			if !ok {
				logger.Info("branch step outputs unavailable, re-running", "step_id", id)
				continue
			}
			for subID, subOut := range branch {
				rc.SetAggregateOutput(subID, subOut)
			}
			rc.SetStepOutput(id, out)
			run.mark(id, domain.StepCompleted, nil)
			run.completedOrder = append(run.completedOrder, id)
			run.restored[id] = true
		}
	}
	logger.Info("execution restored", "restored_steps", len(run.restored))
}

// loadBranchOutputs fetches the stored outputs of a conditional's sub-steps. Every
// step of the branch that was taken must be present.
func (o *Orchestrator) loadBranchOutputs(ctx context.Context, executionID string, step domain.Step, out domain.StepOutput) (map[string]domain.StepOutput, bool) {
	cfg, ok := step.Config.(*domain.ConditionalConfig)
	if !ok {
		return nil, true
	}
	var taken []domain.Step
	data, _ := out.Data.(map[string]any)
	switch data["branch"] {
	case "then":
		taken = cfg.Then
	case "else":
		taken = cfg.Else
	}
	required := make(map[string]bool, len(taken))
	for _, sub := range taken {
		required[sub.ID] = true
	}

	loaded := make(map[string]domain.StepOutput)
	for _, id := range branchStepIDs(step) {
		sub, found, err := o.outputs.GetOutput(ctx, executionID, id)
		if err != nil || !found {
			if required[id] {
				return nil, false
			}
			continue
		}
		loaded[id] = sub
	}
	return loaded, true
}

// branchStepIDs lists the sub-steps of a conditional, including nested
// conditionals. Scatter/gather sub-steps are excluded: their outputs never leave
// the item that produced them.
func branchStepIDs(step domain.Step) []string {
	cfg, ok := step.Config.(*domain.ConditionalConfig)
	if !ok {
		return nil
	}
	var ids []string
	for _, branch := range [][]domain.Step{cfg.Then, cfg.Else} {
		for _, sub := range branch {
			ids = append(ids, sub.ID)
			ids = append(ids, branchStepIDs(sub)...)
		}
	}
	return ids
}

func (o *Orchestrator) startExecution(ctx context.Context, logger *slog.Logger, req Request, executionID, workflowID string, started time.Time) {
	if o.executions != nil {
		err := o.executions.CreateExecution(ctx, domain.ExecutionRecord{
			ExecutionID: executionID,
			WorkflowID:  workflowID,
			Status:      "running",
			StartedAt:   started.UTC(),
		})
		if err != nil {
			logger.Warn("record execution start failed", "error", err.Error())
		}
	}
	action := auditlog.ActionExecutionStarted
	if req.Resume {
		action = auditlog.ActionExecutionResumed
	}
	o.audit(ctx, logger, req, auditlog.Event{
		Action:      action,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Payload:     map[string]any{"steps": len(req.Workflow.Steps)},
	})
}

func (o *Orchestrator) finishExecution(ctx context.Context, logger *slog.Logger, req Request, result domain.WorkflowExecutionResult) {
	ctx = context.WithoutCancel(ctx)
	if o.executions != nil {
		err := o.executions.FinishExecution(ctx, result.ExecutionID, string(result.Status), result.TotalTokensUsed, o.now())
		if err != nil {
			logger.Warn("record execution finish failed", "error", err.Error())
		}
	}
	o.audit(ctx, logger, req, auditlog.Event{
		Action:      auditlog.ActionExecutionFinished,
		ExecutionID: result.ExecutionID,
		WorkflowID:  result.WorkflowID,
		Payload: map[string]any{
			"status":      string(result.Status),
			"completed":   len(result.CompletedStepIDs),
			"failed":      len(result.FailedStepIDs),
			"skipped":     len(result.SkippedStepIDs),
			"tokens_used": result.TotalTokensUsed,
			"duration_ms": result.TotalExecutionTimeMs,
		},
	})
}

func (o *Orchestrator) audit(ctx context.Context, logger *slog.Logger, req Request, event auditlog.Event) {
	if o.auditor == nil {
		return
	}
	event.Actor = req.Actor
	if strings.TrimSpace(event.Actor) == "" {
		event.Actor = defaultActor
	}
	event.RequestID = req.RequestID
	event.OccurredAt = o.now().UTC()
	if err := o.auditor.Record(ctx, event); err != nil {
		logger.Warn("audit record failed", "action", event.Action, "error", err.Error())
	}
}
