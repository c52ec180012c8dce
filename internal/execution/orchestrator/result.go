package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/runctx"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

// rollback compensates, in reverse completion order, the completed steps that
// finished before the earliest failure, i.e. those on a lower level than the first
// failed step. Compensation failures are logged and do not stop the rest.
func (o *Orchestrator) rollback(ctx context.Context, logger *slog.Logger, p domain.ExecutionPlan, rc *runctx.Context, run *runState) {
	failed := run.failed()
	if len(failed) == 0 {
		return
	}
	// failed is in plan order, so its first entry sits on the lowest failing level.
	earliest := p.LevelByStep[failed[0]]

	var rolledBack []string
	for i := len(run.completedOrder) - 1; i >= 0; i-- {
		id := run.completedOrder[i]
		step, ok := p.Step(id)
		if !ok || step.Compensate == nil {
			continue
		}
		if p.LevelByStep[id] >= earliest {
			logger.Debug("step completed at or after the failure, not compensated", "step_id", id)
			continue
		}
		if err := o.runner.Compensate(ctx, rc, step); err != nil {
			logger.Warn("compensation failed", "step_id", id, "error", err.Error())
			continue
		}
		logger.Info("step compensated", "step_id", id)
		rolledBack = append(rolledBack, id)
	}
	run.rolledBack = rolledBack
}

func (o *Orchestrator) buildResult(p domain.ExecutionPlan, req Request, rc *runctx.Context, run *runState) domain.WorkflowExecutionResult {
	result := domain.WorkflowExecutionResult{
		WorkflowID:        p.WorkflowID,
		CompletedStepIDs:  run.ordered(domain.StepCompleted),
		FailedStepIDs:     run.ordered(domain.StepFailed),
		SkippedStepIDs:    run.ordered(domain.StepSkipped),
		RolledBackStepIDs: run.rolledBack,
		StepOutputs:       rc.Outputs(),
		TotalTokensUsed:   rc.TotalTokensUsed(),
	}
	for _, id := range append(append([]string(nil), result.FailedStepIDs...), result.SkippedStepIDs...) {
		err := run.errs[id]
		failure := domain.StepFailure{StepID: id, ErrorType: domain.ErrorType(err)}
		if err != nil {
			failure.Reason = err.Error()
		}
		result.Failures = append(result.Failures, failure)
	}

	output, missing := resolveOutput(req.Workflow.Output, rc)
	if len(output) > 0 {
		result.Output = output
	}
	for _, key := range sortedKeys(missing) {
		result.Failures = append(result.Failures, domain.StepFailure{
			Reason:    "output " + key + ": " + missing[key].Error(),
			ErrorType: domain.ErrorType(missing[key]),
		})
	}
	result.Status = runStatus(req.Workflow, run, missing)
	result.Success = result.Status != domain.RunFailed
	return result
}

func resolveOutput(declared map[string]string, rc *runctx.Context) (map[string]any, map[string]error) {
	output := make(map[string]any, len(declared))
	missing := make(map[string]error)
	for _, key := range sortedKeys(declared) {
		value, err := rc.Render(declared[key])
		if err != nil {
			missing[key] = err
			continue
		}
		output[key] = value
	}
	return output, missing
}

// runStatus is completed when every step completed, partial when the central
// outputs resolved and no step feeding them failed, failed otherwise. Central
// outputs are requiredOutputs, or every declared output when none are required.
func runStatus(wf domain.Workflow, run *runState, missing map[string]error) domain.RunStatus {
	failed := run.ordered(domain.StepFailed)
	skipped := run.ordered(domain.StepSkipped)
	if len(failed) == 0 && len(skipped) == 0 && len(missing) == 0 {
		return domain.RunCompleted
	}
	for _, err := range run.errs {
		if aborted(err) {
			return domain.RunFailed
		}
	}

	central := wf.RequiredOutputs
	if len(central) == 0 {
		for key := range wf.Output {
			central = append(central, key)
		}
	}
	if len(central) == 0 {
		return domain.RunFailed
	}
	for _, key := range central {
		if _, bad := missing[key]; bad {
			return domain.RunFailed
		}
		for _, ref := range runctx.References(wf.Output[key]) {
			parts, ok := values.SplitPath(ref)
			if !ok {
				continue
			}
			if status, known := run.status[parts[0]]; known && status != domain.StepCompleted {
				return domain.RunFailed
			}
		}
	}
	return domain.RunPartial
}

// aborted reports whether err came from the run deadline or cancellation rather
// than from the step itself.
func aborted(err error) bool {
	var timeout *domain.TimeoutError
	if errors.As(err, &timeout) && timeout.Scope == domain.TimeoutWorkflow {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
