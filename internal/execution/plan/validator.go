package plan

import (
	"fmt"
	"strings"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/expr"
	"github.com/animus-labs/stepflow/internal/execution/transform"
)

// Template roots that step ids may not shadow.
var reservedIDs = map[string]struct{}{
	"input": {},
	"vars":  {},
	"loop":  {},
}

// ValidateWorkflow performs strict validation of a workflow definition and
// reports every issue found, not just the first.
func ValidateWorkflow(workflow domain.Workflow) error {
	issues := &domain.ValidationError{}

	if len(workflow.Steps) == 0 {
		issues.Add("steps must contain at least one step")
		return issues.OrNil()
	}

	topLevel := make(map[string]struct{}, len(workflow.Steps))
	allIDs := make(map[string]string, len(workflow.Steps))
	for _, step := range workflow.Steps {
		if id := strings.TrimSpace(step.ID); id != "" {
			allIDs[id] = ""
		}
	}
	for i, step := range workflow.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("step[%d] id is required", i))
			continue
		}
		if id != step.ID {
			issues.Add(fmt.Sprintf("step[%s] id must not have surrounding whitespace", id))
		}
		if _, exists := topLevel[id]; exists {
			issues.Add(fmt.Sprintf("duplicate step id %q", id))
		}
		topLevel[id] = struct{}{}
		issues.Merge(step.Validate())
		collectNestedIDs(step, "", allIDs, issues)
		validateConditions(step, issues)
		validateOperations(step, issues)
	}

	for _, step := range workflow.Steps {
		seen := make(map[string]struct{}, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				issues.Add(fmt.Sprintf("step[%s] has an empty dependency", step.ID))
				continue
			}
			if dep == step.ID {
				issues.Add(fmt.Sprintf("step[%s] depends on itself", step.ID))
				continue
			}
			if _, dup := seen[dep]; dup {
				issues.Add(fmt.Sprintf("step[%s] lists dependency %q more than once", step.ID, dep))
				continue
			}
			seen[dep] = struct{}{}
			if _, ok := topLevel[dep]; !ok {
				issues.Add(fmt.Sprintf("step[%s] dependency %q not found", step.ID, dep))
			}
		}
	}

	for key := range workflow.Output {
		if strings.TrimSpace(key) == "" {
			issues.Add("output keys must not be empty")
		}
	}
	for _, key := range workflow.RequiredOutputs {
		if _, ok := workflow.Output[key]; !ok {
			issues.Add(fmt.Sprintf("required output %q is not declared in output", key))
		}
	}

	if len(issues.Issues) == 0 && hasCycle(workflow.Steps) {
		issues.Add(cycleMessage(workflow.Steps))
	}
	return issues.OrNil()
}

func hasCycle(steps []domain.Step) bool {
	return len(findCycle(steps)) > 0
}

// collectNestedIDs enforces unique ids across top-level, branch and scatter sub-steps,
// since all of them write into the same output namespace.
func collectNestedIDs(step domain.Step, owner string, seen map[string]string, issues *domain.ValidationError) {
	id := strings.TrimSpace(step.ID)
	if id == "" {
		return
	}
	if _, reserved := reservedIDs[id]; reserved {
		issues.Add(fmt.Sprintf("step id %q is reserved", id))
	}
	if strings.ContainsAny(id, ".[]{} ") {
		issues.Add(fmt.Sprintf("step id %q must not contain path characters", id))
	}
	if owner != "" {
		if prev, exists := seen[id]; exists {
			issues.Add(fmt.Sprintf("step id %q in %s collides with %s", id, owner, describeOwner(prev)))
		}
		seen[id] = owner
	}

	switch cfg := step.Config.(type) {
	case *domain.ConditionalConfig:
		for _, branch := range cfg.Then {
			collectNestedIDs(branch, id+".then", seen, issues)
		}
		for _, branch := range cfg.Else {
			collectNestedIDs(branch, id+".else", seen, issues)
		}
	case *domain.ScatterGatherConfig:
		for _, sub := range cfg.Steps {
			collectNestedIDs(sub, id+".steps", seen, issues)
		}
	}
}

func describeOwner(owner string) string {
	if owner == "" {
		return "a top-level step"
	}
	return owner
}

// validateConditions compiles every condition in the step tree so malformed
// expressions are rejected before any step runs.
func validateConditions(step domain.Step, issues *domain.ValidationError) {
	switch cfg := step.Config.(type) {
	case *domain.ConditionalConfig:
		if cfg.Condition != nil {
			if _, err := expr.CompileCondition(*cfg.Condition); err != nil {
				issues.Add(fmt.Sprintf("step[%s] condition: %v", step.ID, err))
			}
		}
		for _, branch := range cfg.Then {
			validateConditions(branch, issues)
		}
		for _, branch := range cfg.Else {
			validateConditions(branch, issues)
		}
	case *domain.TransformConfig:
		if cfg.Condition != nil {
			if _, err := expr.CompileCondition(*cfg.Condition); err != nil {
				issues.Add(fmt.Sprintf("step[%s] condition: %v", step.ID, err))
			}
		}
	case *domain.ScatterGatherConfig:
		for _, sub := range cfg.Steps {
			validateConditions(sub, issues)
		}
	}
	if step.Fallback != nil {
		validateConditions(*step.Fallback, issues)
	}
}

// validateOperations rejects transform operations, aggregations and reducers the
// engine does not implement.
func validateOperations(step domain.Step, issues *domain.ValidationError) {
	switch cfg := step.Config.(type) {
	case *domain.TransformConfig:
		op := strings.ToLower(strings.TrimSpace(cfg.Operation))
		switch {
		case op == "":
		case !transform.IsOperation(op):
			issues.Add(fmt.Sprintf("step[%s] operation unsupported: %q", step.ID, cfg.Operation))
		case op == transform.OpReduce && !transform.IsReducer(cfg.Reducer):
			issues.Add(fmt.Sprintf("step[%s] reducer unsupported: %q", step.ID, cfg.Reducer))
		case op == transform.OpAggregate:
			for _, agg := range cfg.Aggregations {
				if !transform.IsAggregation(agg.Operation) {
					issues.Add(fmt.Sprintf("step[%s] aggregation operation unsupported: %q", step.ID, agg.Operation))
				}
			}
		}
	case *domain.ConditionalConfig:
		for _, branch := range cfg.Then {
			validateOperations(branch, issues)
		}
		for _, branch := range cfg.Else {
			validateOperations(branch, issues)
		}
	case *domain.ScatterGatherConfig:
		reducer := strings.TrimSpace(cfg.Gather.Reducer)
		if cfg.Gather.Mode == domain.GatherReduce && reducer != "" && !transform.IsReducer(reducer) {
			issues.Add(fmt.Sprintf("step[%s] gather.reducer unsupported: %q", step.ID, cfg.Gather.Reducer))
		}
		for _, sub := range cfg.Steps {
			validateOperations(sub, issues)
		}
	}
	if step.Fallback != nil {
		validateOperations(*step.Fallback, issues)
	}
}
