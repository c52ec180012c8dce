package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/stepflow/internal/domain"
)

func transformStep(id string, deps ...string) domain.Step {
	return domain.Step{
		ID:           id,
		Type:         domain.StepTypeTransform,
		Dependencies: deps,
		Config:       &domain.TransformConfig{Operation: "limit"},
	}
}

func diamond() domain.Workflow {
	return domain.Workflow{
		ID: "diamond",
		Steps: []domain.Step{
			transformStep("d", "c", "b"),
			transformStep("b", "a"),
			transformStep("a"),
			transformStep("c", "a"),
		},
	}
}

func TestBuildLevelsDiamond(t *testing.T) {
	p, err := Build(diamond())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []domain.Level{
		{Index: 0, StepIDs: []string{"a"}},
		{Index: 1, StepIDs: []string{"b", "c"}},
		{Index: 2, StepIDs: []string{"d"}},
	}
	if diff := cmp.Diff(want, p.Levels); diff != "" {
		t.Fatalf("levels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"a": 0, "b": 1, "c": 1, "d": 2}, p.LevelByStep); diff != "" {
		t.Fatalf("level by step (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "c"}, p.Dependents["a"]); diff != "" {
		t.Fatalf("dependents of a (-want +got):\n%s", diff)
	}
	if got := Describe(p); got != "level 0: a\nlevel 1: b, c\nlevel 2: d\n" {
		t.Fatalf("Describe()=%q", got)
	}
}

func TestTransitive(t *testing.T) {
	p, err := Build(diamond())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, Transitive(p, "a")); diff != "" {
		t.Fatalf("Transitive(a) (-want +got):\n%s", diff)
	}
	if got := Transitive(p, "d"); len(got) != 0 {
		t.Fatalf("Transitive(d)=%v, want none", got)
	}
}

func TestBuildReportsCycle(t *testing.T) {
	wf := domain.Workflow{ID: "loop", Steps: []domain.Step{
		transformStep("a", "c"),
		transformStep("b", "a"),
		transformStep("c", "b"),
	}}
	_, err := Build(wf)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff([]string{"dependency graph contains a cycle: a -> b -> c -> a"}, verr.Issues); diff != "" {
		t.Fatalf("issues (-want +got):\n%s", diff)
	}
}

func TestValidateWorkflowCollectsEveryIssue(t *testing.T) {
	wf := domain.Workflow{
		ID: "broken",
		Steps: []domain.Step{
			transformStep("a", "a"),
			transformStep("a"),
			transformStep("input"),
			transformStep("b", "missing", "a", "a"),
			{ID: "act", Type: domain.StepTypeAction, Config: &domain.ActionConfig{Plugin: "mail"}},
			{ID: "pivot", Type: domain.StepTypeTransform, Config: &domain.TransformConfig{Operation: "pivot"}},
			{ID: "fold", Type: domain.StepTypeTransform, Config: &domain.TransformConfig{Operation: "reduce", Reducer: "product"}},
			{ID: "stats", Type: domain.StepTypeTransform, Config: &domain.TransformConfig{
				Operation:    "aggregate",
				Aggregations: []domain.Aggregation{{Operation: "median", Field: "v"}},
			}},
			{
				ID:   "fan",
				Type: domain.StepTypeScatterGather,
				Config: &domain.ScatterGatherConfig{
					Input:  "{{input.items}}",
					Steps:  []domain.Step{{ID: "each", Type: domain.StepTypeTransform, Config: &domain.TransformConfig{Operation: "explode"}}},
					Gather: domain.GatherConfig{Mode: domain.GatherReduce, Reducer: "{{acc}} + {{item}}"},
				},
			},
		},
		RequiredOutputs: []string{"summary"},
	}
	err := ValidateWorkflow(wf)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, want := range []string{
		`duplicate step id "a"`,
		`step id "input" is reserved`,
		"step[a] depends on itself",
		`step[b] dependency "missing" not found`,
		`step[b] lists dependency "a" more than once`,
		"step[act] action is required",
		`required output "summary" is not declared in output`,
		`step[pivot] operation unsupported: "pivot"`,
		`step[fold] reducer unsupported: "product"`,
		`step[stats] aggregation operation unsupported: "median"`,
		`step[fan] gather.reducer unsupported: "{{acc}} + {{item}}"`,
		`step[each] operation unsupported: "explode"`,
	} {
		if !containsIssue(verr.Issues, want) {
			t.Fatalf("missing issue %q in %v", want, verr.Issues)
		}
	}
}

func TestValidateWorkflowNestedIDCollision(t *testing.T) {
	wf := domain.Workflow{ID: "nested", Steps: []domain.Step{
		transformStep("shared"),
		{
			ID:   "fan",
			Type: domain.StepTypeScatterGather,
			Config: &domain.ScatterGatherConfig{
				Input: "{{input.items}}",
				Steps: []domain.Step{transformStep("shared")},
			},
		},
	}}
	err := ValidateWorkflow(wf)
	if err == nil || !strings.Contains(err.Error(), `step id "shared" in fan.steps collides with a top-level step`) {
		t.Fatalf("expected nested collision, got %v", err)
	}
}

func TestValidateWorkflowRejectsEmpty(t *testing.T) {
	if err := ValidateWorkflow(domain.Workflow{ID: "empty"}); err == nil {
		t.Fatalf("expected error for a workflow without steps")
	}
}

func containsIssue(issues []string, want string) bool {
	for _, issue := range issues {
		if strings.Contains(issue, want) {
			return true
		}
	}
	return false
}
