package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/recovery"
	"github.com/animus-labs/stepflow/internal/execution/runner"
	"github.com/animus-labs/stepflow/internal/execution/scheduler"
	"github.com/animus-labs/stepflow/internal/platform/auditlog"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/repo/memory"
)

// scriptedPlugins echoes params back as data unless fail says otherwise.
type scriptedPlugins struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	block map[string]bool
}

func (p *scriptedPlugins) Execute(ctx context.Context, name, action string, params map[string]any) (plugin.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, action)
	fail := p.fail[action]
	block := p.block[action]
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return plugin.Result{}, ctx.Err()
	}
	if fail {
		return plugin.Result{Success: false, Error: action + " exploded", NonRetryable: true}, nil
	}
	return plugin.Result{Success: true, Data: params, TokensUsed: 1}, nil
}

func (p *scriptedPlugins) count(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == action {
			n++
		}
	}
	return n
}

func (p *scriptedPlugins) ordered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newOrchestrator(plugins plugin.Executor, opts ...Option) *Orchestrator {
	sched := scheduler.New(3)
	exec := recovery.NewExecutor(recovery.NewRegistry(recovery.BreakerConfig{Threshold: 100}),
		recovery.WithSleep(func(context.Context, time.Duration) error { return nil }))
	r := runner.New(
		runner.WithPlugins(plugins),
		runner.WithRecovery(exec, recovery.Policy{MaxRetries: 0}),
		runner.WithFanout(sched),
	)
	return New(r, sched, opts...)
}

func act(id string, params map[string]any, deps ...string) domain.Step {
	return domain.Step{
		ID:           id,
		Type:         domain.StepTypeAction,
		Dependencies: deps,
		Config:       &domain.ActionConfig{Plugin: "test", Action: id, Params: params},
	}
}

func diamond() domain.Workflow {
	return domain.Workflow{
		ID: "diamond",
		Steps: []domain.Step{
			act("D", map[string]any{"b": "{{B.v}}", "c": "{{C.v}}"}, "B", "C"),
			act("B", map[string]any{"v": "{{A.v}}-b"}, "A"),
			act("C", map[string]any{"v": "{{A.v}}-c"}, "A"),
			act("A", map[string]any{"v": "{{input.seed}}"}),
		},
		Output: map[string]string{"report": "{{D}}"},
	}
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"C": true}}
	o := newOrchestrator(plugins)

	result, err := o.Execute(context.Background(), Request{Workflow: diamond(), Inputs: map[string]any{"seed": "s"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, result.CompletedStepIDs); diff != "" {
		t.Fatalf("completed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"C"}, result.FailedStepIDs); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"D"}, result.SkippedStepIDs); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
	if plugins.count("D") != 0 {
		t.Fatalf("skipped step must not execute")
	}
	if result.Status != domain.RunFailed || result.Success {
		t.Fatalf("expected failed run, got %s", result.Status)
	}
	reasons := map[string]string{}
	for _, f := range result.Failures {
		reasons[f.StepID] = f.ErrorType
	}
	if reasons["C"] != domain.ErrorTypePluginExecution || reasons["D"] != domain.ErrorTypeDependency {
		t.Fatalf("unexpected failure types %v", reasons)
	}
}

func TestFallbackRunsWhenDependencyFailed(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"C": true}}
	o := newOrchestrator(plugins)
	wf := diamond()
	for i := range wf.Steps {
		if wf.Steps[i].ID == "D" {
			fallback := act("D-cached", map[string]any{"cached": true})
			wf.Steps[i].Fallback = &fallback
		}
	}

	result, err := o.Execute(context.Background(), Request{Workflow: wf, Inputs: map[string]any{"seed": "s"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "D"}, result.CompletedStepIDs); diff != "" {
		t.Fatalf("completed mismatch (-want +got):\n%s", diff)
	}
	if !result.StepOutputs["D"].Metadata.FallbackUsed {
		t.Fatalf("expected fallback marker on D")
	}
	if diff := cmp.Diff(map[string]any{"cached": true}, result.Output["report"]); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
	if result.Status != domain.RunPartial || !result.Success {
		t.Fatalf("expected partial success, got %s", result.Status)
	}
}

func TestValidationFailureRunsNothing(t *testing.T) {
	plugins := &scriptedPlugins{}
	o := newOrchestrator(plugins)
	wf := domain.Workflow{ID: "loop", Steps: []domain.Step{act("a", nil, "b"), act("b", nil, "a")}}

	_, err := o.Execute(context.Background(), Request{Workflow: wf})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(plugins.ordered()) != 0 {
		t.Fatalf("no step may run on validation failure")
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	inputs := map[string]any{"seed": "s"}

	baseline, err := newOrchestrator(&scriptedPlugins{}).Execute(context.Background(), Request{Workflow: diamond(), Inputs: inputs})
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}

	store := checkpoint.NewRepoStore(memory.New())
	outputs := checkpoint.NewMemoryOutputs()
	crashing := &scriptedPlugins{fail: map[string]bool{"C": true}}
	first, err := newOrchestrator(crashing,
		WithCheckpointStore(store), WithOutputStore(outputs),
	).Execute(context.Background(), Request{Workflow: diamond(), Inputs: inputs, ExecutionID: "exec-r"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Status != domain.RunFailed {
		t.Fatalf("expected first run to fail, got %s", first.Status)
	}

	healthy := &scriptedPlugins{}
	resumed, err := newOrchestrator(healthy,
		WithCheckpointStore(store), WithOutputStore(outputs),
	).Execute(context.Background(), Request{Workflow: diamond(), Inputs: inputs, ExecutionID: "exec-r", Resume: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if healthy.count("A") != 0 || healthy.count("B") != 0 {
		t.Fatalf("completed steps re-executed on resume: %v", healthy.ordered())
	}
	if healthy.count("C") != 1 || healthy.count("D") != 1 {
		t.Fatalf("expected C and D to run once, got %v", healthy.ordered())
	}
	if diff := cmp.Diff(baseline.CompletedStepIDs, resumed.CompletedStepIDs); diff != "" {
		t.Fatalf("completed ids differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(baseline.Output, resumed.Output); diff != "" {
		t.Fatalf("output differs (-want +got):\n%s", diff)
	}
	if resumed.TotalTokensUsed != baseline.TotalTokensUsed {
		t.Fatalf("tokens differ: baseline %d resumed %d", baseline.TotalTokensUsed, resumed.TotalTokensUsed)
	}
	if !resumed.Resumed || resumed.Status != domain.RunCompleted {
		t.Fatalf("unexpected resumed result %+v", resumed)
	}

	latest, err := store.LoadLatest(context.Background(), "exec-r")
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		if latest[id].Status != domain.StepCompleted {
			t.Fatalf("latest checkpoint for %s is %s", id, latest[id].Status)
		}
	}
}

func TestResumeRestoresConditionalBranchOutputs(t *testing.T) {
	wf := domain.Workflow{ID: "branchy", Steps: []domain.Step{
		{
			ID:   "A",
			Type: domain.StepTypeConditional,
			Config: &domain.ConditionalConfig{
				Condition: &domain.Condition{Type: domain.ConditionSimple, Field: "input.go", Operator: domain.OpEquals, Value: true},
				Then:      []domain.Step{act("T", map[string]any{"x": "tv"})},
			},
		},
		act("B", map[string]any{"y": "{{T.x}}"}, "A"),
	}}
	inputs := map[string]any{"go": true}
	store := checkpoint.NewRepoStore(memory.New())
	outputs := checkpoint.NewMemoryOutputs()

	first, err := newOrchestrator(&scriptedPlugins{fail: map[string]bool{"B": true}},
		WithCheckpointStore(store), WithOutputStore(outputs),
	).Execute(context.Background(), Request{Workflow: wf, Inputs: inputs, ExecutionID: "exec-c"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if diff := cmp.Diff([]string{"B"}, first.FailedStepIDs); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}

	healthy := &scriptedPlugins{}
	resumed, err := newOrchestrator(healthy,
		WithCheckpointStore(store), WithOutputStore(outputs),
	).Execute(context.Background(), Request{Workflow: wf, Inputs: inputs, ExecutionID: "exec-c", Resume: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if healthy.count("T") != 0 || healthy.count("B") != 1 {
		t.Fatalf("expected only B to run on resume, got %v", healthy.ordered())
	}
	if resumed.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s with %+v", resumed.Status, resumed.Failures)
	}
	if diff := cmp.Diff(map[string]any{"y": "tv"}, resumed.StepOutputs["B"].Data); diff != "" {
		t.Fatalf("B output mismatch (-want +got):\n%s", diff)
	}
	if resumed.TotalTokensUsed != 2 {
		t.Fatalf("expected 2 tokens, got %d", resumed.TotalTokensUsed)
	}
}

func TestResumeRerunsConditionalWithoutBranchOutputs(t *testing.T) {
	wf := domain.Workflow{ID: "branchy", Steps: []domain.Step{{
		ID:   "A",
		Type: domain.StepTypeConditional,
		Config: &domain.ConditionalConfig{
			Condition: &domain.Condition{Type: domain.ConditionSimple, Field: "input.go", Operator: "==", Value: true},
			Then:      []domain.Step{act("T", map[string]any{"x": "tv"})},
		},
	}}}
	store := checkpoint.NewRepoStore(memory.New())
	outputs := checkpoint.NewMemoryOutputs()
	inputs := map[string]any{"go": true}
	if _, err := newOrchestrator(&scriptedPlugins{}, WithCheckpointStore(store)).Execute(context.Background(),
		Request{Workflow: wf, Inputs: inputs, ExecutionID: "exec-d"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := outputs.PutOutput(context.Background(), "exec-d", "A", domain.StepOutput{
		Data: map[string]any{"branch": "then", "condition": true, "result": map[string]any{"x": "tv"}},
	}); err != nil {
		t.Fatalf("put output: %v", err)
	}

	plugins := &scriptedPlugins{}
	if _, err := newOrchestrator(plugins, WithCheckpointStore(store), WithOutputStore(outputs)).Execute(context.Background(),
		Request{Workflow: wf, Inputs: inputs, ExecutionID: "exec-d", Resume: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if plugins.count("T") != 1 {
		t.Fatalf("expected the conditional to re-run when its branch output is missing, got %v", plugins.ordered())
	}
}

func TestResumeWithoutStoredOutputReruns(t *testing.T) {
	store := checkpoint.NewRepoStore(memory.New())
	wf := domain.Workflow{ID: "one", Steps: []domain.Step{act("A", map[string]any{"v": 1})}}
	if _, err := newOrchestrator(&scriptedPlugins{}, WithCheckpointStore(store)).Execute(context.Background(), Request{Workflow: wf, ExecutionID: "e"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	plugins := &scriptedPlugins{}
	if _, err := newOrchestrator(plugins, WithCheckpointStore(store)).Execute(context.Background(), Request{Workflow: wf, ExecutionID: "e", Resume: true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if plugins.count("A") != 1 {
		t.Fatalf("expected A to re-run without a stored output")
	}
}

func TestWorkflowTimeoutAbandonsInFlightSteps(t *testing.T) {
	plugins := &scriptedPlugins{block: map[string]bool{"slow": true}}
	cfg := DefaultConfig()
	cfg.WorkflowTimeout = 30 * time.Millisecond
	o := newOrchestrator(plugins, WithConfig(cfg))
	wf := domain.Workflow{ID: "slow", Steps: []domain.Step{
		act("fast", nil),
		act("slow", nil),
		act("after", nil, "fast"),
	}}

	started := time.Now()
	result, err := o.Execute(context.Background(), Request{Workflow: wf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("run did not stop at the workflow deadline")
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", result.Status)
	}
	if diff := cmp.Diff([]string{"slow"}, result.FailedStepIDs); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"after"}, result.SkippedStepIDs); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
	for _, f := range result.Failures {
		if f.StepID == "slow" && f.ErrorType != domain.ErrorTypeTimeout {
			t.Fatalf("expected timeout failure for slow, got %+v", f)
		}
	}
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"charge": true}}
	o := newOrchestrator(plugins)
	undo := func(id string) *domain.Step {
		s := act("undo-"+id, map[string]any{"ref": "{{" + id + ".v}}"})
		return &s
	}
	reserve := act("reserve", map[string]any{"v": "r"})
	reserve.Compensate = undo("reserve")
	hold := act("hold", map[string]any{"v": "h"}, "reserve")
	hold.Compensate = undo("hold")
	charge := act("charge", nil, "hold")

	result, err := o.Execute(context.Background(), Request{Workflow: domain.Workflow{ID: "order", Steps: []domain.Step{reserve, hold, charge}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"hold", "reserve"}, result.RolledBackStepIDs); diff != "" {
		t.Fatalf("rollback mismatch (-want +got):\n%s", diff)
	}
	calls := plugins.ordered()
	if diff := cmp.Diff([]string{"reserve", "hold", "charge", "undo-hold", "undo-reserve"}, calls); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
	if _, recorded := result.StepOutputs["undo-hold"]; recorded {
		t.Fatalf("compensation output must not be recorded")
	}
}

func TestRollbackSkipsStepsCompletedAfterFailure(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"fail1": true}}
	o := newOrchestrator(plugins)
	ok0 := act("ok0", map[string]any{"v": "o"})
	undoOK := act("undo-ok0", nil)
	ok0.Compensate = &undoOK
	late := act("late", map[string]any{"v": "l"}, "ok0")
	undoLate := act("undo-late", nil)
	late.Compensate = &undoLate

	result, err := o.Execute(context.Background(), Request{Workflow: domain.Workflow{
		ID:    "independent",
		Steps: []domain.Step{act("fail1", nil), ok0, late},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"ok0", "late"}, result.CompletedStepIDs); diff != "" {
		t.Fatalf("completed mismatch (-want +got):\n%s", diff)
	}
	if len(result.RolledBackStepIDs) != 0 {
		t.Fatalf("expected no rollback, got %v", result.RolledBackStepIDs)
	}
	if plugins.count("undo-late") != 0 || plugins.count("undo-ok0") != 0 {
		t.Fatalf("compensation ran for steps that did not precede the failure: %v", plugins.ordered())
	}
}

func TestRollbackCanBeDisabled(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"b": true}}
	cfg := DefaultConfig()
	cfg.RollbackOnFailure = false
	a := act("a", nil)
	comp := act("undo-a", nil)
	a.Compensate = &comp
	result, err := newOrchestrator(plugins, WithConfig(cfg)).Execute(context.Background(), Request{
		Workflow: domain.Workflow{ID: "w", Steps: []domain.Step{a, act("b", nil, "a")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.RolledBackStepIDs) != 0 || plugins.count("undo-a") != 0 {
		t.Fatalf("rollback ran while disabled")
	}
}

func TestPartialWhenRequiredOutputsResolve(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"notify": true}}
	wf := domain.Workflow{
		ID:              "report",
		Steps:           []domain.Step{act("fetch", map[string]any{"rows": 3}), act("notify", nil)},
		Output:          map[string]string{"rows": "{{fetch.rows}}"},
		RequiredOutputs: []string{"rows"},
	}
	result, err := newOrchestrator(plugins).Execute(context.Background(), Request{Workflow: wf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunPartial || !result.Success {
		t.Fatalf("expected partial, got %s", result.Status)
	}
	if result.Output["rows"] != 3 {
		t.Fatalf("expected rows output, got %v", result.Output)
	}
}

func TestRequiredOutputFedByFailedStepFails(t *testing.T) {
	plugins := &scriptedPlugins{fail: map[string]bool{"fetch": true}}
	wf := domain.Workflow{
		ID:              "report",
		Steps:           []domain.Step{act("fetch", nil)},
		Output:          map[string]string{"rows": "{{fetch.rows}}"},
		RequiredOutputs: []string{"rows"},
	}
	result, err := newOrchestrator(plugins).Execute(context.Background(), Request{Workflow: wf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != domain.RunFailed || result.Success {
		t.Fatalf("expected failed, got %s", result.Status)
	}
}

func TestScatterGatherRunsThroughScheduler(t *testing.T) {
	plugins := &scriptedPlugins{}
	wf := domain.Workflow{
		ID: "fan",
		Steps: []domain.Step{{
			ID:   "notify",
			Type: domain.StepTypeScatterGather,
			Config: &domain.ScatterGatherConfig{
				Input:        "{{input.users}}",
				ItemVariable: "user",
				Steps:        []domain.Step{act("send", map[string]any{"to": "{{user.email}}"})},
				Gather:       domain.GatherConfig{Mode: domain.GatherCollect},
			},
		}},
		Output: map[string]string{"sent": "{{notify}}"},
	}
	users := []any{
		map[string]any{"email": "a@example.com"},
		map[string]any{"email": "b@example.com"},
	}
	result, err := newOrchestrator(plugins).Execute(context.Background(), Request{Workflow: wf, Inputs: map[string]any{"users": users}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{
		map[string]any{"to": "a@example.com"},
		map[string]any{"to": "b@example.com"},
	}
	if diff := cmp.Diff(want, result.Output["sent"]); diff != "" {
		t.Fatalf("gathered output mismatch (-want +got):\n%s", diff)
	}
	if result.TotalTokensUsed != 2 {
		t.Fatalf("expected 2 tokens, got %d", result.TotalTokensUsed)
	}
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (a *recordingAuditor) Record(_ context.Context, event auditlog.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func TestExecutionIsAuditedAndRecorded(t *testing.T) {
	auditor := &recordingAuditor{}
	executions := memory.New()
	o := newOrchestrator(&scriptedPlugins{}, WithAuditor(auditor), WithExecutionRepository(executions))
	result, err := o.Execute(context.Background(), Request{
		Workflow:  domain.Workflow{ID: "w", Steps: []domain.Step{act("a", nil)}},
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(auditor.events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(auditor.events))
	}
	if auditor.events[0].Action != auditlog.ActionExecutionStarted || auditor.events[1].Action != auditlog.ActionExecutionFinished {
		t.Fatalf("unexpected audit actions %+v", auditor.events)
	}
	if auditor.events[1].RequestID != "req-1" || auditor.events[1].Actor != defaultActor {
		t.Fatalf("unexpected audit event %+v", auditor.events[1])
	}
	record, err := executions.GetExecution(context.Background(), result.ExecutionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if record.Status != string(domain.RunCompleted) || record.FinishedAt == nil {
		t.Fatalf("unexpected execution record %+v", record)
	}
}
