package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/stepflow/internal/config"
	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/llm"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/repo/memory"
)

// flakyPlugins fails the first call of every action with a retryable error.
type flakyPlugins struct {
	mu    sync.Mutex
	calls map[string]int
}

func (p *flakyPlugins) Execute(ctx context.Context, name, action string, params map[string]any) (plugin.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[action]++
	if p.calls[action] == 1 {
		return plugin.Result{Success: false, Error: "temporarily unavailable"}, nil
	}
	return plugin.Result{Success: true, Data: params}, nil
}

func (p *flakyPlugins) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 2 * time.Millisecond
	return cfg
}

func workflow() domain.Workflow {
	return domain.Workflow{
		ID: "summary",
		Steps: []domain.Step{
			{ID: "fetch", Type: domain.StepTypeAction, Config: &domain.ActionConfig{
				Plugin: "crm", Action: "fetch", Params: map[string]any{"account": "{{input.account}}"},
			}},
			{ID: "summarize", Type: domain.StepTypeAIProcessing, Dependencies: []string{"fetch"}, Config: &domain.AIProcessingConfig{
				Prompt: "Summarize account {{fetch.account}}",
			}},
		},
		Output: map[string]string{"summary": "{{summarize}}"},
	}
}

func TestBuildWiresRetriesAndLLM(t *testing.T) {
	plugins := &flakyPlugins{calls: map[string]int{}}
	var gotModel string
	provider := llm.ProviderFunc(func(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Completion, error) {
		gotModel = params.Model
		return llm.Completion{Content: "steady", TokensUsed: 5}, nil
	})

	o := Build(testConfig(), Deps{Plugins: plugins, LLM: provider, LLMModel: "small-model"})
	result, err := o.Execute(context.Background(), orchestrator.Request{
		Workflow: workflow(),
		Inputs:   map[string]any{"account": "acme"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s (%+v)", result.Status, result.Failures)
	}
	if plugins.total() != 2 {
		t.Fatalf("expected one retry of fetch, got %d calls", plugins.total())
	}
	if gotModel != "small-model" || result.TotalTokensUsed != 5 {
		t.Fatalf("llm wiring: model=%q tokens=%d", gotModel, result.TotalTokensUsed)
	}
}

func TestBuildWiresStoresForResume(t *testing.T) {
	plugins := &flakyPlugins{calls: map[string]int{}}
	provider := llm.ProviderFunc(func(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Completion, error) {
		return llm.Completion{Content: "steady"}, nil
	})
	store := memory.New()
	deps := Deps{
		Plugins:     plugins,
		LLM:         provider,
		Checkpoints: store,
		Executions:  store,
		Outputs:     checkpoint.NewMemoryOutputs(),
	}
	o := Build(testConfig(), deps)

	req := orchestrator.Request{Workflow: workflow(), Inputs: map[string]any{"account": "acme"}, ExecutionID: "exec-1"}
	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	calls := plugins.total()

	req.Resume = true
	resumed, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if plugins.total() != calls {
		t.Fatalf("resume re-ran a completed action: %d calls, want %d", plugins.total(), calls)
	}
	if resumed.Status != domain.RunCompleted || resumed.Output["summary"] != "steady" {
		t.Fatalf("unexpected resumed result %+v", resumed)
	}
	record, err := store.GetExecution(context.Background(), "exec-1")
	if err != nil || record.Status != string(domain.RunCompleted) {
		t.Fatalf("execution record = %+v, %v", record, err)
	}
}
