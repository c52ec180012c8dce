// Package engine assembles an orchestrator from engine settings and adapters.
package engine

import (
	"log/slog"

	"github.com/animus-labs/stepflow/internal/config"
	"github.com/animus-labs/stepflow/internal/execution/checkpoint"
	"github.com/animus-labs/stepflow/internal/execution/orchestrator"
	"github.com/animus-labs/stepflow/internal/execution/recovery"
	"github.com/animus-labs/stepflow/internal/execution/runner"
	"github.com/animus-labs/stepflow/internal/execution/scheduler"
	"github.com/animus-labs/stepflow/internal/llm"
	"github.com/animus-labs/stepflow/internal/plugin"
	"github.com/animus-labs/stepflow/internal/repo"
)

// Deps are the adapters an orchestrator talks to. Every field is optional.
type Deps struct {
	Plugins     plugin.Executor
	LLM         llm.Provider
	LLMModel    string
	Checkpoints repo.CheckpointRepository
	Executions  repo.ExecutionRepository
	Outputs     checkpoint.OutputStore
	Auditor     orchestrator.Auditor
	Logger      *slog.Logger
}

func Build(cfg config.Engine, deps Deps) *orchestrator.Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sched := scheduler.New(cfg.MaxConcurrency, scheduler.WithLogger(logger))
	breakers := recovery.NewRegistry(cfg.Breakers())
	exec := recovery.NewExecutor(breakers, recovery.WithLogger(logger))

	runnerOpts := []runner.Option{
		runner.WithRecovery(exec, cfg.RetryPolicy()),
		runner.WithFanout(sched),
		runner.WithStepTimeout(cfg.StepTimeout),
		runner.WithLogger(logger),
	}
	if deps.Plugins != nil {
		runnerOpts = append(runnerOpts, runner.WithPlugins(deps.Plugins))
	}
	if deps.LLM != nil {
		runnerOpts = append(runnerOpts, runner.WithLLM(deps.LLM, deps.LLMModel))
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Orchestrator()),
		orchestrator.WithLogger(logger),
	}
	if deps.Checkpoints != nil {
		opts = append(opts, orchestrator.WithCheckpointStore(checkpoint.NewRepoStore(deps.Checkpoints)))
	}
	if deps.Executions != nil {
		opts = append(opts, orchestrator.WithExecutionRepository(deps.Executions))
	}
	if deps.Outputs != nil {
		opts = append(opts, orchestrator.WithOutputStore(deps.Outputs))
	}
	if deps.Auditor != nil {
		opts = append(opts, orchestrator.WithAuditor(deps.Auditor))
	}
	return orchestrator.New(runner.New(runnerOpts...), sched, opts...)
}
