package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/stepflow/internal/domain"
	"github.com/animus-labs/stepflow/internal/execution/runctx"
	"github.com/animus-labs/stepflow/internal/execution/runner"
	"github.com/animus-labs/stepflow/internal/execution/transform"
	"github.com/animus-labs/stepflow/internal/execution/values"
)

var _ runner.Fanout = (*Scheduler)(nil)

// ScatterGather binds each element of the input collection to the item alias, runs
// the sub-steps once per element under the concurrency cap, then gathers the
// per-item results. An item's result is the data of its last sub-step.
func (s *Scheduler) ScatterGather(ctx context.Context, rc *runctx.Context, step domain.Step, cfg *domain.ScatterGatherConfig, run runner.StepFunc) (domain.StepOutput, error) {
	started := time.Now()
	rendered, err := rc.Render(cfg.Input)
	if err != nil {
		return domain.StepOutput{}, err
	}
	items, ok := values.AsSlice(rendered)
	if !ok {
		if rendered != nil {
			return domain.StepOutput{}, fmt.Errorf("step %s: scatter input must be a list, got %T", step.ID, rendered)
		}
		items = []any{}
	}

	if len(items) == 0 {
		data, err := gather(cfg.Gather, []any{})
		if err != nil {
			return domain.StepOutput{}, err
		}
		return domain.StepOutput{
			Data:     data,
			Metadata: domain.StepMetadata{Success: true, ExecutionTimeMs: time.Since(started).Milliseconds()},
		}, nil
	}

	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = s.maxConcurrency
	}
	alias := cfg.ItemAlias()
	results := make([]any, len(items))
	var tokens atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			fork := rc.Fork()
			fork.PushLoopFrame(alias, item, i)
			var last any
			for _, sub := range cfg.Steps {
				out, err := run(gctx, fork, sub)
				tokens.Add(int64(out.Metadata.TokensUsed))
				if err != nil {
					return fmt.Errorf("item %d step %s: %w", i, sub.ID, err)
				}
				last = out.Data
			}
			results[i] = last
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.StepOutput{Metadata: domain.StepMetadata{TokensUsed: int(tokens.Load()), ItemCount: len(items)}}, err
	}

	data, err := gather(cfg.Gather, results)
	if err != nil {
		return domain.StepOutput{}, fmt.Errorf("step %s gather: %w", step.ID, err)
	}
	s.logger.Debug("scatter gathered",
		"execution_id", rc.ExecutionID(),
		"step_id", step.ID,
		"items", len(items),
		"mode", string(cfg.Gather.Mode),
	)
	return domain.StepOutput{
		Data: data,
		Metadata: domain.StepMetadata{
			Success:         true,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
			TokensUsed:      int(tokens.Load()),
			ItemCount:       len(items),
		},
	}, nil
}

func gather(cfg domain.GatherConfig, results []any) (any, error) {
	switch cfg.Mode {
	case domain.GatherCollect, "":
		return results, nil
	case domain.GatherMerge:
		merged := make(map[string]any)
		for i, result := range results {
			if result == nil {
				continue
			}
			obj, ok := result.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge: item %d result is %T, not an object", i, result)
			}
			for key, value := range obj {
				merged[key] = value
			}
		}
		return merged, nil
	case domain.GatherReduce:
		return transform.Reduce(cfg.Reducer, results, cfg.Field, cfg.Separator, cfg.Initial)
	default:
		return nil, fmt.Errorf("unsupported gather mode %q", cfg.Mode)
	}
}
