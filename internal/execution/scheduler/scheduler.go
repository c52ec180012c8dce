// Package scheduler runs the steps of one level concurrently under a cap and
// implements scatter/gather fan-out.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
)

const DefaultMaxConcurrency = 3

// Outcome is the result of one step in a level.
type Outcome struct {
	StepID    string
	Output    domain.StepOutput
	Err       error
	Started   bool
	Abandoned bool
	Duration  time.Duration
}

// StepFunc executes one step of a level.
type StepFunc func(ctx context.Context, step domain.Step) (domain.StepOutput, error)

type Scheduler struct {
	maxConcurrency int
	logger         *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(maxConcurrency int, opts ...Option) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	s := &Scheduler{
		maxConcurrency: maxConcurrency,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) MaxConcurrency() int { return s.maxConcurrency }

// RunLevel executes steps in chunks of maxConcurrency: chunks run one after another,
// the steps of a chunk run concurrently. Outcomes are returned in input order.
//
// When ctx ends, RunLevel returns without waiting. In-flight steps are reported as
// abandoned and their late results are dropped; steps of later chunks are reported
// as not started.
func (s *Scheduler) RunLevel(ctx context.Context, steps []domain.Step, fn StepFunc) []Outcome {
	outcomes := make([]Outcome, len(steps))
	done := make([]bool, len(steps))
	for i, step := range steps {
		outcomes[i].StepID = step.ID
	}

	type result struct {
		index    int
		out      domain.StepOutput
		err      error
		duration time.Duration
	}

	for start := 0; start < len(steps); start += s.maxConcurrency {
		end := start + s.maxConcurrency
		if end > len(steps) {
			end = len(steps)
		}
		if err := ctx.Err(); err != nil {
			markNotStarted(outcomes[start:], err)
			return outcomes
		}

		chunk := steps[start:end]
		results := make(chan result, len(chunk))
		for i, step := range chunk {
			index := start + i
			outcomes[index].Started = true
			go func(index int, step domain.Step) {
				began := time.Now()
				out, err := fn(ctx, step)
				results <- result{index: index, out: out, err: err, duration: time.Since(began)}
			}(index, step)
		}

		pending := len(chunk)
		for pending > 0 {
			select {
			case res := <-results:
				pending--
				done[res.index] = true
				outcomes[res.index].Output = res.out
				outcomes[res.index].Err = res.err
				outcomes[res.index].Duration = res.duration
			case <-ctx.Done():
				for i := start; i < end; i++ {
					if !done[i] {
						outcomes[i].Abandoned = true
						outcomes[i].Err = ctx.Err()
					}
				}
				markNotStarted(outcomes[end:], ctx.Err())
				s.logger.Warn("level abandoned", "pending_steps", pending, "error", ctx.Err().Error())
				return outcomes
			}
		}
	}
	return outcomes
}

func markNotStarted(outcomes []Outcome, err error) {
	for i := range outcomes {
		outcomes[i].Started = false
		outcomes[i].Err = err
	}
}
