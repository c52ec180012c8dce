// Package recovery wraps delegated calls with retries, backoff and circuit breaking.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
)

// Policy bounds retries for one step. Attempts = 1 + MaxRetries.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// ForStep applies a step's retry override on top of p.
func (p Policy) ForStep(step domain.Step) Policy {
	if step.Retry == nil {
		return p
	}
	if step.Retry.MaxRetries != nil {
		p.MaxRetries = *step.Retry.MaxRetries
	}
	if step.Retry.BackoffMs != nil {
		p.BaseBackoff = time.Duration(*step.Retry.BackoffMs) * time.Millisecond
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based), before jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseBackoff <= 0 {
		return 0
	}
	backoff := float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// Call performs one attempt.
type Call func(ctx context.Context, attempt int) (domain.StepOutput, error)

// Observer is told about every finished attempt, successful or not.
type Observer func(attempt int, out domain.StepOutput, err error)

// Executor runs calls under the retry policy and the target's circuit breaker.
type Executor struct {
	breakers *Registry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(d time.Duration) time.Duration
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithJitter replaces the jitter function, mainly for tests.
func WithJitter(jitter func(d time.Duration) time.Duration) Option {
	return func(e *Executor) {
		if jitter != nil {
			e.jitter = jitter
		}
	}
}

func NewExecutor(breakers *Registry, opts ...Option) *Executor {
	if breakers == nil {
		breakers = NewRegistry(BreakerConfig{})
	}
	e := &Executor{
		breakers: breakers,
		logger:   slog.New(slog.DiscardHandler),
		sleep:    sleepContext,
		jitter:   equalJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute calls fn until it succeeds, fails with a non-retryable error, or the
// attempts run out. The breaker for target is consulted before every attempt and
// an open circuit ends the loop immediately. It returns the last output, the
// number of attempts made and the last error.
func (e *Executor) Execute(ctx context.Context, target string, policy Policy, fn Call, observe Observer) (domain.StepOutput, int, error) {
	maxAttempts := 1 + policy.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	breaker := e.breakers.Get(target)

	var (
		out     domain.StepOutput
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, attempt - 1, err
		}
		if err := breaker.Allow(); err != nil {
			e.logger.Warn("circuit open", "target", target, "attempt", attempt)
			return out, attempt - 1, err
		}

		started := time.Now()
		out, lastErr = fn(ctx, attempt)
		if out.Metadata.ExecutionTimeMs == 0 {
			out.Metadata.ExecutionTimeMs = time.Since(started).Milliseconds()
		}
		out.Metadata.Attempts = attempt
		out.Metadata.Success = lastErr == nil

		if lastErr == nil {
			breaker.RecordSuccess()
			if observe != nil {
				observe(attempt, out, nil)
			}
			return out, attempt, nil
		}

		out.Metadata.Error = lastErr.Error()
		if !errors.Is(lastErr, context.Canceled) {
			if state := breaker.RecordFailure(); state == StateOpen {
				e.logger.Warn("circuit opened", "target", target)
			}
		}
		if observe != nil {
			observe(attempt, out, lastErr)
		}
		if !domain.IsRetryable(lastErr) || attempt == maxAttempts {
			break
		}

		delay := e.jitter(policy.Backoff(attempt))
		e.logger.Info("retrying step call",
			"target", target,
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", lastErr.Error(),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return out, attempt, err
		}
	}
	return out, out.Metadata.Attempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// equalJitter keeps half the delay and randomizes the rest.
func equalJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(d-half+1)
}
