package recovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
)

// BreakerState is the circuit state of one invocation target.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds shared by every breaker in a registry.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultBreakerThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultBreakerCooldown
	}
	return c
}

// Breaker guards one target. All transitions use atomic loads and compare-and-swap,
// so concurrent runs can share it without a lock.
type Breaker struct {
	target   string
	cfg      BreakerConfig
	now      func() time.Time
	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Target              string
	State               BreakerState
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Allow reports whether a call may proceed. After the cooldown exactly one caller
// wins the open to half-open transition and gets the trial call.
func (b *Breaker) Allow() error {
	for {
		switch BreakerState(b.state.Load()) {
		case StateClosed:
			return nil
		case StateHalfOpen:
			return b.openError(0)
		case StateOpen:
			opened := time.Unix(0, b.openedAt.Load())
			elapsed := b.now().Sub(opened)
			if elapsed < b.cfg.Cooldown {
				return b.openError(b.cfg.Cooldown - elapsed)
			}
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				return nil
			}
		}
	}
}

func (b *Breaker) openError(retryAfter time.Duration) error {
	return &domain.CircuitOpenError{Target: b.target, RetryAfter: retryAfter}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.state.Store(int32(StateClosed))
}

// RecordFailure counts a failure and returns the resulting state.
func (b *Breaker) RecordFailure() BreakerState {
	if b.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
		b.openedAt.Store(b.now().UnixNano())
		return StateOpen
	}
	failures := b.failures.Add(1)
	if int(failures) >= b.cfg.Threshold {
		if b.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
			b.openedAt.Store(b.now().UnixNano())
			b.failures.Store(0)
		}
	}
	return BreakerState(b.state.Load())
}

func (b *Breaker) State() BreakerState { return BreakerState(b.state.Load()) }

func (b *Breaker) Snapshot() BreakerSnapshot {
	snap := BreakerSnapshot{
		Target:              b.target,
		State:               b.State(),
		ConsecutiveFailures: int(b.failures.Load()),
	}
	if nanos := b.openedAt.Load(); nanos != 0 {
		snap.OpenedAt = time.Unix(0, nanos).UTC()
	}
	return snap
}

// Registry owns one breaker per target and outlives individual runs.
type Registry struct {
	cfg      BreakerConfig
	now      func() time.Time
	breakers sync.Map
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg.withDefaults(), now: time.Now}
}

// Get returns the breaker for target, creating it on first use.
func (r *Registry) Get(target string) *Breaker {
	if existing, ok := r.breakers.Load(target); ok {
		return existing.(*Breaker)
	}
	created := &Breaker{target: target, cfg: r.cfg, now: r.now}
	actual, _ := r.breakers.LoadOrStore(target, created)
	return actual.(*Breaker)
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []BreakerSnapshot {
	var out []BreakerSnapshot
	r.breakers.Range(func(_, value any) bool {
		out = append(out, value.(*Breaker).Snapshot())
		return true
	})
	return out
}

// ActionTarget is the breaker key for a plugin action.
func ActionTarget(plugin, action string) string { return plugin + ":" + action }

// ModelTarget is the breaker key for an LLM model.
func ModelTarget(model string) string { return "llm:" + model }
